package timetable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/internal/solver"
)

// maxNamedRows caps how many row names a saturated family diagnostic lists.
const maxNamedRows = 5

// ErrDiagnosisBudget is returned with the diagnostics gathered before the
// diagnosis time budget ran out.
var ErrDiagnosisBudget = errors.New("timetable: diagnosis budget exhausted")

// Diagnose explains an infeasible model. Backends implementing ConflictExplainer are
// asked for an irreducible infeasible set; otherwise each relaxable family is removed in
// turn and the model re-solved for feasibility. timeLimit bounds the whole diagnosis,
// not each re-solve, and is clipped to the context deadline.
func Diagnose(ctx context.Context, adapter solver.Adapter, model *solver.Model, timeLimit time.Duration) ([]models.Diagnostic, error) {
	if adapter == nil || model == nil {
		return nil, errors.New("timetable: nil adapter or model")
	}
	if timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}
	if explainer, ok := adapter.(solver.ConflictExplainer); ok {
		rows, err := explainer.Explain(ctx, model)
		if err == nil && len(rows) > 0 {
			return fromConflictSet(model, rows), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ErrDiagnosisBudget
		}
	}
	return relaxFamilies(ctx, adapter, model)
}

func fromConflictSet(model *solver.Model, rows []int) []models.Diagnostic {
	named := make(map[string][]string)
	var families []string
	for _, i := range rows {
		if i < 0 || i >= len(model.Constraints) {
			continue
		}
		row := model.Constraints[i]
		if _, ok := named[row.Family]; !ok {
			families = append(families, row.Family)
		}
		named[row.Family] = append(named[row.Family], row.Name)
	}
	diags := make([]models.Diagnostic, 0, len(families))
	for _, family := range families {
		names := named[family]
		listed := names
		if len(listed) > maxNamedRows {
			listed = listed[:maxNamedRows]
		}
		diags = append(diags, models.Diagnostic{
			Code:    models.DiagnosticSaturatedFamily,
			Family:  family,
			Message: fmt.Sprintf("%d %s row(s) conflict: %s", len(names), family, strings.Join(listed, ", ")),
		})
	}
	return diags
}

func relaxFamilies(ctx context.Context, adapter solver.Adapter, model *solver.Model) ([]models.Diagnostic, error) {
	var diags []models.Diagnostic
	for _, family := range model.Families() {
		if !planner.Relaxable(family) {
			continue
		}
		var remaining time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return diags, ErrDiagnosisBudget
			}
		}
		if ctx.Err() != nil {
			return diags, ErrDiagnosisBudget
		}
		res, err := adapter.Solve(ctx, model.Without(family), remaining)
		if err != nil {
			if ctx.Err() != nil {
				return diags, ErrDiagnosisBudget
			}
			return diags, err
		}
		if !res.HasValues() || res.Status == solver.StatusInfeasible {
			continue
		}
		diags = append(diags, models.Diagnostic{
			Code:    models.DiagnosticSaturatedFamily,
			Family:  family,
			Message: fmt.Sprintf("removing the %s constraints makes the model feasible", family),
		})
	}
	return diags, nil
}

// Run solves a plan, decodes the result and attaches infeasibility diagnostics.
// Diagnosis gets its own timeLimit budget; whatever it gathered before running
// out is kept.
func Run(ctx context.Context, adapter solver.Adapter, plan *planner.Plan, timeLimit time.Duration) (*Schedule, error) {
	if plan == nil {
		return nil, errors.New("timetable: nil plan")
	}
	res, err := adapter.Solve(ctx, plan.Model, timeLimit)
	if err != nil {
		return nil, err
	}
	schedule, err := Decode(plan.Index, res)
	if errors.Is(err, ErrSolveInfeasible) {
		diags, _ := Diagnose(ctx, adapter, plan.Model, timeLimit)
		schedule.diagnostics = append(schedule.diagnostics, diags...)
	}
	return schedule, err
}
