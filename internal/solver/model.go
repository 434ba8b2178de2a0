package solver

import (
	"context"
	"time"
)

// Status reports how a solve ended.
type Status string

const (
	StatusOptimal    Status = "OPTIMAL"
	StatusFeasible   Status = "FEASIBLE"
	StatusInfeasible Status = "INFEASIBLE"
	StatusTimeout    Status = "TIMEOUT"
)

// Sense is the comparison of a linear row against its right-hand side.
type Sense string

const (
	LessEqual    Sense = "<="
	GreaterEqual Sense = ">="
	Equal        Sense = "=="
)

// Term is one integer coefficient applied to a binary variable.
type Term struct {
	Var  int `json:"var"`
	Coef int `json:"coef"`
}

// Constraint is a linear row over binary variables tagged with the family that emitted it.
type Constraint struct {
	Family string `json:"family"`
	Name   string `json:"name"`
	Terms  []Term `json:"terms"`
	Sense  Sense  `json:"sense"`
	RHS    int    `json:"rhs"`
}

// Activity sums the row's coefficients over the true variables.
func (c Constraint) Activity(values []bool) int {
	total := 0
	for _, t := range c.Terms {
		if t.Var >= 0 && t.Var < len(values) && values[t.Var] {
			total += t.Coef
		}
	}
	return total
}

// Satisfied reports whether the assignment honours the row.
func (c Constraint) Satisfied(values []bool) bool {
	activity := c.Activity(values)
	switch c.Sense {
	case LessEqual:
		return activity <= c.RHS
	case GreaterEqual:
		return activity >= c.RHS
	default:
		return activity == c.RHS
	}
}

// ObjectiveTerm is a real weight on a binary variable.
type ObjectiveTerm struct {
	Var    int     `json:"var"`
	Weight float64 `json:"weight"`
}

// Objective is always maximised.
type Objective struct {
	Terms []ObjectiveTerm `json:"terms"`
}

// Evaluate returns the objective value of an assignment.
func (o Objective) Evaluate(values []bool) float64 {
	total := 0.0
	for _, t := range o.Terms {
		if t.Var >= 0 && t.Var < len(values) && values[t.Var] {
			total += t.Weight
		}
	}
	return total
}

// Model is the assembled binary program handed to an Adapter.
type Model struct {
	VarNames    []string     `json:"var_names"`
	Constraints []Constraint `json:"constraints"`
	Objective   Objective    `json:"objective"`
}

// NumVars returns the number of binary variables.
func (m *Model) NumVars() int {
	return len(m.VarNames)
}

// Violations lists the indices of rows the assignment breaks.
func (m *Model) Violations(values []bool) []int {
	var broken []int
	for i, c := range m.Constraints {
		if !c.Satisfied(values) {
			broken = append(broken, i)
		}
	}
	return broken
}

// Families lists the distinct constraint families in emission order.
func (m *Model) Families() []string {
	seen := make(map[string]struct{})
	var families []string
	for _, c := range m.Constraints {
		if _, ok := seen[c.Family]; ok {
			continue
		}
		seen[c.Family] = struct{}{}
		families = append(families, c.Family)
	}
	return families
}

// Without returns a feasibility-only copy of the model, with no objective and every row
// of the given families removed.
func (m *Model) Without(families ...string) *Model {
	drop := make(map[string]struct{}, len(families))
	for _, f := range families {
		drop[f] = struct{}{}
	}
	rows := make([]Constraint, 0, len(m.Constraints))
	for _, c := range m.Constraints {
		if _, ok := drop[c.Family]; ok {
			continue
		}
		rows = append(rows, c)
	}
	return &Model{VarNames: m.VarNames, Constraints: rows}
}

// Result is what an Adapter returns. Values is indexed by variable id and is nil when
// no assignment was found.
type Result struct {
	Status    Status  `json:"status"`
	Values    []bool  `json:"values,omitempty"`
	Objective float64 `json:"objective"`
}

// HasValues reports whether the result carries an assignment.
func (r *Result) HasValues() bool {
	return r != nil && r.Values != nil
}

// Adapter solves a Model within a time limit. A zero limit means no limit.
type Adapter interface {
	Solve(ctx context.Context, model *Model, timeLimit time.Duration) (*Result, error)
}

// ConflictExplainer is implemented by backends that can extract an irreducible
// infeasible set of rows.
type ConflictExplainer interface {
	Explain(ctx context.Context, model *Model) ([]int, error)
}
