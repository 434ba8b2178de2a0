package solver

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	gophersat "github.com/crillab/gophersat/solver"
	"go.uber.org/zap"
)

// objectiveScale turns real objective weights into the integer costs the backend minimises.
const objectiveScale = 100

// PBSolver solves models as pseudo-boolean optimisation problems.
//
// A single backend Solve pass cannot be interrupted, so a search that outlives
// its time limit keeps its slot until the current pass returns. Slots bound how
// many searches, orphaned ones included, run at once.
type PBSolver struct {
	logger *zap.Logger
	slots  chan struct{}
}

// PBOption configures a PBSolver.
type PBOption func(*PBSolver)

// WithMaxSearches bounds concurrent searches. Values below one keep the default
// of one search per CPU.
func WithMaxSearches(n int) PBOption {
	return func(p *PBSolver) {
		if n > 0 {
			p.slots = make(chan struct{}, n)
		}
	}
}

// NewPBSolver constructs the pseudo-boolean backend.
func NewPBSolver(logger *zap.Logger, opts ...PBOption) *PBSolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PBSolver{logger: logger, slots: make(chan struct{}, runtime.NumCPU())}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LiveSearches returns the number of backend searches currently running,
// including searches whose caller already gave up on them.
func (p *PBSolver) LiveSearches() int {
	return len(p.slots)
}

type encoding struct {
	constrs    []gophersat.PBConstr
	infeasible string
	maxVar     int
	costLits   []gophersat.Lit
	costWeight []int
}

// cost evaluates the backend cost function on a backend model.
func (e *encoding) cost(raw []bool) int {
	total := 0
	for i, lit := range e.costLits {
		v := int(lit.Var())
		if v < len(raw) && raw[v] == lit.IsPositive() {
			total += e.costWeight[i]
		}
	}
	return total
}

// improvement returns the clause forcing the next model to cost less than cost.
func (e *encoding) improvement(cost int) *gophersat.Clause {
	lits := make([]gophersat.Lit, len(e.costLits))
	weights := make([]int, len(e.costWeight))
	maxCost := 0
	for i, lit := range e.costLits {
		lits[i] = lit.Negation()
		weights[i] = e.costWeight[i]
		maxCost += e.costWeight[i]
	}
	return gophersat.NewPBClause(lits, weights, maxCost-cost+1)
}

func (e *encoding) backend() *gophersat.Solver {
	problem := gophersat.ParsePBConstrs(e.constrs)
	if len(e.costLits) > 0 {
		problem.SetCostFunc(e.costLits, e.costWeight)
	}
	return gophersat.New(problem)
}

type searchOutcome struct {
	status gophersat.Status
	values []bool
}

// Solve encodes the model, runs the backend and returns the best assignment found.
func (p *PBSolver) Solve(ctx context.Context, model *Model, timeLimit time.Duration) (*Result, error) {
	if model == nil {
		return nil, fmt.Errorf("solver: nil model")
	}
	n := model.NumVars()
	enc, err := encode(model)
	if err != nil {
		return nil, err
	}
	if enc.infeasible != "" {
		p.logger.Debug("model rejected before search", zap.String("row", enc.infeasible))
		return &Result{Status: StatusInfeasible}, nil
	}
	if len(enc.constrs) == 0 {
		values := freeAssignment(model, n, 0)
		return &Result{Status: StatusOptimal, Values: values, Objective: model.Objective.Evaluate(values)}, nil
	}

	var deadline <-chan time.Time
	if timeLimit > 0 {
		timer := time.NewTimer(timeLimit)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case p.slots <- struct{}{}:
	case <-deadline:
		p.logger.Warn("no search slot freed before the time limit", zap.Int("live_searches", p.LiveSearches()))
		return &Result{Status: StatusTimeout}, nil
	case <-ctx.Done():
		p.logger.Debug("solve cancelled while waiting for a search slot", zap.Error(ctx.Err()))
		return &Result{Status: StatusTimeout}, nil
	}

	backend := enc.backend()

	stop := make(chan struct{})
	done := make(chan searchOutcome, 1)
	var (
		mu        sync.Mutex
		incumbent []bool
	)
	record := func(values []bool) {
		mu.Lock()
		incumbent = values
		mu.Unlock()
	}
	started := time.Now()
	go func() {
		defer func() { <-p.slots }()
		done <- p.search(backend, enc, model, n, stop, record)
	}()

	select {
	case out := <-done:
		switch out.status {
		case gophersat.Sat:
			p.logger.Debug("search completed", zap.Duration("elapsed", time.Since(started)))
			return &Result{Status: StatusOptimal, Values: out.values, Objective: model.Objective.Evaluate(out.values)}, nil
		case gophersat.Unsat:
			return &Result{Status: StatusInfeasible}, nil
		}
	case <-deadline:
		close(stop)
		p.logger.Info("time limit reached, search left to finish its current pass",
			zap.Duration("limit", timeLimit), zap.Int("live_searches", p.LiveSearches()))
	case <-ctx.Done():
		close(stop)
		p.logger.Info("solve cancelled, search left to finish its current pass",
			zap.Error(ctx.Err()), zap.Int("live_searches", p.LiveSearches()))
	}

	mu.Lock()
	best := incumbent
	mu.Unlock()
	if best == nil {
		return &Result{Status: StatusTimeout}, nil
	}
	return &Result{Status: StatusTimeout, Values: best, Objective: model.Objective.Evaluate(best)}, nil
}

// search minimises the cost function by repeatedly asking for a cheaper model.
// stop is checked between passes; a closed stop yields Indet with the last model.
func (p *PBSolver) search(backend *gophersat.Solver, enc *encoding, model *Model, n int, stop <-chan struct{}, record func([]bool)) searchOutcome {
	status := backend.Solve()
	if status != gophersat.Sat {
		return searchOutcome{status: gophersat.Unsat}
	}
	var best []bool
	for status == gophersat.Sat {
		raw := backend.Model()
		best = decodeModel(raw, model, n, enc.maxVar)
		record(best)
		cost := enc.cost(raw)
		if cost == 0 {
			break
		}
		select {
		case <-stop:
			return searchOutcome{status: gophersat.Indet, values: best}
		default:
		}
		backend.AppendClause(enc.improvement(cost))
		status = backend.Solve()
	}
	return searchOutcome{status: gophersat.Sat, values: best}
}

func encode(model *Model) (*encoding, error) {
	n := model.NumVars()
	enc := &encoding{}
	for i, row := range model.Constraints {
		coefs := make(map[int]int, len(row.Terms))
		order := make([]int, 0, len(row.Terms))
		for _, t := range row.Terms {
			if t.Var < 0 || t.Var >= n {
				return nil, fmt.Errorf("solver: row %d (%s) references unknown variable %d", i, row.Name, t.Var)
			}
			if _, ok := coefs[t.Var]; !ok {
				order = append(order, t.Var)
			}
			coefs[t.Var] += t.Coef
		}
		var forms []int
		switch row.Sense {
		case GreaterEqual:
			forms = []int{1}
		case LessEqual:
			forms = []int{-1}
		case Equal:
			forms = []int{1, -1}
		default:
			return nil, fmt.Errorf("solver: row %d (%s) has unknown sense %q", i, row.Name, row.Sense)
		}
		for _, sign := range forms {
			constr, ok, trivial := normalise(order, coefs, sign, row.RHS)
			if trivial {
				continue
			}
			if !ok {
				enc.infeasible = row.Name
				return enc, nil
			}
			for _, lit := range constr.Lits {
				if v := absInt(lit); v > enc.maxVar {
					enc.maxVar = v
				}
			}
			enc.constrs = append(enc.constrs, constr)
		}
	}

	costs := make(map[int]int)
	var litOrder []int
	for _, t := range model.Objective.Terms {
		if t.Var < 0 || t.Var >= n || t.Var+1 > enc.maxVar {
			continue
		}
		scaled := int(math.Round(t.Weight * objectiveScale))
		if scaled == 0 {
			continue
		}
		lit := -(t.Var + 1)
		if scaled < 0 {
			lit = t.Var + 1
			scaled = -scaled
		}
		if _, ok := costs[lit]; !ok {
			litOrder = append(litOrder, lit)
		}
		costs[lit] += scaled
	}
	for _, lit := range litOrder {
		enc.costLits = append(enc.costLits, gophersat.IntToLit(int32(lit)))
		enc.costWeight = append(enc.costWeight, costs[lit])
	}
	return enc, nil
}

// normalise rewrites sign*(Σ coef·x) >= sign*rhs into positive weights over literals.
func normalise(order []int, coefs map[int]int, sign, rhs int) (gophersat.PBConstr, bool, bool) {
	atLeast := sign * rhs
	lits := make([]int, 0, len(order))
	weights := make([]int, 0, len(order))
	total := 0
	for _, v := range order {
		c := sign * coefs[v]
		switch {
		case c > 0:
			lits = append(lits, v+1)
			weights = append(weights, c)
			total += c
		case c < 0:
			lits = append(lits, -(v + 1))
			weights = append(weights, -c)
			atLeast -= c
			total -= c
		}
	}
	if atLeast <= 0 {
		return gophersat.PBConstr{}, true, true
	}
	if atLeast > total {
		return gophersat.PBConstr{}, false, false
	}
	for i, w := range weights {
		if w > atLeast {
			weights[i] = atLeast
		}
	}
	return gophersat.PBConstr{Lits: lits, Weights: weights, AtLeast: atLeast}, true, false
}

// decodeModel copies a backend model into a value slice and sets variables absent
// from every row to their objective-preferred value.
func decodeModel(raw []bool, model *Model, n, maxVar int) []bool {
	values := freeAssignment(model, n, maxVar)
	for i := 0; i < len(raw) && i < maxVar && i < n; i++ {
		values[i] = raw[i]
	}
	return values
}

func freeAssignment(model *Model, n, maxVar int) []bool {
	values := make([]bool, n)
	for _, t := range model.Objective.Terms {
		if t.Var >= maxVar && t.Var < n && t.Weight > 0 {
			values[t.Var] = true
		}
	}
	return values
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
