package planner

import (
	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/solver"
)

// Options bundles index options and objective weights for a full model build.
type Options struct {
	IndexOptions
	Weights
}

// Plan is an indexed, ready to solve model.
type Plan struct {
	Index *VariableIndex
	Model *solver.Model
}

// Stats summarises model size.
type Stats struct {
	Sections    int `json:"sections"`
	Variables   int `json:"variables"`
	Constraints int `json:"constraints"`
	Dropped     int `json:"dropped_requests"`
}

// Build runs the index, constraint and objective stages over a catalog.
func Build(cat *catalog.Catalog, opts Options) (*Plan, error) {
	idx, err := Index(cat, opts.IndexOptions)
	if err != nil {
		return nil, err
	}
	model := &solver.Model{
		VarNames:    idx.Keys(),
		Constraints: Constraints(idx),
		Objective:   Compose(idx, opts.Weights),
	}
	return &Plan{Index: idx, Model: model}, nil
}

// Stats reports the size of the plan.
func (p *Plan) Stats() Stats {
	return Stats{
		Sections:    len(p.Index.sections),
		Variables:   p.Index.Len(),
		Constraints: len(p.Model.Constraints),
		Dropped:     len(p.Index.diagnostics),
	}
}
