package planner

import "github.com/noah-isme/course-scheduler/internal/solver"

// Weights configures the objective.
type Weights struct {
	RequestWeight        float64 `json:"request_weight"`
	CoreCourseMultiplier float64 `json:"core_course_multiplier"`
	ImbalancePenalty     float64 `json:"imbalance_penalty"`
	PrerequisitePenalty  float64 `json:"prerequisite_penalty"`
}

// DefaultWeights mirrors the 100/50 core to elective split of the legacy scheduler.
func DefaultWeights() Weights {
	return Weights{
		RequestWeight:        50,
		CoreCourseMultiplier: 2,
		ImbalancePenalty:     1,
		PrerequisitePenalty:  75,
	}
}

// Compose builds the maximisation objective: satisfied requests weighted by priority
// and course kind, minus size deviations and prerequisite violations.
func Compose(idx *VariableIndex, w Weights) solver.Objective {
	var terms []solver.ObjectiveTerm
	for _, planned := range idx.requests {
		weight := w.RequestWeight * planned.Request.Priority
		if planned.Core {
			weight *= w.CoreCourseMultiplier
		}
		if weight == 0 {
			continue
		}
		for _, ref := range planned.Enrollments {
			terms = append(terms, solver.ObjectiveTerm{Var: idx.enrollments[ref].Var, Weight: weight})
		}
	}
	if w.ImbalancePenalty != 0 {
		for _, d := range idx.deviations {
			terms = append(terms, solver.ObjectiveTerm{Var: d.Var, Weight: -w.ImbalancePenalty})
		}
	}
	if w.PrerequisitePenalty != 0 {
		for _, link := range idx.links {
			if link.Var < 0 {
				continue
			}
			terms = append(terms, solver.ObjectiveTerm{Var: link.Var, Weight: -w.PrerequisitePenalty})
		}
	}
	return solver.Objective{Terms: terms}
}
