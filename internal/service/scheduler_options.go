package service

import (
	"fmt"
	"time"

	"github.com/noah-isme/course-scheduler/internal/dto"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/pkg/config"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
)

// ResolveRunConfig layers per-run overrides on top of the configured defaults.
func ResolveRunConfig(defaults config.SchedulerConfig, overrides *dto.RunOptions) (models.RunConfig, error) {
	rc := models.RunConfig{
		MaxCoursesPerTerm:    defaults.MaxCoursesPerTerm,
		RequestWeight:        defaults.RequestWeight,
		CoreCourseMultiplier: defaults.CoreCourseMultiplier,
		ImbalancePenalty:     defaults.ImbalancePenalty,
		PrerequisitePenalty:  defaults.PrerequisitePenalty,
		PrerequisiteHard:     defaults.PrerequisiteHard,
		TargetFillRatio:      defaults.TargetFillRatio,
		SolverTimeLimit:      defaults.SolverTimeLimit.String(),
	}
	if overrides == nil {
		return rc, nil
	}
	if overrides.MaxCoursesPerTerm != nil {
		rc.MaxCoursesPerTerm = *overrides.MaxCoursesPerTerm
	}
	if overrides.RequestWeight != nil {
		rc.RequestWeight = *overrides.RequestWeight
	}
	if overrides.CoreCourseMultiplier != nil {
		rc.CoreCourseMultiplier = *overrides.CoreCourseMultiplier
	}
	if overrides.ImbalancePenalty != nil {
		rc.ImbalancePenalty = *overrides.ImbalancePenalty
	}
	if overrides.PrerequisitePenalty != nil {
		rc.PrerequisitePenalty = *overrides.PrerequisitePenalty
	}
	if overrides.PrerequisiteHard != nil {
		rc.PrerequisiteHard = *overrides.PrerequisiteHard
	}
	if overrides.TargetFillRatio != nil {
		rc.TargetFillRatio = *overrides.TargetFillRatio
	}
	if overrides.SolverTimeLimit != nil {
		limit, err := time.ParseDuration(*overrides.SolverTimeLimit)
		if err != nil || limit <= 0 {
			return rc, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid solver_time_limit %q", *overrides.SolverTimeLimit))
		}
		if defaults.SolverTimeLimit > 0 && limit > defaults.SolverTimeLimit {
			limit = defaults.SolverTimeLimit
		}
		rc.SolverTimeLimit = limit.String()
	}
	return rc, nil
}

// PlanOptions converts a stored run configuration into model options and a time limit.
func PlanOptions(rc models.RunConfig) (planner.Options, time.Duration, error) {
	limit, err := time.ParseDuration(rc.SolverTimeLimit)
	if err != nil {
		return planner.Options{}, 0, fmt.Errorf("parse solver time limit %q: %w", rc.SolverTimeLimit, err)
	}
	opts := planner.Options{
		IndexOptions: planner.IndexOptions{
			MaxCoursesPerTerm: rc.MaxCoursesPerTerm,
			TargetFillRatio:   rc.TargetFillRatio,
			PrerequisiteHard:  rc.PrerequisiteHard,
		},
		Weights: planner.Weights{
			RequestWeight:        rc.RequestWeight,
			CoreCourseMultiplier: rc.CoreCourseMultiplier,
			ImbalancePenalty:     rc.ImbalancePenalty,
			PrerequisitePenalty:  rc.PrerequisitePenalty,
		},
	}
	return opts, limit, nil
}
