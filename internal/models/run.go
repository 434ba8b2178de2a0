package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RunStatus tracks the lifecycle of a persisted scheduling run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// RunConfig carries the model weights and limits applied to one run.
type RunConfig struct {
	MaxCoursesPerTerm    int     `json:"max_courses_per_term"`
	RequestWeight        float64 `json:"request_weight"`
	CoreCourseMultiplier float64 `json:"core_course_multiplier"`
	ImbalancePenalty     float64 `json:"imbalance_penalty"`
	PrerequisitePenalty  float64 `json:"prerequisite_penalty"`
	PrerequisiteHard     bool    `json:"prerequisite_hard"`
	TargetFillRatio      float64 `json:"target_fill_ratio"`
	SolverTimeLimit      string  `json:"solver_time_limit"`
}

// ScheduleRun is a row of the schedule_runs table.
type ScheduleRun struct {
	ID           string         `db:"id" json:"id"`
	Status       RunStatus      `db:"status" json:"status"`
	SolveStatus  *string        `db:"solve_status" json:"solve_status,omitempty"`
	Input        types.JSONText `db:"input" json:"-"`
	Config       types.JSONText `db:"config" json:"config"`
	Result       types.JSONText `db:"result" json:"-"`
	Objective    *float64       `db:"objective" json:"objective,omitempty"`
	ErrorCode    *string        `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedBy    *string        `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	FinishedAt   *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// RunOutcome is what a finished pipeline writes back onto its run.
type RunOutcome struct {
	Status       RunStatus
	SolveStatus  string
	Result       types.JSONText
	Objective    *float64
	ErrorCode    string
	ErrorMessage string
}

// ScheduleAssignmentRow is a row of the schedule_assignments table.
type ScheduleAssignmentRow struct {
	ID         string     `db:"id" json:"id"`
	RunID      string     `db:"run_id" json:"run_id"`
	EntityKind EntityKind `db:"entity_kind" json:"entity_kind"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	SectionID  string     `db:"section_id" json:"section_id"`
	CourseID   string     `db:"course_id" json:"course_id"`
	TermID     string     `db:"term_id" json:"term_id"`
	Block      string     `db:"block" json:"block"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	Status   *RunStatus
	Page     int
	PageSize int
}

// Pagination describes list metadata in response envelopes.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
