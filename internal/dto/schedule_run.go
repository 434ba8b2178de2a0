package dto

import (
	"time"

	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/internal/timetable"
)

// RunOptions overrides configured model weights for a single run. Nil fields
// keep the configured value.
type RunOptions struct {
	MaxCoursesPerTerm    *int     `json:"max_courses_per_term" validate:"omitempty,min=0,max=32"`
	RequestWeight        *float64 `json:"request_weight" validate:"omitempty,min=0"`
	CoreCourseMultiplier *float64 `json:"core_course_multiplier" validate:"omitempty,min=0"`
	ImbalancePenalty     *float64 `json:"imbalance_penalty" validate:"omitempty,min=0"`
	PrerequisitePenalty  *float64 `json:"prerequisite_penalty" validate:"omitempty,min=0"`
	PrerequisiteHard     *bool    `json:"prerequisite_hard"`
	TargetFillRatio      *float64 `json:"target_fill_ratio" validate:"omitempty,gt=0,lte=1"`
	SolverTimeLimit      *string  `json:"solver_time_limit"`
}

// PlanRequest submits a catalog for scheduling.
type PlanRequest struct {
	Catalog models.CatalogInput `json:"catalog"`
	Options *RunOptions         `json:"options" validate:"omitempty"`
}

// PlanResponse is the synchronous preview result.
type PlanResponse struct {
	Status      string                       `json:"status"`
	Optimal     bool                         `json:"optimal"`
	Objective   float64                      `json:"objective"`
	Model       planner.Stats                `json:"model"`
	DurationMS  int64                        `json:"duration_ms"`
	Sections    []timetable.SectionPlacement `json:"sections"`
	Statistics  timetable.Statistics         `json:"statistics"`
	Diagnostics []models.Diagnostic          `json:"diagnostics"`
}

// RunAccepted is returned when a run has been queued.
type RunAccepted struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// RunListQuery filters run listings.
type RunListQuery struct {
	Status   string `form:"status" validate:"omitempty,oneof=QUEUED RUNNING SUCCEEDED FAILED"`
	Page     int    `form:"page" validate:"omitempty,min=1"`
	PageSize int    `form:"page_size" validate:"omitempty,min=1,max=100"`
}

// StudentTimetableResponse is one student's ordered timetable.
type StudentTimetableResponse struct {
	StudentID string                     `json:"student_id"`
	Entries   []timetable.TimetableEntry `json:"entries"`
}

// RoomOccupancyResponse is one room's occupancy grid.
type RoomOccupancyResponse struct {
	RoomID string                    `json:"room_id"`
	Cells  []timetable.OccupancyCell `json:"cells"`
}

// ExportRequest asks for a rendered view of a finished run.
type ExportRequest struct {
	View     string `json:"view" validate:"required,oneof=sections statistics student teacher room"`
	EntityID string `json:"entity_id" validate:"required_if=View student,required_if=View teacher,required_if=View room"`
	Format   string `json:"format" validate:"required,oneof=csv pdf CSV PDF"`
}

// ExportResponse carries the signed download link.
type ExportResponse struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AssignmentQuery filters persisted assignment rows of a run.
type AssignmentQuery struct {
	Kind     string `form:"kind" validate:"omitempty,oneof=student teacher room"`
	EntityID string `form:"entity_id" validate:"required_with=Kind"`
}
