package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/dto"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/planner"
	"github.com/noah-isme/course-scheduler/internal/repository"
	"github.com/noah-isme/course-scheduler/internal/solver"
	"github.com/noah-isme/course-scheduler/internal/timetable"
	"github.com/noah-isme/course-scheduler/pkg/config"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
	"github.com/noah-isme/course-scheduler/pkg/jobs"
	"github.com/noah-isme/course-scheduler/pkg/middleware/requestid"
)

// JobTypeScheduleRun tags queued pipeline jobs.
const JobTypeScheduleRun = "schedule_run"

// persistTimeout bounds recording a run outcome after the job context is done.
const persistTimeout = 10 * time.Second

// JobBudget is the worker time one run needs under timeLimit: a solve and a
// diagnosis pass, each bounded by the limit.
func JobBudget(timeLimit time.Duration) time.Duration {
	return 2 * timeLimit
}

// RunRepository abstracts the run store.
type RunRepository interface {
	Create(ctx context.Context, run *models.ScheduleRun) error
	FindByID(ctx context.Context, id string) (*models.ScheduleRun, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.ScheduleRun, int, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, outcome models.RunOutcome, assignments []models.ScheduleAssignmentRow) error
}

// JobQueue accepts pipeline jobs.
type JobQueue interface {
	Enqueue(job jobs.Job) error
}

// AssignmentReader reads persisted assignment rows.
type AssignmentReader interface {
	ListByRun(ctx context.Context, runID string) ([]models.ScheduleAssignmentRow, error)
	ListByEntity(ctx context.Context, runID string, kind models.EntityKind, entityID string) ([]models.ScheduleAssignmentRow, error)
}

// PlanResult is the outcome of one build, solve and decode cycle.
type PlanResult struct {
	Schedule *timetable.Schedule
	Stats    planner.Stats
	Duration time.Duration
}

// SchedulerService runs the scheduling pipeline synchronously for previews and
// through the job queue for persisted runs.
type SchedulerService struct {
	runs      RunRepository
	cache     *CacheService
	adapter   solver.Adapter
	queue     JobQueue
	rows      AssignmentReader
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	defaults  config.SchedulerConfig
}

// NewSchedulerService wires the pipeline dependencies. The queue is attached
// afterwards because its handler is the service itself.
func NewSchedulerService(runs RunRepository, cache *CacheService, adapter solver.Adapter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, defaults config.SchedulerConfig) *SchedulerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewCacheService(nil, metrics, defaults.ResultCacheTTL, logger)
	}
	return &SchedulerService{
		runs:      runs,
		cache:     cache,
		adapter:   adapter,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		defaults:  defaults,
	}
}

// AttachQueue sets the queue used by Submit.
func (s *SchedulerService) AttachQueue(queue JobQueue) {
	s.queue = queue
}

// AttachAssignments sets the reader used by Assignments.
func (s *SchedulerService) AttachAssignments(rows AssignmentReader) {
	s.rows = rows
}

// Execute runs the pipeline over a catalog document.
func (s *SchedulerService) Execute(ctx context.Context, input models.CatalogInput, rc models.RunConfig) (*PlanResult, error) {
	opts, limit, err := PlanOptions(rc)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid run configuration")
	}

	start := time.Now()
	cat, err := catalog.LoadWithValidator(input, s.validator)
	if err != nil {
		s.metrics.ObserveSolve("VALIDATION_ERROR", time.Since(start))
		return nil, MapPipelineError(err)
	}

	plan, err := planner.Build(cat, opts)
	if err != nil {
		s.metrics.ObserveSolve("CAPACITY_ERROR", time.Since(start))
		return nil, MapPipelineError(err)
	}
	stats := plan.Stats()
	s.metrics.ObserveModel(stats)
	s.logger.Info("scheduling model built",
		zap.Int("sections", stats.Sections),
		zap.Int("variables", stats.Variables),
		zap.Int("constraints", stats.Constraints),
		zap.Int("dropped_requests", stats.Dropped),
		zap.Duration("time_limit", limit),
	)

	schedule, err := timetable.Run(ctx, s.adapter, plan, limit)
	result := &PlanResult{Schedule: schedule, Stats: stats, Duration: time.Since(start)}

	status := "ERROR"
	if schedule != nil {
		status = string(schedule.Status())
	}
	s.metrics.ObserveSolve(status, result.Duration)
	s.logger.Info("scheduling model solved",
		zap.String("status", status),
		zap.Duration("duration", result.Duration),
		zap.Error(err),
	)

	if err != nil {
		if schedule == nil {
			return nil, MapPipelineError(err)
		}
		return result, MapPipelineError(err)
	}
	return result, nil
}

// Preview validates a request and runs the pipeline synchronously.
func (s *SchedulerService) Preview(ctx context.Context, req dto.PlanRequest) (*PlanResult, error) {
	rc, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, req.Catalog, rc)
}

// Submit persists a queued run and hands it to the worker queue.
func (s *SchedulerService) Submit(ctx context.Context, req dto.PlanRequest, createdBy string) (*models.ScheduleRun, error) {
	if s.queue == nil || s.runs == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "scheduler queue is not configured")
	}
	rc, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	if _, err := catalog.LoadWithValidator(req.Catalog, s.validator); err != nil {
		return nil, MapPipelineError(err)
	}

	input, err := json.Marshal(req.Catalog)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	cfg, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	run := &models.ScheduleRun{Input: types.JSONText(input), Config: types.JSONText(cfg)}
	if createdBy != "" {
		run.CreatedBy = &createdBy
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store schedule run")
	}

	reqID := requestid.FromContext(ctx)
	if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: JobTypeScheduleRun, RequestID: reqID}); err != nil {
		s.logger.Error("enqueue schedule run failed", zap.String("run_id", run.ID), zap.Error(err))
		outcome := models.RunOutcome{Status: models.RunStatusFailed, ErrorCode: appErrors.ErrInternal.Code, ErrorMessage: err.Error()}
		if finishErr := s.runs.Finish(ctx, run.ID, outcome, nil); finishErr != nil {
			s.logger.Error("mark unqueued run failed", zap.String("run_id", run.ID), zap.Error(finishErr))
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrSchedulerBusy, "")
	}

	s.logger.Info("schedule run queued", zap.String("run_id", run.ID), zap.String("request_id", reqID))
	return run, nil
}

// ProcessJob is the queue handler. Pipeline failures are recorded on the run
// and not returned, so only store failures are retried.
func (s *SchedulerService) ProcessJob(ctx context.Context, job jobs.Job) error {
	logger := s.logger.With(zap.String("run_id", job.ID), zap.String("request_id", job.RequestID), zap.Int("attempt", job.Attempt))

	if err := s.runs.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn("schedule run no longer queued, skipping")
			return nil
		}
		return fmt.Errorf("mark run %s running: %w", job.ID, err)
	}

	run, err := s.runs.FindByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.ID, err)
	}

	var (
		input models.CatalogInput
		rc    models.RunConfig
	)
	if err := json.Unmarshal(run.Input, &input); err != nil {
		return s.finish(ctx, logger, job.ID, nil, appErrors.WrapAs(err, appErrors.ErrValidation, "stored catalog is unreadable"))
	}
	if err := json.Unmarshal(run.Config, &rc); err != nil {
		return s.finish(ctx, logger, job.ID, nil, appErrors.WrapAs(err, appErrors.ErrValidation, "stored run configuration is unreadable"))
	}

	result, runErr := s.Execute(ctx, input, rc)
	return s.finish(ctx, logger, job.ID, result, runErr)
}

func (s *SchedulerService) finish(ctx context.Context, logger *zap.Logger, runID string, result *PlanResult, runErr error) error {
	outcome := models.RunOutcome{Status: models.RunStatusSucceeded}
	var rows []models.ScheduleAssignmentRow

	if result != nil && result.Schedule != nil {
		schedule := result.Schedule
		payload, err := json.Marshal(schedule)
		if err != nil {
			return fmt.Errorf("encode schedule for run %s: %w", runID, err)
		}
		objective := schedule.Objective()
		outcome.SolveStatus = string(schedule.Status())
		outcome.Result = types.JSONText(payload)
		outcome.Objective = &objective
		rows = repository.ToRows(runID, schedule.Assignments())
	}
	if runErr != nil {
		appErr := appErrors.FromError(runErr)
		outcome.Status = models.RunStatusFailed
		outcome.ErrorCode = appErr.Code
		outcome.ErrorMessage = appErr.Error()
		outcome.Objective = nil
		rows = nil
	}

	// The job deadline may already have passed; the outcome is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	start := time.Now()
	err := s.runs.Finish(ctx, runID, outcome, rows)
	s.metrics.ObserveDBQuery("schedule_runs.finish", time.Since(start))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}

	s.metrics.RecordRun(outcome.Status)
	s.cache.InvalidateRun(ctx, runID)
	logger.Info("schedule run finished",
		zap.String("status", string(outcome.Status)),
		zap.String("solve_status", outcome.SolveStatus),
		zap.String("error_code", outcome.ErrorCode),
		zap.Int("assignments", len(rows)),
	)
	return nil
}

// GetRun returns a run summary.
func (s *SchedulerService) GetRun(ctx context.Context, id string) (*models.ScheduleRun, error) {
	run, err := s.runs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "schedule run not found")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to load schedule run")
	}
	return run, nil
}

// ListRuns pages through run summaries.
func (s *SchedulerService) ListRuns(ctx context.Context, query dto.RunListQuery) ([]models.ScheduleRun, *models.Pagination, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid run filter")
	}
	filter := models.RunFilter{Page: query.Page, PageSize: query.PageSize}
	if query.Status != "" {
		status := models.RunStatus(query.Status)
		filter.Status = &status
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list schedule runs")
	}
	return runs, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Schedule returns the decoded schedule of a finished run, cached after the first read.
func (s *SchedulerService) Schedule(ctx context.Context, runID string) (*timetable.Schedule, error) {
	key := RunKey(runID, "schedule")
	cached := &timetable.Schedule{}
	if s.cache.Get(ctx, key, cached) {
		return cached, nil
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Finished() {
		return nil, appErrors.Clone(appErrors.ErrRunNotFinished, fmt.Sprintf("schedule run is %s", run.Status))
	}
	if len(run.Result) == 0 {
		return nil, storedRunError(run)
	}

	schedule := &timetable.Schedule{}
	if err := json.Unmarshal(run.Result, schedule); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "stored schedule is unreadable")
	}
	s.cache.Set(ctx, key, schedule, s.defaults.ResultCacheTTL)
	return schedule, nil
}

// Sections lists the section placements of a run.
func (s *SchedulerService) Sections(ctx context.Context, runID string) ([]timetable.SectionPlacement, error) {
	schedule, err := s.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	return schedule.Sections(), nil
}

// StudentTimetable returns one student's timetable.
func (s *SchedulerService) StudentTimetable(ctx context.Context, runID, studentID string) ([]timetable.TimetableEntry, error) {
	schedule, err := s.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries, ok := schedule.TimetableFor(studentID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %q is not part of this run", studentID))
	}
	return entries, nil
}

// TeacherLoad returns the sections assigned to one teacher.
func (s *SchedulerService) TeacherLoad(ctx context.Context, runID, teacherID string) (*timetable.TeacherLoad, error) {
	schedule, err := s.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	load, ok := schedule.LoadFor(teacherID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("teacher %q is not part of this run", teacherID))
	}
	return &load, nil
}

// RoomOccupancy returns one room's occupancy grid.
func (s *SchedulerService) RoomOccupancy(ctx context.Context, runID, roomID string) ([]timetable.OccupancyCell, error) {
	schedule, err := s.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	cells, ok := schedule.OccupancyFor(roomID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("room %q is not part of this run", roomID))
	}
	return cells, nil
}

// Assignments lists the persisted assignment rows of a succeeded run, optionally
// narrowed to one entity.
func (s *SchedulerService) Assignments(ctx context.Context, runID string, query dto.AssignmentQuery) ([]models.ScheduleAssignmentRow, error) {
	if s.rows == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "assignment store is not configured")
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid assignment filter")
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Finished() {
		return nil, appErrors.Clone(appErrors.ErrRunNotFinished, fmt.Sprintf("schedule run is %s", run.Status))
	}
	if run.Status != models.RunStatusSucceeded {
		return nil, storedRunError(run)
	}

	start := time.Now()
	var rows []models.ScheduleAssignmentRow
	if query.Kind == "" {
		rows, err = s.rows.ListByRun(ctx, runID)
	} else {
		rows, err = s.rows.ListByEntity(ctx, runID, models.EntityKind(query.Kind), query.EntityID)
	}
	s.metrics.ObserveDBQuery("schedule_assignments.list", time.Since(start))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list assignments")
	}
	return rows, nil
}

// Diagnostics returns the diagnostics of a run.
func (s *SchedulerService) Diagnostics(ctx context.Context, runID string) ([]models.Diagnostic, error) {
	schedule, err := s.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	return schedule.Diagnostics(), nil
}

func (s *SchedulerService) prepare(req dto.PlanRequest) (models.RunConfig, error) {
	if req.Options != nil {
		if err := s.validator.Struct(req.Options); err != nil {
			return models.RunConfig{}, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid run options")
		}
	}
	return ResolveRunConfig(s.defaults, req.Options)
}

// MapPipelineError converts pipeline errors into API errors.
func MapPipelineError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var (
		validationErr *catalog.ValidationError
		capacityErr   *planner.CapacityError
		decodeErr     *timetable.DecodeInconsistencyError
	)
	switch {
	case errors.As(err, &validationErr):
		return appErrors.WrapAs(err, appErrors.ErrValidation, validationErr.Error())
	case errors.As(err, &capacityErr):
		return appErrors.WrapAs(err, appErrors.ErrCapacity, capacityErr.Error())
	case errors.Is(err, timetable.ErrSolveInfeasible):
		return appErrors.WrapAs(err, appErrors.ErrSolveInfeasible, "")
	case errors.Is(err, timetable.ErrSolveTimeout), errors.Is(err, context.DeadlineExceeded):
		return appErrors.WrapAs(err, appErrors.ErrSolveTimeout, "")
	case errors.As(err, &decodeErr):
		return appErrors.WrapAs(err, appErrors.ErrDecodeInconsistency, "")
	default:
		return appErrors.WrapAs(err, appErrors.ErrInternal, "scheduling pipeline failed")
	}
}

func storedRunError(run *models.ScheduleRun) error {
	base := appErrors.ErrInternal
	if run.ErrorCode != nil {
		if known, ok := appErrors.Lookup(*run.ErrorCode); ok {
			base = known
		}
	}
	message := base.Message
	if run.ErrorMessage != nil && *run.ErrorMessage != "" {
		message = *run.ErrorMessage
	}
	return appErrors.Clone(base, message)
}
