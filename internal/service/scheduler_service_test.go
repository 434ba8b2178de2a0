package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-scheduler/internal/dto"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/solver"
	"github.com/noah-isme/course-scheduler/pkg/config"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
	"github.com/noah-isme/course-scheduler/pkg/jobs"
	"github.com/noah-isme/course-scheduler/pkg/middleware/requestid"
)

type memoryRunRepo struct {
	mu          sync.Mutex
	runs        map[string]*models.ScheduleRun
	assignments map[string][]models.ScheduleAssignmentRow
	finds       int
	finishErr   error
}

func newMemoryRunRepo() *memoryRunRepo {
	return &memoryRunRepo{runs: map[string]*models.ScheduleRun{}, assignments: map[string][]models.ScheduleAssignmentRow{}}
}

func (r *memoryRunRepo) Create(_ context.Context, run *models.ScheduleRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(r.runs)+1)
	}
	run.Status = models.RunStatusQueued
	run.CreatedAt = time.Now()
	stored := *run
	r.runs[run.ID] = &stored
	return nil
}

func (r *memoryRunRepo) FindByID(_ context.Context, id string) (*models.ScheduleRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	run, ok := r.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *run
	return &copied, nil
}

func (r *memoryRunRepo) List(_ context.Context, filter models.RunFilter) ([]models.ScheduleRun, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ScheduleRun
	for _, run := range r.runs {
		if filter.Status == nil || run.Status == *filter.Status {
			out = append(out, *run)
		}
	}
	return out, len(out), nil
}

func (r *memoryRunRepo) MarkRunning(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != models.RunStatusQueued {
		return sql.ErrNoRows
	}
	run.Status = models.RunStatusRunning
	return nil
}

func (r *memoryRunRepo) Finish(_ context.Context, id string, outcome models.RunOutcome, rows []models.ScheduleAssignmentRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishErr != nil {
		return r.finishErr
	}
	run, ok := r.runs[id]
	if !ok {
		return sql.ErrNoRows
	}
	run.Status = outcome.Status
	if outcome.SolveStatus != "" {
		run.SolveStatus = &outcome.SolveStatus
	}
	if outcome.ErrorCode != "" {
		run.ErrorCode = &outcome.ErrorCode
		run.ErrorMessage = &outcome.ErrorMessage
	}
	run.Result = outcome.Result
	run.Objective = outcome.Objective
	r.assignments[id] = rows
	return nil
}

func (r *memoryRunRepo) ListByRun(_ context.Context, runID string) ([]models.ScheduleAssignmentRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ScheduleAssignmentRow(nil), r.assignments[runID]...), nil
}

func (r *memoryRunRepo) ListByEntity(_ context.Context, runID string, kind models.EntityKind, entityID string) ([]models.ScheduleAssignmentRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ScheduleAssignmentRow
	for _, row := range r.assignments[runID] {
		if row.EntityKind == kind && row.EntityID == entityID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memoryRunRepo) get(id string) models.ScheduleRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.runs[id]
}

type recordingQueue struct {
	jobs []jobs.Job
	err  error
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type memoryCache struct {
	entries map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	return nil
}

func (m *memoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

type fixedAdapter struct {
	result *solver.Result
}

func (f *fixedAdapter) Solve(context.Context, *solver.Model, time.Duration) (*solver.Result, error) {
	return f.result, nil
}

// deadlineRunRepo fails every store call once the caller's context is done.
type deadlineRunRepo struct {
	*memoryRunRepo
}

func (r deadlineRunRepo) MarkRunning(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memoryRunRepo.MarkRunning(ctx, id)
}

func (r deadlineRunRepo) FindByID(ctx context.Context, id string) (*models.ScheduleRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.memoryRunRepo.FindByID(ctx, id)
}

func (r deadlineRunRepo) Finish(ctx context.Context, id string, outcome models.RunOutcome, rows []models.ScheduleAssignmentRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memoryRunRepo.Finish(ctx, id, outcome, rows)
}

// blockingAdapter answers its scripted results, then holds every solve until
// the context is done.
type blockingAdapter struct {
	results []*solver.Result
}

func (b *blockingAdapter) Solve(ctx context.Context, _ *solver.Model, _ time.Duration) (*solver.Result, error) {
	if len(b.results) > 0 {
		res := b.results[0]
		b.results = b.results[1:]
		return res, nil
	}
	<-ctx.Done()
	return &solver.Result{Status: solver.StatusTimeout}, nil
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxCoursesPerTerm:    6,
		RequestWeight:        50,
		CoreCourseMultiplier: 2,
		ImbalancePenalty:     1,
		PrerequisitePenalty:  75,
		TargetFillRatio:      0.75,
		SolverTimeLimit:      30 * time.Second,
		ResultCacheTTL:       time.Minute,
	}
}

func singleBlockCatalog(students int, teacherLoad int, courses ...string) models.CatalogInput {
	input := models.CatalogInput{
		Terms: []models.Term{{ID: "T1", Order: 1, Days: []string{"Monday"}}},
		Rooms: []models.Room{{ID: "R1", Capacity: 30}, {ID: "R2", Capacity: 30}},
		Teachers: []models.Teacher{{ID: "tch", MaxLoad: teacherLoad, Availability: []models.AvailabilitySlot{
			{TermID: "T1", Block: "Monday-Morning"},
		}}},
	}
	for _, course := range courses {
		input.Courses = append(input.Courses, models.Course{ID: course, MinSize: 1, MaxSize: 30, RequiredSections: 1, EligibleTeachers: []string{"tch"}, Core: true})
		for i := 1; i <= students; i++ {
			input.Requests = append(input.Requests, models.Request{StudentID: fmt.Sprintf("%s-s%02d", course, i), CourseID: course, TermID: "T1", Priority: 1})
		}
	}
	return input
}

type schedulerFixture struct {
	svc   *SchedulerService
	repo  *memoryRunRepo
	queue *recordingQueue
	cache *memoryCache
}

func newSchedulerFixture(adapter solver.Adapter) *schedulerFixture {
	repo := newMemoryRunRepo()
	queue := &recordingQueue{}
	cache := &memoryCache{entries: map[string][]byte{}}
	metrics := NewMetricsService()
	svc := NewSchedulerService(repo, NewCacheService(cache, metrics, time.Minute, nil), adapter, metrics, nil, nil, testSchedulerConfig())
	svc.AttachQueue(queue)
	svc.AttachAssignments(repo)
	return &schedulerFixture{svc: svc, repo: repo, queue: queue, cache: cache}
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected app error, got %v", err)
	return appErr.Code
}

func TestPreviewPlacesSingleSection(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))

	result, err := f.svc.Preview(context.Background(), dto.PlanRequest{Catalog: singleBlockCatalog(20, 1, "ALG")})
	require.NoError(t, err)
	assert.True(t, result.Schedule.Optimal())
	assert.Equal(t, 1, result.Stats.Sections)

	sections := result.Schedule.Sections()
	require.Len(t, sections, 1)
	assert.True(t, sections[0].Placed)
	assert.Equal(t, "Monday-Morning", sections[0].Block)
	assert.Equal(t, 20, sections[0].Enrollment())
}

func TestPreviewMapsCatalogProblemsToValidation(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	input := singleBlockCatalog(2, 1, "ALG")
	input.Courses[0].EligibleTeachers = []string{"ghost"}

	_, err := f.svc.Preview(context.Background(), dto.PlanRequest{Catalog: input})
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
}

func TestPreviewMapsCapacityError(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	input := singleBlockCatalog(2, 3, "ALG")
	input.Courses[0].RequiredSections = 2

	_, err := f.svc.Preview(context.Background(), dto.PlanRequest{Catalog: input})
	assert.Equal(t, appErrors.ErrCapacity.Code, appCode(t, err))
	assert.Contains(t, err.Error(), "ALG")
}

func TestPreviewInfeasibleKeepsDiagnostics(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))

	result, err := f.svc.Preview(context.Background(), dto.PlanRequest{Catalog: singleBlockCatalog(3, 2, "ALG", "BIO")})
	assert.Equal(t, appErrors.ErrSolveInfeasible.Code, appCode(t, err))
	require.NotNil(t, result)

	var families []string
	for _, d := range result.Schedule.Diagnostics() {
		if d.Code == models.DiagnosticSaturatedFamily {
			families = append(families, d.Family)
		}
	}
	assert.Contains(t, families, "teacher_availability")
}

func TestPreviewRejectsInvalidOptions(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ratio := 1.5
	_, err := f.svc.Preview(context.Background(), dto.PlanRequest{
		Catalog: singleBlockCatalog(2, 1, "ALG"),
		Options: &dto.RunOptions{TargetFillRatio: &ratio},
	})
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
}

func TestSubmitAndProcessSucceededRun(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := requestid.WithID(context.Background(), "req-42")

	run, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(20, 1, "ALG")}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, run.ID, f.queue.jobs[0].ID)
	assert.Equal(t, JobTypeScheduleRun, f.queue.jobs[0].Type)
	assert.Equal(t, "req-42", f.queue.jobs[0].RequestID)

	_, err = f.svc.Sections(ctx, run.ID)
	assert.Equal(t, appErrors.ErrRunNotFinished.Code, appCode(t, err))

	require.NoError(t, f.svc.ProcessJob(ctx, f.queue.jobs[0]))

	stored := f.repo.get(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	require.NotNil(t, stored.SolveStatus)
	assert.Equal(t, "OPTIMAL", *stored.SolveStatus)
	assert.Len(t, f.repo.assignments[run.ID], 22)

	sections, err := f.svc.Sections(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, 20, sections[0].Enrollment())

	entries, err := f.svc.StudentTimetable(ctx, run.ID, "ALG-s07")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ALG/T1/1", entries[0].SectionID)

	load, err := f.svc.TeacherLoad(ctx, run.ID, "tch")
	require.NoError(t, err)
	assert.Equal(t, 1, load.Load())

	cells, err := f.svc.RoomOccupancy(ctx, run.ID, "R1")
	require.NoError(t, err)
	assert.Len(t, cells, 3)

	_, err = f.svc.StudentTimetable(ctx, run.ID, "nobody")
	assert.Equal(t, appErrors.ErrNotFound.Code, appCode(t, err))

	rows, err := f.svc.Assignments(ctx, run.ID, dto.AssignmentQuery{Kind: "teacher", EntityID: "tch"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ALG/T1/1", rows[0].SectionID)

	_, err = f.svc.Assignments(ctx, run.ID, dto.AssignmentQuery{Kind: "teacher"})
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
}

func TestScheduleReadsAreCached(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := context.Background()

	run, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(5, 1, "ALG")}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, f.queue.jobs[0]))

	_, err = f.svc.Diagnostics(ctx, run.ID)
	require.NoError(t, err)
	findsAfterFirst := f.repo.finds
	_, err = f.svc.Sections(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, findsAfterFirst, f.repo.finds)
	assert.Contains(t, f.cache.entries, RunKey(run.ID, "schedule"))
}

func TestProcessInfeasibleRunStoresDiagnostics(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := context.Background()

	run, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(3, 2, "ALG", "BIO")}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, f.queue.jobs[0]))

	stored := f.repo.get(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, appErrors.ErrSolveInfeasible.Code, *stored.ErrorCode)
	assert.Nil(t, stored.Objective)
	assert.Empty(t, f.repo.assignments[run.ID])

	diags, err := f.svc.Diagnostics(ctx, run.ID)
	require.NoError(t, err)
	var saturated bool
	for _, d := range diags {
		saturated = saturated || d.Code == models.DiagnosticSaturatedFamily
	}
	assert.True(t, saturated)
}

func TestProcessTimeoutWithoutIncumbent(t *testing.T) {
	f := newSchedulerFixture(&fixedAdapter{result: &solver.Result{Status: solver.StatusTimeout}})
	ctx := context.Background()

	run, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(3, 1, "ALG")}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, f.queue.jobs[0]))

	stored := f.repo.get(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Equal(t, appErrors.ErrSolveTimeout.Code, *stored.ErrorCode)
	assert.Equal(t, "TIMEOUT", *stored.SolveStatus)

	diags, err := f.svc.Diagnostics(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	assert.Equal(t, models.DiagnosticUnplacedSection, diags[0].Code)
}

func TestScheduleOfRunFailedBeforeSolving(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := context.Background()
	input := singleBlockCatalog(2, 3, "ALG")
	input.Courses[0].RequiredSections = 2

	run, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: input}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, f.queue.jobs[0]))

	_, err = f.svc.Sections(ctx, run.ID)
	assert.Equal(t, appErrors.ErrCapacity.Code, appCode(t, err))
}

func TestSubmitRejectsInvalidCatalogUpfront(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	input := singleBlockCatalog(2, 1, "ALG")
	input.Rooms[0].Capacity = 0

	_, err := f.svc.Submit(context.Background(), dto.PlanRequest{Catalog: input}, "")
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.repo.runs)
}

func TestSubmitWhenQueueFull(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	f.queue.err = jobs.ErrQueueFull

	_, err := f.svc.Submit(context.Background(), dto.PlanRequest{Catalog: singleBlockCatalog(2, 1, "ALG")}, "")
	assert.Equal(t, appErrors.ErrSchedulerBusy.Code, appCode(t, err))

	require.Len(t, f.repo.runs, 1)
	for id := range f.repo.runs {
		assert.Equal(t, models.RunStatusFailed, f.repo.get(id).Status)
	}
}

func TestProcessJobSkipsRunsNoLongerQueued(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	require.NoError(t, f.svc.ProcessJob(context.Background(), jobs.Job{ID: "ghost"}))
}

func TestProcessJobReturnsStoreFailures(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(2, 1, "ALG")}, "")
	require.NoError(t, err)
	f.repo.finishErr = errors.New("connection refused")

	err = f.svc.ProcessJob(ctx, f.queue.jobs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestProcessJobRecordsOutcomeAfterJobDeadline(t *testing.T) {
	cases := []struct {
		name    string
		adapter *blockingAdapter
		code    string
	}{
		{name: "solve outlives deadline", adapter: &blockingAdapter{}, code: appErrors.ErrSolveTimeout.Code},
		{name: "diagnosis outlives deadline", adapter: &blockingAdapter{results: []*solver.Result{{Status: solver.StatusInfeasible}}}, code: appErrors.ErrSolveInfeasible.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryRunRepo()
			queue := &recordingQueue{}
			svc := NewSchedulerService(deadlineRunRepo{repo}, nil, tc.adapter, NewMetricsService(), nil, nil, testSchedulerConfig())
			svc.AttachQueue(queue)

			run, err := svc.Submit(context.Background(), dto.PlanRequest{Catalog: singleBlockCatalog(3, 2, "ALG", "BIO")}, "")
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			require.NoError(t, svc.ProcessJob(ctx, queue.jobs[0]))
			require.Error(t, ctx.Err())

			stored := repo.get(run.ID)
			assert.Equal(t, models.RunStatusFailed, stored.Status)
			require.NotNil(t, stored.ErrorCode)
			assert.Equal(t, tc.code, *stored.ErrorCode)
		})
	}
}

func TestJobBudgetCoversSolveAndDiagnosis(t *testing.T) {
	assert.Equal(t, 4*time.Minute, JobBudget(2*time.Minute))
}

func TestGetRunAndList(t *testing.T) {
	f := newSchedulerFixture(solver.NewPBSolver(nil))
	ctx := context.Background()

	_, err := f.svc.GetRun(ctx, "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, appCode(t, err))

	_, err = f.svc.Submit(ctx, dto.PlanRequest{Catalog: singleBlockCatalog(2, 1, "ALG")}, "")
	require.NoError(t, err)

	runs, page, err := f.svc.ListRuns(ctx, dto.RunListQuery{Status: "QUEUED"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 20, page.PageSize)

	_, _, err = f.svc.ListRuns(ctx, dto.RunListQuery{Status: "DONE"})
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
}

func TestResolveRunConfig(t *testing.T) {
	defaults := testSchedulerConfig()

	rc, err := ResolveRunConfig(defaults, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, rc.MaxCoursesPerTerm)
	assert.Equal(t, "30s", rc.SolverTimeLimit)

	hard := true
	maxCourses := 4
	long := "10m"
	rc, err = ResolveRunConfig(defaults, &dto.RunOptions{PrerequisiteHard: &hard, MaxCoursesPerTerm: &maxCourses, SolverTimeLimit: &long})
	require.NoError(t, err)
	assert.True(t, rc.PrerequisiteHard)
	assert.Equal(t, 4, rc.MaxCoursesPerTerm)
	assert.Equal(t, "30s", rc.SolverTimeLimit)

	opts, limit, err := PlanOptions(rc)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, limit)
	assert.True(t, opts.PrerequisiteHard)
	assert.Equal(t, 50.0, opts.RequestWeight)

	bad := "soon"
	_, err = ResolveRunConfig(defaults, &dto.RunOptions{SolverTimeLimit: &bad})
	assert.Equal(t, appErrors.ErrValidation.Code, appCode(t, err))
}

func TestMapPipelineErrorDefaultsToInternal(t *testing.T) {
	assert.Nil(t, MapPipelineError(nil))
	assert.Equal(t, appErrors.ErrInternal.Code, appCode(t, MapPipelineError(errors.New("boom"))))
	assert.Equal(t, appErrors.ErrSolveTimeout.Code, appCode(t, MapPipelineError(context.DeadlineExceeded)))
}
