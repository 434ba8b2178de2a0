package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-scheduler/internal/dto"
	internalmiddleware "github.com/noah-isme/course-scheduler/internal/middleware"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/service"
	"github.com/noah-isme/course-scheduler/internal/timetable"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
)

type scheduleRunServiceMock struct {
	submitted  dto.PlanRequest
	createdBy  string
	submitErr  error
	previewErr error
	preview    *service.PlanResult
	runErr     error
	query      dto.RunListQuery
}

func (m *scheduleRunServiceMock) Preview(ctx context.Context, req dto.PlanRequest) (*service.PlanResult, error) {
	return m.preview, m.previewErr
}

func (m *scheduleRunServiceMock) Submit(ctx context.Context, req dto.PlanRequest, createdBy string) (*models.ScheduleRun, error) {
	m.submitted = req
	m.createdBy = createdBy
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &models.ScheduleRun{ID: "run-1", Status: models.RunStatusQueued}, nil
}

func (m *scheduleRunServiceMock) GetRun(ctx context.Context, id string) (*models.ScheduleRun, error) {
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &models.ScheduleRun{ID: id, Status: models.RunStatusSucceeded}, nil
}

func (m *scheduleRunServiceMock) ListRuns(ctx context.Context, query dto.RunListQuery) ([]models.ScheduleRun, *models.Pagination, error) {
	m.query = query
	return []models.ScheduleRun{{ID: "run-1"}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *scheduleRunServiceMock) Sections(ctx context.Context, runID string) ([]timetable.SectionPlacement, error) {
	if m.runErr != nil {
		return nil, m.runErr
	}
	return []timetable.SectionPlacement{{SectionID: "ALG/T1/1", CourseID: "ALG", Placed: true, Students: []string{"s1"}}}, nil
}

func (m *scheduleRunServiceMock) StudentTimetable(ctx context.Context, runID, studentID string) ([]timetable.TimetableEntry, error) {
	return []timetable.TimetableEntry{{SectionID: "ALG/T1/1", Block: "Monday-Morning"}}, nil
}

func (m *scheduleRunServiceMock) TeacherLoad(ctx context.Context, runID, teacherID string) (*timetable.TeacherLoad, error) {
	return &timetable.TeacherLoad{TeacherID: teacherID, MaxLoad: 2, Sections: []string{"ALG/T1/1"}}, nil
}

func (m *scheduleRunServiceMock) RoomOccupancy(ctx context.Context, runID, roomID string) ([]timetable.OccupancyCell, error) {
	return []timetable.OccupancyCell{{TermID: "T1", Block: "Monday-Morning"}}, nil
}

func (m *scheduleRunServiceMock) Diagnostics(ctx context.Context, runID string) ([]models.Diagnostic, error) {
	return []models.Diagnostic{{Code: models.DiagnosticSaturatedFamily, Family: "teacher_availability"}}, nil
}

func (m *scheduleRunServiceMock) Assignments(ctx context.Context, runID string, query dto.AssignmentQuery) ([]models.ScheduleAssignmentRow, error) {
	return []models.ScheduleAssignmentRow{{RunID: runID, EntityKind: models.EntityKind(query.Kind), EntityID: query.EntityID}}, nil
}

type exportServiceMock struct {
	request  dto.ExportRequest
	download *service.Download
	openErr  error
}

func (m *exportServiceMock) Export(ctx context.Context, runID string, req dto.ExportRequest) (*dto.ExportResponse, error) {
	m.request = req
	return &dto.ExportResponse{URL: "/api/v1/export/token", Filename: "sections.csv", Format: "csv"}, nil
}

func (m *exportServiceMock) Open(token string) (*service.Download, error) {
	return m.download, m.openErr
}

func newRunRouter(svc *scheduleRunServiceMock, exports *exportServiceMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &ScheduleRunHandler{service: svc, exports: exports}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(internalmiddleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
		c.Next()
	})
	runs := router.Group("/schedule-runs")
	runs.POST("", h.Submit)
	runs.POST("/preview", h.Preview)
	runs.GET("", h.List)
	runs.GET("/:id", h.Get)
	runs.GET("/:id/sections", h.Sections)
	runs.GET("/:id/students/:studentId/timetable", h.StudentTimetable)
	runs.GET("/:id/teachers/:teacherId/load", h.TeacherLoad)
	runs.GET("/:id/rooms/:roomId/occupancy", h.RoomOccupancy)
	runs.GET("/:id/diagnostics", h.Diagnostics)
	runs.GET("/:id/assignments", h.Assignments)
	runs.POST("/:id/exports", h.Export)
	router.GET("/export/:token", h.Download)
	return router
}

func doRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestSubmitQueuesRun(t *testing.T) {
	svc := &scheduleRunServiceMock{}
	router := newRunRouter(svc, &exportServiceMock{})

	payload := []byte(`{"catalog":{"terms":[{"id":"T1","order":1}]},"options":{"max_courses_per_term":4}}`)
	w := doRequest(router, http.MethodPost, "/schedule-runs", payload)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "admin-1", svc.createdBy)
	require.Len(t, svc.submitted.Catalog.Terms, 1)
	require.NotNil(t, svc.submitted.Options.MaxCoursesPerTerm)
	assert.Equal(t, 4, *svc.submitted.Options.MaxCoursesPerTerm)
	assert.Equal(t, "/schedule-runs/run-1", w.Header().Get("Location"))
	assert.Contains(t, w.Body.String(), `"run_id":"run-1"`)
}

func TestSubmitMalformedPayload(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{}, &exportServiceMock{})
	w := doRequest(router, http.MethodPost, "/schedule-runs", []byte(`{"catalog":`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitSchedulerBusy(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{submitErr: appErrors.ErrSchedulerBusy}, &exportServiceMock{})
	w := doRequest(router, http.MethodPost, "/schedule-runs", []byte(`{"catalog":{}}`))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SCHEDULER_BUSY")
}

func TestPreviewCapacityErrorHasNoData(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{previewErr: appErrors.Clone(appErrors.ErrCapacity, `course "ALG" needs 2 sections`)}, &exportServiceMock{})
	w := doRequest(router, http.MethodPost, "/schedule-runs/preview", []byte(`{"catalog":{}}`))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	envelope := decodeEnvelope(t, w)
	_, hasData := envelope["data"]
	assert.False(t, hasData)
	assert.Contains(t, string(envelope["error"]), "CAPACITY_ERROR")
}

func TestListPassesQuery(t *testing.T) {
	svc := &scheduleRunServiceMock{}
	router := newRunRouter(svc, &exportServiceMock{})
	w := doRequest(router, http.MethodGet, "/schedule-runs?status=FAILED&page=2&page_size=5", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.RunListQuery{Status: "FAILED", Page: 2, PageSize: 5}, svc.query)
	assert.Contains(t, string(decodeEnvelope(t, w)["pagination"]), `"total_count":1`)
}

func TestRunViews(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{}, &exportServiceMock{})

	cases := map[string]string{
		"/schedule-runs/run-1":                       `"id":"run-1"`,
		"/schedule-runs/run-1/sections":              `"section_id":"ALG/T1/1"`,
		"/schedule-runs/run-1/students/s1/timetable": `"student_id":"s1"`,
		"/schedule-runs/run-1/teachers/tch/load":     `"load":1`,
		"/schedule-runs/run-1/rooms/R1/occupancy":    `"room_id":"R1"`,
		"/schedule-runs/run-1/diagnostics":           `"SATURATED_FAMILY"`,
		"/schedule-runs/run-1/assignments?kind=room": `"entity_kind":"room"`,
	}
	for path, fragment := range cases {
		w := doRequest(router, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), fragment, path)
	}
}

func TestRunViewsPropagateErrors(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{runErr: appErrors.Clone(appErrors.ErrRunNotFinished, "schedule run is RUNNING")}, &exportServiceMock{})

	w := doRequest(router, http.MethodGet, "/schedule-runs/run-1/sections", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "RUN_NOT_FINISHED")
}

func TestExportCreatesLink(t *testing.T) {
	exports := &exportServiceMock{}
	router := newRunRouter(&scheduleRunServiceMock{}, exports)

	w := doRequest(router, http.MethodPost, "/schedule-runs/run-1/exports", []byte(`{"view":"sections","format":"csv"}`))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "sections", exports.request.View)
	assert.Contains(t, w.Body.String(), "/api/v1/export/token")
}

func TestDownloadStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sections.csv")
	require.NoError(t, os.WriteFile(path, []byte("section,course\nALG/T1/1,ALG\n"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	router := newRunRouter(&scheduleRunServiceMock{}, &exportServiceMock{download: &service.Download{File: file, Filename: "sections.csv", ContentType: "text/csv"}})
	w := doRequest(router, http.MethodGet, "/export/token", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="sections.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "section,course\nALG/T1/1,ALG\n", w.Body.String())
}

func TestDownloadRejectsBadToken(t *testing.T) {
	router := newRunRouter(&scheduleRunServiceMock{}, &exportServiceMock{openErr: appErrors.Clone(appErrors.ErrForbidden, "invalid download link")})
	w := doRequest(router, http.MethodGet, "/export/bogus", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitRequiresRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &ScheduleRunHandler{service: &scheduleRunServiceMock{}, exports: &exportServiceMock{}}
	router := gin.New()
	router.POST("/schedule-runs", internalmiddleware.RBAC(string(models.RoleAdmin)), h.Submit)

	w := doRequest(router, http.MethodPost, "/schedule-runs", []byte(`{"catalog":{}}`))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	router := gin.New()
	router.GET("/ready", h.Ready)
	router.GET("/health", h.Health)

	w := doRequest(router, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"connection refused"`)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)

	require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health", nil).Code)
}
