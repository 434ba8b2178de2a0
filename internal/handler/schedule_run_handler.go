package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/course-scheduler/internal/dto"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/service"
	"github.com/noah-isme/course-scheduler/internal/timetable"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
	"github.com/noah-isme/course-scheduler/pkg/response"
)

type scheduleRunService interface {
	Preview(ctx context.Context, req dto.PlanRequest) (*service.PlanResult, error)
	Submit(ctx context.Context, req dto.PlanRequest, createdBy string) (*models.ScheduleRun, error)
	GetRun(ctx context.Context, id string) (*models.ScheduleRun, error)
	ListRuns(ctx context.Context, query dto.RunListQuery) ([]models.ScheduleRun, *models.Pagination, error)
	Sections(ctx context.Context, runID string) ([]timetable.SectionPlacement, error)
	StudentTimetable(ctx context.Context, runID, studentID string) ([]timetable.TimetableEntry, error)
	TeacherLoad(ctx context.Context, runID, teacherID string) (*timetable.TeacherLoad, error)
	RoomOccupancy(ctx context.Context, runID, roomID string) ([]timetable.OccupancyCell, error)
	Diagnostics(ctx context.Context, runID string) ([]models.Diagnostic, error)
	Assignments(ctx context.Context, runID string, query dto.AssignmentQuery) ([]models.ScheduleAssignmentRow, error)
}

type exportService interface {
	Export(ctx context.Context, runID string, req dto.ExportRequest) (*dto.ExportResponse, error)
	Open(token string) (*service.Download, error)
}

// ScheduleRunHandler exposes scheduling runs, their views and exports.
type ScheduleRunHandler struct {
	service scheduleRunService
	exports exportService
}

// NewScheduleRunHandler constructs the handler.
func NewScheduleRunHandler(svc *service.SchedulerService, exports *service.ExportService) *ScheduleRunHandler {
	return &ScheduleRunHandler{service: svc, exports: exports}
}

// Submit godoc
// @Summary Queue a scheduling run
// @Description Validates the catalog, stores a QUEUED run and hands it to the solver workers.
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param payload body dto.PlanRequest true "Catalog and run options"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /schedule-runs [post]
func (h *ScheduleRunHandler) Submit(c *gin.Context) {
	var req dto.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid schedule run payload"))
		return
	}
	run, err := h.service.Submit(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("%s/%s", c.FullPath(), run.ID))
	response.Accepted(c, dto.RunAccepted{RunID: run.ID, Status: run.Status}, nil)
}

// Preview godoc
// @Summary Plan a catalog synchronously
// @Description Runs build, solve and decode inline. Infeasible catalogs return 422 with the diagnostics schedule as data.
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param payload body dto.PlanRequest true "Catalog and run options"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 504 {object} response.Envelope
// @Router /schedule-runs/preview [post]
func (h *ScheduleRunHandler) Preview(c *gin.Context) {
	var req dto.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid preview payload"))
		return
	}
	result, err := h.service.Preview(c.Request.Context(), req)
	if err != nil {
		if result != nil && result.Schedule != nil {
			response.ErrorWithData(c, err, planResponse(result))
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, planResponse(result), nil)
}

// List godoc
// @Summary List scheduling runs
// @Tags Scheduler
// @Produce json
// @Param status query string false "QUEUED, RUNNING, SUCCEEDED or FAILED"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs [get]
func (h *ScheduleRunHandler) List(c *gin.Context) {
	var query dto.RunListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	runs, pagination, err := h.service.ListRuns(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, pagination)
}

// Get godoc
// @Summary Get a scheduling run
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /schedule-runs/{id} [get]
func (h *ScheduleRunHandler) Get(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// Sections godoc
// @Summary List section placements of a finished run
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /schedule-runs/{id}/sections [get]
func (h *ScheduleRunHandler) Sections(c *gin.Context) {
	sections, err := h.service.Sections(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sections, nil)
}

// StudentTimetable godoc
// @Summary Get a student's timetable
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs/{id}/students/{studentId}/timetable [get]
func (h *ScheduleRunHandler) StudentTimetable(c *gin.Context) {
	studentID := c.Param("studentId")
	entries, err := h.service.StudentTimetable(c.Request.Context(), c.Param("id"), studentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.StudentTimetableResponse{StudentID: studentID, Entries: entries}, nil)
}

// TeacherLoad godoc
// @Summary Get a teacher's assigned sections
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Param teacherId path string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs/{id}/teachers/{teacherId}/load [get]
func (h *ScheduleRunHandler) TeacherLoad(c *gin.Context) {
	load, err := h.service.TeacherLoad(c.Request.Context(), c.Param("id"), c.Param("teacherId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, load, nil, map[string]interface{}{"load": load.Load()})
}

// RoomOccupancy godoc
// @Summary Get a room's occupancy grid
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Param roomId path string true "Room ID"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs/{id}/rooms/{roomId}/occupancy [get]
func (h *ScheduleRunHandler) RoomOccupancy(c *gin.Context) {
	roomID := c.Param("roomId")
	cells, err := h.service.RoomOccupancy(c.Request.Context(), c.Param("id"), roomID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.RoomOccupancyResponse{RoomID: roomID, Cells: cells}, nil)
}

// Diagnostics godoc
// @Summary Get the diagnostics of a finished run
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs/{id}/diagnostics [get]
func (h *ScheduleRunHandler) Diagnostics(c *gin.Context) {
	diags, err := h.service.Diagnostics(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, diags, nil)
}

// Assignments godoc
// @Summary List persisted assignment rows of a succeeded run
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Param kind query string false "student, teacher or room"
// @Param entity_id query string false "Entity ID, required with kind"
// @Success 200 {object} response.Envelope
// @Router /schedule-runs/{id}/assignments [get]
func (h *ScheduleRunHandler) Assignments(c *gin.Context) {
	var query dto.AssignmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	rows, err := h.service.Assignments(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows, nil)
}

// Export godoc
// @Summary Render a run view as CSV or PDF
// @Tags Exports
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param payload body dto.ExportRequest true "Export request"
// @Success 201 {object} response.Envelope
// @Router /schedule-runs/{id}/exports [post]
func (h *ScheduleRunHandler) Export(c *gin.Context) {
	var req dto.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid export payload"))
		return
	}
	result, err := h.exports.Export(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Download godoc
// @Summary Download a rendered export
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ScheduleRunHandler) Download(c *gin.Context) {
	download, err := h.exports.Open(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to read export"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	c.DataFromReader(http.StatusOK, info.Size(), download.ContentType, download.File, nil)
}

func planResponse(result *service.PlanResult) dto.PlanResponse {
	schedule := result.Schedule
	return dto.PlanResponse{
		Status:      string(schedule.Status()),
		Optimal:     schedule.Optimal(),
		Objective:   schedule.Objective(),
		Model:       result.Stats,
		DurationMS:  result.Duration.Milliseconds(),
		Sections:    schedule.Sections(),
		Statistics:  schedule.Statistics(),
		Diagnostics: schedule.Diagnostics(),
	}
}
