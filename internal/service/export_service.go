package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/course-scheduler/internal/dto"
	"github.com/noah-isme/course-scheduler/internal/timetable"
	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
	"github.com/noah-isme/course-scheduler/pkg/export"
	"github.com/noah-isme/course-scheduler/pkg/storage"
)

// ScheduleSource loads decoded schedules of finished runs.
type ScheduleSource interface {
	Schedule(ctx context.Context, runID string) (*timetable.Schedule, error)
}

// Download describes a verified export ready to stream.
type Download struct {
	File        *os.File
	Filename    string
	ContentType string
}

// ExportService renders run views to files and hands out signed download links.
type ExportService struct {
	source    ScheduleSource
	storage   *storage.LocalStorage
	signer    *storage.SignedURLSigner
	validator *validator.Validate
	logger    *zap.Logger
	basePath  string
	now       func() time.Time
}

// NewExportService constructs the export service. basePath prefixes download URLs.
func NewExportService(source ScheduleSource, store *storage.LocalStorage, signer *storage.SignedURLSigner, validate *validator.Validate, logger *zap.Logger, basePath string) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		source:    source,
		storage:   store,
		signer:    signer,
		validator: validate,
		logger:    logger,
		basePath:  strings.TrimRight(basePath, "/"),
		now:       time.Now,
	}
}

// Export renders a view of a run and returns a signed download link.
func (s *ExportService) Export(ctx context.Context, runID string, req dto.ExportRequest) (*dto.ExportResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid export request")
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, err.Error())
	}
	renderer, err := export.RendererFor(format)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, err.Error())
	}

	schedule, err := s.source.Schedule(ctx, runID)
	if err != nil {
		return nil, err
	}
	dataset, err := BuildDataset(schedule, req.View, req.EntityID)
	if err != nil {
		return nil, err
	}
	data, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to render export")
	}

	filename := exportFilename(req.View, req.EntityID, s.now(), renderer.Extension())
	name, err := s.storage.Save(path.Join(runID, filename), data)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store export")
	}
	token, expiresAt, err := s.signer.Sign(runID, name)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to sign export")
	}

	s.logger.Info("schedule export rendered",
		zap.String("run_id", runID),
		zap.String("view", req.View),
		zap.String("format", string(format)),
		zap.Int("rows", len(dataset.Rows)),
	)
	return &dto.ExportResponse{
		URL:       s.basePath + "/export/" + token,
		Filename:  filename,
		Format:    string(format),
		ExpiresAt: expiresAt,
	}, nil
}

// Open verifies a download token and opens the referenced file.
func (s *ExportService) Open(token string) (*Download, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	if !strings.HasPrefix(claims.Path, claims.RunID+"/") {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	file, err := s.storage.Open(claims.Path)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export file not found")
	}
	contentType := "application/octet-stream"
	switch path.Ext(claims.Path) {
	case ".csv":
		contentType = export.NewCSVRenderer().ContentType()
	case ".pdf":
		contentType = export.NewPDFRenderer().ContentType()
	}
	return &Download{File: file, Filename: path.Base(claims.Path), ContentType: contentType}, nil
}

func exportFilename(view, entityID string, at time.Time, ext string) string {
	name := view
	if entityID != "" && view != ViewSections && view != ViewStatistics {
		name += "-" + sanitize(entityID)
	}
	return fmt.Sprintf("%s-%s.%s", name, at.UTC().Format("20060102T150405"), ext)
}

func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, value)
}
