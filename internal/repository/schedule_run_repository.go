package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/course-scheduler/internal/models"
)

const runSummaryColumns = `id, status, solve_status, config, objective, error_code, error_message, created_by, created_at, updated_at, finished_at`

// ScheduleRunRepository persists scheduling runs and their decoded results.
type ScheduleRunRepository struct {
	db          *sqlx.DB
	assignments *ScheduleAssignmentRepository
}

// NewScheduleRunRepository constructs repository.
func NewScheduleRunRepository(db *sqlx.DB, assignments *ScheduleAssignmentRepository) *ScheduleRunRepository {
	if assignments == nil {
		assignments = NewScheduleAssignmentRepository(db)
	}
	return &ScheduleRunRepository{db: db, assignments: assignments}
}

// Create inserts a queued run.
func (r *ScheduleRunRepository) Create(ctx context.Context, run *models.ScheduleRun) error {
	if run == nil {
		return fmt.Errorf("run payload is nil")
	}
	if len(run.Input) == 0 {
		return fmt.Errorf("run input is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if len(run.Config) == 0 {
		run.Config = types.JSONText(`{}`)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	const query = `
INSERT INTO schedule_runs (id, status, input, config, created_by, created_at, updated_at)
VALUES (:id, :status, :input, :config, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}
	return nil
}

// FindByID loads a run including its input and stored result.
func (r *ScheduleRunRepository) FindByID(ctx context.Context, id string) (*models.ScheduleRun, error) {
	const query = `SELECT ` + runSummaryColumns + `, input, result FROM schedule_runs WHERE id = $1`
	var run models.ScheduleRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns run summaries newest first with the total count for the filter.
func (r *ScheduleRunRepository) List(ctx context.Context, filter models.RunFilter) ([]models.ScheduleRun, int, error) {
	page, size := filter.Page, filter.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}

	where := ""
	args := []interface{}{}
	if filter.Status != nil {
		where = " WHERE status = $1"
		args = append(args, string(*filter.Status))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM schedule_runs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count schedule runs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM schedule_runs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		runSummaryColumns, where, len(args)+1, len(args)+2)
	args = append(args, size, (page-1)*size)

	var runs []models.ScheduleRun
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list schedule runs: %w", err)
	}
	return runs, total, nil
}

// MarkRunning moves a queued run to RUNNING. It returns sql.ErrNoRows when
// the run is missing or no longer queued.
func (r *ScheduleRunRepository) MarkRunning(ctx context.Context, id string) error {
	const query = `UPDATE schedule_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := r.db.ExecContext(ctx, query, models.RunStatusRunning, time.Now().UTC(), id, models.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("mark schedule run running: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule run rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Finish stores the outcome of a run and replaces its assignments in one transaction.
func (r *ScheduleRunRepository) Finish(ctx context.Context, id string, outcome models.RunOutcome, assignments []models.ScheduleAssignmentRow) error {
	if !outcome.Status.Finished() {
		return fmt.Errorf("run outcome status %q is not terminal", outcome.Status)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish schedule run: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	var result interface{}
	if len(outcome.Result) > 0 {
		result = outcome.Result
	}
	const query = `
UPDATE schedule_runs SET status = $1, solve_status = $2, result = $3, objective = $4, error_code = $5, error_message = $6, updated_at = $7, finished_at = $7
WHERE id = $8`
	res, err := tx.ExecContext(ctx, query,
		outcome.Status, nullString(outcome.SolveStatus), result, outcome.Objective,
		nullString(outcome.ErrorCode), nullString(outcome.ErrorMessage), now, id)
	if err != nil {
		err = fmt.Errorf("finish schedule run: %w", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("schedule run rows affected: %w", err)
		return err
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if err = r.assignments.ReplaceForRun(ctx, tx, id, assignments); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit finish schedule run: %w", err)
		return err
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
