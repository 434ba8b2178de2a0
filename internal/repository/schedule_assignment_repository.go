package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-scheduler/internal/models"
)

const assignmentColumns = `id, run_id, entity_kind, entity_id, section_id, course_id, term_id, block, created_at`

// ScheduleAssignmentRepository stores the flattened assignments of finished runs.
type ScheduleAssignmentRepository struct {
	db *sqlx.DB
}

// NewScheduleAssignmentRepository constructs repository.
func NewScheduleAssignmentRepository(db *sqlx.DB) *ScheduleAssignmentRepository {
	return &ScheduleAssignmentRepository{db: db}
}

func (r *ScheduleAssignmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ReplaceForRun deletes the run's assignments and inserts rows. Pass a
// transaction as exec to make the replacement atomic with other writes.
func (r *ScheduleAssignmentRepository) ReplaceForRun(ctx context.Context, exec sqlx.ExtContext, runID string, rows []models.ScheduleAssignmentRow) error {
	target := r.exec(exec)
	if _, err := target.ExecContext(ctx, `DELETE FROM schedule_assignments WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear schedule assignments: %w", err)
	}

	now := time.Now().UTC()
	const insertQuery = `
INSERT INTO schedule_assignments (id, run_id, entity_kind, entity_id, section_id, course_id, term_id, block, created_at)
VALUES (:id, :run_id, :entity_kind, :entity_id, :section_id, :course_id, :term_id, :block, :created_at)`
	for i := range rows {
		row := rows[i]
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.RunID = runID
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if _, err := sqlx.NamedExecContext(ctx, target, insertQuery, &row); err != nil {
			return fmt.Errorf("insert schedule assignment: %w", err)
		}
		rows[i] = row
	}
	return nil
}

// ListByRun returns every assignment of a run ordered by entity then block.
func (r *ScheduleAssignmentRepository) ListByRun(ctx context.Context, runID string) ([]models.ScheduleAssignmentRow, error) {
	query := `SELECT ` + assignmentColumns + ` FROM schedule_assignments WHERE run_id = $1 ORDER BY entity_kind, entity_id, term_id, block`
	var rows []models.ScheduleAssignmentRow
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("list schedule assignments: %w", err)
	}
	return rows, nil
}

// ListByEntity returns the assignments of one student, teacher or room.
func (r *ScheduleAssignmentRepository) ListByEntity(ctx context.Context, runID string, kind models.EntityKind, entityID string) ([]models.ScheduleAssignmentRow, error) {
	query := `SELECT ` + assignmentColumns + ` FROM schedule_assignments WHERE run_id = $1 AND entity_kind = $2 AND entity_id = $3 ORDER BY term_id, block`
	var rows []models.ScheduleAssignmentRow
	if err := r.db.SelectContext(ctx, &rows, query, runID, string(kind), entityID); err != nil {
		return nil, fmt.Errorf("list schedule assignments for %s %s: %w", kind, entityID, err)
	}
	return rows, nil
}

// ToRows flattens decoded assignments into table rows.
func ToRows(runID string, assignments []models.Assignment) []models.ScheduleAssignmentRow {
	rows := make([]models.ScheduleAssignmentRow, 0, len(assignments))
	for _, a := range assignments {
		rows = append(rows, models.ScheduleAssignmentRow{
			RunID:      runID,
			EntityKind: a.Kind,
			EntityID:   a.EntityID,
			SectionID:  a.SectionID,
			CourseID:   a.CourseID,
			TermID:     a.TermID,
			Block:      a.Block,
		})
	}
	return rows
}
