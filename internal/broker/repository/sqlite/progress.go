package sqlite

import (
	"context"
	"database/sql"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/dispatchd/dispatchd/internal/errs"
)

// AppendProgress records a liveness report and refreshes the task's
// lastProgressAt marker.
func (r *Repository) AppendProgress(ctx context.Context, progress *models.Progress) error {
	if progress.Timestamp == 0 {
		progress.Timestamp = models.NowMs()
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE tasks SET last_progress_at = ?, updated_at = ? WHERE id = ?`),
		progress.Timestamp, models.NowMs(), progress.TaskID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("task not found: %s", progress.TaskID)
	}

	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO progress (task_id, agent_id, phase, message, percentage, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, progress.TaskID, progress.AgentID, progress.Phase, progress.Message,
		nullableInt(progress.Percentage), progress.Timestamp)
	if err != nil {
		return err
	}
	progress.ID = id
	return nil
}

// ListProgress returns all progress entries for a task in insertion order.
func (r *Repository) ListProgress(ctx context.Context, taskID string) ([]*models.Progress, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, agent_id, phase, message, percentage, timestamp
		FROM progress WHERE task_id = ? ORDER BY id
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.Progress
	for rows.Next() {
		entry := &models.Progress{}
		var percentage sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.AgentID, &entry.Phase,
			&entry.Message, &percentage, &entry.Timestamp); err != nil {
			return nil, err
		}
		if percentage.Valid {
			p := int(percentage.Int64)
			entry.Percentage = &p
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
