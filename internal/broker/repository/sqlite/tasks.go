package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

const taskColumns = `id, title, prompt, priority, status, from_type, from_id, from_name,
	to_agent_id, to_workspace_id, required_capabilities, assigned_to, context, response,
	dependencies, messages, history, retry_count, created_at, updated_at, completed_at,
	last_progress_at`

// encodedTask holds the JSON-encoded column values of a task row.
type encodedTask struct {
	requiredCapabilities string
	context              string
	response             sql.NullString
	dependencies         string
	messages             string
	history              string
}

func encodeTask(task *models.Task) (*encodedTask, error) {
	caps, err := json.Marshal(task.To.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	taskContext, err := json.Marshal(task.Context)
	if err != nil {
		return nil, err
	}
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return nil, err
	}
	messages, err := json.Marshal(task.Messages)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(task.History)
	if err != nil {
		return nil, err
	}

	enc := &encodedTask{
		requiredCapabilities: string(caps),
		context:              string(taskContext),
		dependencies:         string(deps),
		messages:             string(messages),
		history:              string(history),
	}
	if task.Response != nil {
		response, err := json.Marshal(task.Response)
		if err != nil {
			return nil, err
		}
		enc.response = sql.NullString{String: string(response), Valid: true}
	}
	return enc, nil
}

// scanTask reads one task row in taskColumns order.
func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	task := &models.Task{}
	var requiredCapabilities, taskContext, dependencies, messages, history string
	var response sql.NullString
	var completedAt, lastProgressAt sql.NullInt64

	err := scan(&task.ID, &task.Title, &task.Prompt, &task.Priority, &task.Status,
		&task.From.Type, &task.From.ID, &task.From.Name,
		&task.To.AgentID, &task.To.WorkspaceID, &requiredCapabilities,
		&task.AssignedTo, &taskContext, &response, &dependencies, &messages, &history,
		&task.RetryCount, &task.CreatedAt, &task.UpdatedAt, &completedAt, &lastProgressAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requiredCapabilities), &task.To.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(taskContext), &task.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(dependencies), &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(messages), &task.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &task.History); err != nil {
		return nil, fmt.Errorf("failed to decode history for task %s: %w", task.ID, err)
	}
	if response.Valid && response.String != "" {
		task.Response = &v1.TaskResponse{}
		if err := json.Unmarshal([]byte(response.String), task.Response); err != nil {
			return nil, fmt.Errorf("failed to decode response for task %s: %w", task.ID, err)
		}
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Int64
	}
	if lastProgressAt.Valid {
		task.LastProgressAt = &lastProgressAt.Int64
	}
	return task, nil
}

// CreateTask inserts a new task
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := models.NowMs()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	enc, err := encodeTask(task)
	if err != nil {
		return errs.Internal(err, "failed to encode task %s", task.ID)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Title, task.Prompt, task.Priority, task.Status,
		task.From.Type, task.From.ID, task.From.Name,
		task.To.AgentID, task.To.WorkspaceID, enc.requiredCapabilities,
		task.AssignedTo, enc.context, enc.response, enc.dependencies, enc.messages,
		enc.history, task.RetryCount, task.CreatedAt, task.UpdatedAt,
		nullableInt64(task.CompletedAt), nullableInt64(task.LastProgressAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("task already exists: %s", task.ID)
		}
		return err
	}
	return nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("task not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask rewrites the full task row
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = models.NowMs()

	enc, err := encodeTask(task)
	if err != nil {
		return errs.Internal(err, "failed to encode task %s", task.ID)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET title = ?, prompt = ?, priority = ?, status = ?,
			from_type = ?, from_id = ?, from_name = ?,
			to_agent_id = ?, to_workspace_id = ?, required_capabilities = ?,
			assigned_to = ?, context = ?, response = ?, dependencies = ?,
			messages = ?, history = ?, retry_count = ?, updated_at = ?,
			completed_at = ?, last_progress_at = ?
		WHERE id = ?
	`), task.Title, task.Prompt, task.Priority, task.Status,
		task.From.Type, task.From.ID, task.From.Name,
		task.To.AgentID, task.To.WorkspaceID, enc.requiredCapabilities,
		task.AssignedTo, enc.context, enc.response, enc.dependencies,
		enc.messages, enc.history, task.RetryCount, task.UpdatedAt,
		nullableInt64(task.CompletedAt), nullableInt64(task.LastProgressAt), task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("task not found: %s", task.ID)
	}
	return nil
}

// UpdateTaskStatus persists a status transition. The write only applies while
// the row is still in the expected status, so concurrent transitions lose with
// a conflict instead of silently clobbering each other.
func (r *Repository) UpdateTaskStatus(ctx context.Context, task *models.Task, expected v1.TaskStatus) error {
	history, err := json.Marshal(task.History)
	if err != nil {
		return errs.Internal(err, "failed to encode history for task %s", task.ID)
	}
	var response sql.NullString
	if task.Response != nil {
		encoded, err := json.Marshal(task.Response)
		if err != nil {
			return errs.Internal(err, "failed to encode response for task %s", task.ID)
		}
		response = sql.NullString{String: string(encoded), Valid: true}
	}
	task.UpdatedAt = models.NowMs()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, assigned_to = ?, response = ?, history = ?,
			retry_count = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`), task.Status, task.AssignedTo, response, string(history), task.RetryCount,
		task.UpdatedAt, nullableInt64(task.CompletedAt), task.ID, expected)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var one int
		err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT 1 FROM tasks WHERE id = ?`), task.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("task not found: %s", task.ID)
		}
		if err != nil {
			return err
		}
		return errs.Conflict("task %s is no longer %s", task.ID, expected)
	}
	return nil
}

// DeleteTask deletes a task by ID
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("task not found: %s", id)
	}
	return nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

// ListTasksByStatus returns tasks in the given status.
func (r *Repository) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id`, status)
}

// ListTasksByStatuses returns tasks whose status is in the given set.
func (r *Repository) ListTasksByStatuses(ctx context.Context, statuses []v1.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?) ORDER BY created_at, id`, statuses)
	if err != nil {
		return nil, err
	}
	return r.queryTasks(ctx, query, args...)
}

// ListTasksByAssignee returns tasks assigned to the given agent.
func (r *Repository) ListTasksByAssignee(ctx context.Context, agentID string) ([]*models.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE assigned_to = ? ORDER BY created_at, id`, agentID)
}

// ListActiveTasks returns all non-terminal tasks.
func (r *Repository) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.ListActiveTasks")
	defer span.End()

	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY created_at, id`)
}

// ListTaskHistory returns tasks matching the filter, newest first.
func (r *Repository) ListTaskHistory(ctx context.Context, filter models.TaskHistoryFilter) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.ListTaskHistory")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Query != "" {
		like := dialect.Like(r.driver)
		query += ` AND (prompt ` + like + ` ? OR title ` + like + ` ?)`
		pattern := "%" + filter.Query + "%"
		args = append(args, pattern, pattern)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return r.queryTasks(ctx, query, args...)
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
