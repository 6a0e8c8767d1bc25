package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// AppendMessage adds a message to the task's conversation thread.
func (r *Repository) AppendMessage(ctx context.Context, taskID string, msg v1.TaskMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = models.NowMs()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var raw string
	err = tx.QueryRowContext(ctx, r.db.Rebind(
		`SELECT messages FROM tasks WHERE id = ?`), taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return errs.NotFound("task not found: %s", taskID)
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	var messages []v1.TaskMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to decode messages for task %s: %w", taskID, err)
	}
	messages = append(messages, msg)

	encoded, err := json.Marshal(messages)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`UPDATE tasks SET messages = ?, updated_at = ? WHERE id = ?`),
		string(encoded), models.NowMs(), taskID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// GetMessages returns the task's conversation thread in order.
func (r *Repository) GetMessages(ctx context.Context, taskID string) ([]v1.TaskMessage, error) {
	var raw string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT messages FROM tasks WHERE id = ?`), taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("task not found: %s", taskID)
	}
	if err != nil {
		return nil, err
	}

	var messages []v1.TaskMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for task %s: %w", taskID, err)
	}
	return messages, nil
}

// MarkUserMessagesRead flags all unread user messages on the task as read and
// returns how many were flipped.
func (r *Repository) MarkUserMessagesRead(ctx context.Context, taskID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	var raw string
	err = tx.QueryRowContext(ctx, r.db.Rebind(
		`SELECT messages FROM tasks WHERE id = ?`), taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return 0, errs.NotFound("task not found: %s", taskID)
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	var messages []v1.TaskMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to decode messages for task %s: %w", taskID, err)
	}

	flipped := 0
	for i := range messages {
		if messages[i].Role == v1.MessageRoleUser && !messages[i].IsRead {
			messages[i].IsRead = true
			flipped++
		}
	}
	if flipped == 0 {
		_ = tx.Rollback()
		return 0, nil
	}

	encoded, err := json.Marshal(messages)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`UPDATE tasks SET messages = ?, updated_at = ? WHERE id = ?`),
		string(encoded), models.NowMs(), taskID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return flipped, nil
}
