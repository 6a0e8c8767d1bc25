package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/errs"
)

// CreateReviewComment stores reviewer feedback against a task.
func (r *Repository) CreateReviewComment(ctx context.Context, comment *models.ReviewComment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt == 0 {
		comment.CreatedAt = models.NowMs()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO review_comments (id, task_id, author, file, line, comment, resolved, response, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, NULL)
	`), comment.ID, comment.TaskID, comment.Author, comment.File, comment.Line,
		comment.Comment, comment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("review comment already exists: %s", comment.ID)
		}
		return err
	}
	return nil
}

// ListReviewComments returns review comments for a task, oldest first.
func (r *Repository) ListReviewComments(ctx context.Context, taskID string, unresolvedOnly bool) ([]*models.ReviewComment, error) {
	query := `
		SELECT id, task_id, author, file, line, comment, resolved, response, created_at, resolved_at
		FROM review_comments WHERE task_id = ?`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*models.ReviewComment
	for rows.Next() {
		comment, err := scanReviewComment(rows.Scan)
		if err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// ResolveReviewComment marks a comment resolved with an optional response and
// returns the updated row.
func (r *Repository) ResolveReviewComment(ctx context.Context, commentID, response string) (*models.ReviewComment, error) {
	resolvedAt := models.NowMs()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE review_comments SET resolved = 1, response = ?, resolved_at = ?
		WHERE id = ?
	`), response, resolvedAt, commentID)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, errs.NotFound("review comment not found: %s", commentID)
	}

	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, task_id, author, file, line, comment, resolved, response, created_at, resolved_at
		FROM review_comments WHERE id = ?
	`), commentID)
	return scanReviewComment(row.Scan)
}

func scanReviewComment(scan func(dest ...any) error) (*models.ReviewComment, error) {
	comment := &models.ReviewComment{}
	var resolved int
	var resolvedAt sql.NullInt64

	err := scan(&comment.ID, &comment.TaskID, &comment.Author, &comment.File, &comment.Line,
		&comment.Comment, &resolved, &comment.Response, &comment.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	comment.Resolved = resolved != 0
	if resolvedAt.Valid {
		comment.ResolvedAt = &resolvedAt.Int64
	}
	return comment, nil
}
