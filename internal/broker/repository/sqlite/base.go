// Package sqlite provides the relational repository implementation. Despite
// the name it serves both SQLite and Postgres connections; engine differences
// are isolated behind internal/db/dialect.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// Repository provides relational storage for agents, tasks, progress and
// review comments.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	driver string
	ownsDB bool
}

// NewWithDB creates a repository with existing writer and reader connections
// (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, driver: writer.DriverName(), ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initAgentSchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initProgressSchema(); err != nil {
		return err
	}
	if err := r.initReviewSchema(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initAgentSchema() error {
	bigint := dialect.BigInt(r.driver)

	if _, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			workspace_context TEXT,
			source TEXT NOT NULL DEFAULT 'IDE',
			color TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			last_seen %s NOT NULL,
			eviction_requested INTEGER NOT NULL DEFAULT 0,
			eviction_reason TEXT NOT NULL DEFAULT '',
			eviction_action TEXT NOT NULL DEFAULT ''
		)
	`, bigint, bigint)); err != nil {
		return err
	}

	// displayName uniqueness is case-insensitive; the key column stores the
	// lowercased form.
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS aliases (
			display_name_key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL
		)
	`)
	return err
}

func (r *Repository) initTaskSchema() error {
	bigint := dialect.BigInt(r.driver)

	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL,
			from_type TEXT NOT NULL DEFAULT 'user',
			from_id TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			to_agent_id TEXT NOT NULL DEFAULT '',
			to_workspace_id TEXT NOT NULL DEFAULT '',
			required_capabilities TEXT NOT NULL DEFAULT '[]',
			assigned_to TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			response TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			messages TEXT NOT NULL DEFAULT '[]',
			history TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			completed_at %s,
			last_progress_at %s
		)
	`, bigint, bigint, bigint, bigint))
	return err
}

func (r *Repository) initProgressSchema() error {
	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS progress (
			id %s,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			percentage INTEGER,
			timestamp %s NOT NULL
		)
	`, dialect.AutoIncrementPK(r.driver), dialect.BigInt(r.driver)))
	return err
}

func (r *Repository) initReviewSchema() error {
	bigint := dialect.BigInt(r.driver)

	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS review_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			response TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			resolved_at %s
		)
	`, bigint, bigint))
	return err
}

// ensureIndexes creates query indexes
func (r *Repository) ensureIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agents(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_task_id ON progress(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_review_comments_task_id ON review_comments(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique-constraint failure
// from either engine.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
