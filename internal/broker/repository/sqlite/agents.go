package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

const agentColumns = `id, display_name, role, capabilities, workspace_context, source, color,
	created_at, last_seen, eviction_requested, eviction_reason, eviction_action`

// scanAgent reads one agent row in agentColumns order.
func scanAgent(scan func(dest ...any) error) (*models.Agent, error) {
	agent := &models.Agent{}
	var capabilities string
	var workspace sql.NullString
	var evictionRequested int

	err := scan(&agent.ID, &agent.DisplayName, &agent.Role, &capabilities, &workspace,
		&agent.Source, &agent.Color, &agent.CreatedAt, &agent.LastSeen,
		&evictionRequested, &agent.EvictionReason, &agent.EvictionAction)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capabilities), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities for agent %s: %w", agent.ID, err)
	}
	if workspace.Valid && workspace.String != "" {
		agent.WorkspaceContext = &v1.WorkspaceContext{}
		if err := json.Unmarshal([]byte(workspace.String), agent.WorkspaceContext); err != nil {
			return nil, fmt.Errorf("failed to decode workspace context for agent %s: %w", agent.ID, err)
		}
	}
	agent.EvictionRequested = evictionRequested != 0
	return agent, nil
}

func encodeAgent(agent *models.Agent) (capabilities string, workspace sql.NullString, err error) {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return "", sql.NullString{}, err
	}
	if agent.WorkspaceContext != nil {
		ws, err := json.Marshal(agent.WorkspaceContext)
		if err != nil {
			return "", sql.NullString{}, err
		}
		workspace = sql.NullString{String: string(ws), Valid: true}
	}
	return string(caps), workspace, nil
}

// CreateAgent inserts a new agent and its display-name alias.
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.CreatedAt == 0 {
		agent.CreatedAt = models.NowMs()
	}
	if agent.LastSeen == 0 {
		agent.LastSeen = agent.CreatedAt
	}

	capabilities, workspace, err := encodeAgent(agent)
	if err != nil {
		return errs.Internal(err, "failed to encode agent %s", agent.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, display_name, role, capabilities, workspace_context, source, color,
			created_at, last_seen, eviction_requested, eviction_reason, eviction_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '')
	`), agent.ID, agent.DisplayName, agent.Role, capabilities, workspace, agent.Source,
		agent.Color, agent.CreatedAt, agent.LastSeen)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return errs.Conflict("agent already exists: %s", agent.ID)
		}
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO aliases (display_name_key, agent_id) VALUES (?, ?)
	`), models.DisplayNameKey(agent.DisplayName), agent.ID)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return errs.Conflict("display name already taken: %s", agent.DisplayName)
		}
		return err
	}

	return tx.Commit()
}

// GetAgent retrieves an agent by ID
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("agent not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgentByDisplayName retrieves an agent by display name, case-insensitively.
func (r *Repository) GetAgentByDisplayName(ctx context.Context, displayName string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE id = (SELECT agent_id FROM aliases WHERE display_name_key = ?)
	`), models.DisplayNameKey(displayName))
	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("agent not found: %s", displayName)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// UpdateAgent rewrites an agent row and refreshes its alias.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	capabilities, workspace, err := encodeAgent(agent)
	if err != nil {
		return errs.Internal(err, "failed to encode agent %s", agent.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET display_name = ?, role = ?, capabilities = ?, workspace_context = ?,
			source = ?, color = ?, last_seen = ?,
			eviction_requested = ?, eviction_reason = ?, eviction_action = ?
		WHERE id = ?
	`), agent.DisplayName, agent.Role, capabilities, workspace, agent.Source, agent.Color,
		agent.LastSeen, dialect.BoolToInt(agent.EvictionRequested), agent.EvictionReason,
		agent.EvictionAction, agent.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		_ = tx.Rollback()
		return errs.NotFound("agent not found: %s", agent.ID)
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM aliases WHERE agent_id = ?`), agent.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO aliases (display_name_key, agent_id) VALUES (?, ?)
	`), models.DisplayNameKey(agent.DisplayName), agent.ID)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return errs.Conflict("display name already taken: %s", agent.DisplayName)
		}
		return err
	}

	return tx.Commit()
}

// DeleteAgent removes an agent and its alias.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		_ = tx.Rollback()
		return errs.NotFound("agent not found: %s", id)
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM aliases WHERE agent_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ListAgents returns all registered agents ordered by registration time.
func (r *Repository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.ListAgents")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ListAgentsByCapability returns agents advertising the given capability.
func (r *Repository) ListAgentsByCapability(ctx context.Context, capability v1.Capability) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE capabilities LIKE ?
		ORDER BY created_at, id
	`), `%"`+string(capability)+`"%`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// TouchAgent updates the agent's lastSeen timestamp.
func (r *Repository) TouchAgent(ctx context.Context, id string, lastSeen int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE agents SET last_seen = ? WHERE id = ?`), lastSeen, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("agent not found: %s", id)
	}
	return nil
}

// SetEviction records a pending eviction against the agent.
func (r *Repository) SetEviction(ctx context.Context, id, reason string, action v1.EvictionAction) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET eviction_requested = 1, eviction_reason = ?, eviction_action = ?
		WHERE id = ?
	`), reason, action, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("agent not found: %s", id)
	}
	return nil
}

// ClearEviction removes any pending eviction from the agent.
func (r *Repository) ClearEviction(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET eviction_requested = 0, eviction_reason = '', eviction_action = ''
		WHERE id = ?
	`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.NotFound("agent not found: %s", id)
	}
	return nil
}

// DeleteAgentsLastSeenBefore removes agents whose lastSeen is older than the
// cutoff, skipping exempt IDs. Returns the removed agent IDs.
func (r *Repository) DeleteAgentsLastSeenBefore(ctx context.Context, olderThan int64, exemptIDs []string) ([]string, error) {
	query := `SELECT id FROM agents WHERE last_seen < ?`
	args := []any{olderThan}
	if len(exemptIDs) > 0 {
		var err error
		query, args, err = sqlx.In(`SELECT id FROM agents WHERE last_seen < ? AND id NOT IN (?)`, olderThan, exemptIDs)
		if err != nil {
			return nil, err
		}
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	deleteAgents, agentArgs, err := sqlx.In(`DELETE FROM agents WHERE id IN (?)`, ids)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(deleteAgents), agentArgs...); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	deleteAliases, aliasArgs, err := sqlx.In(`DELETE FROM aliases WHERE agent_id IN (?)`, ids)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(deleteAliases), aliasArgs...); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
