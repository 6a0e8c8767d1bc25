// Package registry manages agent identity, liveness, and eviction.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/repository"
	"github.com/dispatchd/dispatchd/internal/broker/waiters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/errs"
	"github.com/dispatchd/dispatchd/internal/events"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

const generatedNameAttempts = 5

// Service owns agent registration, heartbeats, derived status, and the
// eviction handshake.
type Service struct {
	repo    repository.Repository
	waiting *waiters.Table
	emitter *events.Emitter
	logger  *logger.Logger

	offlineThreshold time.Duration
	debounce         time.Duration

	mu            sync.Mutex
	lastHeartbeat map[string]time.Time

	evictionMu sync.Mutex
}

// NewService creates the registry service.
func NewService(repo repository.Repository, waiting *waiters.Table, emitter *events.Emitter, cfg config.RegistryConfig, log *logger.Logger) *Service {
	return &Service{
		repo:             repo,
		waiting:          waiting,
		emitter:          emitter,
		logger:           log.WithFields(zap.String("component", "registry")),
		offlineThreshold: cfg.OfflineThresholdDuration(),
		debounce:         cfg.HeartbeatDebounceDuration(),
		lastHeartbeat:    make(map[string]time.Time),
	}
}

// Register creates or refreshes an agent. Re-registering an id that is still
// live under a different display name yields a suffixed id so two running
// agents never collide; otherwise the registration overwrites the existing
// row. A display name is generated when the caller does not provide one.
func (s *Service) Register(ctx context.Context, req *v1.RegisterAgentRequest) (*v1.Agent, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = v1.AgentSourceIDE
	}

	existing, err := s.repo.GetAgent(ctx, req.AgentID)
	if err != nil && !errs.IsNotFound(err) {
		return nil, err
	}

	agentID := req.AgentID
	if existing != nil {
		liveConflict := models.NowMs()-existing.LastSeen <= s.offlineThreshold.Milliseconds() &&
			req.DisplayName != "" &&
			models.DisplayNameKey(req.DisplayName) != models.DisplayNameKey(existing.DisplayName)
		if !liveConflict {
			return s.overwrite(ctx, existing, req, source)
		}
		agentID, err = s.freeSuffixedID(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("agent id in use by a live agent, suffixing",
			zap.String("requested_id", req.AgentID),
			zap.String("agent_id", agentID))
	}

	agent := &models.Agent{
		ID:               agentID,
		DisplayName:      req.DisplayName,
		Role:             req.Role,
		Capabilities:     req.Capabilities,
		WorkspaceContext: req.WorkspaceContext,
		Source:           source,
		Color:            pickColor(agentID),
		CreatedAt:        models.NowMs(),
		LastSeen:         models.NowMs(),
	}

	generated := agent.DisplayName == ""
	for attempt := 0; ; attempt++ {
		if generated {
			agent.DisplayName = generateDisplayName()
		}
		err = s.repo.CreateAgent(ctx, agent)
		if err == nil {
			break
		}
		if generated && errs.IsConflict(err) && attempt < generatedNameAttempts {
			continue
		}
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("display_name", agent.DisplayName),
		zap.Int("capabilities", len(agent.Capabilities)))

	dto := agent.ToAPI()
	dto.Status = v1.AgentStatusWaiting
	_ = s.emitter.EmitData(ctx, events.AgentRegistered, events.AgentRegistered, map[string]interface{}{
		"agent": dto,
	})
	return dto, nil
}

// overwrite refreshes an existing registration in place.
func (s *Service) overwrite(ctx context.Context, agent *models.Agent, req *v1.RegisterAgentRequest, source v1.AgentSource) (*v1.Agent, error) {
	if req.DisplayName != "" {
		agent.DisplayName = req.DisplayName
	}
	if req.Role != "" {
		agent.Role = req.Role
	}
	agent.Capabilities = req.Capabilities
	if req.WorkspaceContext != nil {
		agent.WorkspaceContext = req.WorkspaceContext
	}
	agent.Source = source
	agent.LastSeen = models.NowMs()

	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.Info("agent re-registered", zap.String("agent_id", agent.ID))

	dto, err := s.withStatus(ctx, agent)
	if err != nil {
		return nil, err
	}
	_ = s.emitter.EmitData(ctx, events.AgentRegistered, events.AgentRegistered, map[string]interface{}{
		"agent": dto,
	})
	return dto, nil
}

func validateRegistration(req *v1.RegisterAgentRequest) error {
	if req.AgentID == "" {
		return errs.Validation("agentId is required")
	}
	if len(req.Capabilities) == 0 {
		return errs.Validation("at least one capability is required")
	}
	for _, c := range req.Capabilities {
		if !c.IsValid() {
			return errs.Validation("unknown capability: %s", c)
		}
	}
	if req.Source != "" && req.Source != v1.AgentSourceCLI && req.Source != v1.AgentSourceIDE {
		return errs.Validation("source must be CLI or IDE")
	}
	if ws := req.WorkspaceContext; ws != nil {
		if ws.Kind != v1.WorkspaceKindLocal && ws.Kind != v1.WorkspaceKindGitHub {
			return errs.Validation("workspace kind must be local or github")
		}
		if ws.RepoID == "" {
			return errs.Validation("workspace repoId is required")
		}
	}
	return nil
}

func (s *Service) freeSuffixedID(ctx context.Context, id string) (string, error) {
	for i := 2; i < 100; i++ {
		candidate := fmt.Sprintf("%s-%d", id, i)
		_, err := s.repo.GetAgent(ctx, candidate)
		if errs.IsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errs.Internal(nil, "no free id suffix for %s", id)
}

// Heartbeat refreshes the agent's lastSeen, debounced per agent so chatty
// agents do not amplify writes. Emits agent.status when the refresh flips
// the derived status.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now()
	s.mu.Lock()
	if last, seen := s.lastHeartbeat[agentID]; seen && now.Sub(last) < s.debounce {
		s.mu.Unlock()
		return nil
	}
	s.lastHeartbeat[agentID] = now
	s.mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		s.forgetHeartbeat(agentID)
		return err
	}

	processing, err := s.hasProcessingTask(ctx, agentID)
	if err != nil {
		s.forgetHeartbeat(agentID)
		return err
	}
	before := s.statusFrom(processing, agentID, agent.LastSeen, now)

	lastSeen := models.NowMs()
	if err := s.repo.TouchAgent(ctx, agentID, lastSeen); err != nil {
		s.forgetHeartbeat(agentID)
		return err
	}
	after := s.statusFrom(processing, agentID, lastSeen, now)

	if before != after {
		_ = s.emitter.EmitData(ctx, events.AgentStatusChanged, events.AgentStatusChanged, map[string]interface{}{
			"agentId":  agentID,
			"status":   string(after),
			"lastSeen": lastSeen,
		})
	}
	return nil
}

func (s *Service) forgetHeartbeat(agentID string) {
	s.mu.Lock()
	delete(s.lastHeartbeat, agentID)
	s.mu.Unlock()
}

// DerivedStatus computes the agent's presence from its assigned tasks, its
// waiter entry, and its last heartbeat. Nothing is stored.
func (s *Service) DerivedStatus(ctx context.Context, agent *models.Agent) (v1.AgentStatus, error) {
	processing, err := s.hasProcessingTask(ctx, agent.ID)
	if err != nil {
		return "", err
	}
	return s.statusFrom(processing, agent.ID, agent.LastSeen, time.Now()), nil
}

func (s *Service) statusFrom(processing bool, agentID string, lastSeen int64, now time.Time) v1.AgentStatus {
	if processing {
		return v1.AgentStatusProcessing
	}
	if s.waiting.Contains(agentID) || now.UnixMilli()-lastSeen <= s.offlineThreshold.Milliseconds() {
		return v1.AgentStatusWaiting
	}
	return v1.AgentStatusOffline
}

func (s *Service) hasProcessingTask(ctx context.Context, agentID string) (bool, error) {
	tasks, err := s.repo.ListTasksByAssignee(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if isProcessingStatus(task.Status) {
			return true, nil
		}
	}
	return false, nil
}

func isProcessingStatus(status v1.TaskStatus) bool {
	switch status {
	case v1.TaskStatusAssigned, v1.TaskStatusInProgress,
		v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck:
		return true
	}
	return false
}

// GetAgent returns one agent with its derived status filled in.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.withStatus(ctx, agent)
}

// ResolveAgent looks an agent up by id, falling back to a case-insensitive
// display-name lookup so callers can reference agents either way.
func (s *Service) ResolveAgent(ctx context.Context, ref string) (*v1.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, ref)
	if errs.IsNotFound(err) {
		agent, err = s.repo.GetAgentByDisplayName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return s.withStatus(ctx, agent)
}

func (s *Service) withStatus(ctx context.Context, agent *models.Agent) (*v1.Agent, error) {
	status, err := s.DerivedStatus(ctx, agent)
	if err != nil {
		return nil, err
	}
	dto := agent.ToAPI()
	dto.Status = status
	return dto, nil
}

// ListAgents returns all agents, optionally filtered by capability, each with
// its derived status filled in.
func (s *Service) ListAgents(ctx context.Context, capability v1.Capability) ([]*v1.Agent, error) {
	var agents []*models.Agent
	var err error
	if capability != "" {
		if !capability.IsValid() {
			return nil, errs.Validation("unknown capability: %s", capability)
		}
		agents, err = s.repo.ListAgentsByCapability(ctx, capability)
	} else {
		agents, err = s.repo.ListAgents(ctx)
	}
	if err != nil {
		return nil, err
	}

	// One active-task scan covers the processing check for every agent.
	active, err := s.repo.ListActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	processing := make(map[string]bool)
	for _, task := range active {
		if task.AssignedTo != "" && isProcessingStatus(task.Status) {
			processing[task.AssignedTo] = true
		}
	}

	now := time.Now()
	out := make([]*v1.Agent, 0, len(agents))
	for _, agent := range agents {
		dto := agent.ToAPI()
		dto.Status = s.statusFrom(processing[agent.ID], agent.ID, agent.LastSeen, now)
		out = append(out, dto)
	}
	return out, nil
}

// UpdateAgent applies an admin update to mutable agent fields.
func (s *Service) UpdateAgent(ctx context.Context, agentID string, update *v1.AgentUpdate) (*v1.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if update.DisplayName != "" {
		agent.DisplayName = update.DisplayName
	}
	if update.Role != "" {
		agent.Role = update.Role
	}
	if len(update.Capabilities) > 0 {
		for _, c := range update.Capabilities {
			if !c.IsValid() {
				return nil, errs.Validation("unknown capability: %s", c)
			}
		}
		agent.Capabilities = update.Capabilities
	}
	if update.WorkspaceContext != nil {
		agent.WorkspaceContext = update.WorkspaceContext
	}
	if update.Color != "" {
		agent.Color = update.Color
	}

	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return s.withStatus(ctx, agent)
}

// RequestEviction records a pending eviction for the agent. A pending
// SHUTDOWN is never downgraded to RESTART; the stronger action sticks. If the
// agent is currently waiting it is woken with the eviction immediately, which
// also consumes the pending record.
func (s *Service) RequestEviction(ctx context.Context, agentID, reason string, action v1.EvictionAction) (*v1.Agent, error) {
	if reason == "" {
		return nil, errs.Permission("eviction requires a reason")
	}
	if action == "" {
		action = v1.EvictionActionRestart
	}
	if action != v1.EvictionActionRestart && action != v1.EvictionActionShutdown {
		return nil, errs.Validation("eviction action must be RESTART or SHUTDOWN")
	}

	s.evictionMu.Lock()
	defer s.evictionMu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	effectiveReason, effectiveAction := reason, action
	if agent.EvictionRequested && !action.Supersedes(agent.EvictionAction) {
		effectiveReason, effectiveAction = agent.EvictionReason, agent.EvictionAction
	} else if err := s.repo.SetEviction(ctx, agentID, reason, action); err != nil {
		return nil, err
	}
	agent.EvictionRequested = true
	agent.EvictionReason = effectiveReason
	agent.EvictionAction = effectiveAction

	_ = s.emitter.EmitData(ctx, events.AgentEvicted, events.AgentEvicted, map[string]interface{}{
		"agentId": agentID,
		"reason":  effectiveReason,
		"action":  string(effectiveAction),
	})

	signal := &v1.EvictionSignal{
		ControlSignal: v1.ControlSignalEvict,
		Reason:        effectiveReason,
		Action:        effectiveAction,
	}
	if s.waiting.Wake(agentID, waiters.Signal{Eviction: signal}) {
		if err := s.repo.ClearEviction(ctx, agentID); err != nil {
			return nil, err
		}
		agent.EvictionRequested = false
		agent.EvictionReason = ""
		agent.EvictionAction = ""
		s.logger.Info("eviction delivered to waiting agent", zap.String("agent_id", agentID))
	}

	return s.withStatus(ctx, agent)
}

// PopEviction atomically returns and clears the agent's pending eviction.
// Returns nil when none is pending.
func (s *Service) PopEviction(ctx context.Context, agentID string) (*v1.EvictionSignal, error) {
	s.evictionMu.Lock()
	defer s.evictionMu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	pending := agent.PendingEviction()
	if pending == nil {
		return nil, nil
	}
	if err := s.repo.ClearEviction(ctx, agentID); err != nil {
		return nil, err
	}
	return &v1.EvictionSignal{
		ControlSignal: v1.ControlSignalEvict,
		Reason:        pending.Reason,
		Action:        pending.Action,
	}, nil
}

// Cleanup deletes agents whose lastSeen is older than the cutoff, keeping the
// exempt ids alive regardless of age. Returns the deleted ids.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Time, exemptIDs []string) ([]string, error) {
	deleted, err := s.repo.DeleteAgentsLastSeenBefore(ctx, olderThan.UnixMilli(), exemptIDs)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	for _, id := range deleted {
		delete(s.lastHeartbeat, id)
	}
	s.mu.Unlock()

	s.logger.Info("cleaned up offline agents",
		zap.Int("count", len(deleted)),
		zap.Strings("agent_ids", deleted))
	return deleted, nil
}
