// Package scheduler runs the periodic recovery sweeps that keep the queue
// converging: requeueing unacked reservations, unblocking satisfied
// dependencies, matching pending work, and reclaiming tasks from stale or
// silent agents.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/matcher"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/queue"
	"github.com/dispatchd/dispatchd/internal/broker/registry"
	"github.com/dispatchd/dispatchd/internal/broker/repository"
	"github.com/dispatchd/dispatchd/internal/broker/waiters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/events"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Service owns the sweep loop.
type Service struct {
	queue    *queue.Service
	registry *registry.Service
	repo     repository.Repository
	waiting  *waiters.Table
	emitter  *events.Emitter
	logger   *logger.Logger

	interval        time.Duration
	ackTimeout      time.Duration
	assignedTimeout time.Duration
	orphanTimeout   time.Duration

	cleanupInterval  time.Duration
	offlineThreshold time.Duration
	lastCleanup      time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates the scheduler.
func NewService(
	q *queue.Service,
	reg *registry.Service,
	repo repository.Repository,
	waiting *waiters.Table,
	emitter *events.Emitter,
	schedCfg config.SchedulerConfig,
	regCfg config.RegistryConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		queue:            q,
		registry:         reg,
		repo:             repo,
		waiting:          waiting,
		emitter:          emitter,
		logger:           log.WithFields(zap.String("component", "scheduler")),
		interval:         schedCfg.IntervalDuration(),
		ackTimeout:       schedCfg.AckTimeoutDuration(),
		assignedTimeout:  schedCfg.AssignedTimeoutDuration(),
		orphanTimeout:    schedCfg.OrphanTimeoutDuration(),
		cleanupInterval:  regCfg.CleanupIntervalDuration(),
		offlineThreshold: regCfg.OfflineThresholdDuration(),
	}
}

// Start begins the sweep loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("interval", s.interval),
		zap.Duration("ack_timeout", s.ackTimeout),
		zap.Duration("assigned_timeout", s.assignedTimeout),
		zap.Duration("orphan_timeout", s.orphanTimeout))

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	return nil
}

// Stop stops the sweep loop at the next tick boundary.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler sweep loop started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single tick: every sweep, in order. Sweep errors are
// logged and never abort the tick.
func (s *Service) RunOnce(ctx context.Context) {
	ctx, span := tracing.Tracer("dispatchd-scheduler").Start(ctx, "scheduler.sweep")
	defer span.End()

	now := time.Now()
	s.requeueStuckTasks(ctx, now)
	s.checkBlockedTasks(ctx)
	s.assignPendingTasks(ctx)
	s.rebalanceStaleTasks(ctx, now)
	s.detectOrphans(ctx, now)
	s.cleanupOfflineAgents(ctx, now)
}

// requeueStuckTasks returns tasks whose reservation was never acked to the
// queue.
func (s *Service) requeueStuckTasks(ctx context.Context, now time.Time) {
	for _, res := range s.queue.StaleReservations(now.Add(-s.ackTimeout)) {
		task, err := s.queue.ForceRetry(ctx, res.TaskID, "reservation not acked in time")
		if err != nil {
			s.logger.Warn("failed to requeue unacked task",
				zap.String("task_id", res.TaskID),
				zap.Error(err))
			continue
		}
		_ = s.emitter.EmitData(ctx, events.TaskRetried, events.TaskRetried, map[string]interface{}{
			"taskId":     res.TaskID,
			"agentId":    res.AgentID,
			"retryCount": task.RetryCount,
		})
		s.logger.Info("requeued unacked task",
			zap.String("task_id", res.TaskID),
			zap.String("agent_id", res.AgentID))
	}
}

// checkBlockedTasks requeues blocked tasks whose dependencies have all
// completed, unless the agent still has an unanswered question on the
// thread. Rejected tasks always go back to the queue.
func (s *Service) checkBlockedTasks(ctx context.Context) {
	tasks, err := s.repo.ListTasksByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusBlocked,
		v1.TaskStatusRejected,
	})
	if err != nil {
		s.logger.Warn("blocked sweep failed to list tasks", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	lookup, err := s.taskStatusLookup(ctx)
	if err != nil {
		s.logger.Warn("blocked sweep failed to load task statuses", zap.Error(err))
		return
	}

	for _, task := range tasks {
		switch task.Status {
		case v1.TaskStatusRejected:
			if _, err := s.queue.UpdateStatus(ctx, task.ID, v1.TaskStatusQueued, "requeued after rejection"); err != nil {
				s.logger.Warn("failed to requeue rejected task",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		case v1.TaskStatusBlocked:
			if hasOpenQuestion(task) {
				continue
			}
			if !matcher.DependenciesSatisfied(task, lookup) {
				continue
			}
			if _, err := s.queue.UpdateStatus(ctx, task.ID, v1.TaskStatusQueued, "unblocked"); err != nil {
				s.logger.Warn("failed to unblock task",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		}
	}
}

// assignPendingTasks offers queued work to waiting agents, best tasks first.
func (s *Service) assignPendingTasks(ctx context.Context) {
	pending, err := s.repo.ListTasksByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusQueued,
		v1.TaskStatusApprovedQueued,
	})
	if err != nil {
		s.logger.Warn("assignment sweep failed to list tasks", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	lookup, err := s.taskStatusLookup(ctx)
	if err != nil {
		s.logger.Warn("assignment sweep failed to load task statuses", zap.Error(err))
		return
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority.Rank() != pending[j].Priority.Rank() {
			return pending[i].Priority.Rank() > pending[j].Priority.Rank()
		}
		return pending[i].CreatedAt < pending[j].CreatedAt
	})

	for _, task := range pending {
		if !matcher.DependenciesSatisfied(task, lookup) {
			continue
		}
		if _, err := s.queue.TryAssign(ctx, task.ID); err != nil {
			s.logger.Warn("assignment sweep failed for task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
}

// rebalanceStaleTasks reclaims in-progress tasks that stopped reporting
// progress.
func (s *Service) rebalanceStaleTasks(ctx context.Context, now time.Time) {
	running, err := s.repo.ListTasksByStatus(ctx, v1.TaskStatusInProgress)
	if err != nil {
		s.logger.Warn("stale sweep failed to list tasks", zap.Error(err))
		return
	}
	cutoff := now.Add(-s.assignedTimeout).UnixMilli()

	for _, task := range running {
		ref := task.CreatedAt
		if task.LastProgressAt != nil {
			ref = *task.LastProgressAt
		}
		if ref > cutoff {
			continue
		}
		agentID := task.AssignedTo
		retried, err := s.queue.ForceRetry(ctx, task.ID, "no progress within assigned timeout")
		if err != nil {
			s.logger.Warn("failed to requeue stale task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		_ = s.emitter.EmitData(ctx, events.TaskStale, events.TaskStale, map[string]interface{}{
			"taskId":         task.ID,
			"agentId":        agentID,
			"lastProgressAt": ref,
			"retryCount":     retried.RetryCount,
		})
		s.logger.Info("requeued stale task",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID))
	}
}

// detectOrphans reclaims assigned work from agents that went silent. Agents
// parked in a long poll are not silent, however old their last heartbeat.
func (s *Service) detectOrphans(ctx context.Context, now time.Time) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		s.logger.Warn("orphan sweep failed to list agents", zap.Error(err))
		return
	}
	cutoff := now.Add(-s.orphanTimeout).UnixMilli()

	for _, agent := range agents {
		if agent.LastSeen > cutoff || s.waiting.Contains(agent.ID) {
			continue
		}
		tasks, err := s.repo.ListTasksByAssignee(ctx, agent.ID)
		if err != nil {
			s.logger.Warn("orphan sweep failed to list tasks",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				continue
			}
			if _, err := s.queue.ForceRetry(ctx, task.ID, "assigned agent went silent"); err != nil {
				s.logger.Warn("failed to requeue orphaned task",
					zap.String("task_id", task.ID),
					zap.String("agent_id", agent.ID),
					zap.Error(err))
				continue
			}
			s.logger.Info("requeued orphaned task",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agent.ID))
		}
	}
}

// cleanupOfflineAgents deletes long-offline registry entries on its own
// cadence. Agents holding reservations or sitting in a long poll survive.
func (s *Service) cleanupOfflineAgents(ctx context.Context, now time.Time) {
	if s.cleanupInterval <= 0 || now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	s.lastCleanup = now

	exempt := s.queue.ReservedAgentIDs()
	for _, w := range s.waiting.Snapshot() {
		exempt = append(exempt, w.AgentID)
	}
	deleted, err := s.registry.Cleanup(ctx, now.Add(-s.offlineThreshold), exempt)
	if err != nil {
		s.logger.Warn("agent cleanup failed", zap.Error(err))
		return
	}
	if len(deleted) > 0 {
		s.logger.Info("cleaned up offline agents", zap.Strings("agent_ids", deleted))
	}
}

// taskStatusLookup loads every task status once so dependency checks across
// a sweep do not hit storage per edge.
func (s *Service) taskStatusLookup(ctx context.Context) (func(string) (v1.TaskStatus, bool), error) {
	all, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]v1.TaskStatus, len(all))
	for _, t := range all {
		statuses[t.ID] = t.Status
	}
	return func(id string) (v1.TaskStatus, bool) {
		status, ok := statuses[id]
		return status, ok
	}, nil
}

// hasOpenQuestion reports whether the latest question on the thread is
// still unanswered.
func hasOpenQuestion(task *models.Task) bool {
	lastQuestion := int64(-1)
	lastAnswer := int64(-1)
	for _, m := range task.Messages {
		switch m.MessageType {
		case v1.MessageTypeQuestion:
			if m.Timestamp > lastQuestion {
				lastQuestion = m.Timestamp
			}
		case v1.MessageTypeAnswer:
			if m.Timestamp > lastAnswer {
				lastAnswer = m.Timestamp
			}
		}
	}
	return lastQuestion >= 0 && lastAnswer < lastQuestion
}
