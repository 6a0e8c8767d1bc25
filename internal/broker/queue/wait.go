package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/matcher"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/waiters"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// WaitResult is the outcome of a long poll. Exactly one field is set when
// the agent has something to do; both nil means the poll timed out idle.
type WaitResult struct {
	Task     *models.Task
	Eviction *v1.EvictionSignal
}

// Idle reports whether the poll ended with nothing for the agent.
func (r *WaitResult) Idle() bool {
	return r.Task == nil && r.Eviction == nil
}

// WaitForTask blocks until a task is reserved to the agent, an eviction is
// pending, or the timeout passes. Eviction outranks work: a signal arriving
// while a task wake is in flight requeues the task and delivers the
// eviction instead.
func (s *Service) WaitForTask(ctx context.Context, agentID string, timeout time.Duration) (*WaitResult, error) {
	eviction, err := s.evictions.PopEviction(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if eviction != nil {
		return &WaitResult{Eviction: eviction}, nil
	}

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	task, err := s.claimPendingTask(ctx, matcher.Candidate{
		AgentID:      agent.ID,
		Capabilities: agent.Capabilities,
		Workspace:    agent.WorkspaceContext,
		WaitingSince: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if task != nil {
		return &WaitResult{Task: task}, nil
	}

	w := s.waiting.Add(agentID, agent.Capabilities, agent.WorkspaceContext)
	defer s.waiting.Remove(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-w.Chan():
		return s.resolveSignal(ctx, agentID, sig)
	case <-timer.C:
		if s.waiting.TakeIf(w) {
			return &WaitResult{}, nil
		}
		// Lost the race against a deliverer that already claimed this
		// waiter. The signal is in flight, so receiving cannot block long.
		return s.resolveSignal(ctx, agentID, <-w.Chan())
	case <-ctx.Done():
		if s.waiting.TakeIf(w) {
			return nil, ctx.Err()
		}
		return s.resolveSignal(ctx, agentID, <-w.Chan())
	}
}

// claimPendingTask scans queued work for something this agent can take and
// reserves it directly. Losing a claim race drops that task and rescans
// once.
func (s *Service) claimPendingTask(ctx context.Context, candidate matcher.Candidate) (*models.Task, error) {
	if s.reservations.hasAgent(candidate.AgentID) {
		return nil, nil
	}
	pending, err := s.repo.ListTasksByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusQueued,
		v1.TaskStatusApprovedQueued,
	})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	lookup := s.depLookup(ctx)
	for attempt := 0; attempt < 2 && len(pending) > 0; attempt++ {
		task := matcher.FindPendingTaskForAgent(pending, candidate, time.Now(), lookup)
		if task == nil {
			return nil, nil
		}
		claimed, err := s.reserveForAgent(ctx, task, candidate.AgentID)
		if err != nil {
			return nil, err
		}
		if claimed {
			s.emitTaskUpdated(ctx, task, "reserved for "+candidate.AgentID)
			s.logger.Info("task reserved",
				zap.String("task_id", task.ID),
				zap.String("agent_id", candidate.AgentID))
			return task, nil
		}
		pending = withoutTask(pending, task.ID)
	}
	return nil, nil
}

// resolveSignal turns a waiter wake-up into a poll result.
func (s *Service) resolveSignal(ctx context.Context, agentID string, sig waiters.Signal) (*WaitResult, error) {
	if sig.Eviction != nil {
		return &WaitResult{Eviction: sig.Eviction}, nil
	}
	if sig.Task == nil {
		// Superseded, shut down, or woken empty after a failed reservation.
		return &WaitResult{}, nil
	}

	eviction, err := s.evictions.PopEviction(ctx, agentID)
	if err != nil {
		s.logger.Warn("eviction check failed on task wake", zap.String("agent_id", agentID), zap.Error(err))
		return &WaitResult{Task: sig.Task}, nil
	}
	if eviction != nil {
		if _, retryErr := s.ForceRetry(ctx, sig.Task.ID, "agent evicted before pickup"); retryErr != nil {
			s.logger.Warn("failed to requeue task after eviction",
				zap.String("task_id", sig.Task.ID),
				zap.Error(retryErr))
		}
		return &WaitResult{Eviction: eviction}, nil
	}
	return &WaitResult{Task: sig.Task}, nil
}

// WaitForTaskCompletion blocks until the task reaches a terminal status or
// the timeout passes. It returns the task in its final state, or nil when
// time ran out first.
func (s *Service) WaitForTaskCompletion(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	done := make(chan struct{}, 1)
	sub, err := s.emitter.Bus().Subscribe(events.BuildTaskCompletionSubject(taskID), func(ctx context.Context, event *bus.Event) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	// The task may have completed between the read and the subscription.
	task, err = s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return s.repo.GetTask(ctx, taskID)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func withoutTask(tasks []*models.Task, id string) []*models.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
