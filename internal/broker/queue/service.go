// Package queue owns the task lifecycle: intake, the status state machine,
// the reservation handshake between matcher and agents, and long polls.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/matcher"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/repository"
	"github.com/dispatchd/dispatchd/internal/broker/waiters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/errs"
	"github.com/dispatchd/dispatchd/internal/events"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// EvictionSource hands out pending eviction signals. Consuming a signal
// clears it, so each eviction is delivered to its agent exactly once.
type EvictionSource interface {
	PopEviction(ctx context.Context, agentID string) (*v1.EvictionSignal, error)
}

// Service manages the task queue.
type Service struct {
	repo      repository.Repository
	waiting   *waiters.Table
	evictions EvictionSource
	emitter   *events.Emitter
	logger    *logger.Logger

	maxPromptLength int

	// reserveMu serializes the reservation handshake: pick an agent, write
	// the status transition, record the reservation, signal the waiter.
	// Nothing else may touch storage while it is held.
	reserveMu    sync.Mutex
	reservations *reservationTable
}

// NewService creates the queue service.
func NewService(repo repository.Repository, waiting *waiters.Table, evictions EvictionSource, emitter *events.Emitter, cfg config.QueueConfig, log *logger.Logger) *Service {
	return &Service{
		repo:            repo,
		waiting:         waiting,
		evictions:       evictions,
		emitter:         emitter,
		logger:          log.WithFields(zap.String("component", "queue")),
		maxPromptLength: cfg.MaxPromptLength,
		reservations:    newReservationTable(),
	}
}

// Enqueue validates and persists a new task, then tries to hand it to a
// waiting agent right away. The task always enters the queue as QUEUED.
func (s *Service) Enqueue(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.Prompt == "" {
		return nil, errs.Validation("prompt is required")
	}
	if s.maxPromptLength > 0 && len(task.Prompt) > s.maxPromptLength {
		return nil, errs.Validation("prompt exceeds maximum length of %d bytes", s.maxPromptLength)
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityNormal
	} else if !task.Priority.IsValid() {
		return nil, errs.Validation("invalid priority: %s", task.Priority)
	}
	for _, c := range task.To.RequiredCapabilities {
		if !c.IsValid() {
			return nil, errs.Validation("invalid capability: %s", c)
		}
	}

	task.Status = v1.TaskStatusQueued
	task.AssignedTo = ""
	task.CompletedAt = nil
	task.History = append(task.History, v1.StatusChange{
		To:        v1.TaskStatusQueued,
		Timestamp: models.NowMs(),
		Detail:    "enqueued",
	})

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	_ = s.emitter.EmitData(ctx, events.TaskCreated, events.TaskCreated, map[string]interface{}{
		"task": task.ToAPI(),
	})
	s.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("priority", string(task.Priority)))

	if _, err := s.TryAssign(ctx, task.ID); err != nil {
		s.logger.Warn("immediate assignment failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	return task, nil
}

// TryAssign offers the task to the best waiting agent, if its dependencies
// allow and one is eligible. It reports the agent the task was reserved to.
func (s *Service) TryAssign(ctx context.Context, taskID string) (string, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if _, ok := pendingFor(task.Status); !ok {
		return "", nil
	}
	if !matcher.DependenciesSatisfied(task, s.depLookup(ctx)) {
		return "", nil
	}
	return s.findAndReserveAgent(ctx, task)
}

// findAndReserveAgent runs the reservation handshake for one task. The
// waiter is claimed before anything is written, so a poll that already
// timed out can never receive a task. Events fire after the lock drops.
func (s *Service) findAndReserveAgent(ctx context.Context, task *models.Task) (string, error) {
	s.reserveMu.Lock()
	agentID, err := s.reserveToWaiterLocked(ctx, task)
	s.reserveMu.Unlock()
	if err != nil || agentID == "" {
		return "", err
	}

	s.emitTaskUpdated(ctx, task, "reserved for "+agentID)
	s.logger.Info("task reserved",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID))
	return agentID, nil
}

func (s *Service) reserveToWaiterLocked(ctx context.Context, task *models.Task) (string, error) {
	to, ok := pendingFor(task.Status)
	if !ok {
		return "", nil
	}

	// A claimed waiter can still lose the storage write; rescan once so a
	// single bad candidate does not strand the task until the next sweep.
	for attempt := 0; attempt < 2; attempt++ {
		snapshot := s.waiting.Snapshot()
		byAgent := make(map[string]*waiters.Waiter, len(snapshot))
		candidates := make([]matcher.Candidate, 0, len(snapshot))
		for _, w := range snapshot {
			if s.reservations.hasAgent(w.AgentID) {
				continue
			}
			byAgent[w.AgentID] = w
			candidates = append(candidates, matcher.Candidate{
				AgentID:      w.AgentID,
				Capabilities: w.Capabilities,
				Workspace:    w.WorkspaceContext,
				WaitingSince: w.WaitingSince,
			})
		}

		best, found := matcher.FindBestAgent(task, candidates, time.Now())
		if !found {
			return "", nil
		}
		waiter := byAgent[best.AgentID]
		if !s.waiting.TakeIf(waiter) {
			continue
		}
		if !s.reservations.reserve(task.ID, best.AgentID) {
			waiter.Deliver(waiters.Signal{})
			continue
		}

		prior := task.Status
		task.Status = to
		task.AssignedTo = best.AgentID
		task.History = append(task.History, v1.StatusChange{
			From:      prior,
			To:        to,
			Timestamp: models.NowMs(),
			Detail:    "reserved for " + best.AgentID,
		})
		if err := s.repo.UpdateTaskStatus(ctx, task, prior); err != nil {
			s.reservations.release(task.ID)
			task.Status = prior
			task.AssignedTo = ""
			task.History = task.History[:len(task.History)-1]
			// Wake the waiter empty so its poll returns idle instead of
			// hanging on a reservation that never happened.
			waiter.Deliver(waiters.Signal{})
			if errs.IsConflict(err) || errs.IsNotFound(err) {
				return "", nil
			}
			return "", err
		}

		waiter.Deliver(waiters.Signal{Task: task})
		return best.AgentID, nil
	}
	return "", nil
}

// reserveForAgent reserves the task directly to one agent, used when a poll
// finds queued work on arrival. Reports false when the task or agent is no
// longer reservable.
func (s *Service) reserveForAgent(ctx context.Context, task *models.Task, agentID string) (bool, error) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	to, ok := pendingFor(task.Status)
	if !ok {
		return false, nil
	}
	if !s.reservations.reserve(task.ID, agentID) {
		return false, nil
	}

	prior := task.Status
	task.Status = to
	task.AssignedTo = agentID
	task.History = append(task.History, v1.StatusChange{
		From:      prior,
		To:        to,
		Timestamp: models.NowMs(),
		Detail:    "reserved for " + agentID,
	})
	if err := s.repo.UpdateTaskStatus(ctx, task, prior); err != nil {
		s.reservations.release(task.ID)
		task.Status = prior
		task.AssignedTo = ""
		task.History = task.History[:len(task.History)-1]
		if errs.IsConflict(err) || errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateStatus applies one legal state machine transition.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, to v1.TaskStatus, detail string) (*models.Task, error) {
	return s.transition(ctx, taskID, to, detail, nil)
}

// SubmitResponse records the agent's outcome and applies the matching
// transition in one step. Completing straight from ASSIGNED records the
// implicit start first, so agents that never report progress still leave a
// coherent history.
func (s *Service) SubmitResponse(ctx context.Context, taskID string, to v1.TaskStatus, response *v1.TaskResponse) (*models.Task, error) {
	if response.Timestamp == 0 {
		response.Timestamp = models.NowMs()
	}
	if to == v1.TaskStatusCompleted {
		task, err := s.repo.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status == v1.TaskStatusAssigned {
			if _, err := s.transition(ctx, taskID, v1.TaskStatusInProgress, "started", nil); err != nil {
				return nil, err
			}
		}
	}
	return s.transition(ctx, taskID, to, response.Message, response)
}

func (s *Service) transition(ctx context.Context, taskID string, to v1.TaskStatus, detail string, response *v1.TaskResponse) (*models.Task, error) {
	if !to.IsValid() {
		return nil, errs.Validation("invalid task status: %s", to)
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	from := task.Status
	if !CanTransition(from, to) {
		return nil, errs.Conflict("cannot transition task %s from %s to %s", taskID, from, to)
	}

	now := models.NowMs()
	task.Status = to
	task.History = append(task.History, v1.StatusChange{From: from, To: to, Timestamp: now, Detail: detail})
	if response != nil {
		task.Response = response
	}
	if to.IsTerminal() {
		task.CompletedAt = &now
	} else {
		task.CompletedAt = nil
	}
	if !keepsAssignee(to) {
		task.AssignedTo = ""
	}

	if err := s.repo.UpdateTaskStatus(ctx, task, from); err != nil {
		return nil, err
	}
	if !holdsReservation(to) {
		s.reservations.release(taskID)
	}

	s.emitTaskUpdated(ctx, task, detail)
	if to.IsTerminal() {
		s.emitCompletion(ctx, task)
	}
	s.logger.Info("task transitioned",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return task, nil
}

// ForceRetry pushes a non-terminal task back to its queue regardless of the
// state machine. Approved tasks keep their approval; everything else starts
// over as QUEUED. The assignment and any reservation are dropped.
func (s *Service) ForceRetry(ctx context.Context, taskID, detail string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errs.Conflict("cannot retry task %s in terminal status %s", taskID, task.Status)
	}

	from := task.Status
	to := v1.TaskStatusQueued
	if from == v1.TaskStatusApprovedQueued || from == v1.TaskStatusApprovedPendingAck {
		to = v1.TaskStatusApprovedQueued
	}

	task.Status = to
	task.AssignedTo = ""
	task.CompletedAt = nil
	task.RetryCount++
	task.History = append(task.History, v1.StatusChange{
		From:      from,
		To:        to,
		Timestamp: models.NowMs(),
		Detail:    detail,
	})

	if err := s.repo.UpdateTaskStatus(ctx, task, from); err != nil {
		return nil, err
	}
	s.reservations.release(taskID)

	s.emitTaskUpdated(ctx, task, detail)
	s.logger.Info("task requeued",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.Int("retry_count", task.RetryCount),
		zap.String("detail", detail))
	return task, nil
}

// AckTask confirms that the agent holding the reservation picked the task
// up. A reservation can be acked once; anything else is a conflict.
func (s *Service) AckTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	res := s.reservations.forTask(taskID)
	if res == nil || res.AgentID != agentID {
		return nil, errs.Conflict("no reservation held by agent %s for task %s", agentID, taskID)
	}

	var to v1.TaskStatus
	switch task.Status {
	case v1.TaskStatusPendingAck:
		to = v1.TaskStatusAssigned
	case v1.TaskStatusApprovedPendingAck:
		to = v1.TaskStatusInProgress
	default:
		return nil, errs.Conflict("task %s is not awaiting ack (status %s)", taskID, task.Status)
	}

	from := task.Status
	task.Status = to
	task.History = append(task.History, v1.StatusChange{
		From:      from,
		To:        to,
		Timestamp: models.NowMs(),
		Detail:    "acked by " + agentID,
	})
	if err := s.repo.UpdateTaskStatus(ctx, task, from); err != nil {
		return nil, err
	}
	s.reservations.release(taskID)

	s.emitTaskUpdated(ctx, task, "acked")
	s.logger.Info("task acked",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return task, nil
}

// DeleteTask removes a terminal task. Live tasks must be cancelled through
// the state machine first so waiters and reservations wind down cleanly.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return errs.Conflict("task %s is %s; only terminal tasks can be deleted", taskID, task.Status)
	}

	if err := s.repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.reservations.release(taskID)
	_ = s.emitter.EmitData(ctx, events.TaskDeleted, events.TaskDeleted, map[string]interface{}{
		"id": taskID,
	})
	s.logger.Info("task deleted", zap.String("task_id", taskID))
	return nil
}

// AppendMessage adds a conversation message to the task thread.
func (s *Service) AppendMessage(ctx context.Context, taskID string, msg v1.TaskMessage) error {
	if err := s.repo.AppendMessage(ctx, taskID, msg); err != nil {
		return err
	}
	_ = s.emitter.EmitData(ctx, events.TaskUpdated, events.TaskUpdated, map[string]interface{}{
		"id":    taskID,
		"patch": map[string]interface{}{"message": msg},
	})
	return nil
}

// RecordProgress appends a progress entry and stamps the task's progress
// time, which the staleness sweep uses.
func (s *Service) RecordProgress(ctx context.Context, progress *models.Progress) error {
	if err := s.repo.AppendProgress(ctx, progress); err != nil {
		return err
	}
	_ = s.emitter.EmitData(ctx, events.TaskUpdated, events.TaskUpdated, map[string]interface{}{
		"id":    progress.TaskID,
		"patch": map[string]interface{}{"lastProgressAt": progress.Timestamp, "progress": progress.Message},
	})
	return nil
}

// Progress returns the task's progress trail, oldest first.
func (s *Service) Progress(ctx context.Context, taskID string) ([]*models.Progress, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListProgress(ctx, taskID)
}

// Messages returns the task's conversation thread.
func (s *Service) Messages(ctx context.Context, taskID string) ([]v1.TaskMessage, error) {
	return s.repo.GetMessages(ctx, taskID)
}

// MarkUserMessagesRead flags every unread user message on the task as read
// and reports how many were flipped.
func (s *Service) MarkUserMessagesRead(ctx context.Context, taskID string) (int, error) {
	return s.repo.MarkUserMessagesRead(ctx, taskID)
}

// AddReviewComment stores reviewer feedback against a task.
func (s *Service) AddReviewComment(ctx context.Context, comment *models.ReviewComment) error {
	if _, err := s.repo.GetTask(ctx, comment.TaskID); err != nil {
		return err
	}
	return s.repo.CreateReviewComment(ctx, comment)
}

// ReviewComments lists reviewer feedback for a task, oldest first.
func (s *Service) ReviewComments(ctx context.Context, taskID string, unresolvedOnly bool) ([]*models.ReviewComment, error) {
	return s.repo.ListReviewComments(ctx, taskID, unresolvedOnly)
}

// ResolveReviewComment marks one comment resolved, recording the response.
func (s *Service) ResolveReviewComment(ctx context.Context, commentID, response string) (*models.ReviewComment, error) {
	return s.repo.ResolveReviewComment(ctx, commentID, response)
}

// GetTask retrieves one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

// ListTasks returns every task ordered by creation time.
func (s *Service) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx)
}

// ListActiveTasks returns every non-terminal task.
func (s *Service) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return s.repo.ListActiveTasks(ctx)
}

// ListTasksByStatus returns tasks in one status.
func (s *Service) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	return s.repo.ListTasksByStatus(ctx, status)
}

// ListTaskHistory returns tasks matching the history filter.
func (s *Service) ListTaskHistory(ctx context.Context, filter models.TaskHistoryFilter) ([]*models.Task, error) {
	return s.repo.ListTaskHistory(ctx, filter)
}

// ReservationFor reports the reservation currently held on the task, if any.
func (s *Service) ReservationFor(taskID string) *Reservation {
	return s.reservations.forTask(taskID)
}

// ReservedAgentIDs lists agents currently holding reservations. The cleanup
// sweep must not evict them while an ack is in flight.
func (s *Service) ReservedAgentIDs() []string {
	return s.reservations.agentIDs()
}

// StaleReservations lists reservations made before the cutoff.
func (s *Service) StaleReservations(cutoff time.Time) []*Reservation {
	return s.reservations.olderThan(cutoff)
}

// depLookup resolves dependency statuses from storage. Unknown ids report
// false, which gates the dependent task.
func (s *Service) depLookup(ctx context.Context) func(string) (v1.TaskStatus, bool) {
	return func(id string) (v1.TaskStatus, bool) {
		dep, err := s.repo.GetTask(ctx, id)
		if err != nil {
			return "", false
		}
		return dep.Status, true
	}
}

// pendingFor maps a reservable status to the pending-ack status a
// reservation puts it in.
func pendingFor(status v1.TaskStatus) (v1.TaskStatus, bool) {
	switch status {
	case v1.TaskStatusQueued:
		return v1.TaskStatusPendingAck, true
	case v1.TaskStatusApprovedQueued:
		return v1.TaskStatusApprovedPendingAck, true
	}
	return "", false
}

func (s *Service) emitTaskUpdated(ctx context.Context, task *models.Task, detail string) {
	patch := map[string]interface{}{
		"status":     string(task.Status),
		"assignedTo": task.AssignedTo,
	}
	if detail != "" {
		patch["detail"] = detail
	}
	_ = s.emitter.EmitData(ctx, events.TaskUpdated, events.TaskUpdated, map[string]interface{}{
		"id":    task.ID,
		"patch": patch,
	})
}

func (s *Service) emitCompletion(ctx context.Context, task *models.Task) {
	_ = s.emitter.EmitData(ctx, events.BuildTaskCompletionSubject(task.ID), events.TaskCompletion, map[string]interface{}{
		"taskId": task.ID,
		"status": string(task.Status),
	})
}
