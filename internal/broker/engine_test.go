package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/queue"
	"github.com/dispatchd/dispatchd/internal/broker/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo, err := sqlite.NewWithDB(writer, writer)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
		_ = writer.Close()
	})

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			Interval:        1,
			AckTimeout:      0,
			AssignedTimeout: 900,
			OrphanTimeout:   300,
		},
		Registry: config.RegistryConfig{
			OfflineThreshold:  600,
			CleanupInterval:   300,
			HeartbeatDebounce: 10,
		},
		Queue: config.QueueConfig{MaxPromptLength: 100000},
	}
	return NewEngine(cfg, repo, bus.NewMemoryEventBus(log), log)
}

func register(t *testing.T, e *Engine, agentID string, caps []v1.Capability) *v1.Agent {
	t.Helper()
	agent, err := e.Registry().Register(context.Background(), &v1.RegisterAgentRequest{
		AgentID:      agentID,
		Capabilities: caps,
		WorkspaceContext: &v1.WorkspaceContext{
			Kind:   v1.WorkspaceKindLocal,
			RepoID: "repo-1",
		},
		Source: v1.AgentSourceCLI,
	})
	require.NoError(t, err)
	return agent
}

func submitTask(t *testing.T, e *Engine, prompt string, caps []v1.Capability, deps []string) *models.Task {
	t.Helper()
	task, err := e.Queue().Enqueue(context.Background(), &models.Task{
		Prompt: prompt,
		From:   v1.TaskOrigin{Type: "user", ID: "da-boss", Name: "Da Boss"},
		To: v1.TaskTarget{
			WorkspaceID:          "repo-1",
			RequiredCapabilities: caps,
		},
		Dependencies: deps,
	})
	require.NoError(t, err)
	return task
}

type pollResult struct {
	result *queue.WaitResult
	err    error
}

func poll(e *Engine, agentID string, timeout time.Duration) chan pollResult {
	out := make(chan pollResult, 1)
	go func() {
		result, err := e.Queue().WaitForTask(context.Background(), agentID, timeout)
		out <- pollResult{result, err}
	}()
	return out
}

func receive(t *testing.T, out chan pollResult) *queue.WaitResult {
	t.Helper()
	select {
	case r := <-out:
		require.NoError(t, r.err)
		return r.result
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return in time")
		return nil
	}
}

func TestEngine_HappyPath(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	register(t, e, "agent-a", []v1.Capability{v1.CapabilityCodeWriting})

	completions := make(chan *bus.Event, 1)

	out := poll(e, "agent-a", 5*time.Second)
	require.Eventually(t, func() bool {
		return e.Waiting().Contains("agent-a")
	}, 2*time.Second, 5*time.Millisecond)

	task := submitTask(t, e, "implement the thing", []v1.Capability{v1.CapabilityCodeWriting}, nil)
	_, err := e.Emitter().Bus().Subscribe(events.BuildTaskCompletionSubject(task.ID), func(ctx context.Context, event *bus.Event) error {
		select {
		case completions <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	result := receive(t, out)
	require.NotNil(t, result.Task)
	assert.Equal(t, task.ID, result.Task.ID)
	assert.Equal(t, "implement the thing", result.Task.Prompt)
	assert.Equal(t, v1.TaskStatusPendingAck, result.Task.Status)

	acked, err := e.Queue().AckTask(ctx, task.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, acked.Status)

	done, err := e.Queue().SubmitResponse(ctx, task.ID, v1.TaskStatusCompleted, &v1.TaskResponse{
		Status:  v1.TaskStatusCompleted,
		Message: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	select {
	case event := <-completions:
		assert.Equal(t, task.ID, event.Data["taskId"])
	default:
		t.Fatal("no completion event emitted")
	}
}

func TestEngine_AckTimeout(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	register(t, e, "agent-a", []v1.Capability{v1.CapabilityCodeWriting})

	task := submitTask(t, e, "never acked", []v1.Capability{v1.CapabilityCodeWriting}, nil)

	result, err := e.Queue().WaitForTask(ctx, "agent-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	require.NotNil(t, e.Queue().ReservationFor(task.ID))

	// AckTimeout is zero in the test config, so one tick requeues it.
	e.Scheduler().RunOnce(ctx)

	stored, err := e.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)
	assert.Nil(t, e.Queue().ReservationFor(task.ID))
	assert.Equal(t, 1, stored.RetryCount)
}

func TestEngine_CapabilityReject(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	register(t, e, "agent-docs", []v1.Capability{v1.CapabilityDocWriting})

	task := submitTask(t, e, "code this up", []v1.Capability{v1.CapabilityCodeWriting}, nil)

	result, err := e.Queue().WaitForTask(ctx, "agent-docs", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.Idle())

	stored, err := e.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)
}

func TestEngine_DependencyGate(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	register(t, e, "agent-a", []v1.Capability{v1.CapabilityCodeWriting})
	register(t, e, "agent-b", []v1.Capability{v1.CapabilityDocWriting})

	t1 := submitTask(t, e, "write the docs", []v1.Capability{v1.CapabilityDocWriting}, nil)
	t2 := submitTask(t, e, "code against the docs", []v1.Capability{v1.CapabilityCodeWriting}, []string{t1.ID})

	// T2 is gated while T1 is unfinished.
	result, err := e.Queue().WaitForTask(ctx, "agent-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.Idle())

	// agent-b runs T1 to completion.
	result, err = e.Queue().WaitForTask(ctx, "agent-b", time.Second)
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	require.Equal(t, t1.ID, result.Task.ID)
	_, err = e.Queue().AckTask(ctx, t1.ID, "agent-b")
	require.NoError(t, err)
	_, err = e.Queue().SubmitResponse(ctx, t1.ID, v1.TaskStatusCompleted, &v1.TaskResponse{Message: "docs done"})
	require.NoError(t, err)

	// The next tick hands T2 to the parked waiter.
	out := poll(e, "agent-a", 5*time.Second)
	require.Eventually(t, func() bool {
		return e.Waiting().Contains("agent-a")
	}, 2*time.Second, 5*time.Millisecond)

	e.Scheduler().RunOnce(ctx)

	got := receive(t, out)
	require.NotNil(t, got.Task)
	assert.Equal(t, t2.ID, got.Task.ID)
}

func TestEngine_EvictionDuringWait(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	register(t, e, "agent-b", []v1.Capability{v1.CapabilityCodeWriting})

	out := poll(e, "agent-b", 10*time.Second)
	require.Eventually(t, func() bool {
		return e.Waiting().Contains("agent-b")
	}, 2*time.Second, 5*time.Millisecond)

	_, err := e.Registry().RequestEviction(ctx, "agent-b", "upgrade", v1.EvictionActionRestart)
	require.NoError(t, err)

	result := receive(t, out)
	require.NotNil(t, result.Eviction)
	assert.Equal(t, v1.ControlSignalEvict, result.Eviction.ControlSignal)
	assert.Equal(t, "upgrade", result.Eviction.Reason)
	assert.Equal(t, v1.EvictionActionRestart, result.Eviction.Action)

	// Delivery consumed the eviction; the agent record is clean.
	agent, err := e.Registry().GetAgent(ctx, "agent-b")
	require.NoError(t, err)
	assert.Nil(t, agent.Eviction)
}

func TestEngine_Lifecycle(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrEngineAlreadyRunning)
	assert.True(t, e.Scheduler().IsRunning())

	register(t, e, "agent-a", []v1.Capability{v1.CapabilityCodeWriting})
	out := poll(e, "agent-a", 30*time.Second)
	require.Eventually(t, func() bool {
		return e.Waiting().Contains("agent-a")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(ctx))

	// Shutdown wakes the parked poll with nothing.
	result := receive(t, out)
	assert.True(t, result.Idle())
	assert.False(t, e.Scheduler().IsRunning())
	assert.Equal(t, 0, e.Waiting().Len())

	assert.ErrorIs(t, e.Shutdown(ctx), ErrEngineNotRunning)
}
