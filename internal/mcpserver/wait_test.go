package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func TestPromptTimeoutClamping(t *testing.T) {
	cases := []struct {
		name string
		args map[string]interface{}
		want time.Duration
	}{
		{"missing", map[string]interface{}{}, defaultPromptTimeout},
		{"above cap", map[string]interface{}{"timeout": float64(10000)}, defaultPromptTimeout},
		{"at cap", map[string]interface{}{"timeout": float64(300)}, 300 * time.Second},
		{"zero", map[string]interface{}{"timeout": float64(0)}, minPromptTimeout},
		{"negative", map[string]interface{}{"timeout": float64(-5)}, minPromptTimeout},
		{"normal", map[string]interface{}{"timeout": float64(42)}, 42 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, promptTimeout(tc.args))
		})
	}
}

func TestCompletionTimeoutDefaults(t *testing.T) {
	assert.Equal(t, defaultCompletionTimeout, completionTimeout(map[string]interface{}{}))
	assert.Equal(t, defaultCompletionTimeout, completionTimeout(map[string]interface{}{"timeout": float64(0)}))
	assert.Equal(t, 7*time.Second, completionTimeout(map[string]interface{}{"timeout": float64(7)}))
}

func TestWaitForPromptTool_Idle(t *testing.T) {
	env := setup(t)
	registerTestAgent(t, env, "agent-a")

	start := time.Now()
	result := callTool(t, env, "wait_for_prompt", map[string]any{
		"agentId": "agent-a",
		"timeout": 0, // clamped up to one second
	})
	payload := decodeResult(t, result)
	assert.Equal(t, "IDLE", payload["status"])
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWaitForPromptTool_UnknownAgent(t *testing.T) {
	env := setup(t)

	result := callTool(t, env, "wait_for_prompt", map[string]any{
		"agentId": "ghost",
		"timeout": 1,
	})
	requireToolError(t, result, "NOT_FOUND")
}

func TestWaitForPromptTool_DeliversTask(t *testing.T) {
	env := setup(t)
	registerTestAgent(t, env, "agent-a", "code-writing")

	out := callToolAsync(env, "wait_for_prompt", map[string]any{
		"agentId": "agent-a",
		"timeout": 10,
	})
	require.Eventually(t, func() bool {
		return env.engine.Waiting().Contains("agent-a")
	}, 2*time.Second, 5*time.Millisecond)

	task := seedTask(t, env, "implement the thing", []v1.Capability{v1.CapabilityCodeWriting})

	select {
	case got := <-out:
		require.NoError(t, got.err)
		payload := decodeResult(t, got.result)
		assert.Equal(t, task.ID, payload["taskId"])
		assert.Equal(t, "implement the thing", payload["prompt"])
		assert.Equal(t, string(v1.TaskStatusPendingAck), payload["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait_for_prompt did not resolve")
	}
}

func TestWaitForPromptTool_EvictionSignal(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a")

	_, err := env.engine.Registry().RequestEviction(ctx, "agent-a", "rolling upgrade", v1.EvictionActionRestart)
	require.NoError(t, err)

	result := callTool(t, env, "wait_for_prompt", map[string]any{
		"agentId": "agent-a",
		"timeout": 5,
	})
	payload := decodeResult(t, result)
	assert.Equal(t, "EVICT", payload["controlSignal"])
	assert.Equal(t, "rolling upgrade", payload["reason"])
	assert.Equal(t, "RESTART", payload["action"])

	// Delivery consumed the pending eviction.
	agent, err := env.engine.Registry().GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Nil(t, agent.Eviction)
}

func TestWaitForTaskTool_Timeout(t *testing.T) {
	env := setup(t)
	task := seedTask(t, env, "slow work", nil)

	result := callTool(t, env, "wait_for_task", map[string]any{
		"taskId":  task.ID,
		"timeout": 1,
	})
	payload := decodeResult(t, result)
	assert.Equal(t, "TIMEOUT", payload["status"])
}

func TestWaitForTaskTool_ResolvesOnTerminal(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	task := seedTask(t, env, "doomed work", nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = env.engine.Queue().UpdateStatus(ctx, task.ID, v1.TaskStatusCancelled, "operator cancelled")
	}()

	result := callTool(t, env, "wait_for_task", map[string]any{
		"taskId":  task.ID,
		"timeout": 5,
	})
	payload := decodeResult(t, result)
	assert.Equal(t, task.ID, payload["id"])
	assert.Equal(t, string(v1.TaskStatusCancelled), payload["status"])
}

func TestAckTaskTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a", "code-writing")

	task := seedTask(t, env, "needs an ack", []v1.Capability{v1.CapabilityCodeWriting})
	handed, err := env.engine.Queue().WaitForTask(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.NotNil(t, handed.Task)

	result := callTool(t, env, "ack_task", map[string]any{
		"taskId":  task.ID,
		"agentId": "agent-a",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusAssigned), payload["status"])
	assert.Equal(t, "agent-a", payload["assignedTo"])

	// Acking twice is a state machine violation.
	result = callTool(t, env, "ack_task", map[string]any{
		"taskId":  task.ID,
		"agentId": "agent-a",
	})
	requireToolError(t, result, "CONFLICT")
}

func TestAckTaskTool_WrongAgent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a", "code-writing")
	registerTestAgent(t, env, "agent-b", "code-writing")

	task := seedTask(t, env, "reserved for a", []v1.Capability{v1.CapabilityCodeWriting})
	handed, err := env.engine.Queue().WaitForTask(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.NotNil(t, handed.Task)

	result := callTool(t, env, "ack_task", map[string]any{
		"taskId":  task.ID,
		"agentId": "agent-b",
	})
	requireToolError(t, result, "CONFLICT")
}
