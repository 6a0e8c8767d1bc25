package mcpserver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func subscribeOnce(t *testing.T, env *testEnv, subject string) chan *bus.Event {
	t.Helper()
	out := make(chan *bus.Event, 1)
	_, err := env.engine.Emitter().Bus().Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		select {
		case out <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAssignTaskTool(t *testing.T) {
	env := setup(t)
	delegations := subscribeOnce(t, env, events.Delegation)

	result := callTool(t, env, "assign_task", map[string]any{
		"prompt":        "wire up the login form",
		"workspaceId":   "repo-1",
		"title":         "login form",
		"sourceAgentId": "planner",
		"priority":      "high",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusQueued), payload["status"])
	assert.Equal(t, "wire up the login form", payload["prompt"])
	assert.Equal(t, "high", payload["priority"])

	from, ok := payload["from"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(v1.OriginAgent), from["type"])
	assert.Equal(t, "planner", from["id"])

	select {
	case event := <-delegations:
		assert.Equal(t, payload["id"], event.Data["taskId"])
		assert.Equal(t, "planner", event.Data["sourceAgentId"])
	default:
		t.Fatal("no delegation event emitted")
	}
}

func TestAssignTaskTool_DefaultsToOperator(t *testing.T) {
	env := setup(t)

	result := callTool(t, env, "assign_task", map[string]any{
		"prompt":      "document the API",
		"workspaceId": "repo-1",
	})
	payload := decodeResult(t, result)

	from, ok := payload["from"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(v1.OriginUser), from["type"])
	assert.Equal(t, bossSentinel, from["id"])
	assert.Equal(t, "normal", payload["priority"])
}

func TestAssignTaskTool_TargetedDelegationSubject(t *testing.T) {
	env := setup(t)
	delegations := subscribeOnce(t, env, events.BuildDelegationSubject("agent-x"))

	result := callTool(t, env, "assign_task", map[string]any{
		"prompt":        "only for agent-x",
		"workspaceId":   "repo-1",
		"targetAgentId": "agent-x",
	})
	payload := decodeResult(t, result)

	select {
	case event := <-delegations:
		assert.Equal(t, payload["id"], event.Data["taskId"])
		assert.Equal(t, "agent-x", event.Data["targetAgentId"])
	default:
		t.Fatal("no targeted delegation event emitted")
	}
}

func TestAssignTaskTool_PromptValidator(t *testing.T) {
	env := setup(t, WithPromptValidator(func(prompt string) error {
		if strings.Contains(prompt, "rm -rf") {
			return errors.New("destructive prompt")
		}
		return nil
	}))
	ctx := context.Background()

	result := callTool(t, env, "assign_task", map[string]any{
		"prompt":      "rm -rf / please",
		"workspaceId": "repo-1",
	})
	text := requireToolError(t, result, "PERMISSION")
	assert.Contains(t, text, "destructive prompt")

	// A rejected prompt must never reach the queue.
	tasks, err := env.engine.Queue().ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	result = callTool(t, env, "assign_task", map[string]any{
		"prompt":      "write a migration",
		"workspaceId": "repo-1",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusQueued), payload["status"])
}

func TestAssignTaskTool_Validation(t *testing.T) {
	env := setup(t)

	result := callTool(t, env, "assign_task", map[string]any{
		"prompt": "missing workspace",
	})
	requireToolError(t, result, "VALIDATION")

	result = callTool(t, env, "assign_task", map[string]any{
		"workspaceId": "repo-1",
	})
	requireToolError(t, result, "VALIDATION")

	result = callTool(t, env, "assign_task", map[string]any{
		"prompt":               "bad capability",
		"workspaceId":          "repo-1",
		"requiredCapabilities": []string{"levitation"},
	})
	text := requireToolError(t, result, "VALIDATION")
	assert.Contains(t, text, "levitation")

	result = callTool(t, env, "assign_task", map[string]any{
		"prompt":      "bad priority",
		"workspaceId": "repo-1",
		"priority":    "urgent-ish",
	})
	requireToolError(t, result, "VALIDATION")
}

func TestSendResponseTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a", "code-writing")
	task := seedAssignedTask(t, env, "agent-a", "finish the feature")

	result := callTool(t, env, "send_response", map[string]any{
		"taskId":  task.ID,
		"status":  "COMPLETED",
		"message": "merged in PR 42",
		"artifacts": map[string]any{
			"branch": "feat/login",
		},
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusCompleted), payload["status"])
	assert.NotNil(t, payload["completedAt"])

	response, ok := payload["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "merged in PR 42", response["message"])
	artifacts, ok := response["artifacts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "feat/login", artifacts["branch"])

	// The outcome is also recorded on the conversation thread.
	stored, err := env.engine.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.Messages)
	last := stored.Messages[len(stored.Messages)-1]
	assert.Equal(t, v1.MessageRoleAgent, last.Role)
	assert.Equal(t, "merged in PR 42", last.Content)
}

func TestSendResponseTool_InvalidStatus(t *testing.T) {
	env := setup(t)
	registerTestAgent(t, env, "agent-a", "code-writing")
	task := seedAssignedTask(t, env, "agent-a", "some work")

	result := callTool(t, env, "send_response", map[string]any{
		"taskId":  task.ID,
		"status":  "QUEUED",
		"message": "not an outcome",
	})
	requireToolError(t, result, "VALIDATION")
}

func TestSendResponseTool_InReview(t *testing.T) {
	env := setup(t)
	registerTestAgent(t, env, "agent-a", "code-writing")
	task := seedAssignedTask(t, env, "agent-a", "risky change")

	result := callTool(t, env, "send_response", map[string]any{
		"taskId":  task.ID,
		"status":  "IN_REVIEW",
		"message": "please review the diff",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusInReview), payload["status"])
	assert.Nil(t, payload["completedAt"])
}

func TestBlockAndAnswerFlow(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a", "code-writing")
	task := seedAssignedTask(t, env, "agent-a", "pick a database")

	result := callTool(t, env, "block_task", map[string]any{
		"taskId":   task.ID,
		"reason":   "need a storage decision",
		"question": "postgres or sqlite?",
		"summary":  "schema drafted for both",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusBlocked), payload["status"])

	stored, err := env.engine.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, v1.MessageRoleAgent, stored.Messages[0].Role)
	assert.Equal(t, "schema drafted for both", stored.Messages[0].Content)
	question := stored.Messages[1]
	assert.Equal(t, v1.MessageRoleUser, question.Role)
	assert.Equal(t, v1.MessageTypeQuestion, question.MessageType)
	assert.False(t, question.IsRead)

	result = callTool(t, env, "answer_task", map[string]any{
		"taskId": task.ID,
		"answer": "postgres",
	})
	payload = decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusQueued), payload["status"])

	stored, err = env.engine.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	answer := stored.Messages[2]
	assert.Equal(t, v1.MessageRoleAgent, answer.Role)
	assert.Equal(t, v1.MessageTypeAnswer, answer.MessageType)
	assert.Equal(t, question.ID, answer.ReplyTo)

	// Blocking released the assignee, so the requeued task is up for grabs.
	assert.Empty(t, stored.AssignedTo)
}

func TestAnswerTaskTool_NotBlocked(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	task := seedTask(t, env, "nothing blocked here", nil)

	result := callTool(t, env, "answer_task", map[string]any{
		"taskId": task.ID,
		"answer": "unsolicited answer",
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusQueued), payload["status"])

	stored, err := env.engine.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 1)
	assert.Empty(t, stored.Messages[0].ReplyTo)
}

func TestUpdateProgressTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "agent-a", "code-writing")
	task := seedAssignedTask(t, env, "agent-a", "long running work")

	result := callTool(t, env, "update_progress", map[string]any{
		"taskId":     task.ID,
		"agentId":    "agent-a",
		"message":    "halfway through",
		"phase":      "implementing",
		"percentage": 50,
	})
	payload := decodeResult(t, result)
	assert.Equal(t, string(v1.TaskStatusInProgress), payload["status"])
	assert.NotZero(t, payload["lastProgressAt"])

	stored, err := env.engine.Queue().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastProgressAt)

	entries, err := env.engine.Repository().ListProgress(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "implementing", entries[0].Phase)
	require.NotNil(t, entries[0].Percentage)
	assert.Equal(t, 50, *entries[0].Percentage)
}

func TestUpdateProgressTool_Validation(t *testing.T) {
	env := setup(t)

	result := callTool(t, env, "update_progress", map[string]any{
		"taskId":     "task-1",
		"agentId":    "agent-a",
		"message":    "too much",
		"percentage": 150,
	})
	requireToolError(t, result, "VALIDATION")

	result = callTool(t, env, "update_progress", map[string]any{
		"taskId":  "no-such-task",
		"agentId": "agent-a",
		"message": "hello",
	})
	requireToolError(t, result, "NOT_FOUND")
}

func TestGetTaskContextTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	dep := seedTask(t, env, "the dependency", nil)
	_, err := env.engine.Queue().UpdateStatus(ctx, dep.ID, v1.TaskStatusCancelled, "dropped")
	require.NoError(t, err)

	task, err := env.engine.Queue().Enqueue(ctx, &models.Task{
		Prompt:       "main work",
		From:         v1.TaskOrigin{Type: v1.OriginUser, ID: bossSentinel, Name: bossSentinel},
		To:           v1.TaskTarget{WorkspaceID: "repo-1"},
		Context:      map[string]interface{}{"hint": "check the dep"},
		Dependencies: []string{dep.ID, "vanished-task"},
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.Queue().AppendMessage(ctx, task.ID, v1.TaskMessage{
		Role:        v1.MessageRoleUser,
		Content:     "ping me when started",
		MessageType: v1.MessageTypeComment,
	}))
	require.NoError(t, env.engine.Queue().AddReviewComment(ctx, &models.ReviewComment{
		TaskID:  task.ID,
		Comment: "tighten the error handling",
	}))

	result := callTool(t, env, "get_task_context", map[string]any{
		"taskId": task.ID,
	})
	payload := decodeResult(t, result)

	assert.Equal(t, "main work", payload["prompt"])
	assert.Equal(t, float64(1), payload["markedRead"])

	taskCtx, ok := payload["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "check the dep", taskCtx["hint"])

	deps, ok := payload["dependencies"].([]any)
	require.True(t, ok)
	require.Len(t, deps, 2)
	first, _ := deps[0].(map[string]any)
	assert.Equal(t, dep.ID, first["taskId"])
	assert.Equal(t, string(v1.TaskStatusCancelled), first["status"])
	second, _ := deps[1].(map[string]any)
	assert.Equal(t, "UNKNOWN", second["status"])

	messages, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	msg, _ := messages[0].(map[string]any)
	assert.Equal(t, true, msg["isRead"])

	comments, ok := payload["reviewComments"].([]any)
	require.True(t, ok)
	assert.Len(t, comments, 1)
}

func TestBroadcastSystemPromptTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	registerTestAgent(t, env, "coder", "code-writing")
	registerTestAgent(t, env, "writer", "doc-writing")

	coderTask := seedAssignedTask(t, env, "coder", "code something")

	writerTask := seedTask(t, env, "write something", []v1.Capability{v1.CapabilityDocWriting})
	handed, err := env.engine.Queue().WaitForTask(ctx, "writer", 0)
	require.NoError(t, err)
	require.NotNil(t, handed.Task)
	_, err = env.engine.Queue().AckTask(ctx, writerTask.ID, "writer")
	require.NoError(t, err)

	result := callTool(t, env, "broadcast_system_prompt", map[string]any{
		"message":      "maintenance window at noon",
		"capabilities": []string{"code-writing"},
	})
	payload := decodeResult(t, result)
	assert.Equal(t, float64(1), payload["reached"])

	stored, err := env.engine.Queue().GetTask(ctx, coderTask.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 1)
	assert.Equal(t, v1.MessageRoleSystem, stored.Messages[0].Role)
	assert.Equal(t, "maintenance window at noon", stored.Messages[0].Content)

	untouched, err := env.engine.Queue().GetTask(ctx, writerTask.ID)
	require.NoError(t, err)
	assert.Empty(t, untouched.Messages)

	// Without a capability filter every assigned agent is reached.
	result = callTool(t, env, "broadcast_system_prompt", map[string]any{
		"message": "second notice",
	})
	payload = decodeResult(t, result)
	assert.Equal(t, float64(2), payload["reached"])
}

func TestScaffoldPlanTool(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	result := callTool(t, env, "scaffold_plan", map[string]any{
		"workspaceId": "repo-1",
		"spec":        "build the widget",
		"tasks": []map[string]any{
			{"prompt": "design the widget", "title": "design"},
			{"prompt": "implement the widget", "priority": "high"},
			{"prompt": "test the widget", "dependencies": []string{"external-gate"}},
		},
	})
	payload := decodeResult(t, result)

	tasks, ok := payload["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 3)

	first, _ := tasks[0].(map[string]any)
	second, _ := tasks[1].(map[string]any)
	third, _ := tasks[2].(map[string]any)

	assert.Nil(t, first["dependencies"])
	assert.Equal(t, []any{first["taskId"]}, second["dependencies"])
	assert.Equal(t, []any{"external-gate"}, third["dependencies"])

	stored, err := env.engine.Queue().GetTask(ctx, first["taskId"].(string))
	require.NoError(t, err)
	assert.Equal(t, "build the widget", stored.Context["spec"])
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)

	implTask, err := env.engine.Queue().GetTask(ctx, second["taskId"].(string))
	require.NoError(t, err)
	assert.Equal(t, v1.TaskPriorityHigh, implTask.Priority)
}

func TestScaffoldPlanTool_Validation(t *testing.T) {
	env := setup(t, WithPromptValidator(func(prompt string) error {
		if strings.Contains(prompt, "bad") {
			return errors.New("rejected")
		}
		return nil
	}))
	ctx := context.Background()

	result := callTool(t, env, "scaffold_plan", map[string]any{
		"workspaceId": "repo-1",
		"tasks":       []map[string]any{},
	})
	requireToolError(t, result, "VALIDATION")

	result = callTool(t, env, "scaffold_plan", map[string]any{
		"workspaceId": "repo-1",
		"tasks": []map[string]any{
			{"prompt": "fine"},
			{"title": "no prompt"},
		},
	})
	text := requireToolError(t, result, "VALIDATION")
	assert.Contains(t, text, "tasks[1]")

	// One bad prompt rejects the whole plan before anything is created.
	result = callTool(t, env, "scaffold_plan", map[string]any{
		"workspaceId": "repo-1",
		"tasks": []map[string]any{
			{"prompt": "fine"},
			{"prompt": "bad prompt"},
		},
	})
	requireToolError(t, result, "PERMISSION")

	tasks, err := env.engine.Queue().ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAssignTaskTool_TasksArrayScaffolds(t *testing.T) {
	env := setup(t)

	result := callTool(t, env, "assign_task", map[string]any{
		"workspaceId": "repo-1",
		"tasks": []map[string]any{
			{"prompt": "step one"},
			{"prompt": "step two"},
		},
	})
	payload := decodeResult(t, result)

	tasks, ok := payload["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 2)
	first, _ := tasks[0].(map[string]any)
	second, _ := tasks[1].(map[string]any)
	assert.Equal(t, []any{first["taskId"]}, second["dependencies"])
}
