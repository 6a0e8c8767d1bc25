package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// testEnv wires a real engine behind the ops router so requests can be
// served without a listener.
type testEnv struct {
	engine *broker.Engine
	server *Server
}

func setup(t *testing.T) *testEnv {
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
			AckTimeout:      60,
			AssignedTimeout: 900,
			OrphanTimeout:   300,
		},
		Registry: config.RegistryConfig{
			OfflineThreshold:  600,
			CleanupInterval:   300,
			HeartbeatDebounce: 0,
		},
		Queue: config.QueueConfig{MaxPromptLength: 100000},
	}
	engine := broker.NewEngine(cfg, repo, bus.NewMemoryEventBus(log), log)

	srv := New(config.ServerConfig{Host: "127.0.0.1", OpsPort: 0}, engine, log)
	return &testEnv{engine: engine, server: srv}
}

func doGet(t *testing.T, env *testEnv, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	return w
}

func doDelete(t *testing.T, env *testEnv, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func registerAgent(t *testing.T, env *testEnv, agentID string, caps ...v1.Capability) {
	t.Helper()
	if len(caps) == 0 {
		caps = []v1.Capability{v1.CapabilityCodeWriting}
	}
	_, err := env.engine.Registry().Register(context.Background(), &v1.RegisterAgentRequest{
		AgentID:      agentID,
		Capabilities: caps,
		Source:       v1.AgentSourceCLI,
	})
	require.NoError(t, err)
}

func seedTask(t *testing.T, env *testEnv, title, prompt string) *models.Task {
	t.Helper()
	task, err := env.engine.Queue().Enqueue(context.Background(), &models.Task{
		Title:  title,
		Prompt: prompt,
		From:   v1.TaskOrigin{Type: v1.OriginUser, ID: "ops-test", Name: "ops-test"},
		To: v1.TaskTarget{
			WorkspaceID:          "repo-1",
			RequiredCapabilities: []v1.Capability{v1.CapabilityCodeWriting},
		},
	})
	require.NoError(t, err)
	return task
}

func TestHealthEndpoint(t *testing.T) {
	env := setup(t)

	w := doGet(t, env, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "dispatchd", resp.Service)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestListAgentsEndpoint(t *testing.T) {
	env := setup(t)
	registerAgent(t, env, "coder", v1.CapabilityCodeWriting)
	registerAgent(t, env, "writer", v1.CapabilityDocWriting)

	w := doGet(t, env, "/api/v1/agents")
	require.Equal(t, http.StatusOK, w.Code)

	var resp AgentListResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Agents, 2)
	for _, agent := range resp.Agents {
		assert.Equal(t, v1.AgentStatusWaiting, agent.Status)
	}

	w = doGet(t, env, "/api/v1/agents?capability=doc-writing")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "writer", resp.Agents[0].ID)
}

func TestListAgentsEndpoint_UnknownCapability(t *testing.T) {
	env := setup(t)

	w := doGet(t, env, "/api/v1/agents?capability=juggling")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "VALIDATION", resp.Code)
	assert.Contains(t, resp.Error, "juggling")
}

func TestGetAgentEndpoint(t *testing.T) {
	env := setup(t)
	_, err := env.engine.Registry().Register(context.Background(), &v1.RegisterAgentRequest{
		AgentID:      "agent-a",
		DisplayName:  "Ada",
		Capabilities: []v1.Capability{v1.CapabilityCodeWriting},
		Source:       v1.AgentSourceCLI,
	})
	require.NoError(t, err)

	w := doGet(t, env, "/api/v1/agents/agent-a")
	require.Equal(t, http.StatusOK, w.Code)

	var agent v1.Agent
	decodeBody(t, w, &agent)
	assert.Equal(t, "agent-a", agent.ID)
	assert.Equal(t, "Ada", agent.DisplayName)

	// Display-name lookup works too.
	w = doGet(t, env, "/api/v1/agents/ada")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &agent)
	assert.Equal(t, "agent-a", agent.ID)
}

func TestGetAgentEndpoint_NotFound(t *testing.T) {
	env := setup(t)

	w := doGet(t, env, "/api/v1/agents/ghost")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestListTasksEndpoint(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	seedTask(t, env, "login", "build the login page")
	seedTask(t, env, "logout", "build the logout flow")
	cancelled := seedTask(t, env, "doomed", "never mind")
	_, err := env.engine.Queue().UpdateStatus(ctx, cancelled.ID, v1.TaskStatusCancelled, "abandoned")
	require.NoError(t, err)

	w := doGet(t, env, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, w.Code)

	var resp TaskListResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, 3, resp.Count)

	w = doGet(t, env, "/api/v1/tasks?status=QUEUED")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	for _, task := range resp.Tasks {
		assert.Equal(t, v1.TaskStatusQueued, task.Status)
	}

	w = doGet(t, env, "/api/v1/tasks?q=logout")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "logout", resp.Tasks[0].Title)

	w = doGet(t, env, "/api/v1/tasks?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
}

func TestListTasksEndpoint_BadParams(t *testing.T) {
	env := setup(t)

	for _, path := range []string{
		"/api/v1/tasks?status=NAPPING",
		"/api/v1/tasks?limit=0",
		"/api/v1/tasks?limit=many",
		"/api/v1/tasks?offset=-3",
	} {
		w := doGet(t, env, path)
		require.Equal(t, http.StatusBadRequest, w.Code, "path %s", path)

		var resp ErrorResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, "VALIDATION", resp.Code, "path %s", path)
	}
}

func TestGetTaskEndpoint(t *testing.T) {
	env := setup(t)
	task := seedTask(t, env, "login", "build the login page")

	w := doGet(t, env, "/api/v1/tasks/"+task.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var got v1.Task
	decodeBody(t, w, &got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "login", got.Title)
	assert.Equal(t, v1.TaskStatusQueued, got.Status)

	w = doGet(t, env, "/api/v1/tasks/no-such-task")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteTaskEndpoint(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	task := seedTask(t, env, "doomed", "never mind")

	// Live tasks are rejected.
	w := doDelete(t, env, "/api/v1/tasks/"+task.ID)
	require.Equal(t, http.StatusConflict, w.Code)

	var errResp ErrorResponse
	decodeBody(t, w, &errResp)
	assert.Equal(t, "CONFLICT", errResp.Code)

	_, err := env.engine.Queue().UpdateStatus(ctx, task.ID, v1.TaskStatusCancelled, "abandoned")
	require.NoError(t, err)

	w = doDelete(t, env, "/api/v1/tasks/"+task.ID)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doGet(t, env, "/api/v1/tasks/"+task.ID)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doDelete(t, env, "/api/v1/tasks/"+task.ID)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskProgressEndpoint(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	task := seedTask(t, env, "login", "build the login page")

	pct := 40
	require.NoError(t, env.engine.Queue().RecordProgress(ctx, &models.Progress{
		TaskID:     task.ID,
		AgentID:    "coder",
		Phase:      "implementing",
		Message:    "wired the form",
		Percentage: &pct,
	}))

	w := doGet(t, env, fmt.Sprintf("/api/v1/tasks/%s/progress", task.ID))
	require.Equal(t, http.StatusOK, w.Code)

	var resp ProgressResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, task.ID, resp.TaskID)
	require.Len(t, resp.Updates, 1)
	assert.Equal(t, "implementing", resp.Updates[0].Phase)
	assert.Equal(t, "wired the form", resp.Updates[0].Message)

	w = doGet(t, env, "/api/v1/tasks/no-such-task/progress")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskReviewCommentsEndpoint(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	task := seedTask(t, env, "login", "build the login page")

	require.NoError(t, env.engine.Queue().AddReviewComment(ctx, &models.ReviewComment{
		TaskID:  task.ID,
		Author:  "reviewer",
		File:    "login.go",
		Line:    12,
		Comment: "handle the empty password case",
	}))
	require.NoError(t, env.engine.Queue().AddReviewComment(ctx, &models.ReviewComment{
		TaskID:  task.ID,
		Author:  "reviewer",
		Comment: "add a regression test",
	}))

	w := doGet(t, env, fmt.Sprintf("/api/v1/tasks/%s/review-comments", task.ID))
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReviewCommentsResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Comments, 2)
	assert.Equal(t, "login.go", resp.Comments[0].File)
	assert.Equal(t, 12, resp.Comments[0].Line)

	_, err := env.engine.Queue().ResolveReviewComment(ctx, resp.Comments[0].ID, "added the guard")
	require.NoError(t, err)

	w = doGet(t, env, fmt.Sprintf("/api/v1/tasks/%s/review-comments?unresolvedOnly=true", task.ID))
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	require.Len(t, resp.Comments, 1)
	assert.Equal(t, "add a regression test", resp.Comments[0].Comment)
}

func TestStatsEndpoint(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	registerAgent(t, env, "coder")
	first := seedTask(t, env, "login", "build the login page")
	seedTask(t, env, "logout", "build the logout flow")

	// Hand the oldest task to the agent so a reservation is outstanding.
	result, err := env.engine.Queue().WaitForTask(ctx, "coder", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	require.Equal(t, first.ID, result.Task.ID)

	w := doGet(t, env, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, 1, resp.Agents.Total)
	assert.Equal(t, 2, resp.Tasks.Total)
	assert.Equal(t, 1, resp.Tasks.ByStatus[string(v1.TaskStatusQueued)])
	assert.Equal(t, 1, resp.Tasks.ByStatus[string(v1.TaskStatusPendingAck)])
	assert.Equal(t, 0, resp.Waiting)
	assert.Equal(t, 1, resp.Reservations)
}

func TestStartAndStop(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.server.Start(ctx))
	t.Cleanup(func() { _ = env.server.Stop(context.Background()) })

	require.NotZero(t, env.server.Port())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", env.server.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.server.Stop(ctx))
}
