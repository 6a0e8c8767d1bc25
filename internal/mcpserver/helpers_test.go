package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
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

// testEnv wires a real engine behind an in-process MCP server so tools can
// be exercised end to end without a listener.
type testEnv struct {
	engine *broker.Engine
	server *Server
	mcps   *server.MCPServer
}

func setup(t *testing.T, opts ...Option) *testEnv {
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

	srv := New(config.ServerConfig{Host: "127.0.0.1", MCPPort: 0}, engine, log, opts...)
	mcps := server.NewMCPServer("test", "1.0.0",
		server.WithToolCapabilities(true),
		server.WithToolHandlerMiddleware(srv.heartbeatMiddleware()),
	)
	srv.registerTools(mcps)

	return &testEnv{engine: engine, server: srv, mcps: mcps}
}

// rawCallTool invokes a registered tool through the MCP server's JSON-RPC
// entry point. It never touches testing.T so it is safe off the test
// goroutine.
func rawCallTool(env *testEnv, name string, args map[string]any) (*mcp.CallToolResult, error) {
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		return nil, err
	}

	respJSON := env.mcps.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// callTool invokes a tool and fails the test on transport-level errors.
// Tool-level errors still come back as results with IsError set.
func callTool(t *testing.T, env *testEnv, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := rawCallTool(env, name, args)
	require.NoError(t, err)
	return result
}

// asyncResult carries a tool call outcome across goroutines.
type asyncResult struct {
	result *mcp.CallToolResult
	err    error
}

// callToolAsync runs a tool call in its own goroutine, for tools that
// long-poll.
func callToolAsync(env *testEnv, name string, args map[string]any) chan asyncResult {
	out := make(chan asyncResult, 1)
	go func() {
		result, err := rawCallTool(env, name, args)
		out <- asyncResult{result: result, err: err}
	}()
	return out
}

// resultText extracts the first text content from a tool result.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// decodeResult unmarshals a tool result's JSON text into a generic map.
func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", resultText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

// registerTestAgent registers an agent through the register_agent tool.
func registerTestAgent(t *testing.T, env *testEnv, agentID string, caps ...string) {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"code-writing"}
	}
	result := callTool(t, env, "register_agent", map[string]any{
		"agentId":      agentID,
		"capabilities": caps,
		"workspaceContext": map[string]any{
			"kind":   "local",
			"repoId": "repo-1",
		},
		"source": "CLI",
	})
	require.False(t, result.IsError, "register_agent failed: %s", resultText(t, result))
}

// seedTask enqueues a task directly through the engine.
func seedTask(t *testing.T, env *testEnv, prompt string, caps []v1.Capability) *models.Task {
	t.Helper()
	task, err := env.engine.Queue().Enqueue(context.Background(), &models.Task{
		Prompt: prompt,
		From:   v1.TaskOrigin{Type: v1.OriginUser, ID: bossSentinel, Name: bossSentinel},
		To: v1.TaskTarget{
			WorkspaceID:          "repo-1",
			RequiredCapabilities: caps,
		},
	})
	require.NoError(t, err)
	return task
}

// seedAssignedTask walks a task through reserve and ack so it sits in
// ASSIGNED for the given agent.
func seedAssignedTask(t *testing.T, env *testEnv, agentID, prompt string) *models.Task {
	t.Helper()
	ctx := context.Background()

	task := seedTask(t, env, prompt, []v1.Capability{v1.CapabilityCodeWriting})
	result, err := env.engine.Queue().WaitForTask(ctx, agentID, 0)
	require.NoError(t, err)
	require.NotNil(t, result.Task, "task was not handed to %s", agentID)
	require.Equal(t, task.ID, result.Task.ID)

	acked, err := env.engine.Queue().AckTask(ctx, task.ID, agentID)
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusAssigned, acked.Status)
	return acked
}

// requireToolError asserts that the result is an error envelope carrying
// the given code prefix.
func requireToolError(t *testing.T, result *mcp.CallToolResult, code string) string {
	t.Helper()
	require.True(t, result.IsError, "expected a tool error, got: %s", resultText(t, result))
	text := resultText(t, result)
	require.Contains(t, text, fmt.Sprintf("[%s]", code))
	return text
}
