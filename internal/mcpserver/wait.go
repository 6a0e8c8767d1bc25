package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/constants"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

const (
	defaultPromptTimeout = constants.DefaultPromptTimeoutSecs * time.Second
	maxPromptTimeout     = constants.MaxPromptTimeoutSecs * time.Second
	minPromptTimeout     = constants.MinPromptTimeoutSecs * time.Second

	defaultCompletionTimeout = constants.DefaultCompletionTimeoutSecs * time.Second
)

// promptPayload is what a long-polling agent receives when work arrives.
// Status tells the agent whether an ack starts fresh work (PENDING_ACK) or
// resumes approved work (APPROVED_PENDING_ACK).
type promptPayload struct {
	TaskID               string                 `json:"taskId"`
	Title                string                 `json:"title,omitempty"`
	Prompt               string                 `json:"prompt"`
	Priority             v1.TaskPriority        `json:"priority"`
	Status               v1.TaskStatus          `json:"status"`
	WorkspaceID          string                 `json:"workspaceId,omitempty"`
	RequiredCapabilities []v1.Capability        `json:"requiredCapabilities,omitempty"`
	Context              map[string]interface{} `json:"context,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	RetryCount           int                    `json:"retryCount"`
}

func promptPayloadFrom(task *models.Task) promptPayload {
	return promptPayload{
		TaskID:               task.ID,
		Title:                task.Title,
		Prompt:               task.Prompt,
		Priority:             task.Priority,
		Status:               task.Status,
		WorkspaceID:          task.To.WorkspaceID,
		RequiredCapabilities: task.To.RequiredCapabilities,
		Context:              task.Context,
		Dependencies:         task.Dependencies,
		RetryCount:           task.RetryCount,
	}
}

// registerWaitTools registers the long-poll and ack tools and returns how
// many it added.
func (s *Server) registerWaitTools(mcpServer *server.MCPServer) int {
	mcpServer.AddTool(
		mcp.NewTool("wait_for_prompt",
			mcp.WithDescription("Long-poll for the next task reserved to this agent. Returns the task to work on, an eviction signal, or {\"status\":\"IDLE\"} when nothing arrives in time. Acknowledge a returned task with ack_task before starting."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The polling agent's id"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Seconds to wait, clamped to [1, 300]. Defaults to 290 when omitted or above the cap."),
			),
		),
		s.waitForPromptHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("wait_for_task",
			mcp.WithDescription("Wait until a task reaches a terminal status (COMPLETED, FAILED, or CANCELLED). Returns the final task, or {\"status\":\"TIMEOUT\"} when time runs out first."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task to watch"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Seconds to wait (default 300)"),
			),
		),
		s.waitForTaskHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("ack_task",
			mcp.WithDescription("Acknowledge a task delivered by wait_for_prompt. The reservation is released and the task becomes ASSIGNED (or IN_PROGRESS when resuming approved work). Unacknowledged tasks are requeued after the ack timeout."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The delivered task's id"),
			),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The agent the task was reserved for"),
			),
		),
		s.ackTaskHandler(),
	)

	return 3
}

func (s *Server) waitForPromptHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}
		timeout := promptTimeout(req.GetArguments())

		result, err := s.engine.Queue().WaitForTask(ctx, agentID, timeout)
		if err != nil {
			return errorResult(err)
		}

		switch {
		case result.Eviction != nil:
			s.logger.Info("delivering eviction signal",
				zap.String("agent_id", agentID),
				zap.String("action", string(result.Eviction.Action)))
			return jsonResult(result.Eviction)
		case result.Task != nil:
			return jsonResult(promptPayloadFrom(result.Task))
		default:
			return jsonResult(map[string]string{"status": "IDLE"})
		}
	}
}

func (s *Server) waitForTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		timeout := completionTimeout(req.GetArguments())

		task, err := s.engine.Queue().WaitForTaskCompletion(ctx, taskID, timeout)
		if err != nil {
			return errorResult(err)
		}
		if task == nil {
			return jsonResult(map[string]string{"status": "TIMEOUT"})
		}
		return jsonResult(task.ToAPI())
	}
}

func (s *Server) ackTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}

		task, err := s.engine.Queue().AckTask(ctx, taskID, agentID)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(task.ToAPI())
	}
}

// promptTimeout clamps the wait_for_prompt timeout to [1, 300] seconds,
// substituting the default when missing or above the cap.
func promptTimeout(args map[string]interface{}) time.Duration {
	raw, ok := args["timeout"].(float64)
	if !ok || time.Duration(raw*float64(time.Second)) > maxPromptTimeout {
		return defaultPromptTimeout
	}
	if time.Duration(raw*float64(time.Second)) < minPromptTimeout {
		return minPromptTimeout
	}
	return time.Duration(raw * float64(time.Second))
}

// completionTimeout applies the wait_for_task default.
func completionTimeout(args map[string]interface{}) time.Duration {
	raw, ok := args["timeout"].(float64)
	if !ok || raw < 1 {
		return defaultCompletionTimeout
	}
	return time.Duration(raw * float64(time.Second))
}
