package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/stringutil"
	"github.com/dispatchd/dispatchd/internal/errs"
	"github.com/dispatchd/dispatchd/internal/events"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// delegationPromptCap bounds the prompt copy carried on delegation events.
// The task row keeps the full text.
const delegationPromptCap = 512

// registerTaskTools registers the delegation and task-work tools and
// returns how many it added.
func (s *Server) registerTaskTools(mcpServer *server.MCPServer) int {
	mcpServer.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Delegate work. The task is queued and handed to the best matching agent; pass targetAgentId as a preference, requiredCapabilities and workspaceId as hard constraints. Passing a tasks array scaffolds a dependency chain instead."),
			mcp.WithString("prompt",
				mcp.Description("What the assignee should do. Required unless a tasks array is given."),
			),
			mcp.WithString("workspaceId",
				mcp.Required(),
				mcp.Description("Repository the work belongs to; only agents in this workspace are eligible"),
			),
			mcp.WithString("title", mcp.Description("Short display title")),
			mcp.WithString("targetAgentId",
				mcp.Description("Preferred assignee. A preference, not a constraint."),
			),
			mcp.WithArray("requiredCapabilities",
				mcp.Description("Capabilities the assignee must advertise"),
			),
			mcp.WithString("sourceAgentId",
				mcp.Description("Who is delegating (default \"Da Boss\", the human operator)"),
			),
			mcp.WithString("priority",
				mcp.Description("normal (default), high, or critical"),
			),
			mcp.WithArray("dependencies",
				mcp.Description("Task ids that must complete before this task is handed out"),
			),
			mcp.WithObject("context",
				mcp.Description("Free-form context stored on the task"),
			),
			mcp.WithString("spec",
				mcp.Description("Specification text stored in the task context"),
			),
			mcp.WithArray("tasks",
				mcp.Description("Plan entries ({prompt, title?, priority?, requiredCapabilities?, dependencies?}); each depends on the previous entry unless it lists its own dependencies"),
			),
		),
		s.assignTaskHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("send_response",
			mcp.WithDescription("Submit the outcome of a task you are working on: COMPLETED, FAILED, BLOCKED, or IN_REVIEW."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task being answered")),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("COMPLETED, FAILED, BLOCKED, or IN_REVIEW"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("Summary of the outcome"),
			),
			mcp.WithObject("artifacts",
				mcp.Description("Outputs produced, e.g. {\"branch\": \"fix/login\", \"files\": [...]}"),
			),
			mcp.WithString("blockedReason",
				mcp.Description("Why the task is blocked (BLOCKED only)"),
			),
		),
		s.sendResponseHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("block_task",
			mcp.WithDescription("Block a task on a question. The task stays BLOCKED until answer_task records an answer; blocks without an open question are requeued automatically."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to block")),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Why the work cannot proceed"),
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question that must be answered before work resumes"),
			),
			mcp.WithString("summary", mcp.Description("What was done before blocking")),
		),
		s.blockTaskHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("answer_task",
			mcp.WithDescription("Answer the open question on a blocked task. The answer is recorded on the task thread and the task returns to the queue."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The blocked task")),
			mcp.WithString("answer", mcp.Required(), mcp.Description("The answer")),
			mcp.WithString("replyTo",
				mcp.Description("Message id being answered. Defaults to the latest question."),
			),
		),
		s.answerTaskHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("update_progress",
			mcp.WithDescription("Report progress on a task you are working on. Keeps the task from being requeued as stale; the first report moves an ASSIGNED task to IN_PROGRESS."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task being worked")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("The reporting agent")),
			mcp.WithString("message", mcp.Required(), mcp.Description("What is happening")),
			mcp.WithString("phase", mcp.Description("Coarse phase label, e.g. 'implementing'")),
			mcp.WithNumber("percentage", mcp.Description("Completion estimate, 0 to 100")),
		),
		s.updateProgressHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Fetch everything an agent needs to work a task: prompt, context, dependency statuses, the conversation thread, and unresolved review comments. Unread user messages are marked read."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task to inspect")),
			mcp.WithString("agentId", mcp.Description("The requesting agent")),
		),
		s.getTaskContextHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("broadcast_system_prompt",
			mcp.WithDescription("Append a system message to every non-terminal task assigned to a matching agent. Returns how many tasks were reached."),
			mcp.WithString("message", mcp.Required(), mcp.Description("The system message")),
			mcp.WithArray("capabilities",
				mcp.Description("Only reach agents advertising at least one of these capabilities"),
			),
		),
		s.broadcastSystemPromptHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("scaffold_plan",
			mcp.WithDescription("Create a chain of dependent tasks from a plan. Each entry depends on the previous one unless it lists its own dependencies, so the chain executes in order."),
			mcp.WithString("workspaceId",
				mcp.Required(),
				mcp.Description("Repository the plan belongs to"),
			),
			mcp.WithArray("tasks",
				mcp.Required(),
				mcp.Description("Plan entries: {prompt, title?, priority?, requiredCapabilities?, dependencies?}"),
			),
			mcp.WithString("spec",
				mcp.Description("Specification text stored in each task's context"),
			),
			mcp.WithString("sourceAgentId",
				mcp.Description("Who is delegating (default \"Da Boss\")"),
			),
		),
		s.scaffoldPlanHandler(),
	)

	return 8
}

func (s *Server) assignTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		workspaceID, err := req.RequireString("workspaceId")
		if err != nil {
			return errorResult(errs.Validation("workspaceId is required"))
		}
		sourceAgentID := req.GetString("sourceAgentId", bossSentinel)
		specText := req.GetString("spec", "")

		// A tasks array turns the delegation into a plan scaffold.
		if _, ok := args["tasks"]; ok {
			return s.scaffold(ctx, workspaceID, sourceAgentID, specText, args)
		}

		prompt, err := req.RequireString("prompt")
		if err != nil {
			return errorResult(errs.Validation("prompt is required"))
		}
		if err := s.checkPrompt(prompt); err != nil {
			return errorResult(err)
		}

		priority, err := parsePriority(req.GetString("priority", ""))
		if err != nil {
			return errorResult(err)
		}
		caps, err := capabilityList(args, "requiredCapabilities")
		if err != nil {
			return errorResult(err)
		}
		deps, err := stringList(args, "dependencies")
		if err != nil {
			return errorResult(err)
		}
		taskCtx, err := objectArg(args, "context")
		if err != nil {
			return errorResult(err)
		}
		if specText != "" {
			if taskCtx == nil {
				taskCtx = map[string]interface{}{}
			}
			taskCtx["spec"] = specText
		}

		task := &models.Task{
			Title:    req.GetString("title", ""),
			Prompt:   prompt,
			Priority: priority,
			From:     taskOrigin(sourceAgentID),
			To: v1.TaskTarget{
				AgentID:              req.GetString("targetAgentId", ""),
				RequiredCapabilities: caps,
				WorkspaceID:          workspaceID,
			},
			Context:      taskCtx,
			Dependencies: deps,
		}

		created, err := s.engine.Queue().Enqueue(ctx, task)
		if err != nil {
			return errorResult(err)
		}

		s.emitDelegation(ctx, created)
		s.emitActivity(ctx, "delegation",
			fmt.Sprintf("%s delegated task %s", sourceAgentID, created.ID),
			map[string]interface{}{"taskId": created.ID, "workspaceId": workspaceID})

		s.logger.Info("task delegated",
			zap.String("task_id", created.ID),
			zap.String("source", sourceAgentID))
		return jsonResult(created.ToAPI())
	}
}

// responseStatuses are the outcomes an agent may submit for its own task.
var responseStatuses = map[v1.TaskStatus]bool{
	v1.TaskStatusCompleted: true,
	v1.TaskStatusFailed:    true,
	v1.TaskStatusBlocked:   true,
	v1.TaskStatusInReview:  true,
}

func (s *Server) sendResponseHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		rawStatus, err := req.RequireString("status")
		if err != nil {
			return errorResult(errs.Validation("status is required"))
		}
		message, err := req.RequireString("message")
		if err != nil {
			return errorResult(errs.Validation("message is required"))
		}

		to := v1.TaskStatus(strings.ToUpper(rawStatus))
		if !responseStatuses[to] {
			return errorResult(errs.Validation(
				"status must be COMPLETED, FAILED, BLOCKED, or IN_REVIEW, got %q", rawStatus))
		}

		artifacts, err := objectArg(req.GetArguments(), "artifacts")
		if err != nil {
			return errorResult(err)
		}

		task, err := s.engine.Queue().SubmitResponse(ctx, taskID, to, &v1.TaskResponse{
			Status:        to,
			Message:       message,
			Artifacts:     artifacts,
			BlockedReason: req.GetString("blockedReason", ""),
		})
		if err != nil {
			return errorResult(err)
		}

		// The transition is committed; the thread entry is best-effort.
		if err := s.engine.Queue().AppendMessage(ctx, taskID, v1.TaskMessage{
			Role:        v1.MessageRoleAgent,
			Content:     message,
			MessageType: v1.MessageTypeComment,
		}); err != nil {
			s.logger.Warn("failed to record response message",
				zap.String("task_id", taskID), zap.Error(err))
		}

		return jsonResult(task.ToAPI())
	}
}

func (s *Server) blockTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		reason, err := req.RequireString("reason")
		if err != nil {
			return errorResult(errs.Validation("reason is required"))
		}
		question, err := req.RequireString("question")
		if err != nil {
			return errorResult(errs.Validation("question is required"))
		}

		if _, err := s.engine.Queue().UpdateStatus(ctx, taskID, v1.TaskStatusBlocked, reason); err != nil {
			return errorResult(err)
		}

		if summary := req.GetString("summary", ""); summary != "" {
			if err := s.engine.Queue().AppendMessage(ctx, taskID, v1.TaskMessage{
				Role:        v1.MessageRoleAgent,
				Content:     summary,
				MessageType: v1.MessageTypeComment,
			}); err != nil {
				s.logger.Warn("failed to record block summary",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}

		// The open question is what holds the task in BLOCKED; without it
		// the next sweep requeues the task.
		if err := s.engine.Queue().AppendMessage(ctx, taskID, v1.TaskMessage{
			Role:        v1.MessageRoleUser,
			Content:     question,
			MessageType: v1.MessageTypeQuestion,
		}); err != nil {
			return errorResult(err)
		}

		task, err := s.engine.Queue().GetTask(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(task.ToAPI())
	}
}

func (s *Server) answerTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return errorResult(errs.Validation("answer is required"))
		}

		task, err := s.engine.Queue().GetTask(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}

		replyTo := req.GetString("replyTo", "")
		if replyTo == "" {
			for i := len(task.Messages) - 1; i >= 0; i-- {
				if task.Messages[i].MessageType == v1.MessageTypeQuestion {
					replyTo = task.Messages[i].ID
					break
				}
			}
		}

		if err := s.engine.Queue().AppendMessage(ctx, taskID, v1.TaskMessage{
			Role:        v1.MessageRoleAgent,
			Content:     answer,
			MessageType: v1.MessageTypeAnswer,
			ReplyTo:     replyTo,
		}); err != nil {
			return errorResult(err)
		}

		if task.Status == v1.TaskStatusBlocked {
			if _, err := s.engine.Queue().UpdateStatus(ctx, taskID, v1.TaskStatusQueued, "question answered"); err != nil {
				return errorResult(err)
			}
			if _, err := s.engine.Queue().TryAssign(ctx, taskID); err != nil {
				s.logger.Warn("assignment after answer failed",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}

		task, err = s.engine.Queue().GetTask(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(task.ToAPI())
	}
}

func (s *Server) updateProgressHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}
		message, err := req.RequireString("message")
		if err != nil {
			return errorResult(errs.Validation("message is required"))
		}

		progress := &models.Progress{
			TaskID:  taskID,
			AgentID: agentID,
			Phase:   req.GetString("phase", ""),
			Message: message,
		}
		if raw, ok := req.GetArguments()["percentage"].(float64); ok {
			pct := int(raw)
			if pct < 0 || pct > 100 {
				return errorResult(errs.Validation("percentage must be between 0 and 100"))
			}
			progress.Percentage = &pct
		}

		task, err := s.engine.Queue().GetTask(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}
		// The first progress report is what moves accepted work into flight.
		if task.Status == v1.TaskStatusAssigned {
			task, err = s.engine.Queue().UpdateStatus(ctx, taskID, v1.TaskStatusInProgress, "started")
			if err != nil {
				return errorResult(err)
			}
		}

		if err := s.engine.Queue().RecordProgress(ctx, progress); err != nil {
			return errorResult(err)
		}

		s.emitActivity(ctx, "progress",
			fmt.Sprintf("%s: %s", agentID, message),
			map[string]interface{}{
				"taskId":  taskID,
				"agentId": agentID,
				"phase":   progress.Phase,
			})

		return jsonResult(map[string]interface{}{
			"taskId":         taskID,
			"status":         task.Status,
			"lastProgressAt": progress.Timestamp,
		})
	}
}

// dependencyStatus pairs a dependency id with its current lifecycle state.
type dependencyStatus struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (s *Server) getTaskContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}

		task, err := s.engine.Queue().GetTask(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}

		markedRead, err := s.engine.Queue().MarkUserMessagesRead(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}
		messages, err := s.engine.Queue().Messages(ctx, taskID)
		if err != nil {
			return errorResult(err)
		}
		comments, err := s.engine.Queue().ReviewComments(ctx, taskID, true)
		if err != nil {
			return errorResult(err)
		}

		deps := make([]dependencyStatus, 0, len(task.Dependencies))
		for _, depID := range task.Dependencies {
			status := "UNKNOWN"
			if dep, err := s.engine.Queue().GetTask(ctx, depID); err == nil {
				status = string(dep.Status)
			}
			deps = append(deps, dependencyStatus{TaskID: depID, Status: status})
		}

		apiComments := make([]*v1.ReviewComment, 0, len(comments))
		for _, comment := range comments {
			apiComments = append(apiComments, comment.ToAPI())
		}

		return jsonResult(map[string]interface{}{
			"taskId":         task.ID,
			"title":          task.Title,
			"prompt":         task.Prompt,
			"status":         task.Status,
			"priority":       task.Priority,
			"assignedTo":     task.AssignedTo,
			"context":        task.Context,
			"dependencies":   deps,
			"messages":       messages,
			"reviewComments": apiComments,
			"markedRead":     markedRead,
			"response":       task.Response,
		})
	}
}

func (s *Server) broadcastSystemPromptHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return errorResult(errs.Validation("message is required"))
		}
		caps, err := capabilityList(req.GetArguments(), "capabilities")
		if err != nil {
			return errorResult(err)
		}

		agents, err := s.engine.Registry().ListAgents(ctx, "")
		if err != nil {
			return errorResult(err)
		}
		matched := make(map[string]bool, len(agents))
		for _, agent := range agents {
			if len(caps) == 0 || hasAnyCapability(agent.Capabilities, caps) {
				matched[agent.ID] = true
			}
		}

		active, err := s.engine.Queue().ListActiveTasks(ctx)
		if err != nil {
			return errorResult(err)
		}

		reached := 0
		for _, task := range active {
			if task.AssignedTo == "" || !matched[task.AssignedTo] {
				continue
			}
			if err := s.engine.Queue().AppendMessage(ctx, task.ID, v1.TaskMessage{
				Role:        v1.MessageRoleSystem,
				Content:     message,
				MessageType: v1.MessageTypeSystem,
			}); err != nil {
				s.logger.Warn("broadcast skipped a task",
					zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			reached++
		}

		s.emitActivity(ctx, "broadcast", message, map[string]interface{}{"reached": reached})
		return jsonResult(map[string]interface{}{"reached": reached})
	}
}

func (s *Server) scaffoldPlanHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspaceId")
		if err != nil {
			return errorResult(errs.Validation("workspaceId is required"))
		}
		return s.scaffold(ctx, workspaceID,
			req.GetString("sourceAgentId", bossSentinel),
			req.GetString("spec", ""),
			req.GetArguments())
	}
}

// planEntry is one task in a scaffolded plan.
type planEntry struct {
	Prompt               string   `json:"prompt"`
	Title                string   `json:"title,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`
}

// scaffold creates a dependency chain of tasks. Every entry is validated
// before the first task is created so a bad entry cannot leave a partial
// chain behind.
func (s *Server) scaffold(ctx context.Context, workspaceID, sourceAgentID, specText string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	var entries []planEntry
	ok, err := decodeArg(args, "tasks", &entries)
	if err != nil {
		return errorResult(err)
	}
	if !ok || len(entries) == 0 {
		return errorResult(errs.Validation("tasks must be a non-empty array"))
	}

	priorities := make([]v1.TaskPriority, len(entries))
	capabilities := make([][]v1.Capability, len(entries))
	for i, entry := range entries {
		if entry.Prompt == "" {
			return errorResult(errs.Validation("tasks[%d].prompt is required", i))
		}
		if err := s.checkPrompt(entry.Prompt); err != nil {
			return errorResult(err)
		}
		if priorities[i], err = parsePriority(entry.Priority); err != nil {
			return errorResult(err)
		}
		if capabilities[i], err = parseCapabilities(entry.RequiredCapabilities); err != nil {
			return errorResult(err)
		}
	}

	origin := taskOrigin(sourceAgentID)
	created := make([]*models.Task, 0, len(entries))
	var prevID string
	for i, entry := range entries {
		deps := entry.Dependencies
		if len(deps) == 0 && prevID != "" {
			deps = []string{prevID}
		}
		var taskCtx map[string]interface{}
		if specText != "" {
			taskCtx = map[string]interface{}{"spec": specText}
		}

		task, err := s.engine.Queue().Enqueue(ctx, &models.Task{
			Title:    entry.Title,
			Prompt:   entry.Prompt,
			Priority: priorities[i],
			From:     origin,
			To: v1.TaskTarget{
				RequiredCapabilities: capabilities[i],
				WorkspaceID:          workspaceID,
			},
			Context:      taskCtx,
			Dependencies: deps,
		})
		if err != nil {
			return errorResult(err)
		}
		s.emitDelegation(ctx, task)
		created = append(created, task)
		prevID = task.ID
	}

	s.emitActivity(ctx, "plan",
		fmt.Sprintf("%s scaffolded a %d-task plan", sourceAgentID, len(created)),
		map[string]interface{}{"workspaceId": workspaceID})
	s.logger.Info("plan scaffolded",
		zap.Int("tasks", len(created)),
		zap.String("workspace_id", workspaceID))

	out := make([]map[string]interface{}, len(created))
	for i, task := range created {
		out[i] = map[string]interface{}{
			"taskId":       task.ID,
			"title":        task.Title,
			"dependencies": task.Dependencies,
		}
	}
	return jsonResult(map[string]interface{}{"tasks": out})
}

// checkPrompt runs the injected prompt validator, if any. Rejection is a
// permission failure, not a validation one: the input was well-formed but
// refused.
func (s *Server) checkPrompt(prompt string) error {
	if s.validatePrompt == nil {
		return nil
	}
	if err := s.validatePrompt(prompt); err != nil {
		return errs.Permission("prompt rejected: %v", err)
	}
	return nil
}

func hasAnyCapability(have, want []v1.Capability) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (s *Server) emitDelegation(ctx context.Context, task *models.Task) {
	subject := events.Delegation
	if task.To.AgentID != "" {
		subject = events.BuildDelegationSubject(task.To.AgentID)
	}
	_ = s.engine.Emitter().EmitData(ctx, subject, events.Delegation, map[string]interface{}{
		"taskId":        task.ID,
		"sourceAgentId": task.From.ID,
		"targetAgentId": task.To.AgentID,
		"prompt":        stringutil.Truncate(task.Prompt, delegationPromptCap),
		"priority":      string(task.Priority),
		"createdAt":     task.CreatedAt,
	})
}

func (s *Server) emitActivity(ctx context.Context, category, message string, metadata map[string]interface{}) {
	_ = s.engine.Emitter().EmitData(ctx, events.Activity, events.Activity, map[string]interface{}{
		"category": category,
		"message":  message,
		"metadata": metadata,
	})
}
