package opsserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// AgentListResponse wraps the agent listing.
type AgentListResponse struct {
	Agents []*v1.Agent `json:"agents"`
	Count  int         `json:"count"`
}

// TaskListResponse wraps the task listing.
type TaskListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Count int        `json:"count"`
}

// ProgressResponse wraps a task's progress trail.
type ProgressResponse struct {
	TaskID  string               `json:"taskId"`
	Updates []*v1.ProgressUpdate `json:"updates"`
}

// ReviewCommentsResponse wraps a task's review comments.
type ReviewCommentsResponse struct {
	TaskID   string              `json:"taskId"`
	Comments []*v1.ReviewComment `json:"comments"`
}

// StatsResponse is a point-in-time snapshot of broker state.
type StatsResponse struct {
	Agents       AgentStats `json:"agents"`
	Tasks        TaskStats  `json:"tasks"`
	Waiting      int        `json:"waiting"`
	Reservations int        `json:"reservations"`
}

// AgentStats counts agents by derived status.
type AgentStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// TaskStats counts tasks by lifecycle status.
type TaskStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// ErrorResponse is the error payload for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "dispatchd",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListAgents returns registered agents, optionally filtered by the
// capability query parameter.
func (s *Server) handleListAgents(c *gin.Context) {
	capability := v1.Capability(c.Query("capability"))

	agents, err := s.engine.Registry().ListAgents(c.Request.Context(), capability)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, AgentListResponse{Agents: agents, Count: len(agents)})
}

// handleGetAgent returns one agent by id or display name.
func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.engine.Registry().ResolveAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, agent)
}

const defaultTaskLimit = 100

// handleListTasks returns task history filtered by the status, assignedTo,
// q, limit, and offset query parameters.
func (s *Server) handleListTasks(c *gin.Context) {
	filter := models.TaskHistoryFilter{
		AgentID: c.Query("assignedTo"),
		Query:   c.Query("q"),
		Limit:   defaultTaskLimit,
	}

	if raw := c.Query("status"); raw != "" {
		status := v1.TaskStatus(raw)
		if !status.IsValid() {
			renderError(c, errs.Validation("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			renderError(c, errs.Validation("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			renderError(c, errs.Validation("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	tasks, err := s.engine.Queue().ListTaskHistory(c.Request.Context(), filter)
	if err != nil {
		renderError(c, err)
		return
	}

	out := make([]*v1.Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ToAPI())
	}

	c.JSON(http.StatusOK, TaskListResponse{Tasks: out, Count: len(out)})
}

// handleGetTask returns one task with its full thread and history.
func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.engine.Queue().GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, task.ToAPI())
}

// handleDeleteTask removes a terminal task from history. The queue rejects
// deletion of live tasks with a CONFLICT.
func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.engine.Queue().DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTaskProgress returns a task's progress trail, oldest first.
func (s *Server) handleTaskProgress(c *gin.Context) {
	taskID := c.Param("id")

	entries, err := s.engine.Queue().Progress(c.Request.Context(), taskID)
	if err != nil {
		renderError(c, err)
		return
	}

	updates := make([]*v1.ProgressUpdate, 0, len(entries))
	for _, entry := range entries {
		updates = append(updates, entry.ToAPI())
	}

	c.JSON(http.StatusOK, ProgressResponse{TaskID: taskID, Updates: updates})
}

// handleTaskReviewComments returns a task's review comments, optionally
// restricted to unresolved ones.
func (s *Server) handleTaskReviewComments(c *gin.Context) {
	taskID := c.Param("id")
	unresolvedOnly := c.Query("unresolvedOnly") == "true"

	comments, err := s.engine.Queue().ReviewComments(c.Request.Context(), taskID, unresolvedOnly)
	if err != nil {
		renderError(c, err)
		return
	}

	out := make([]*v1.ReviewComment, 0, len(comments))
	for _, comment := range comments {
		out = append(out, comment.ToAPI())
	}

	c.JSON(http.StatusOK, ReviewCommentsResponse{TaskID: taskID, Comments: out})
}

// handleStats returns counts by status plus live matcher state.
func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	agents, err := s.engine.Registry().ListAgents(ctx, "")
	if err != nil {
		renderError(c, err)
		return
	}
	agentStats := AgentStats{Total: len(agents), ByStatus: map[string]int{}}
	for _, agent := range agents {
		agentStats.ByStatus[string(agent.Status)]++
	}

	tasks, err := s.engine.Queue().ListTasks(ctx)
	if err != nil {
		renderError(c, err)
		return
	}
	taskStats := TaskStats{Total: len(tasks), ByStatus: map[string]int{}}
	for _, task := range tasks {
		taskStats.ByStatus[string(task.Status)]++
	}

	c.JSON(http.StatusOK, StatsResponse{
		Agents:       agentStats,
		Tasks:        taskStats,
		Waiting:      s.engine.Waiting().Len(),
		Reservations: len(s.engine.Queue().ReservedAgentIDs()),
	})
}

// renderError maps a coded error to an HTTP status and the standard error
// payload.
func renderError(c *gin.Context, err error) {
	c.JSON(httpStatus(errs.CodeOf(err)), ErrorResponse{
		Error: err.Error(),
		Code:  string(errs.CodeOf(err)),
	})
}

func httpStatus(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodePermission:
		return http.StatusForbidden
	case errs.CodeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
