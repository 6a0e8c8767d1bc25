package mcpserver

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// registerReviewTools registers the review workflow tools and returns how
// many it added.
func (s *Server) registerReviewTools(mcpServer *server.MCPServer) int {
	mcpServer.AddTool(
		mcp.NewTool("submit_review",
			mcp.WithDescription("Record the verdict on a task in review. APPROVED queues it for the approved-work pass; REJECTED requeues it with the attached comments."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task under review")),
			mcp.WithString("decision",
				mcp.Required(),
				mcp.Description("APPROVED or REJECTED"),
			),
			mcp.WithString("summary", mcp.Description("Overall review notes, recorded on the task thread")),
			mcp.WithArray("comments",
				mcp.Description("Line comments: {comment, file?, line?, author?}"),
			),
		),
		s.submitReviewHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_review_comments",
			mcp.WithDescription("List review comments on a task."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The reviewed task")),
			mcp.WithBoolean("unresolvedOnly", mcp.Description("Only comments still awaiting a fix (default false)")),
		),
		s.getReviewCommentsHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("resolve_review_comment",
			mcp.WithDescription("Mark a review comment as addressed."),
			mcp.WithString("commentId", mcp.Required(), mcp.Description("The comment to resolve")),
			mcp.WithString("response", mcp.Description("How it was addressed")),
		),
		s.resolveReviewCommentHandler(),
	)

	return 3
}

// reviewCommentEntry is one line comment attached to a review submission.
type reviewCommentEntry struct {
	Comment string `json:"comment"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Author  string `json:"author,omitempty"`
}

func (s *Server) submitReviewHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		rawDecision, err := req.RequireString("decision")
		if err != nil {
			return errorResult(errs.Validation("decision is required"))
		}

		var entries []reviewCommentEntry
		if _, err := decodeArg(req.GetArguments(), "comments", &entries); err != nil {
			return errorResult(err)
		}
		for i, entry := range entries {
			if entry.Comment == "" {
				return errorResult(errs.Validation("comments[%d].comment is required", i))
			}
		}

		var to v1.TaskStatus
		var detail string
		switch v1.ReviewVerdict(strings.ToUpper(rawDecision)) {
		case v1.ReviewVerdictApproved:
			to, detail = v1.TaskStatusApprovedQueued, "review approved"
		case v1.ReviewVerdictRejected:
			to, detail = v1.TaskStatusRejected, "review rejected"
		default:
			return errorResult(errs.Validation("decision must be APPROVED or REJECTED, got %q", rawDecision))
		}

		// Transition first so comments are never attached to a task that
		// was not actually in review.
		task, err := s.engine.Queue().UpdateStatus(ctx, taskID, to, detail)
		if err != nil {
			return errorResult(err)
		}

		for _, entry := range entries {
			if err := s.engine.Queue().AddReviewComment(ctx, &models.ReviewComment{
				TaskID:  taskID,
				Author:  entry.Author,
				File:    entry.File,
				Line:    entry.Line,
				Comment: entry.Comment,
			}); err != nil {
				return errorResult(err)
			}
		}

		if summary := req.GetString("summary", ""); summary != "" {
			if err := s.engine.Queue().AppendMessage(ctx, taskID, v1.TaskMessage{
				Role:        v1.MessageRoleUser,
				Content:     summary,
				MessageType: v1.MessageTypeComment,
			}); err != nil {
				s.logger.Warn("failed to record review summary",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}

		s.emitActivity(ctx, "review", detail, map[string]interface{}{
			"taskId":   taskID,
			"comments": len(entries),
		})
		s.logger.Info("review submitted",
			zap.String("task_id", taskID),
			zap.String("verdict", string(to)),
			zap.Int("comments", len(entries)))
		return jsonResult(task.ToAPI())
	}
}

func (s *Server) getReviewCommentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(errs.Validation("taskId is required"))
		}
		unresolvedOnly, _ := req.GetArguments()["unresolvedOnly"].(bool)

		comments, err := s.engine.Queue().ReviewComments(ctx, taskID, unresolvedOnly)
		if err != nil {
			return errorResult(err)
		}

		out := make([]*v1.ReviewComment, 0, len(comments))
		for _, comment := range comments {
			out = append(out, comment.ToAPI())
		}
		return jsonResult(out)
	}
}

func (s *Server) resolveReviewCommentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		commentID, err := req.RequireString("commentId")
		if err != nil {
			return errorResult(errs.Validation("commentId is required"))
		}

		comment, err := s.engine.Queue().ResolveReviewComment(ctx, commentID, req.GetString("response", ""))
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(comment.ToAPI())
	}
}
