package repository

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Repository defines the interface for broker storage operations
type Repository interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByDisplayName(ctx context.Context, displayName string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgentsByCapability(ctx context.Context, capability v1.Capability) ([]*models.Agent, error)
	TouchAgent(ctx context.Context, id string, lastSeen int64) error
	SetEviction(ctx context.Context, id, reason string, action v1.EvictionAction) error
	ClearEviction(ctx context.Context, id string) error
	DeleteAgentsLastSeenBefore(ctx context.Context, olderThan int64, exemptIDs []string) ([]string, error)

	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, task *models.Task, expected v1.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error)
	ListTasksByStatuses(ctx context.Context, statuses []v1.TaskStatus) ([]*models.Task, error)
	ListTasksByAssignee(ctx context.Context, agentID string) ([]*models.Task, error)
	ListActiveTasks(ctx context.Context) ([]*models.Task, error)
	ListTaskHistory(ctx context.Context, filter models.TaskHistoryFilter) ([]*models.Task, error)

	// Message operations (messages live on the task row)
	AppendMessage(ctx context.Context, taskID string, msg v1.TaskMessage) error
	GetMessages(ctx context.Context, taskID string) ([]v1.TaskMessage, error)
	MarkUserMessagesRead(ctx context.Context, taskID string) (int, error)

	// Progress operations
	AppendProgress(ctx context.Context, progress *models.Progress) error
	ListProgress(ctx context.Context, taskID string) ([]*models.Progress, error)

	// Review comment operations
	CreateReviewComment(ctx context.Context, comment *models.ReviewComment) error
	ListReviewComments(ctx context.Context, taskID string, unresolvedOnly bool) ([]*models.ReviewComment, error)
	ResolveReviewComment(ctx context.Context, commentID, response string) (*models.ReviewComment, error)

	Close() error
}
