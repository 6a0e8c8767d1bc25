package v1

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued             TaskStatus = "QUEUED"
	TaskStatusPendingAck         TaskStatus = "PENDING_ACK"
	TaskStatusAssigned           TaskStatus = "ASSIGNED"
	TaskStatusInProgress         TaskStatus = "IN_PROGRESS"
	TaskStatusBlocked            TaskStatus = "BLOCKED"
	TaskStatusInReview           TaskStatus = "IN_REVIEW"
	TaskStatusRejected           TaskStatus = "REJECTED"
	TaskStatusApprovedQueued     TaskStatus = "APPROVED_QUEUED"
	TaskStatusApprovedPendingAck TaskStatus = "APPROVED_PENDING_ACK"
	TaskStatusCompleted          TaskStatus = "COMPLETED"
	TaskStatusFailed             TaskStatus = "FAILED"
	TaskStatusCancelled          TaskStatus = "CANCELLED"
)

// AllTaskStatuses lists every lifecycle state.
var AllTaskStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusPendingAck,
	TaskStatusAssigned,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusInReview,
	TaskStatusRejected,
	TaskStatusApprovedQueued,
	TaskStatusApprovedPendingAck,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is one of the known values.
func (s TaskStatus) IsValid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks when several are eligible
type TaskPriority string

const (
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// Rank returns the scheduling weight of the priority; higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 3
	case TaskPriorityHigh:
		return 2
	default:
		return 1
	}
}

// IsValid reports whether the priority is one of the known values.
func (p TaskPriority) IsValid() bool {
	switch p {
	case TaskPriorityNormal, TaskPriorityHigh, TaskPriorityCritical:
		return true
	}
	return false
}

// OriginType identifies who created a task
type OriginType string

const (
	OriginUser   OriginType = "user"
	OriginAgent  OriginType = "agent"
	OriginSystem OriginType = "system"
)

// TaskOrigin records who delegated the task
type TaskOrigin struct {
	Type OriginType `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
}

// TaskTarget expresses routing hints for the matcher. AgentID is a
// preference, not a constraint; RequiredCapabilities and WorkspaceID are
// hard constraints.
type TaskTarget struct {
	AgentID              string       `json:"agentId,omitempty"`
	RequiredCapabilities []Capability `json:"requiredCapabilities,omitempty"`
	WorkspaceID          string       `json:"workspaceId,omitempty"`
}

// MessageRole identifies the author side of a task message
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAgent  MessageRole = "agent"
	MessageRoleSystem MessageRole = "system"
)

// Message types carried on task messages
const (
	MessageTypeQuestion = "question"
	MessageTypeAnswer   = "answer"
	MessageTypeComment  = "comment"
	MessageTypeSystem   = "system"
)

// TaskMessage is one entry in a task's conversation thread
type TaskMessage struct {
	ID          string      `json:"id"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	Timestamp   int64       `json:"timestamp"`
	IsRead      bool        `json:"isRead"`
	MessageType string      `json:"messageType,omitempty"`
	ReplyTo     string      `json:"replyTo,omitempty"`
}

// StatusChange is one entry in a task's transition history
type StatusChange struct {
	From      TaskStatus `json:"from,omitempty"`
	To        TaskStatus `json:"to"`
	Timestamp int64      `json:"timestamp"`
	Detail    string     `json:"detail,omitempty"`
}

// TaskResponse is the terminal (or blocking) answer an agent submitted
type TaskResponse struct {
	Status        TaskStatus             `json:"status"`
	Message       string                 `json:"message"`
	Artifacts     map[string]interface{} `json:"artifacts,omitempty"`
	BlockedReason string                 `json:"blockedReason,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
}

// Task represents a unit of delegated work
type Task struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title,omitempty"`
	Prompt         string                 `json:"prompt"`
	Priority       TaskPriority           `json:"priority"`
	Status         TaskStatus             `json:"status"`
	From           TaskOrigin             `json:"from"`
	To             TaskTarget             `json:"to"`
	AssignedTo     string                 `json:"assignedTo,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Response       *TaskResponse          `json:"response,omitempty"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Messages       []TaskMessage          `json:"messages,omitempty"`
	History        []StatusChange         `json:"history,omitempty"`
	RetryCount     int                    `json:"retryCount"`
	CreatedAt      int64                  `json:"createdAt"`
	UpdatedAt      int64                  `json:"updatedAt"`
	CompletedAt    *int64                 `json:"completedAt,omitempty"`
	LastProgressAt *int64                 `json:"lastProgressAt,omitempty"`
}

// ReviewComment is reviewer feedback attached to a task
type ReviewComment struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	Author     string `json:"author,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Comment    string `json:"comment"`
	Resolved   bool   `json:"resolved"`
	Response   string `json:"response,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	ResolvedAt *int64 `json:"resolvedAt,omitempty"`
}

// ReviewVerdict is the outcome of a review submission
type ReviewVerdict string

const (
	ReviewVerdictApproved ReviewVerdict = "APPROVED"
	ReviewVerdictRejected ReviewVerdict = "REJECTED"
)

// ProgressUpdate is a liveness report from an agent working a task
type ProgressUpdate struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"taskId"`
	AgentID    string `json:"agentId"`
	Phase      string `json:"phase,omitempty"`
	Message    string `json:"message"`
	Percentage *int   `json:"percentage,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
