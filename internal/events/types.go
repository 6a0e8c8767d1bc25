// Package events provides event subjects and payload types for the dispatchd event system.
package events

// Agent lifecycle subjects
const (
	AgentRegistered    = "agent.registered"
	AgentStatusChanged = "agent.status"
	AgentEvicted       = "agent.evicted"
)

// Task lifecycle subjects
const (
	TaskCreated    = "task.created"
	TaskUpdated    = "task.updated"
	TaskCompletion = "task.completion" // Base subject for per-task completion notifications
	TaskDeleted    = "task.deleted"
	TaskRetried    = "task.retry"
	TaskStale      = "task.stale"
)

// Delegation and operator-visible activity subjects
const (
	Delegation = "delegation"
	Activity   = "activity"
)

// AgentStatusPayload is the data carried by agent.status events.
type AgentStatusPayload struct {
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// TaskCompletionPayload is the data carried by task.completion events.
type TaskCompletionPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// DelegationPayload is the data carried by delegation events.
type DelegationPayload struct {
	TaskID        string `json:"taskId"`
	SourceAgentID string `json:"sourceAgentId"`
	TargetAgentID string `json:"targetAgentId,omitempty"`
	Prompt        string `json:"prompt"`
	Priority      string `json:"priority"`
	CreatedAt     int64  `json:"createdAt"`
}

// ActivityPayload is the data carried by activity events.
type ActivityPayload struct {
	Category string                 `json:"category"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BuildTaskCompletionSubject creates a completion subject for a specific task
func BuildTaskCompletionSubject(taskID string) string {
	return TaskCompletion + "." + taskID
}

// BuildTaskCompletionWildcardSubject creates a wildcard subscription for all completion events
func BuildTaskCompletionWildcardSubject() string {
	return TaskCompletion + ".*"
}

// BuildDelegationSubject creates a delegation subject for a specific target agent
func BuildDelegationSubject(agentID string) string {
	return Delegation + "." + agentID
}

// BuildDelegationWildcardSubject creates a wildcard subscription for all delegation events
func BuildDelegationWildcardSubject() string {
	return Delegation + ".*"
}
