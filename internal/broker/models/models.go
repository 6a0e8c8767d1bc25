// Package models defines the storage-facing entities of the broker.
package models

import (
	"strings"
	"time"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// NowMs returns the current time as Unix milliseconds, the timestamp unit
// used across persistence and the wire surface.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// DisplayNameKey normalizes a display name for case-insensitive uniqueness.
func DisplayNameKey(displayName string) string {
	return strings.ToLower(strings.TrimSpace(displayName))
}

// TaskHistoryFilter narrows task history queries.
type TaskHistoryFilter struct {
	Status  v1.TaskStatus // optional
	AgentID string        // optional, matches assigned_to
	Query   string        // optional, matches prompt or title
	Limit   int
	Offset  int
}

// Agent represents a registered agent in the database
type Agent struct {
	ID                string               `json:"id"`
	DisplayName       string               `json:"displayName"`
	Role              string               `json:"role,omitempty"`
	Capabilities      []v1.Capability      `json:"capabilities"`
	WorkspaceContext  *v1.WorkspaceContext `json:"workspaceContext,omitempty"`
	Source            v1.AgentSource       `json:"source"`
	Color             string               `json:"color"`
	CreatedAt         int64                `json:"createdAt"`
	LastSeen          int64                `json:"lastSeen"`
	EvictionRequested bool                 `json:"evictionRequested,omitempty"`
	EvictionReason    string               `json:"evictionReason,omitempty"`
	EvictionAction    v1.EvictionAction    `json:"evictionAction,omitempty"`
}

// HasCapability reports whether the agent advertises the capability.
func (a *Agent) HasCapability(c v1.Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CoversCapabilities reports whether the agent advertises every required
// capability.
func (a *Agent) CoversCapabilities(required []v1.Capability) bool {
	for _, want := range required {
		if !a.HasCapability(want) {
			return false
		}
	}
	return true
}

// PendingEviction returns the pending eviction, or nil when none is set.
func (a *Agent) PendingEviction() *v1.Eviction {
	if !a.EvictionRequested {
		return nil
	}
	return &v1.Eviction{
		Requested: true,
		Reason:    a.EvictionReason,
		Action:    a.EvictionAction,
	}
}

// ToAPI converts the internal Agent to its API type
func (a *Agent) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:               a.ID,
		DisplayName:      a.DisplayName,
		Role:             a.Role,
		Capabilities:     a.Capabilities,
		WorkspaceContext: a.WorkspaceContext,
		Source:           a.Source,
		Color:            a.Color,
		CreatedAt:        a.CreatedAt,
		LastSeen:         a.LastSeen,
		Eviction:         a.PendingEviction(),
	}
}

// Task represents a task in the database
type Task struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title,omitempty"`
	Prompt         string                 `json:"prompt"`
	Priority       v1.TaskPriority        `json:"priority"`
	Status         v1.TaskStatus          `json:"status"`
	From           v1.TaskOrigin          `json:"from"`
	To             v1.TaskTarget          `json:"to"`
	AssignedTo     string                 `json:"assignedTo,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Response       *v1.TaskResponse       `json:"response,omitempty"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Messages       []v1.TaskMessage       `json:"messages,omitempty"`
	History        []v1.StatusChange      `json:"history,omitempty"`
	RetryCount     int                    `json:"retryCount"`
	CreatedAt      int64                  `json:"createdAt"`
	UpdatedAt      int64                  `json:"updatedAt"`
	CompletedAt    *int64                 `json:"completedAt,omitempty"`
	LastProgressAt *int64                 `json:"lastProgressAt,omitempty"`
}

// ToAPI converts the internal Task to its API type
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:             t.ID,
		Title:          t.Title,
		Prompt:         t.Prompt,
		Priority:       t.Priority,
		Status:         t.Status,
		From:           t.From,
		To:             t.To,
		AssignedTo:     t.AssignedTo,
		Context:        t.Context,
		Response:       t.Response,
		Dependencies:   t.Dependencies,
		Messages:       t.Messages,
		History:        t.History,
		RetryCount:     t.RetryCount,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
		LastProgressAt: t.LastProgressAt,
	}
}

// ReviewComment represents reviewer feedback stored against a task
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

// ToAPI converts the internal ReviewComment to its API type
func (c *ReviewComment) ToAPI() *v1.ReviewComment {
	return &v1.ReviewComment{
		ID:         c.ID,
		TaskID:     c.TaskID,
		Author:     c.Author,
		File:       c.File,
		Line:       c.Line,
		Comment:    c.Comment,
		Resolved:   c.Resolved,
		Response:   c.Response,
		CreatedAt:  c.CreatedAt,
		ResolvedAt: c.ResolvedAt,
	}
}

// Progress represents one liveness report from an agent
type Progress struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"taskId"`
	AgentID    string `json:"agentId"`
	Phase      string `json:"phase,omitempty"`
	Message    string `json:"message"`
	Percentage *int   `json:"percentage,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ToAPI converts the internal Progress to its API type
func (p *Progress) ToAPI() *v1.ProgressUpdate {
	return &v1.ProgressUpdate{
		ID:         p.ID,
		TaskID:     p.TaskID,
		AgentID:    p.AgentID,
		Phase:      p.Phase,
		Message:    p.Message,
		Percentage: p.Percentage,
		Timestamp:  p.Timestamp,
	}
}
