// Package constants carries the protocol timing defaults shared across the broker.
package constants

import "time"

// Recovery timeouts. Config values override the scheduler and registry
// entries; these are the defaults.
const (
	// SchedulerInterval is the default delay between scheduler sweeps.
	SchedulerInterval = 10 * time.Second

	// AckTimeout is the maximum time a reservation may sit unacknowledged
	// before the task is requeued.
	AckTimeout = 30 * time.Second

	// AssignedTimeout is the maximum time an in-progress task may go without
	// progress before it is requeued to another agent.
	AssignedTimeout = 15 * time.Minute

	// OrphanTimeout is the maximum agent silence before its assigned tasks
	// are requeued.
	OrphanTimeout = 5 * time.Minute

	// OfflineThreshold is the agent silence after which the agent is reported
	// OFFLINE and becomes eligible for registry cleanup.
	OfflineThreshold = 10 * time.Minute

	// HeartbeatDebounce bounds lastSeen write amplification: at most one
	// persisted heartbeat per agent per window.
	HeartbeatDebounce = 10 * time.Second
)

// Long-poll bounds in seconds, as exposed on the tool surface.
const (
	// DefaultPromptTimeoutSecs is the wait_for_prompt timeout applied when the
	// caller omits one or exceeds the cap.
	DefaultPromptTimeoutSecs = 290

	// MaxPromptTimeoutSecs caps wait_for_prompt so intermediaries with 300 s
	// request limits never sever an in-flight poll.
	MaxPromptTimeoutSecs = 300

	// MinPromptTimeoutSecs is the floor applied to wait_for_prompt timeouts.
	MinPromptTimeoutSecs = 1

	// DefaultCompletionTimeoutSecs is the wait_for_task default.
	DefaultCompletionTimeoutSecs = 300
)
