package queue

import v1 "github.com/dispatchd/dispatchd/pkg/api/v1"

// allowedTransitions encodes the task lifecycle. Terminal statuses have no
// outgoing edges. ForceRetry is the one escape hatch that bypasses this table.
var allowedTransitions = map[v1.TaskStatus]map[v1.TaskStatus]bool{
	v1.TaskStatusQueued: {
		v1.TaskStatusPendingAck: true,
		v1.TaskStatusCancelled:  true,
	},
	v1.TaskStatusPendingAck: {
		v1.TaskStatusAssigned: true, // ack
		v1.TaskStatusQueued:   true, // ack timeout / retry
	},
	v1.TaskStatusAssigned: {
		v1.TaskStatusInProgress: true,
		v1.TaskStatusBlocked:    true,
		v1.TaskStatusInReview:   true,
		v1.TaskStatusFailed:     true,
		v1.TaskStatusCancelled:  true,
	},
	v1.TaskStatusInProgress: {
		v1.TaskStatusBlocked:   true,
		v1.TaskStatusInReview:  true,
		v1.TaskStatusCompleted: true,
		v1.TaskStatusFailed:    true,
		v1.TaskStatusCancelled: true,
	},
	v1.TaskStatusBlocked: {
		v1.TaskStatusQueued:    true, // answered
		v1.TaskStatusCancelled: true,
		v1.TaskStatusFailed:    true,
	},
	v1.TaskStatusInReview: {
		v1.TaskStatusApprovedQueued: true,
		v1.TaskStatusRejected:       true,
		v1.TaskStatusCancelled:      true,
	},
	v1.TaskStatusRejected: {
		v1.TaskStatusQueued: true, // automatic, next scheduler tick
	},
	v1.TaskStatusApprovedQueued: {
		v1.TaskStatusApprovedPendingAck: true,
		v1.TaskStatusCancelled:          true,
	},
	v1.TaskStatusApprovedPendingAck: {
		v1.TaskStatusInProgress:     true, // ack
		v1.TaskStatusApprovedQueued: true, // ack timeout
	},
}

// CanTransition reports whether the lifecycle allows moving a task from one
// status to another.
func CanTransition(from, to v1.TaskStatus) bool {
	return allowedTransitions[from][to]
}

// keepsAssignee reports whether a task in this status retains its assignedTo.
func keepsAssignee(status v1.TaskStatus) bool {
	switch status {
	case v1.TaskStatusPendingAck, v1.TaskStatusAssigned, v1.TaskStatusInProgress,
		v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck:
		return true
	}
	return false
}

// holdsReservation reports whether a task in this status is backed by a
// reservation row.
func holdsReservation(status v1.TaskStatus) bool {
	return status == v1.TaskStatusPendingAck || status == v1.TaskStatusApprovedPendingAck
}
