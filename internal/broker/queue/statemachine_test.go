package queue

import (
	"testing"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func TestCanTransition_LegalPaths(t *testing.T) {
	legal := []struct {
		from, to v1.TaskStatus
	}{
		{v1.TaskStatusQueued, v1.TaskStatusPendingAck},
		{v1.TaskStatusQueued, v1.TaskStatusCancelled},
		{v1.TaskStatusPendingAck, v1.TaskStatusAssigned},
		{v1.TaskStatusPendingAck, v1.TaskStatusQueued},
		{v1.TaskStatusAssigned, v1.TaskStatusInProgress},
		{v1.TaskStatusAssigned, v1.TaskStatusInReview},
		{v1.TaskStatusInProgress, v1.TaskStatusCompleted},
		{v1.TaskStatusInProgress, v1.TaskStatusBlocked},
		{v1.TaskStatusBlocked, v1.TaskStatusQueued},
		{v1.TaskStatusBlocked, v1.TaskStatusFailed},
		{v1.TaskStatusInReview, v1.TaskStatusApprovedQueued},
		{v1.TaskStatusInReview, v1.TaskStatusRejected},
		{v1.TaskStatusRejected, v1.TaskStatusQueued},
		{v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck},
		{v1.TaskStatusApprovedPendingAck, v1.TaskStatusInProgress},
		{v1.TaskStatusApprovedPendingAck, v1.TaskStatusApprovedQueued},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}
}

func TestCanTransition_IllegalPaths(t *testing.T) {
	illegal := []struct {
		from, to v1.TaskStatus
	}{
		{v1.TaskStatusQueued, v1.TaskStatusAssigned},
		{v1.TaskStatusQueued, v1.TaskStatusCompleted},
		{v1.TaskStatusPendingAck, v1.TaskStatusInProgress},
		{v1.TaskStatusAssigned, v1.TaskStatusQueued},
		{v1.TaskStatusInProgress, v1.TaskStatusAssigned},
		{v1.TaskStatusInReview, v1.TaskStatusCompleted},
		{v1.TaskStatusRejected, v1.TaskStatusInReview},
		{v1.TaskStatusApprovedQueued, v1.TaskStatusPendingAck},
		{v1.TaskStatusApprovedPendingAck, v1.TaskStatusAssigned},
		{v1.TaskStatusBlocked, v1.TaskStatusInProgress},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestCanTransition_TerminalStatusesHaveNoExit(t *testing.T) {
	terminals := []v1.TaskStatus{
		v1.TaskStatusCompleted,
		v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	}
	all := []v1.TaskStatus{
		v1.TaskStatusQueued, v1.TaskStatusPendingAck, v1.TaskStatusAssigned,
		v1.TaskStatusInProgress, v1.TaskStatusBlocked, v1.TaskStatusInReview,
		v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck,
		v1.TaskStatusRejected, v1.TaskStatusCompleted, v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestKeepsAssignee(t *testing.T) {
	keeps := []v1.TaskStatus{
		v1.TaskStatusPendingAck,
		v1.TaskStatusAssigned,
		v1.TaskStatusInProgress,
		v1.TaskStatusApprovedQueued,
		v1.TaskStatusApprovedPendingAck,
	}
	drops := []v1.TaskStatus{
		v1.TaskStatusQueued,
		v1.TaskStatusBlocked,
		v1.TaskStatusInReview,
		v1.TaskStatusRejected,
		v1.TaskStatusCompleted,
		v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	}
	for _, status := range keeps {
		if !keepsAssignee(status) {
			t.Errorf("expected %s to keep the assignee", status)
		}
	}
	for _, status := range drops {
		if keepsAssignee(status) {
			t.Errorf("expected %s to drop the assignee", status)
		}
	}
}

func TestHoldsReservation(t *testing.T) {
	if !holdsReservation(v1.TaskStatusPendingAck) {
		t.Error("PENDING_ACK should hold a reservation")
	}
	if !holdsReservation(v1.TaskStatusApprovedPendingAck) {
		t.Error("APPROVED_PENDING_ACK should hold a reservation")
	}
	for _, status := range []v1.TaskStatus{
		v1.TaskStatusQueued, v1.TaskStatusAssigned, v1.TaskStatusInProgress,
		v1.TaskStatusApprovedQueued, v1.TaskStatusCompleted,
	} {
		if holdsReservation(status) {
			t.Errorf("%s should not hold a reservation", status)
		}
	}
}
