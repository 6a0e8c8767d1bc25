package queue

import (
	"sync"
	"time"
)

// Reservation pins a task to an agent between matching and ack. Reservations
// are transient; a restart drops them and the ack-timeout sweep requeues the
// affected tasks.
type Reservation struct {
	TaskID     string
	AgentID    string
	ReservedAt time.Time
}

// reservationTable enforces one reservation per task and one per agent.
type reservationTable struct {
	mu      sync.Mutex
	byTask  map[string]*Reservation
	byAgent map[string]*Reservation
}

func newReservationTable() *reservationTable {
	return &reservationTable{
		byTask:  make(map[string]*Reservation),
		byAgent: make(map[string]*Reservation),
	}
}

// reserve records a reservation. Returns false when the task or the agent is
// already reserved.
func (r *reservationTable) reserve(taskID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byTask[taskID]; taken {
		return false
	}
	if _, taken := r.byAgent[agentID]; taken {
		return false
	}
	res := &Reservation{TaskID: taskID, AgentID: agentID, ReservedAt: time.Now()}
	r.byTask[taskID] = res
	r.byAgent[agentID] = res
	return true
}

// release drops the reservation for a task, if any.
func (r *reservationTable) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, exists := r.byTask[taskID]; exists {
		delete(r.byTask, taskID)
		delete(r.byAgent, res.AgentID)
	}
}

// forTask returns the reservation pinned to a task, or nil.
func (r *reservationTable) forTask(taskID string) *Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTask[taskID]
}

// hasAgent reports whether the agent currently holds a reservation.
func (r *reservationTable) hasAgent(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.byAgent[agentID]
	return taken
}

// agentIDs returns every agent currently holding a reservation.
func (r *reservationTable) agentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		ids = append(ids, id)
	}
	return ids
}

// olderThan returns reservations made before the cutoff.
func (r *reservationTable) olderThan(cutoff time.Time) []*Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Reservation
	for _, res := range r.byTask {
		if res.ReservedAt.Before(cutoff) {
			stale = append(stale, res)
		}
	}
	return stale
}
