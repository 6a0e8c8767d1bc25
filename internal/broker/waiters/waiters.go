// Package waiters tracks agents currently suspended in a long poll.
// The table is in-memory only; waiter entries are transient and derivable
// from connected agents, so nothing here touches persistence.
package waiters

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Signal is delivered to a suspended waiter exactly once. A zero Signal is
// the null wake used on shutdown.
type Signal struct {
	Task       *models.Task
	Eviction   *v1.EvictionSignal
	Superseded bool
}

// Waiter is one agent suspended inside a long poll. Each waiter owns a
// buffered channel so delivery never blocks the sender.
type Waiter struct {
	AgentID          string
	Capabilities     []v1.Capability
	WorkspaceContext *v1.WorkspaceContext
	WaitingSince     time.Time

	ch   chan Signal
	once sync.Once
}

func newWaiter(agentID string, capabilities []v1.Capability, workspace *v1.WorkspaceContext) *Waiter {
	return &Waiter{
		AgentID:          agentID,
		Capabilities:     capabilities,
		WorkspaceContext: workspace,
		WaitingSince:     time.Now(),
		ch:               make(chan Signal, 1),
	}
}

// Deliver hands the signal to the waiter. Only the first delivery wins;
// later calls report false so the caller can pick another waiter.
func (w *Waiter) Deliver(sig Signal) bool {
	delivered := false
	w.once.Do(func() {
		w.ch <- sig
		delivered = true
	})
	return delivered
}

// Chan exposes the signal channel for select loops.
func (w *Waiter) Chan() <-chan Signal {
	return w.ch
}

// Table maps agentID to its single active waiter.
type Table struct {
	mu      sync.RWMutex
	waiters map[string]*Waiter
	logger  *logger.Logger
}

// NewTable creates an empty waiter table.
func NewTable(log *logger.Logger) *Table {
	return &Table{
		waiters: make(map[string]*Waiter),
		logger:  log.WithFields(zap.String("component", "waiter-table")),
	}
}

// Add registers a waiter for the agent. Any prior waiter for the same agent
// is removed and woken with a superseded signal.
func (t *Table) Add(agentID string, capabilities []v1.Capability, workspace *v1.WorkspaceContext) *Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, exists := t.waiters[agentID]; exists {
		prior.Deliver(Signal{Superseded: true})
		t.logger.Info("waiter superseded", zap.String("agent_id", agentID))
	}

	w := newWaiter(agentID, capabilities, workspace)
	t.waiters[agentID] = w
	t.logger.Debug("waiter registered",
		zap.String("agent_id", agentID),
		zap.Int("waiting", len(t.waiters)))
	return w
}

// Remove drops the waiter if it is still the live entry for its agent. A
// superseding waiter registered since is left untouched.
func (t *Table) Remove(w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, exists := t.waiters[w.AgentID]; exists && current == w {
		delete(t.waiters, w.AgentID)
	}
}

// TakeIf removes the waiter when it is still the live entry for its agent
// and reports whether it was taken. Callers deliver the signal after a
// successful take.
func (t *Table) TakeIf(w *Waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, exists := t.waiters[w.AgentID]
	if !exists || current != w {
		return false
	}
	delete(t.waiters, w.AgentID)
	return true
}

// Wake removes the agent's waiter and delivers the signal to it. Returns
// false when the agent is not waiting or the waiter was already signalled.
func (t *Table) Wake(agentID string, sig Signal) bool {
	t.mu.Lock()
	w, exists := t.waiters[agentID]
	if exists {
		delete(t.waiters, agentID)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}
	return w.Deliver(sig)
}

// Contains reports whether the agent currently has a live waiter.
func (t *Table) Contains(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.waiters[agentID]
	return exists
}

// Snapshot returns the current waiters in no particular order.
func (t *Table) Snapshot() []*Waiter {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		out = append(out, w)
	}
	return out
}

// Len returns the number of live waiters.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.waiters)
}

// Shutdown wakes every waiter with the null signal and empties the table.
func (t *Table) Shutdown() {
	t.mu.Lock()
	waiting := t.waiters
	t.waiters = make(map[string]*Waiter)
	t.mu.Unlock()

	for _, w := range waiting {
		w.Deliver(Signal{})
	}
	if len(waiting) > 0 {
		t.logger.Info("woke all waiters for shutdown", zap.Int("count", len(waiting)))
	}
}
