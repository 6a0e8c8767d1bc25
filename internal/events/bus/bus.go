// Package bus abstracts the event transport. The broker publishes to NATS
// when configured and to an in-process bus otherwise; both speak the same
// dot-separated subject grammar so subscribers do not care which is active.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Seq is stamped by the emitter before
// publish: strictly increasing within one process, reset on restart, used by
// external consumers for gap detection.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh id and UTC timestamp. Seq stays zero
// until an emitter stamps it.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus and
// does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be torn down independently of
// the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract shared by the NATS and in-memory
// implementations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. Patterns follow
	// NATS grammar: "*" matches one token, ">" matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a named group; each event goes
	// to one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a reply, up to the timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close tears down the transport. Publishing after Close is an error.
	Close()

	// IsConnected reports whether the transport can currently deliver.
	IsConnected() bool
}
