package events

import (
	"context"
	"sync/atomic"

	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Emitter publishes events with a strictly increasing per-process sequence
// number so consumers can order events and detect gaps. The counter restarts
// at 1 when the process restarts.
type Emitter struct {
	bus    bus.EventBus
	source string
	seq    atomic.Uint64
}

// NewEmitter creates an emitter that publishes on the given bus. The source
// is recorded on every event it produces.
func NewEmitter(eventBus bus.EventBus, source string) *Emitter {
	return &Emitter{
		bus:    eventBus,
		source: source,
	}
}

// Emit stamps the next sequence number on the event and publishes it.
func (e *Emitter) Emit(ctx context.Context, subject string, event *bus.Event) error {
	event.Seq = e.seq.Add(1)
	return e.bus.Publish(ctx, subject, event)
}

// EmitData builds an event of the given type and emits it.
func (e *Emitter) EmitData(ctx context.Context, subject, eventType string, data map[string]interface{}) error {
	return e.Emit(ctx, subject, bus.NewEvent(eventType, e.source, data))
}

// Bus returns the underlying event bus for subscriptions.
func (e *Emitter) Bus() bus.EventBus {
	return e.bus
}
