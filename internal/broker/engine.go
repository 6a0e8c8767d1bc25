// Package broker wires the agent registry, task queue, matcher, and
// background scheduler into one engine. The engine owns their lifecycle;
// the tool surface and ops API talk to the services it exposes.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/dispatchd/dispatchd/internal/broker/queue"
	"github.com/dispatchd/dispatchd/internal/broker/registry"
	"github.com/dispatchd/dispatchd/internal/broker/repository"
	"github.com/dispatchd/dispatchd/internal/broker/scheduler"
	"github.com/dispatchd/dispatchd/internal/broker/waiters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Common errors
var (
	ErrEngineAlreadyRunning = errors.New("engine is already running")
	ErrEngineNotRunning     = errors.New("engine is not running")
)

// Engine composes the broker services over shared storage, waiter table,
// and event bus.
type Engine struct {
	repo      repository.Repository
	bus       bus.EventBus
	emitter   *events.Emitter
	waiting   *waiters.Table
	registry  *registry.Service
	queue     *queue.Service
	scheduler *scheduler.Service
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewEngine builds the broker. The caller keeps ownership of the repository;
// the engine takes ownership of the bus and closes it on shutdown.
func NewEngine(cfg *config.Config, repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Engine {
	emitter := events.NewEmitter(eventBus, "broker")
	waiting := waiters.NewTable(log)
	reg := registry.NewService(repo, waiting, emitter, cfg.Registry, log)
	q := queue.NewService(repo, waiting, reg, emitter, cfg.Queue, log)
	sched := scheduler.NewService(q, reg, repo, waiting, emitter, cfg.Scheduler, cfg.Registry, log)

	return &Engine{
		repo:      repo,
		bus:       eventBus,
		emitter:   emitter,
		waiting:   waiting,
		registry:  reg,
		queue:     q,
		scheduler: sched,
		logger:    log,
	}
}

// Start launches the background scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineAlreadyRunning
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.running = true
	e.logger.Info("broker engine started")
	return nil
}

// Shutdown stops the scheduler at its next tick boundary, wakes every
// parked long poll empty, and closes the event sink.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrEngineNotRunning
	}
	e.running = false

	if err := e.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		e.logger.WithError(err).Warn("scheduler stop failed")
	}
	e.waiting.Shutdown()
	e.bus.Close()
	e.logger.Info("broker engine stopped")
	return nil
}

// Registry returns the agent registry service.
func (e *Engine) Registry() *registry.Service {
	return e.registry
}

// Queue returns the task queue service.
func (e *Engine) Queue() *queue.Service {
	return e.queue
}

// Scheduler returns the background scheduler.
func (e *Engine) Scheduler() *scheduler.Service {
	return e.scheduler
}

// Waiting returns the long-poll waiter table.
func (e *Engine) Waiting() *waiters.Table {
	return e.waiting
}

// Emitter returns the event emitter shared by the broker services.
func (e *Engine) Emitter() *events.Emitter {
	return e.emitter
}

// Repository returns the underlying storage.
func (e *Engine) Repository() repository.Repository {
	return e.repo
}
