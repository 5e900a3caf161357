// Package consumer holds the active consumer handles and the isolation
// layer around their dispatch: a slow or failing consumer can never stall
// another or propagate an error into the pipeline.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blheatwole/f5-telemetry-streaming/action"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/tracer"
)

// queueCapacity bounds each consumer's pending dispatches. Overflow drops
// the newest record with a warning rather than blocking producers.
const queueCapacity = 1000

// dispatchTimeout bounds one consumer invocation.
const dispatchTimeout = 60 * time.Second

// Context is the invocation contract handed to a consumer on dispatch.
type Context struct {
	Event    *message.Record
	Config   map[string]any
	Tracer   *tracer.Tracer
	Logger   *slog.Logger
	Metadata map[string]any
}

// Consumer is a destination for records.
type Consumer interface {
	// Type reports the declaration consumer type.
	Type() string
	// Dispatch delivers one record. Errors are logged by the registry and
	// never propagated further.
	Dispatch(ctx context.Context, c *Context) error
}

// Closer is implemented by consumers holding connections.
type Closer interface {
	Close() error
}

// Filter gates records before a consumer's actions run.
type Filter func(*message.Record) bool

// Handle is one active consumer: its implementation, config, filter,
// actions and a dedicated ordered dispatch queue.
type Handle struct {
	ID       string
	Enabled  bool
	Config   map[string]any
	Metadata map[string]any

	consumer Consumer
	filter   Filter
	actions  *action.Processor
	tracer   *tracer.Tracer
	logger   *slog.Logger

	queue    chan *message.Record
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
	started  atomic.Bool
}

// HandleConfig wires a Handle.
type HandleConfig struct {
	ID       string
	Enabled  bool
	Consumer Consumer
	Config   map[string]any
	Metadata map[string]any
	Filter   Filter
	Actions  []action.Spec
	Tracer   *tracer.Tracer
	Logger   *slog.Logger
}

// NewHandle builds an active consumer handle. Its worker starts on first
// enqueue.
func NewHandle(cfg HandleConfig) (*Handle, error) {
	if cfg.ID == "" || cfg.Consumer == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Consumer", "NewHandle", "handle validation")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "consumer", "id", cfg.ID, "type", cfg.Consumer.Type())

	return &Handle{
		ID:       cfg.ID,
		Enabled:  cfg.Enabled,
		Config:   cfg.Config,
		Metadata: cfg.Metadata,
		consumer: cfg.Consumer,
		filter:   cfg.Filter,
		actions:  action.NewProcessor(cfg.Actions, logger),
		tracer:   cfg.Tracer,
		logger:   logger,
		queue:    make(chan *message.Record, queueCapacity),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Enqueue queues one record for ordered dispatch. Returns false when the
// consumer is disabled, the record is filtered out, or the queue is full.
func (h *Handle) Enqueue(record *message.Record) bool {
	if !h.Enabled {
		return false
	}
	if h.filter != nil && !h.filter(record) {
		return false
	}

	h.once.Do(func() {
		h.started.Store(true)
		go h.worker()
	})

	select {
	case h.queue <- record:
		return true
	default:
		h.logger.Warn("consumer queue full, dropping record",
			"category", record.TelemetryEventCategory)
		return false
	}
}

// worker serializes dispatches so a sender's records reach the consumer in
// arrival order.
func (h *Handle) worker() {
	defer close(h.done)
	for {
		select {
		case record := <-h.queue:
			h.dispatchOne(record)
		case <-h.shutdown:
			// Drain what is already queued, then exit.
			for {
				select {
				case record := <-h.queue:
					h.dispatchOne(record)
				default:
					return
				}
			}
		}
	}
}

// dispatchOne applies the consumer's actions and invokes it, swallowing
// panics and errors.
func (h *Handle) dispatchOne(record *message.Record) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("consumer panicked during dispatch", "panic", fmt.Sprintf("%v", r))
		}
	}()

	h.actions.Apply(record)

	if h.tracer != nil {
		view := map[string]any{
			"telemetryEventCategory": record.TelemetryEventCategory,
			"sourceId":               record.SourceID,
			"data":                   map[string]any(record.Data),
		}
		if err := h.tracer.Write(view); err != nil {
			h.logger.Warn("consumer trace write failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	err := h.consumer.Dispatch(ctx, &Context{
		Event:    record,
		Config:   h.Config,
		Tracer:   h.tracer,
		Logger:   h.logger,
		Metadata: h.Metadata,
	})
	if err != nil {
		h.logger.Error("consumer dispatch failed", "error", err)
	}
}

// Close stops the worker after draining the queue and releases consumer
// connections.
func (h *Handle) Close() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}

	if h.started.Load() {
		select {
		case <-h.done:
		case <-time.After(dispatchTimeout):
			h.logger.Warn("consumer close timed out")
		}
	}

	if closer, ok := h.consumer.(Closer); ok {
		if err := closer.Close(); err != nil {
			h.logger.Warn("consumer close failed", "error", err)
		}
	}
}

// Registry holds the active consumer handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Set installs (or replaces) a handle. The previous handle, if any, is
// closed.
func (r *Registry) Set(handle *Handle) {
	r.mu.Lock()
	previous := r.handles[handle.ID]
	r.handles[handle.ID] = handle
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
}

// Remove tears a handle down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	handle := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// Get returns a handle by id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.handles[id]
	return handle, ok
}

// IDs lists registered handle ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}

// Close tears every handle down.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for id, handle := range r.handles {
		handles = append(handles, handle)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.Close()
	}
}
