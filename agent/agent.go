// Package agent wires the subsystems together and reconciles resolved
// component sets against the running workers: unchanged components
// survive, cosmetically changed ones update in place, structurally changed
// ones are stopped and restarted, removed ones are torn down.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/config"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/httpclient"
	"github.com/blheatwole/f5-telemetry-streaming/kvstore"
	"github.com/blheatwole/f5-telemetry-streaming/listener"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
	"github.com/blheatwole/f5-telemetry-streaming/pipeline"
	"github.com/blheatwole/f5-telemetry-streaming/poller"
	"github.com/blheatwole/f5-telemetry-streaming/receiver"
	"github.com/blheatwole/f5-telemetry-streaming/tracer"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// Options configures an Agent.
type Options struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
	Vault   vault.Vault
	Store   kvstore.Store
	// LogLevel is the dynamic level Controls.logLevel adjusts.
	LogLevel *slog.LevelVar
	// TraceBaseDir overrides /var/tmp/telemetry (tests).
	TraceBaseDir string
}

// listenerState tracks one running listener.
type listenerState struct {
	listener   *listener.Listener
	hash       string
	socketHash string
	port       int
}

// pollerState tracks one poller (scheduled or pull-mode).
type pollerState struct {
	poller *poller.Poller
	hash   string
	pull   bool
}

// Agent owns the data-plane workers and applies declaration changes.
type Agent struct {
	logger   *slog.Logger
	metrics  *metric.Registry
	vault    vault.Vault
	logLevel *slog.LevelVar
	traceDir string

	worker    *config.Worker
	receivers *receiver.Manager
	consumers *consumer.Registry
	pipe      *pipeline.Pipeline
	pool      *httpclient.Pool

	mu        sync.Mutex
	runCtx    context.Context
	listeners map[string]*listenerState
	pollers   map[string]*pollerState
	conHashes map[string]string
	groups    map[string]component.PollerGroupSpec
	pullTypes map[string]string // pull consumer id -> type
	controls  component.ControlsSpec

	changeEvents <-chan config.Event
	shutdown     chan struct{}
	done         chan struct{}
}

// New creates an agent and its config worker.
func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "store validation")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := opts.Vault
	if v == nil {
		v = vault.Plain{}
	}

	consumers := consumer.NewRegistry()
	a := &Agent{
		logger:    logger,
		metrics:   opts.Metrics,
		vault:     v,
		logLevel:  opts.LogLevel,
		traceDir:  opts.TraceBaseDir,
		worker:    config.NewWorker(opts.Store, logger),
		receivers: receiver.NewManager(logger, opts.Metrics),
		consumers: consumers,
		pipe:      pipeline.New(consumers, logger, opts.Metrics),
		pool:      httpclient.NewPool(),
		listeners: make(map[string]*listenerState),
		pollers:   make(map[string]*pollerState),
		conHashes: make(map[string]string),
		groups:    make(map[string]component.PollerGroupSpec),
		pullTypes: make(map[string]string),
	}
	return a, nil
}

// Worker exposes the config worker (the control-plane surface).
func (a *Agent) Worker() *config.Worker {
	return a.worker
}

// Pipeline exposes the data pipeline (used by the debug endpoint).
func (a *Agent) Pipeline() *pipeline.Pipeline {
	return a.pipe
}

// Start loads the stored declaration and begins reacting to change
// events.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx != nil {
		a.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Agent", "Start", "state check")
	}
	a.runCtx = ctx
	a.shutdown = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	events, err := a.worker.Events().Subscribe(config.EventChange)
	if err != nil {
		return errors.Wrap(err, "Agent", "Start", "subscribe change events")
	}
	a.changeEvents = events

	go a.watchChanges(ctx)

	if err := a.worker.Load(ctx); err != nil {
		// Load already fell back to an empty declaration; a hard error
		// here means even the fallback failed.
		return errors.Wrap(err, "Agent", "Start", "load stored declaration")
	}
	return nil
}

// watchChanges applies every change event until shutdown.
func (a *Agent) watchChanges(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case event := <-a.changeEvents:
			if event.Set == nil {
				continue
			}
			a.Apply(ctx, event.Set)
		}
	}
}

// Stop tears the data plane down.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.shutdown != nil {
		select {
		case <-a.shutdown:
		default:
			close(a.shutdown)
		}
	}
	pollers := a.pollers
	a.pollers = make(map[string]*pollerState)
	a.listeners = make(map[string]*listenerState)
	a.mu.Unlock()

	for _, state := range pollers {
		state.poller.Stop()
	}
	a.receivers.Close()
	a.consumers.Close()
	a.pool.CloseIdle()
	if a.done != nil {
		<-a.done
	}
}

// Controls returns the active global controls.
func (a *Agent) Controls() component.ControlsSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controls
}

// tracerFor builds the output tracer for a component, honoring the trace
// base dir override.
func (a *Agent) tracerFor(comp *component.Component) *tracer.Tracer {
	for _, ts := range comp.Trace {
		if !ts.Enable || ts.Type == "input" {
			continue
		}
		path := ts.Path
		if a.traceDir != "" {
			path = tracer.Path(a.traceDir, comp.Class, comp.ID)
		}
		return tracer.New(path, ts.MaxRecords)
	}
	return nil
}
