// Package listener implements logical event listeners: per-listener
// filtering, classification, parsing, tagging and dispatch of the frames a
// shared receiver delivers for their port.
package listener

import (
	"log/slog"
	"regexp"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blheatwole/f5-telemetry-streaming/action"
	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
	"github.com/blheatwole/f5-telemetry-streaming/receiver"
	"github.com/blheatwole/f5-telemetry-streaming/tracer"
)

// Sink receives the records a listener emits; the data pipeline implements
// it.
type Sink interface {
	Process(record *message.Record)
}

// Listener is one logical event listener bound to a port.
type Listener struct {
	id     string
	spec   component.ListenerSpec
	match  *regexp.Regexp
	proc   *action.Processor
	sink   Sink
	logger *slog.Logger

	inputTracer  *tracer.Tracer
	outputTracer *tracer.Tracer

	records prometheus.Counter
	dropped prometheus.Counter

	received atomic.Int64
}

// Config wires a listener's dependencies.
type Config struct {
	Component *component.Component
	Sink      Sink
	Logger    *slog.Logger
	Metrics   *metric.Registry
	// TraceBaseDir overrides the trace directory (tests).
	TraceBaseDir string
}

// New builds a listener from its resolved component.
func New(cfg Config) (*Listener, error) {
	comp := cfg.Component
	if comp == nil || comp.Listener == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Listener", "New", "component validation")
	}
	if cfg.Sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Listener", "New", "sink validation")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "listener", "id", comp.ID)

	l := &Listener{
		id:     comp.ID,
		spec:   *comp.Listener,
		proc:   action.NewProcessor(comp.Listener.Actions, logger),
		sink:   cfg.Sink,
		logger: logger,
	}

	if comp.Listener.Match != "" {
		re, err := regexp.Compile(comp.Listener.Match)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Listener", "New", "compile match pattern")
		}
		l.match = re
	}

	for _, ts := range comp.Trace {
		if !ts.Enable {
			continue
		}
		path := ts.Path
		if cfg.TraceBaseDir != "" {
			if ts.Type == "input" {
				path = tracer.InputPath(cfg.TraceBaseDir, comp.Class, comp.ID)
			} else {
				path = tracer.Path(cfg.TraceBaseDir, comp.Class, comp.ID)
			}
		}
		tr := tracer.New(path, ts.MaxRecords)
		if ts.Type == "input" {
			l.inputTracer = tr
		} else {
			l.outputTracer = tr
		}
	}

	if cfg.Metrics != nil {
		l.records = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "listener",
			Name:        "records_total",
			Help:        "Records emitted by this listener",
			ConstLabels: prometheus.Labels{"id": comp.ID},
		})
		l.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "listener",
			Name:        "frames_dropped_total",
			Help:        "Frames dropped by the match filter",
			ConstLabels: prometheus.Labels{"id": comp.ID},
		})
		_ = cfg.Metrics.Register("listener_"+comp.ID, "records", l.records)
		_ = cfg.Metrics.Register("listener_"+comp.ID, "dropped", l.dropped)
	}

	return l, nil
}

// ID returns the listener's component id.
func (l *Listener) ID() string {
	return l.id
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() int {
	return l.spec.Port
}

// Handle processes one framed datum from the port's receiver. It runs on
// the receiver's read path and must stay light.
func (l *Listener) Handle(raw receiver.RawData) {
	l.received.Add(1)

	if l.inputTracer != nil {
		if err := l.inputTracer.WriteInput(raw.Data, raw.SenderKey, raw.Protocol,
			raw.Timestamp, raw.HRTime); err != nil {
			l.logger.Warn("input trace write failed", "error", err)
		}
	}

	text := string(raw.Data)
	if l.match != nil && !l.match.MatchString(text) {
		if l.dropped != nil {
			l.dropped.Inc()
		}
		return
	}

	record := l.buildRecord(text)
	if l.outputTracer != nil {
		if err := l.outputTracer.Write(recordTraceView(record)); err != nil {
			l.logger.Warn("output trace write failed", "error", err)
		}
	}
	if l.records != nil {
		l.records.Inc()
	}

	l.sink.Process(record)
}

// Inject feeds arbitrary JSON-shaped data as if it arrived on the port.
// Used by the debug injection endpoint.
func (l *Listener) Inject(data map[string]any) {
	record := message.New(message.CategoryEvent, l.id)
	record.Data = data
	for key, value := range l.spec.Tag {
		record.SetTag(key, value)
	}
	l.proc.Apply(record)
	if l.records != nil {
		l.records.Inc()
	}
	l.sink.Process(record)
}

func (l *Listener) buildRecord(text string) *message.Record {
	record := message.New(classify(text), l.id)
	record.Data = parseFields(text)
	record.OriginalRawData = text

	for key, value := range l.spec.Tag {
		record.SetTag(key, value)
	}
	l.proc.Apply(record)
	return record
}

// recordTraceView renders a record as a plain map for tracing (secrets are
// masked inside the tracer).
func recordTraceView(r *message.Record) map[string]any {
	view := map[string]any{
		"telemetryEventCategory": r.TelemetryEventCategory,
		"sourceId":               r.SourceID,
		"data":                   map[string]any(r.Data),
	}
	if len(r.Tags) > 0 {
		tags := make(map[string]any, len(r.Tags))
		for k, v := range r.Tags {
			tags[k] = v
		}
		view["tags"] = tags
	}
	return view
}
