// Package pipeline routes records from producers to the consumers mapped
// to them. Each enabled target gets its own deep copy on its own dispatch
// queue, so no consumer's latency or failure reaches another.
package pipeline

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
)

// Pipeline fans records out according to the current mapping table. The
// mapping snapshot is swapped atomically on reconcile; data-plane reads
// take a short critical section only.
type Pipeline struct {
	registry *consumer.Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	mappings component.Mappings

	processed prometheus.Counter
	unrouted  prometheus.Counter
}

// New creates a pipeline over the consumer registry. metrics may be nil.
func New(registry *consumer.Registry, logger *slog.Logger, metrics *metric.Registry) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		registry: registry,
		logger:   logger.With("component", "pipeline"),
		mappings: make(component.Mappings),
	}

	if metrics != nil {
		p.processed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Records entering the pipeline",
		})
		p.unrouted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "records_unrouted_total",
			Help:      "Records whose producer has no mapped consumer",
		})
		_ = metrics.Register("pipeline", "records", p.processed)
		_ = metrics.Register("pipeline", "unrouted", p.unrouted)
	}

	return p
}

// UpdateMappings atomically swaps the routing table.
func (p *Pipeline) UpdateMappings(mappings component.Mappings) {
	if mappings == nil {
		mappings = make(component.Mappings)
	}

	p.mu.Lock()
	p.mappings = mappings
	p.mu.Unlock()
}

// Targets returns the consumer ids mapped to a producer.
func (p *Pipeline) Targets(sourceID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	targets := p.mappings[sourceID]
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// Process routes one record to every enabled consumer mapped to its
// producer. Each target receives its own deep copy; enqueueing never
// blocks the caller.
func (p *Pipeline) Process(record *message.Record) {
	if record == nil {
		return
	}
	if p.processed != nil {
		p.processed.Inc()
	}

	targets := p.Targets(record.SourceID)
	if len(targets) == 0 {
		if p.unrouted != nil {
			p.unrouted.Inc()
		}
		return
	}

	for _, target := range targets {
		handle, ok := p.registry.Get(target)
		if !ok {
			p.logger.Warn("mapped consumer not registered", "consumer", target)
			continue
		}
		handle.Enqueue(record.Copy())
	}
}
