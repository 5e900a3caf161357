// Package poller drives scheduled metric collection from device
// management APIs and hands normalized systemInfo records to the pipeline.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/blheatwole/f5-telemetry-streaming/action"
	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/httpclient"
	"github.com/blheatwole/f5-telemetry-streaming/message"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
	"github.com/blheatwole/f5-telemetry-streaming/normalize"
	"github.com/blheatwole/f5-telemetry-streaming/pkg/retry"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// defaultEndpoints are the well-known management paths polled when no
// endpoint list is declared.
var defaultEndpoints = []component.Endpoint{
	{Name: "system", Path: "/mgmt/tm/sys/hardware", Enable: true},
	{Name: "virtualServers", Path: "/mgmt/tm/ltm/virtual", Enable: true},
	{Name: "pools", Path: "/mgmt/tm/ltm/pool", Enable: true},
	{Name: "clientSSL", Path: "/mgmt/tm/ltm/profile/client-ssl", Enable: true},
}

// Sink receives collected records; the data pipeline implements it.
type Sink interface {
	Process(record *message.Record)
}

// Poller collects metrics for one system poller component.
type Poller struct {
	id     string
	spec   component.PollerSpec
	vault  vault.Vault
	pool   *httpclient.Pool
	sink   Sink
	proc   *action.Processor
	logger *slog.Logger

	busy atomic.Bool

	cycles  prometheus.Counter
	skipped prometheus.Counter
	failed  prometheus.Counter

	shutdown chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	running  bool
}

// Config wires a poller's dependencies.
type Config struct {
	Component *component.Component
	Vault     vault.Vault
	Pool      *httpclient.Pool
	Sink      Sink
	Logger    *slog.Logger
	Metrics   *metric.Registry
}

// New builds a poller from its resolved component.
func New(cfg Config) (*Poller, error) {
	comp := cfg.Component
	if comp == nil || comp.Poller == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Poller", "New", "component validation")
	}
	if cfg.Pool == nil || cfg.Sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Poller", "New", "dependency validation")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "poller", "id", comp.ID)

	v := cfg.Vault
	if v == nil {
		v = vault.Plain{}
	}

	p := &Poller{
		id:     comp.ID,
		spec:   *comp.Poller,
		vault:  v,
		pool:   cfg.Pool,
		sink:   cfg.Sink,
		proc:   action.NewProcessor(comp.Poller.DataOpts.Actions, logger),
		logger: logger,
	}

	if cfg.Metrics != nil {
		labels := prometheus.Labels{"id": comp.ID}
		p.cycles = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "poller",
			Name: "cycles_total", Help: "Completed poll cycles", ConstLabels: labels,
		})
		p.skipped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "poller",
			Name: "cycles_skipped_total", Help: "Ticks skipped by the overlap guard", ConstLabels: labels,
		})
		p.failed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "poller",
			Name: "cycles_failed_total", Help: "Poll cycles that errored", ConstLabels: labels,
		})
		_ = cfg.Metrics.Register("poller_"+comp.ID, "cycles", p.cycles)
		_ = cfg.Metrics.Register("poller_"+comp.ID, "skipped", p.skipped)
		_ = cfg.Metrics.Register("poller_"+comp.ID, "failed", p.failed)
	}

	return p, nil
}

// ID returns the poller's component id.
func (p *Poller) ID() string {
	return p.id
}

// PullMode reports whether the poller only runs on demand.
func (p *Poller) PullMode() bool {
	return p.spec.PullMode()
}

// Start schedules interval-driven cycles. Pull-mode pollers are not
// scheduled; they collect on demand.
func (p *Poller) Start(ctx context.Context) error {
	if p.PullMode() {
		return nil
	}

	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.shutdown = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx)
	return nil
}

// Stop halts scheduling. In-flight cycles finish on their own.
func (p *Poller) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.shutdown)
	<-p.done
}

// loop fires cycles on the configured interval with a lightweight jitter
// to spread load across pollers sharing a device.
func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	interval := time.Duration(p.spec.Interval) * time.Second

	// Initial jitter, bounded by the interval.
	jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-timer.C:
		}

		// Overlap guard: skip the tick when the previous cycle still runs.
		if !p.busy.CompareAndSwap(false, true) {
			p.logger.Warn("previous cycle still running, skipping tick")
			if p.skipped != nil {
				p.skipped.Inc()
			}
			timer.Reset(interval)
			continue
		}

		go func() {
			defer p.busy.Store(false)
			record, err := p.Collect(ctx)
			if err != nil {
				p.logger.Error("poll cycle failed", "error", err)
				if p.failed != nil {
					p.failed.Inc()
				}
				return
			}
			if p.cycles != nil {
				p.cycles.Inc()
			}
			p.sink.Process(record)
		}()

		timer.Reset(interval)
	}
}

// Collect runs one poll cycle: resolve credentials, call every endpoint,
// normalize, attach device context and apply data-opts actions. Pull
// consumers call this directly for interval-0 pollers.
func (p *Poller) Collect(ctx context.Context) (*message.Record, error) {
	cycleStart := time.Now().UTC()

	password, err := p.vault.Decrypt(ctx, p.spec.Credentials.Passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "Poller", "Collect", "resolve credentials")
	}

	endpoints := p.spec.Endpoints
	if len(endpoints) == 0 {
		endpoints = defaultEndpoints
	}

	client := p.pool.Client(httpclient.Options{
		AllowSelfSignedCert: p.spec.Connection.AllowSelfSignedCert,
	})

	var mu sync.Mutex
	data := make(map[string]any, len(endpoints))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, endpoint := range endpoints {
		if !endpoint.Enable {
			continue
		}
		group.Go(func() error {
			body, err := retry.DoWithResult(groupCtx, retry.DefaultConfig(), func() (any, error) {
				return p.fetch(groupCtx, client, endpoint.Path, password)
			})
			if err != nil {
				return err
			}
			normalized := normalizeEndpoint(body)
			mu.Lock()
			data[endpoint.Name] = normalized
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errors.WrapTransient(err, "Poller", "Collect", "endpoint retrieval")
	}

	record := message.New(message.CategorySystemInfo, p.id)
	if p.spec.IHealth {
		record.TelemetryEventCategory = message.CategoryIHealth
	}
	record.Data = data
	record.Data["telemetryServiceInfo"] = map[string]any{
		"pollingInterval": p.spec.Interval,
		"cycleStart":      cycleStart.Format(time.RFC3339Nano),
		"cycleEnd":        time.Now().UTC().Format(time.RFC3339Nano),
	}
	record.Data["system"] = mergeSystemContext(record.Data["system"], p.spec)

	for key, value := range p.spec.DataOpts.Tags {
		record.SetTag(key, value)
	}
	p.proc.Apply(record)

	return record, nil
}

// fetch issues one authenticated management API request.
func (p *Poller) fetch(ctx context.Context, client *http.Client, path, password string) (any, error) {
	target := url.URL{
		Scheme: p.spec.Connection.Protocol,
		Host:   fmt.Sprintf("%s:%d", p.spec.Connection.Host, p.spec.Connection.Port),
		Path:   path,
	}
	if target.Scheme == "" {
		target.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Poller", "fetch", "build request")
	}
	if p.spec.Credentials.Username != "" {
		req.SetBasicAuth(p.spec.Credentials.Username, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Poller", "fetch", "device request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("device returned %d for %s", resp.StatusCode, path),
			"Poller", "fetch", "status check")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "Poller", "fetch", "read response")
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.WrapInvalid(err, "Poller", "fetch", "decode response")
	}
	return decoded, nil
}

// normalizeEndpoint restructures a raw endpoint response: collection
// responses ("items" arrays) become maps keyed by fully-qualified name.
func normalizeEndpoint(body any) any {
	obj, ok := body.(map[string]any)
	if !ok {
		return body
	}
	items, ok := obj["items"].([]any)
	if !ok {
		return body
	}

	for _, key := range []string{"fullPath", "name"} {
		mapped, err := normalize.ArrayToMap(items, []string{key},
			normalize.ArrayToMapOptions{SkipWhenKeyMissing: true})
		if err == nil && len(mapped) > 0 {
			return mapped
		}
	}
	return body
}

// mergeSystemContext folds device identity into the system sub-tree.
func mergeSystemContext(existing any, spec component.PollerSpec) map[string]any {
	system, ok := existing.(map[string]any)
	if !ok {
		system = make(map[string]any)
	}
	system["systemName"] = spec.SystemName
	system["host"] = spec.Connection.Host
	if _, ok := system["hostname"]; !ok {
		system["hostname"] = spec.Connection.Host
	}
	return system
}
