package receiver

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/metric"
)

// portReceivers bundles the shared sockets for one port.
type portReceivers struct {
	tcp *TCPReceiver
	udp *UDPReceiver

	mu       sync.RWMutex
	handlers map[string]Handler // listener id -> handler

	frames prometheus.Counter
	bytes  prometheus.Counter
}

// dispatch fans one framed datum to every subscribed listener. Handlers
// are snapshot-read under a short critical section.
func (pr *portReceivers) dispatch(raw RawData) {
	if pr.frames != nil {
		pr.frames.Inc()
		pr.bytes.Add(float64(len(raw.Data)))
	}

	pr.mu.RLock()
	snapshot := make([]Handler, 0, len(pr.handlers))
	for _, h := range pr.handlers {
		snapshot = append(snapshot, h)
	}
	pr.mu.RUnlock()

	for _, handler := range snapshot {
		handler(raw)
	}
}

// Manager owns every receiver, keyed by port. When the last listener on a
// port unsubscribes the sockets close; a new listener on a port whose
// sockets are already up causes no socket churn.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Registry

	mu    sync.Mutex
	ports map[int]*portReceivers
}

// NewManager creates a receiver manager. metrics may be nil.
func NewManager(logger *slog.Logger, metrics *metric.Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		metrics: metrics,
		ports:   make(map[int]*portReceivers),
	}
}

// Subscribe registers a listener's handler on a port, opening the port's
// TCP and UDP sockets when this is the first subscriber.
func (m *Manager) Subscribe(ctx context.Context, port int, listenerID string, handler Handler) error {
	if port <= 0 || port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"ReceiverManager", "Subscribe", "port validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pr, exists := m.ports[port]
	if exists {
		pr.mu.Lock()
		pr.handlers[listenerID] = handler
		pr.mu.Unlock()
		return nil
	}

	pr = &portReceivers{handlers: map[string]Handler{listenerID: handler}}
	if m.metrics != nil {
		pr.frames = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "receiver",
			Name:        "frames_total",
			Help:        "Framed lines received on this port",
			ConstLabels: prometheus.Labels{"port": portLabel(port)},
		})
		pr.bytes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "receiver",
			Name:        "bytes_total",
			Help:        "Framed bytes received on this port",
			ConstLabels: prometheus.Labels{"port": portLabel(port)},
		})
		_ = m.metrics.Register("receiver_"+portLabel(port), "frames", pr.frames)
		_ = m.metrics.Register("receiver_"+portLabel(port), "bytes", pr.bytes)
	}

	pr.tcp = NewTCPReceiver(port, pr.dispatch, m.logger)
	pr.udp = NewUDPReceiver(port, pr.dispatch, m.logger)

	if err := pr.tcp.Start(ctx); err != nil {
		return errors.Wrap(err, "ReceiverManager", "Subscribe", "start TCP receiver")
	}
	if err := pr.udp.Start(ctx); err != nil {
		_ = pr.tcp.Stop()
		return errors.Wrap(err, "ReceiverManager", "Subscribe", "start UDP receiver")
	}

	m.ports[port] = pr
	m.logger.Info("receivers opened", "port", port)
	return nil
}

// Unsubscribe removes a listener's handler. The port's sockets close once
// no listener remains, after a brief drain window.
func (m *Manager) Unsubscribe(port int, listenerID string) {
	m.mu.Lock()
	pr, exists := m.ports[port]
	if !exists {
		m.mu.Unlock()
		return
	}

	pr.mu.Lock()
	delete(pr.handlers, listenerID)
	remaining := len(pr.handlers)
	pr.mu.Unlock()

	if remaining > 0 {
		m.mu.Unlock()
		return
	}

	delete(m.ports, port)
	m.mu.Unlock()

	// Outstanding frames get a brief drain window before sockets close and
	// buffered fragments are discarded.
	time.Sleep(DrainWindow)
	_ = pr.tcp.Stop()
	_ = pr.udp.Stop()
	if m.metrics != nil {
		m.metrics.UnregisterSubsystem("receiver_" + portLabel(port))
	}
	m.logger.Info("receivers closed", "port", port)
}

// States reports the lifecycle states of the port's receivers.
func (m *Manager) States(port int) (tcp, udp State, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr, exists := m.ports[port]
	if !exists {
		return 0, 0, false
	}
	return pr.tcp.State(), pr.udp.State(), true
}

// ActivePorts lists every port with open sockets.
func (m *Manager) ActivePorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.ports))
	for port := range m.ports {
		out = append(out, port)
	}
	return out
}

// Close stops every receiver. Called at agent shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ports := make([]*portReceivers, 0, len(m.ports))
	for port, pr := range m.ports {
		ports = append(ports, pr)
		delete(m.ports, port)
	}
	m.mu.Unlock()

	for _, pr := range ports {
		_ = pr.tcp.Stop()
		_ = pr.udp.Stop()
	}
}

func portLabel(port int) string {
	return strconv.Itoa(port)
}
