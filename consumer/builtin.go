package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// Factory builds a consumer implementation from its declaration config.
type Factory func(config map[string]any) (Consumer, error)

// factories maps declaration consumer types to their implementations.
// Concrete cloud adapters live out of tree; these built-ins cover local
// debugging (default) and broker forwarding (NATS).
var factories = map[string]Factory{
	"default": newDefaultConsumer,
	"NATS":    newNATSConsumer,
}

// RegisterFactory installs an adapter for a consumer type. Out-of-tree
// adapters register themselves at startup.
func RegisterFactory(consumerType string, factory Factory) error {
	if consumerType == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Consumer", "RegisterFactory", "factory validation")
	}
	if _, exists := factories[consumerType]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("consumer type %q already registered", consumerType),
			"Consumer", "RegisterFactory", "duplicate check")
	}
	factories[consumerType] = factory
	return nil
}

// NewConsumer builds the implementation for a declaration consumer type.
// Unknown types fall back to the default consumer so a declaration naming
// an out-of-tree adapter still flows (trace-only) on hosts without it.
func NewConsumer(consumerType string, config map[string]any) (Consumer, error) {
	factory, ok := factories[consumerType]
	if !ok {
		factory = newDefaultConsumer
	}
	return factory(config)
}

// defaultConsumer delivers nowhere: the record is observable through the
// consumer's trace file only.
type defaultConsumer struct{}

func newDefaultConsumer(map[string]any) (Consumer, error) {
	return &defaultConsumer{}, nil
}

func (*defaultConsumer) Type() string { return "default" }

func (*defaultConsumer) Dispatch(_ context.Context, c *Context) error {
	c.Logger.Debug("record dispatched",
		"category", c.Event.TelemetryEventCategory,
		"source", c.Event.SourceID)
	return nil
}

// natsConsumer forwards records as JSON to a NATS subject.
type natsConsumer struct {
	url     string
	subject string

	mu   sync.Mutex
	conn *nats.Conn
}

func newNATSConsumer(config map[string]any) (Consumer, error) {
	url, _ := config["url"].(string)
	if url == "" {
		url = nats.DefaultURL
	}
	subject, _ := config["subject"].(string)
	if subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"NATSConsumer", "new", "subject validation")
	}
	return &natsConsumer{url: url, subject: subject}, nil
}

func (*natsConsumer) Type() string { return "NATS" }

// connection dials lazily so a consumer declared before its broker is up
// keeps retrying per dispatch instead of failing creation.
func (n *natsConsumer) connection() (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil && n.conn.IsConnected() {
		return n.conn, nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}

	conn, err := nats.Connect(n.url,
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(8*1024*1024),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSConsumer", "connection", "broker connect")
	}
	n.conn = conn
	return conn, nil
}

func (n *natsConsumer) Dispatch(_ context.Context, c *Context) error {
	conn, err := n.connection()
	if err != nil {
		return err
	}

	payload, err := encodeRecord(c.Event)
	if err != nil {
		return errors.WrapInvalid(err, "NATSConsumer", "Dispatch", "encode record")
	}
	if err := conn.Publish(n.subject, payload); err != nil {
		return errors.WrapTransient(err, "NATSConsumer", "Dispatch", "publish record")
	}
	return nil
}

// Close releases the broker connection.
func (n *natsConsumer) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}
