package config

import (
	"log/slog"
	"sync"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// EventType names the config worker's event topics.
type EventType string

// Worker event topics.
const (
	EventReceived          EventType = "received"
	EventValidationSucceed EventType = "validationSucceed"
	EventValidationFailed  EventType = "validationFailed"
	EventChange            EventType = "change"
)

// Event carries one worker notification. TransactionID correlates all
// events of a single declaration apply.
type Event struct {
	Type              EventType
	TransactionID     string
	Metadata          map[string]any
	Declaration       map[string]any
	Set               *component.Set
	NamespaceToUpdate string
	Err               error
}

// Subscriber budget per topic, and per-channel buffering. Overflow drops
// the event with a warning instead of growing unbounded.
const (
	maxSubscribersPerTopic = 16
	subscriberBuffer       = 8
)

// EventBus is a small typed pub/sub for worker events.
type EventBus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger:      logger,
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe returns a channel receiving every event of the given type.
func (b *EventBus) Subscribe(eventType EventType) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers[eventType]) >= maxSubscribersPerTopic {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"EventBus", "Subscribe", "subscriber budget check")
	}

	ch := make(chan Event, subscriberBuffer)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch, nil
}

// Publish fans an event to its topic's subscribers without blocking.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.Type]
	b.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				"event", string(event.Type), "transactionID", event.TransactionID)
		}
	}
}
