package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/message"
)

type sink struct {
	mu      sync.Mutex
	records []*message.Record
	block   chan struct{}
}

func (s *sink) Type() string { return "test" }

func (s *sink) Dispatch(_ context.Context, c *consumer.Context) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, c.Event)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *sink) waitFor(t *testing.T, n int) []*message.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.records), n)
	out := make([]*message.Record, len(s.records))
	copy(out, s.records)
	return out
}

func newHandle(t *testing.T, id string, enabled bool, impl consumer.Consumer) *consumer.Handle {
	t.Helper()
	h, err := consumer.NewHandle(consumer.HandleConfig{ID: id, Enabled: enabled, Consumer: impl})
	require.NoError(t, err)
	return h
}

func testRecord(sourceID string) *message.Record {
	r := message.New(message.CategoryEvent, sourceID)
	r.Data["value"] = 1.0
	return r
}

func TestProcessRoutesByMapping(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	target, other := &sink{}, &sink{}
	registry.Set(newHandle(t, "ns::c1", true, target))
	registry.Set(newHandle(t, "ns::c2", true, other))

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"ns::listener": {"ns::c1"}})

	p.Process(testRecord("ns::listener"))

	target.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestDisabledConsumerGetsNothing(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	disabled := &sink{}
	registry.Set(newHandle(t, "ns::c1", false, disabled))

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"ns::listener": {"ns::c1"}})

	p.Process(testRecord("ns::listener"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, disabled.count())
}

func TestEachConsumerGetsOwnCopy(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	a, b := &sink{}, &sink{}
	registry.Set(newHandle(t, "ns::a", true, a))
	registry.Set(newHandle(t, "ns::b", true, b))

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"ns::listener": {"ns::a", "ns::b"}})

	original := testRecord("ns::listener")
	p.Process(original)

	ra := a.waitFor(t, 1)[0]
	rb := b.waitFor(t, 1)[0]

	require.NotSame(t, original, ra)
	require.NotSame(t, ra, rb)

	// Mutating one consumer's copy does not leak into the other's
	ra.Data["value"] = 999.0
	assert.Equal(t, 1.0, rb.Data["value"])
	assert.Equal(t, 1.0, original.Data["value"])
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	registry := consumer.NewRegistry()

	blocked := &sink{block: make(chan struct{})}
	fast := &sink{}
	registry.Set(newHandle(t, "ns::slow", true, blocked))
	registry.Set(newHandle(t, "ns::fast", true, fast))

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"ns::listener": {"ns::slow", "ns::fast"}})

	p.Process(testRecord("ns::listener"))
	p.Process(testRecord("ns::listener"))

	// The fast consumer keeps receiving while the slow one is stuck
	fast.waitFor(t, 2)
	assert.Equal(t, 0, blocked.count())

	close(blocked.block)
	blocked.waitFor(t, 2)
	registry.Close()
}

func TestPerSourceOrderPreserved(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	target := &sink{}
	registry.Set(newHandle(t, "ns::c1", true, target))

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"ns::listener": {"ns::c1"}})

	for i := 0; i < 20; i++ {
		r := testRecord("ns::listener")
		r.Data["seq"] = float64(i)
		p.Process(r)
	}

	records := target.waitFor(t, 20)
	for i, r := range records[:20] {
		assert.Equal(t, float64(i), r.Data["seq"])
	}
}

func TestUnroutedRecordIsDropped(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	p := New(registry, nil, nil)
	p.Process(testRecord("ns::unknown"))
	// Nothing to assert beyond not panicking; mapping table is empty
	assert.Empty(t, p.Targets("ns::unknown"))
}

func TestUpdateMappingsSwapsAtomically(t *testing.T) {
	registry := consumer.NewRegistry()
	defer registry.Close()

	p := New(registry, nil, nil)
	p.UpdateMappings(component.Mappings{"a": {"x"}})
	assert.Equal(t, []string{"x"}, p.Targets("a"))

	p.UpdateMappings(component.Mappings{"a": {"y"}})
	assert.Equal(t, []string{"y"}, p.Targets("a"))

	p.UpdateMappings(nil)
	assert.Empty(t, p.Targets("a"))
}
