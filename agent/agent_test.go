package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blheatwole/f5-telemetry-streaming/config"
	"github.com/blheatwole/f5-telemetry-streaming/consumer"
	"github.com/blheatwole/f5-telemetry-streaming/kvstore"
	"github.com/blheatwole/f5-telemetry-streaming/message"
)

// captureConsumer records everything dispatched to it, shared across
// instances through a package-level sink for test observation.
type captureConsumer struct{}

var (
	capturedMu      sync.Mutex
	capturedRecords []*message.Record
)

func (captureConsumer) Type() string { return "capture" }

func (captureConsumer) Dispatch(_ context.Context, c *consumer.Context) error {
	capturedMu.Lock()
	defer capturedMu.Unlock()
	capturedRecords = append(capturedRecords, c.Event)
	return nil
}

func init() {
	_ = consumer.RegisterFactory("capture", func(map[string]any) (consumer.Consumer, error) {
		return captureConsumer{}, nil
	})
}

func resetCaptured() {
	capturedMu.Lock()
	defer capturedMu.Unlock()
	capturedRecords = nil
}

func capturedCount() int {
	capturedMu.Lock()
	defer capturedMu.Unlock()
	return len(capturedRecords)
}

func waitCaptured(t *testing.T, n int) []*message.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if capturedCount() >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	capturedMu.Lock()
	defer capturedMu.Unlock()
	require.GreaterOrEqual(t, len(capturedRecords), n)
	out := make([]*message.Record, len(capturedRecords))
	copy(out, capturedRecords)
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Options{
		Store:        kvstore.NewMemoryStore(),
		TraceBaseDir: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(a.Stop)
	return a
}

func applyDeclaration(t *testing.T, a *Agent, text string) {
	t.Helper()
	var declaration map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &declaration))
	_, err := a.Worker().ProcessDeclaration(context.Background(), declaration, config.ProcessOptions{})
	require.NoError(t, err)
	// Change events apply asynchronously
	time.Sleep(200 * time.Millisecond)
}

func TestAgentEndToEndListenerToConsumer(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port))

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("virtual_name=\"test\"\n"))
	require.NoError(t, err)

	records := waitCaptured(t, 1)
	assert.Equal(t, message.CategoryLTM, records[0].TelemetryEventCategory)
	assert.Equal(t, "test", records[0].Data["virtual_name"])
	assert.Equal(t, "f5telemetry_default::My_Listener", records[0].SourceID)
}

func TestAgentReapplySameDeclarationKeepsSockets(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	text := fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port)

	applyDeclaration(t, a, text)
	require.Equal(t, []int{port}, a.receivers.ActivePorts())

	// Same declaration again: components hash equal, no churn
	applyDeclaration(t, a, text)
	assert.Equal(t, []int{port}, a.receivers.ActivePorts())

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte("still=\"alive\"\n"))
	require.NoError(t, err)
	waitCaptured(t, 1)
}

func TestAgentListenerRemovalClosesPort(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d}
	}`, port))
	require.Equal(t, []int{port}, a.receivers.ActivePorts())

	applyDeclaration(t, a, `{"class": "Telemetry"}`)
	// Drain window delays the close slightly
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(a.receivers.ActivePorts()) > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Empty(t, a.receivers.ActivePorts())
}

func TestAgentMatchChangeUpdatesInPlace(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d, "match": "alpha"},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port))

	// Changing only the match filter keeps the same sockets
	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d, "match": "beta"},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port))
	require.Equal(t, []int{port}, a.receivers.ActivePorts())

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("event=\"alpha\"\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("event=\"beta\"\n"))
	require.NoError(t, err)

	records := waitCaptured(t, 1)
	assert.Equal(t, "beta", records[0].Data["event"])
	assert.Equal(t, 1, capturedCount())
}

func TestAgentDebugInjection(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"Controls": {"class": "Controls", "debug": true},
		"My_Listener": {"class": "Telemetry_Listener", "port": %d},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port))

	server := httptest.NewServer(a.AdminMux())
	defer server.Close()

	resp, err := http.Post(
		server.URL+"/mgmt/shared/telemetry/eventListener/My_Listener",
		"application/json",
		strings.NewReader(`{"injected": "payload"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	records := waitCaptured(t, 1)
	assert.Equal(t, "payload", records[0].Data["injected"])
}

func TestAgentDebugInjectionDisabled(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d}
	}`, port))

	server := httptest.NewServer(a.AdminMux())
	defer server.Close()

	resp, err := http.Post(
		server.URL+"/mgmt/shared/telemetry/eventListener/My_Listener",
		"application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAgentPullScrape(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)

	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"cpu": 7.0})
	}))
	defer device.Close()

	parsed, err := url.Parse(device.URL)
	require.NoError(t, err)
	devicePort, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"Pull_Poller_1": {
			"class": "Telemetry_System_Poller",
			"interval": 0,
			"host": "%s",
			"port": %d,
			"protocol": "http",
			"endpointList": [{"name": "stats", "path": "/stats"}]
		},
		"My_Pull_Consumer": {
			"class": "Telemetry_Pull_Consumer",
			"type": "Prometheus",
			"systemPoller": "Pull_Poller_1"
		}
	}`, parsed.Hostname(), devicePort))

	server := httptest.NewServer(a.AdminMux())
	defer server.Close()

	resp, err := http.Get(server.URL + "/mgmt/shared/telemetry/pullconsumer/My_Pull_Consumer")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "f5_stats_cpu 7")
}

func TestAgentPullScrapeUnknownConsumer(t *testing.T) {
	a := newTestAgent(t)
	server := httptest.NewServer(a.AdminMux())
	defer server.Close()

	resp, err := http.Get(server.URL + "/mgmt/shared/telemetry/pullconsumer/Ghost")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentControlsApplied(t *testing.T) {
	a := newTestAgent(t)
	applyDeclaration(t, a, `{
		"class": "Telemetry",
		"Controls": {"class": "Controls", "logLevel": "debug", "debug": true}
	}`)

	controls := a.Controls()
	assert.True(t, controls.Debug)
	assert.Equal(t, "debug", controls.LogLevel)
}

func TestAgentDisabledConsumerGetsNoDispatch(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener", "port": %d},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture", "enable": false}
	}`, port))

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte("some=\"event\"\n"))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, capturedCount())
}

func TestAgentTwoListenersSamePort(t *testing.T) {
	resetCaptured()
	a := newTestAgent(t)
	port := freePort(t)

	applyDeclaration(t, a, fmt.Sprintf(`{
		"class": "Telemetry",
		"Listener_A": {"class": "Telemetry_Listener", "port": %d},
		"Listener_B": {"class": "Telemetry_Listener", "port": %d},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "capture"}
	}`, port, port))

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte("virtual_name=\"test\"\n"))
	require.NoError(t, err)

	// Each listener independently emits its own record for the frame
	records := waitCaptured(t, 2)
	sources := map[string]bool{}
	for _, r := range records[:2] {
		assert.Equal(t, message.CategoryLTM, r.TelemetryEventCategory)
		assert.Equal(t, "test", r.Data["virtual_name"])
		sources[r.SourceID] = true
	}
	assert.Len(t, sources, 2)
}
