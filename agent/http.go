package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// API paths served on the admin mux.
const (
	basePath             = "/mgmt/shared/telemetry/"
	eventListenerSegment = "eventListener"
	pullConsumerSegment  = "pullconsumer"
)

// AdminMux serves metrics, health, the debug injection endpoint and the
// pull-consumer scrape endpoint. The declaration-accepting admin API is an
// external collaborator and not served here.
func (a *Agent) AdminMux() *http.ServeMux {
	mux := http.NewServeMux()

	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc(basePath, a.handleTelemetryAPI)

	return mux
}

// handleTelemetryAPI routes
//
//	POST /mgmt/shared/telemetry/[namespace/<ns>/]eventListener/<name>
//	GET  /mgmt/shared/telemetry/[namespace/<ns>/]pullconsumer/<name>
func (a *Agent) handleTelemetryAPI(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, basePath)
	segments := strings.Split(strings.Trim(rest, "/"), "/")

	namespace := component.DefaultNamespace
	if len(segments) >= 2 && segments[0] == "namespace" {
		namespace = segments[1]
		segments = segments[2:]
	}
	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}

	kind, name := segments[0], segments[1]
	switch kind {
	case eventListenerSegment:
		a.handleDebugInject(w, r, namespace, name)
	case pullConsumerSegment:
		a.handlePullScrape(w, r, namespace, name)
	default:
		http.NotFound(w, r)
	}
}

// handleDebugInject feeds the request body into a listener as if it
// arrived on its port. Gated on Controls.debug.
func (a *Agent) handleDebugInject(w http.ResponseWriter, r *http.Request, namespace, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.Controls().Debug {
		http.Error(w, "debug endpoints disabled", http.StatusServiceUnavailable)
		return
	}

	a.mu.Lock()
	state, ok := a.listeners[component.ID(namespace, name)]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "listener not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		// Non-object bodies are injected raw, matching the wire behavior.
		data = map[string]any{"data": string(body)}
	}
	state.listener.Inject(data)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"message":"success"}`))
}

// handlePullScrape serves a pull consumer's rendered records.
func (a *Agent) handlePullScrape(w http.ResponseWriter, r *http.Request, namespace, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, contentType, err := a.CollectPull(r.Context(), namespace, name)
	if err != nil {
		if errors.IsObjectNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}
