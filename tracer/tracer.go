// Package tracer writes bounded on-disk traces of component inputs and
// outputs for debugging. Each trace file holds a ring of the most recent
// records as a JSON array; secrets are masked before anything reaches disk.
package tracer

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/pkg/mask"
)

const (
	// DefaultBaseDir is where trace files land unless overridden.
	DefaultBaseDir = "/var/tmp/telemetry"

	// DefaultMaxRecords bounds the per-file ring.
	DefaultMaxRecords = 10

	// DefaultEncoding is recorded for tooling; files are always UTF-8.
	DefaultEncoding = "utf8"

	// InputPrefix marks input-side trace files.
	InputPrefix = "INPUT."
)

// Path builds the default trace path for a component.
func Path(baseDir, class, id string) string {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return filepath.Join(baseDir, class+"."+id)
}

// InputPath builds the default input-trace path for a component.
func InputPath(baseDir, class, id string) string {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return filepath.Join(baseDir, InputPrefix+class+"."+id)
}

// Tracer appends records to a bounded ring file.
type Tracer struct {
	path       string
	maxRecords int

	mu      sync.Mutex
	records []json.RawMessage
	loaded  bool
}

// New creates a tracer for path. maxRecords <= 0 selects the default.
func New(path string, maxRecords int) *Tracer {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Tracer{path: path, maxRecords: maxRecords}
}

// PathName returns the file the tracer writes to.
func (t *Tracer) PathName() string {
	return t.path
}

// Write masks and appends one record, trimming the ring and rewriting the
// file.
func (t *Tracer) Write(record any) error {
	if m, ok := record.(map[string]any); ok {
		record = mask.Secrets(m)
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return errors.WrapInvalid(err, "Tracer", "Write", "encode record")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.loadLocked()
	t.records = append(t.records, encoded)
	if len(t.records) > t.maxRecords {
		t.records = t.records[len(t.records)-t.maxRecords:]
	}
	return t.flushLocked()
}

// InputFrame is the traced form of a raw inbound datum: bytes are hex
// encoded so binary frames stay printable.
type InputFrame struct {
	Data      string `json:"data"`
	SenderKey string `json:"senderKey"`
	Protocol  string `json:"protocol"`
	Timestamp string `json:"timestamp"`
	HRTime    int64  `json:"hrtime"`
}

// WriteInput traces one raw frame.
func (t *Tracer) WriteInput(data []byte, senderKey, protocol string, ts time.Time, hrtime int64) error {
	return t.Write(InputFrame{
		Data:      hex.EncodeToString(data),
		SenderKey: senderKey,
		Protocol:  protocol,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		HRTime:    hrtime,
	})
}

// Records returns the current ring contents, oldest first.
func (t *Tracer) Records() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loadLocked()
	out := make([]json.RawMessage, len(t.records))
	copy(out, t.records)
	return out
}

// loadLocked hydrates the ring from an existing file once, so restarts
// continue the ring instead of truncating it.
func (t *Tracer) loadLocked() {
	if t.loaded {
		return
	}
	t.loaded = true

	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var existing []json.RawMessage
	if err := json.Unmarshal(data, &existing); err != nil {
		return
	}
	if len(existing) > t.maxRecords {
		existing = existing[len(existing)-t.maxRecords:]
	}
	t.records = existing
}

func (t *Tracer) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return errors.WrapTransient(err, "Tracer", "flush", "create trace directory")
	}

	encoded, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Tracer", "flush", "encode ring")
	}
	if err := os.WriteFile(t.path, encoded, 0o644); err != nil {
		return errors.WrapTransient(err, "Tracer", "flush", "write trace file")
	}
	return nil
}
