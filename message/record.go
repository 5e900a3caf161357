// Package message defines the canonical record flowing through the
// pipeline: every datum produced by a listener or poller is normalized into
// a Record before routing and consumer dispatch.
package message

// Telemetry event categories attached to records. The empty string is
// reserved for unclassified data and never emitted by producers.
const (
	CategoryEvent      = "event"
	CategoryLTM        = "LTM"
	CategoryASM        = "ASM"
	CategoryAPM        = "APM"
	CategoryAVR        = "AVR"
	CategorySyslog     = "syslogEvent"
	CategorySystemInfo = "systemInfo"
	CategoryIHealth    = "ihealthInfo"
	CategoryRaw        = "raw"
)

// Record is the canonical unit of data on the pipeline.
//
// TelemetryEventCategory is always set by producers; SourceID identifies
// the producing component and drives consumer routing.
type Record struct {
	TelemetryEventCategory string            `json:"telemetryEventCategory"`
	Data                   map[string]any    `json:"data"`
	OriginalRawData        string            `json:"originalRawData,omitempty"`
	SourceID               string            `json:"sourceId"`
	Tags                   map[string]string `json:"tags,omitempty"`
}

// New creates a record with the given category and source.
func New(category, sourceID string) *Record {
	return &Record{
		TelemetryEventCategory: category,
		SourceID:               sourceID,
		Data:                   make(map[string]any),
	}
}

// SetTag sets a routing/annotation tag on the record.
func (r *Record) SetTag(key, value string) {
	if r.Tags == nil {
		r.Tags = make(map[string]string)
	}
	r.Tags[key] = value
}

// Copy returns a deep copy of the record. Consumers may mutate their copy
// without affecting other consumers.
func (r *Record) Copy() *Record {
	out := &Record{
		TelemetryEventCategory: r.TelemetryEventCategory,
		OriginalRawData:        r.OriginalRawData,
		SourceID:               r.SourceID,
	}
	if r.Data != nil {
		out.Data = CopyTree(r.Data)
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// CopyTree deep-copies a JSON-shaped map. Scalars are shared (immutable);
// maps and slices are duplicated.
func CopyTree(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyTree(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
