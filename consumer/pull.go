package consumer

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/message"
)

// encodeRecord renders a record as its JSON wire form.
func encodeRecord(r *message.Record) ([]byte, error) {
	return json.Marshal(r)
}

// PullRenderer turns the records collected for a pull consumer into the
// response body an external scraper receives.
type PullRenderer interface {
	// Type reports the declaration pull consumer type.
	Type() string
	// Render produces the scrape body and its content type.
	Render(records []*message.Record) ([]byte, string, error)
}

// NewPullRenderer builds the renderer for a pull consumer type. The
// default is raw JSON.
func NewPullRenderer(consumerType string) PullRenderer {
	if consumerType == "Prometheus" {
		return &prometheusRenderer{}
	}
	return &jsonRenderer{consumerType: consumerType}
}

// jsonRenderer emits the collected records as a JSON array.
type jsonRenderer struct {
	consumerType string
}

func (r *jsonRenderer) Type() string {
	if r.consumerType == "" {
		return "JSON"
	}
	return r.consumerType
}

func (r *jsonRenderer) Render(records []*message.Record) ([]byte, string, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, "", errors.WrapInvalid(err, "PullConsumer", "Render", "encode records")
	}
	return body, "application/json", nil
}

// prometheusRenderer flattens every numeric leaf of the collected records
// into gauges and emits Prometheus exposition text.
type prometheusRenderer struct{}

func (*prometheusRenderer) Type() string { return "Prometheus" }

var metricNameSanitizerRE = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func (*prometheusRenderer) Render(records []*message.Record) ([]byte, string, error) {
	registry := prometheus.NewRegistry()

	gauges := make(map[string]float64)
	for _, record := range records {
		flattenNumeric("f5", record.Data, gauges)
	}

	names := make([]string, 0, len(gauges))
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name,
			Help: "telemetry metric",
		})
		gauge.Set(gauges[name])
		if err := registry.Register(gauge); err != nil {
			return nil, "", errors.WrapInvalid(err, "PullConsumer", "Render", "register gauge")
		}
	}

	families, err := registry.Gather()
	if err != nil {
		return nil, "", errors.WrapTransient(err, "PullConsumer", "Render", "gather metrics")
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return nil, "", errors.WrapTransient(err, "PullConsumer", "Render", "encode family")
		}
	}
	return buf.Bytes(), string(expfmt.NewFormat(expfmt.TypeTextPlain)), nil
}

// flattenNumeric walks a JSON tree collecting numeric leaves under
// underscore-joined, sanitized metric names.
func flattenNumeric(prefix string, data map[string]any, out map[string]float64) {
	for key, value := range data {
		name := prefix + "_" + sanitizeMetricName(key)
		switch v := value.(type) {
		case map[string]any:
			flattenNumeric(name, v, out)
		case float64:
			out[name] = v
		case int:
			out[name] = float64(v)
		case bool:
			if v {
				out[name] = 1
			} else {
				out[name] = 0
			}
		}
	}
}

func sanitizeMetricName(key string) string {
	cleaned := metricNameSanitizerRE.ReplaceAllString(key, "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "value"
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "_" + cleaned
	}
	return cleaned
}
