package listener

import (
	"regexp"

	"github.com/blheatwole/f5-telemetry-streaming/message"
)

// Category inference runs pattern heuristics over the raw frame text. The
// first matching rule wins; anything unrecognized is a plain event.
var categoryRules = []struct {
	pattern  *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`virtual_name="?[^",]+`), message.CategoryLTM},
	{regexp.MustCompile(`policy_name="?[^",]+|attack_type="?[^",]+|policy_apply_date=`), message.CategoryASM},
	{regexp.MustCompile(`Access_Profile="?[^",]+|Access_Policy_Result=`), message.CategoryAPM},
	{regexp.MustCompile(`EOCTimestamp="?\d+|AggrInterval=`), message.CategoryAVR},
	{regexp.MustCompile(`^<\d+>`), message.CategorySyslog},
}

// classify infers the telemetry event category from raw frame text.
func classify(raw string) string {
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(raw) {
			return rule.category
		}
	}
	return message.CategoryEvent
}

// kvPairRE matches key="value" and key=value pairs.
var kvPairRE = regexp.MustCompile(`([A-Za-z0-9_.-]+)=(?:"((?:[^"\\]|\\.)*)"|([^",\s]+))`)

// parseFields extracts key/value pairs from a frame. Frames with no pairs
// are wrapped whole under the "data" key.
func parseFields(raw string) map[string]any {
	matches := kvPairRE.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return map[string]any{"data": raw}
	}

	fields := make(map[string]any, len(matches))
	for _, m := range matches {
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		fields[m[1]] = value
	}
	return fields
}
