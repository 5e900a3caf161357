package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ASM attack-state summaries derived from the policy list.
const (
	ASMStatePending    = "Pending Policy Changes"
	ASMStateConsistent = "Policies Consistent"
)

// isoMillis is the emitted datetime layout.
const isoMillis = "2006-01-02T15:04:05.000Z"

// ASMState reports whether any security policy carries unapplied changes.
func ASMState(policies []any) string {
	for _, p := range policies {
		obj, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if modified, ok := obj["isModified"].(bool); ok && modified {
			return ASMStatePending
		}
	}
	return ASMStateConsistent
}

// acceptedLayouts cover the datetime shapes devices emit.
var acceptedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ASMLastChange returns the maximum parseable versionDatetime across all
// policies as ISO-8601 with millisecond precision. Empty or unparseable
// input yields an empty string.
func ASMLastChange(policies []any) string {
	var latest time.Time
	found := false

	for _, p := range policies {
		obj, ok := p.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := obj["versionDatetime"].(string)
		if !ok {
			continue
		}
		for _, layout := range acceptedLayouts {
			parsed, err := time.Parse(layout, raw)
			if err != nil {
				continue
			}
			if !found || parsed.After(latest) {
				latest = parsed
				found = true
			}
			break
		}
	}

	if !found {
		return ""
	}
	return latest.UTC().Format(isoMillis)
}

// RestructureMemberReferences joins pool/WideIP member statistics with
// their item-side metadata. Stat entries are keyed by the
// "/members/<vs>:<server>/stats" fragment of their selfLink; item entries
// by parsing their own selfLink. Matching members are merged, stats
// winning on key collisions.
func RestructureMemberReferences(stats, items map[string]any) map[string]any {
	out := make(map[string]any)

	itemByMember := make(map[string]map[string]any, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		link, _ := item["selfLink"].(string)
		if member := memberFromSelfLink(link); member != "" {
			itemByMember[member] = item
		}
	}

	for _, raw := range stats {
		stat, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		link, _ := stat["selfLink"].(string)
		member := memberFromSelfLink(link)
		if member == "" {
			continue
		}

		merged := make(map[string]any)
		if item, ok := itemByMember[member]; ok {
			for k, v := range item {
				merged[k] = v
			}
		}
		for k, v := range stat {
			merged[k] = v
		}
		out[member] = merged
	}
	return out
}

// memberFromSelfLink extracts "<vs>:<server>" from a selfLink containing a
// "/members/<vs>:<server>" or "/members/<vs>:<server>/stats" fragment.
func memberFromSelfLink(link string) string {
	const marker = "/members/"
	idx := strings.Index(link, marker)
	if idx < 0 {
		return ""
	}
	member := link[idx+len(marker):]
	if end := strings.IndexAny(member, "/?"); end >= 0 {
		member = member[:end]
	}
	return member
}

// ThroughputPreProcess disambiguates duplicate throughput keys: when a
// key's value arrives as an array (the device reported the key twice), the
// entries are split into numbered keys qualified by their inner
// Packets/Bits keys.
func ThroughputPreProcess(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		entries, ok := value.([]any)
		if !ok {
			out[key] = value
			continue
		}
		for _, entry := range entries {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			suffix := ""
			for inner := range obj {
				if strings.Contains(inner, "Packets") {
					suffix = " Packets"
					break
				}
				if strings.Contains(inner, "Bits") {
					suffix = " Bits"
					break
				}
			}
			out[key+suffix] = obj
		}
	}
	return out
}

// throughputValueKeys are the only value columns kept by post-processing.
var throughputValueKeys = map[string]struct{}{
	"average": {},
	"current": {},
	"max":     {},
}

// ThroughputPostProcess restricts each throughput entry to the
// average/current/max columns (lowercased, coerced to float) and renames
// the outer key to camelCase, numbering collisions.
func ThroughputPostProcess(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		obj, ok := data[key].(map[string]any)
		if !ok {
			continue
		}

		values := make(map[string]any)
		for inner, v := range obj {
			lowered := strings.ToLower(inner)
			if _, keep := throughputValueKeys[lowered]; !keep {
				continue
			}
			if f, ok := toFloat(v); ok {
				values[lowered] = f
			}
		}

		renamed := toCamelCase(key)
		if _, exists := out[renamed]; exists {
			n := 1
			for {
				candidate := fmt.Sprintf("%s%d", renamed, n)
				if _, exists := out[candidate]; !exists {
					renamed = candidate
					break
				}
				n++
			}
		}
		out[renamed] = values
	}
	return out
}

// toCamelCase lowercases the first word and title-cases the rest, joining
// on spaces: "In Packets" -> "inPackets".
func toCamelCase(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(words[0]))
	for _, word := range words[1:] {
		if word == "" {
			continue
		}
		b.WriteString(strings.ToUpper(word[:1]))
		b.WriteString(strings.ToLower(word[1:]))
	}
	return b.String()
}
