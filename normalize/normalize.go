// Package normalize provides the shape-preserving transforms applied to
// raw device responses before records enter the pipeline. Every transform
// is a pure function; missing inputs degrade to the string "missing data"
// where the contract calls for it.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// MissingData substitutes for values that could not be located.
const MissingData = "missing data"

// keyJoinSeparator joins multi-key names in ArrayToMap.
const keyJoinSeparator = "_"

// ArrayToMapOptions tunes ArrayToMap.
type ArrayToMapOptions struct {
	// KeyNamePrefix is prepended to every produced key.
	KeyNamePrefix string
	// SkipWhenKeyMissing drops entries whose key field is absent instead
	// of failing.
	SkipWhenKeyMissing bool
}

// ArrayToMap converts an array of objects into a map keyed by the named
// field (or several fields joined with "_"). Non-array input is an error.
func ArrayToMap(data any, keys []string, opts ArrayToMapOptions) (map[string]any, error) {
	items, ok := data.([]any)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("expected array, got %T", data),
			"normalize", "ArrayToMap", "input validation")
	}
	if len(keys) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no key names given"),
			"normalize", "ArrayToMap", "key validation")
	}

	out := make(map[string]any, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("element %d is not an object", i),
				"normalize", "ArrayToMap", "element validation")
		}

		parts := make([]string, 0, len(keys))
		missing := false
		for _, key := range keys {
			value, ok := obj[key]
			if !ok {
				missing = true
				break
			}
			parts = append(parts, fmt.Sprintf("%v", value))
		}
		if missing {
			if opts.SkipWhenKeyMissing {
				continue
			}
			return nil, errors.WrapInvalid(
				fmt.Errorf("element %d missing key %q", i, strings.Join(keys, keyJoinSeparator)),
				"normalize", "ArrayToMap", "key lookup")
		}

		out[opts.KeyNamePrefix+strings.Join(parts, keyJoinSeparator)] = obj
	}
	return out, nil
}

// RenamePattern describes one key rewrite. Exactly one of Constant,
// ReplaceCharacter or Pattern is expected.
type RenamePattern struct {
	// Constant replaces the whole key.
	Constant string `json:"constant,omitempty"`
	// ReplaceCharacter replaces every occurrence of the matched text.
	ReplaceCharacter string `json:"replaceCharacter,omitempty"`
	// Pattern extracts Group from a regex match and uses it as the key.
	Pattern string `json:"pattern,omitempty"`
	Group   int    `json:"group,omitempty"`
	// ExactMatch overrides the global matching mode for this entry.
	ExactMatch *bool `json:"exactMatch,omitempty"`
}

// RenameMap maps a match string to its rewrite. Within one map the first
// matching entry wins (iteration follows insertion order of the ordered
// key list, see RenameKeys).
type RenameMap struct {
	// Order preserves declaration order; map iteration alone is not
	// deterministic and order matters for overlapping matches.
	Order    []string
	Patterns map[string]RenamePattern
}

// NewRenameMap builds a RenameMap from ordered (match, pattern) pairs.
func NewRenameMap(pairs ...any) RenameMap {
	rm := RenameMap{Patterns: make(map[string]RenamePattern)}
	for i := 0; i+1 < len(pairs); i += 2 {
		match := pairs[i].(string)
		rm.Order = append(rm.Order, match)
		rm.Patterns[match] = pairs[i+1].(RenamePattern)
	}
	return rm
}

// RenameKeys walks objects recursively and rewrites keys according to the
// pattern maps, applied in order. globalExact selects exact-key matching;
// the default is substring matching. A pattern-level ExactMatch flag
// overrides the global mode.
func RenameKeys(data any, patterns []RenameMap, globalExact bool) any {
	switch val := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, inner := range val {
			out[renameKey(key, patterns, globalExact)] = RenameKeys(inner, patterns, globalExact)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RenameKeys(inner, patterns, globalExact)
		}
		return out
	default:
		return data
	}
}

func renameKey(key string, patterns []RenameMap, globalExact bool) string {
	current := key
	for _, rm := range patterns {
		for _, match := range rm.Order {
			pattern := rm.Patterns[match]

			exact := globalExact
			if pattern.ExactMatch != nil {
				exact = *pattern.ExactMatch
			}
			if exact {
				if current != match {
					continue
				}
			} else if !strings.Contains(current, match) {
				continue
			}

			current = applyRename(current, match, pattern)
			break // first match wins within a map
		}
	}
	return current
}

func applyRename(key, match string, pattern RenamePattern) string {
	switch {
	case pattern.Constant != "":
		return pattern.Constant
	case pattern.ReplaceCharacter != "":
		return strings.ReplaceAll(key, match, pattern.ReplaceCharacter)
	case pattern.Pattern != "":
		re, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			return key
		}
		groups := re.FindStringSubmatch(key)
		if groups == nil || pattern.Group >= len(groups) {
			return key
		}
		return groups[pattern.Group]
	default:
		return key
	}
}

// FilterKeys restricts an object's keys by an include list (substring
// match) or suppresses keys by an exclude list (exact match). Supplying
// both is an error. Arrays are untouched.
func FilterKeys(data any, include, exclude []string) (any, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("include and exclude are mutually exclusive"),
			"normalize", "FilterKeys", "option validation")
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}

	out := make(map[string]any)
	for key, value := range obj {
		if len(include) > 0 {
			for _, want := range include {
				if strings.Contains(key, want) {
					out[key] = value
					break
				}
			}
			continue
		}
		excluded := false
		for _, drop := range exclude {
			if key == drop {
				excluded = true
				break
			}
		}
		if !excluded {
			out[key] = value
		}
	}
	return out, nil
}

var duplicatePeriodsRE = regexp.MustCompile(`\.\.+`)

// RenameKeysByRegex recurses through objects, replacing the matched part
// of any key that matches re and coalescing duplicate periods left behind.
func RenameKeysByRegex(data any, re *regexp.Regexp, replacement string) any {
	switch val := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, inner := range val {
			renamed := key
			if re.MatchString(key) {
				renamed = duplicatePeriodsRE.ReplaceAllString(
					re.ReplaceAllString(key, replacement), ".")
				renamed = strings.Trim(renamed, ".")
			}
			out[renamed] = RenameKeysByRegex(inner, re, replacement)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RenameKeysByRegex(inner, re, replacement)
		}
		return out
	default:
		return data
	}
}

// FormatMACAddress uppercases a MAC and left-pads each octet to two hex
// digits. Strings without a colon pass through untouched.
func FormatMACAddress(mac string) string {
	if !strings.Contains(mac, ":") {
		return mac
	}
	octets := strings.Split(strings.ToUpper(mac), ":")
	for i, octet := range octets {
		if len(octet) == 1 {
			octets[i] = "0" + octet
		}
	}
	return strings.Join(octets, ":")
}

// CSVToRows parses CSV text: the first non-empty line is the header, each
// following non-empty line one row keyed by header. Short rows take empty
// strings for missing columns.
func CSVToRows(text string) ([]map[string]string, error) {
	var headers []string
	var rows []map[string]string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if headers == nil {
			headers = fields
			continue
		}
		row := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(fields) {
				row[header] = fields[i]
			} else {
				row[header] = ""
			}
		}
		rows = append(rows, row)
	}

	if headers == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no header line"),
			"normalize", "CSVToRows", "input validation")
	}
	return rows, nil
}

// RowsToCSV emits rows back as CSV using the given stable header order.
func RowsToCSV(rows []map[string]string, headers []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(headers, ","))
	for _, row := range rows {
		b.WriteByte('\n')
		fields := make([]string, len(headers))
		for i, header := range headers {
			fields[i] = row[header]
		}
		b.WriteString(strings.Join(fields, ","))
	}
	return b.String()
}

// PercentOptions tunes PercentFromKeys.
type PercentOptions struct {
	// Invert computes 100 - percent (used for free→used conversions).
	Invert bool
	// NestedObjects first sums the keys across all nested objects.
	NestedObjects bool
}

// PercentFromKeys computes round(partial/total*100) from two numeric keys.
// A zero total yields 0.
func PercentFromKeys(data map[string]any, totalKey, partialKey string, opts PercentOptions) (int, error) {
	total, partial, err := extractPair(data, totalKey, partialKey, opts.NestedObjects)
	if err != nil {
		return 0, err
	}

	var percent float64
	if total != 0 {
		percent = math.Round(partial / total * 100)
	}
	if opts.Invert {
		percent = 100 - percent
	}
	return int(percent), nil
}

func extractPair(data map[string]any, totalKey, partialKey string, nested bool) (total, partial float64, err error) {
	if nested {
		found := false
		for _, value := range data {
			obj, ok := value.(map[string]any)
			if !ok {
				continue
			}
			t, okT := toFloat(obj[totalKey])
			p, okP := toFloat(obj[partialKey])
			if okT && okP {
				total += t
				partial += p
				found = true
			}
		}
		if !found {
			return 0, 0, errors.WrapInvalid(
				fmt.Errorf("keys %q/%q not found in nested objects", totalKey, partialKey),
				"normalize", "PercentFromKeys", "key lookup")
		}
		return total, partial, nil
	}

	t, okT := toFloat(data[totalKey])
	p, okP := toFloat(data[partialKey])
	if !okT || !okP {
		return 0, 0, errors.WrapInvalid(
			fmt.Errorf("keys %q/%q not found", totalKey, partialKey),
			"normalize", "PercentFromKeys", "key lookup")
	}
	return t, p, nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// GetValue walks dot-separated path segments through nested objects and
// returns the value, or the string "missing data" when any segment is
// absent.
func GetValue(data map[string]any, path string) any {
	current := any(data)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return MissingData
		}
		current, ok = obj[seg]
		if !ok {
			return MissingData
		}
	}
	return current
}
