// Package mask hides secret material in payloads before they reach logs or
// trace files. Any field whose key matches the secret key set, at any depth,
// is replaced with the mask string. Cyclic structures are cut with a
// sentinel instead of recursing forever.
package mask

import (
	"reflect"
	"strings"
)

// Mask replaces the value of every secret-keyed field.
const Mask = "*********"

// CircularRef is substituted when traversal revisits a map or slice.
const CircularRef = "circularRefFound"

// maxDepth bounds traversal of degenerate trees.
const maxDepth = 128

// secretKeys is matched case-insensitively against map keys.
var secretKeys = map[string]struct{}{
	"passphrase": {},
	"ciphertext": {},
}

// IsSecretKey reports whether key names a field that must never be logged
// in plain form.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(key)]
	return ok
}

// Secrets returns a copy of v with all secret-keyed fields masked. The
// input is not modified. Maps and slices are copied; scalars pass through.
func Secrets(v any) any {
	return maskValue(v, make(map[uintptr]struct{}), 0)
}

func maskValue(v any, seen map[uintptr]struct{}, depth int) any {
	if depth > maxDepth {
		return CircularRef
	}

	switch val := v.(type) {
	case map[string]any:
		id := reflect.ValueOf(val).Pointer()
		if _, ok := seen[id]; ok {
			return CircularRef
		}
		seen[id] = struct{}{}
		defer delete(seen, id)

		out := make(map[string]any, len(val))
		for k, inner := range val {
			if IsSecretKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = maskValue(inner, seen, depth+1)
		}
		return out
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		id := reflect.ValueOf(val).Pointer()
		if _, ok := seen[id]; ok {
			return CircularRef
		}
		seen[id] = struct{}{}
		defer delete(seen, id)

		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = maskValue(inner, seen, depth+1)
		}
		return out
	default:
		return v
	}
}
