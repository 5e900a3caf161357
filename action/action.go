// Package action applies user-ordered transformation actions to records:
// tagging, sub-tree inclusion/exclusion and JMESPath expressions. Actions
// run left-to-right and never propagate failures to the caller; a failing
// action is logged and the record continues unchanged from its pre-action
// state.
package action

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/blheatwole/f5-telemetry-streaming/message"
)

// Placeholders usable in setTag values, resolved from the tenant and
// application inferred from fully-qualified object paths in the record.
const (
	TenantPlaceholder      = "`T`"
	ApplicationPlaceholder = "`A`"
)

// Spec describes one action in a declaration. Exactly one of SetTag,
// IncludeData, ExcludeData or Expression is expected; Enable defaults to
// true when omitted.
type Spec struct {
	Enable      *bool          `json:"enable,omitempty"`
	SetTag      map[string]any `json:"setTag,omitempty"`
	IncludeData []string       `json:"includeData,omitempty"`
	ExcludeData []string       `json:"excludeData,omitempty"`
	Expression  string         `json:"expression,omitempty"`
}

// Enabled reports whether the action should run.
func (s Spec) Enabled() bool {
	return s.Enable == nil || *s.Enable
}

// Processor applies an ordered action chain to records.
type Processor struct {
	specs  []Spec
	logger *slog.Logger
}

// NewProcessor creates a processor for the given chain. A nil logger falls
// back to slog.Default.
func NewProcessor(specs []Spec, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{specs: specs, logger: logger}
}

// Apply runs the chain on the record in order. Individual action failures
// are swallowed: the record is restored to its pre-action state and the
// chain continues.
func (p *Processor) Apply(r *message.Record) {
	if r == nil {
		return
	}

	for i, spec := range p.specs {
		if !spec.Enabled() {
			continue
		}

		snapshot := r.Copy()
		if err := applyOne(spec, r); err != nil {
			p.logger.Warn("action failed, keeping pre-action record",
				"action_index", i, "error", err)
			r.Data = snapshot.Data
			r.Tags = snapshot.Tags
		}
	}
}

func applyOne(spec Spec, r *message.Record) error {
	switch {
	case len(spec.SetTag) > 0:
		return applySetTag(spec.SetTag, r)
	case len(spec.IncludeData) > 0:
		return applyIncludeData(spec.IncludeData, r)
	case len(spec.ExcludeData) > 0:
		return applyExcludeData(spec.ExcludeData, r)
	case spec.Expression != "":
		return applyExpression(spec.Expression, r)
	default:
		return nil
	}
}

// fqPathRE matches fully-qualified object paths like /Tenant/App/item or
// /Tenant/item.
var fqPathRE = regexp.MustCompile(`^/([^/]+)(?:/([^/]+))?(?:/.*)?$`)

func applySetTag(tags map[string]any, r *message.Record) error {
	tenant, application := inferTenantApplication(r)

	for key, raw := range tags {
		value := fmt.Sprintf("%v", raw)
		value = strings.ReplaceAll(value, TenantPlaceholder, tenant)
		value = strings.ReplaceAll(value, ApplicationPlaceholder, application)
		r.SetTag(key, value)
	}
	return nil
}

// inferTenantApplication extracts tenant/application from the first
// fully-qualified path seen in the record: top-level data keys first, then
// one level of nested object keys, then the virtual_name field of event
// records.
func inferTenantApplication(r *message.Record) (tenant, application string) {
	match := func(key string) bool {
		m := fqPathRE.FindStringSubmatch(key)
		if m == nil {
			return false
		}
		tenant = m[1]
		application = m[2]
		return true
	}

	for key := range r.Data {
		if match(key) {
			return tenant, application
		}
	}
	for _, v := range r.Data {
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for key := range nested {
			if match(key) {
				return tenant, application
			}
		}
	}
	if vn, ok := r.Data["virtual_name"].(string); ok {
		if match(vn) {
			return tenant, application
		}
	}
	return "", ""
}

func applyIncludeData(paths []string, r *message.Record) error {
	kept := make(map[string]any)
	matched := false
	for _, path := range paths {
		value, ok := getPath(r.Data, path)
		if !ok {
			continue
		}
		matched = true
		setPath(kept, path, value)
	}
	if !matched {
		return fmt.Errorf("includeData: no path matched")
	}
	r.Data = kept
	return nil
}

func applyExcludeData(paths []string, r *message.Record) error {
	for _, path := range paths {
		deletePath(r.Data, path)
	}
	return nil
}

func applyExpression(expression string, r *message.Record) error {
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return fmt.Errorf("compile %q: %w", expression, err)
	}

	result, err := compiled.Search(map[string]any(r.Data))
	if err != nil {
		return fmt.Errorf("search %q: %w", expression, err)
	}

	switch out := result.(type) {
	case nil:
		// No match leaves the record untouched.
		return nil
	case map[string]any:
		r.Data = out
	default:
		r.Data = map[string]any{"value": out}
	}
	return nil
}

// Path helpers on dot-separated segments.

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func getPath(data map[string]any, path string) (any, bool) {
	segments := splitPath(path)
	current := any(data)
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(data map[string]any, path string, value any) {
	segments := splitPath(path)
	node := data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
}

func deletePath(data map[string]any, path string) {
	segments := splitPath(path)
	node := data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	delete(node, segments[len(segments)-1])
}
