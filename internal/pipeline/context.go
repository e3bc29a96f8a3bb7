package pipeline

import (
	"maps"
	"strings"
)

// RunContext is the mutable state threaded through the steps of a single
// run. It is never shared between runs.
type RunContext map[string]any

func NewRunContext() RunContext {
	return make(RunContext)
}

// Merge adds or overwrites keys. Nothing is ever deleted.
func (rc RunContext) Merge(bindings map[string]any) {
	maps.Copy(rc, bindings)
}

// Lookup walks a dotted path through nested mappings.
func (rc RunContext) Lookup(path string) (any, bool) {
	var cur any = map[string]any(rc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Snapshot returns a shallow copy suitable for reporting.
func (rc RunContext) Snapshot() map[string]any {
	return maps.Clone(map[string]any(rc))
}

// ResolveParams returns a copy of params where string values of the form
// "@a.b" are replaced by the value found at that path in the context.
// Unresolvable references become nil.
func (rc RunContext) ResolveParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = rc.resolve(v)
	}
	return out
}

func (rc RunContext) resolve(v any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "@") || len(s) == 1 {
		return v
	}
	val, found := rc.Lookup(s[1:])
	if !found {
		return nil
	}
	return val
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case RunContext:
		return m, true
	default:
		return nil, false
	}
}
