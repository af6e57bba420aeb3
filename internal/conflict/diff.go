package conflict

import (
	"reflect"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/example/offline-sync/internal/types"
)

// canonical rewrites every string in v to NFC so that visually identical
// edits made on different platforms compare equal.
func canonical(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = canonical(val)
		}
		return out
	case types.Fields:
		return canonical(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	default:
		return v
	}
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(canonical(a), canonical(b))
}

// changedKeys lists keys whose value or presence differs between from and to,
// restricted to keys when keys is non-nil.
func changedKeys(from, to types.Fields, keys []string) []string {
	if keys == nil {
		keys = unionKeys(from, to)
	}
	var out []string
	for _, k := range keys {
		a, inFrom := from[k]
		b, inTo := to[k]
		if inFrom != inTo || !sameValue(a, b) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func unionKeys(sets ...types.Fields) []string {
	seen := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(f types.Fields) []string {
	return unionKeys(f)
}

func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(a))
	for _, k := range a {
		in[k] = struct{}{}
	}
	var out []string
	for _, k := range b {
		if _, ok := in[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func overlay(base types.Fields, patch types.Fields) types.Fields {
	out := base.Clone()
	if out == nil {
		out = types.Fields{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
