package iac

import (
	"regexp"
	"sort"
)

// Unknown stands in for a reference whose target identity will only exist
// after apply.
const Unknown = "(known after apply)"

var refPattern = regexp.MustCompile(`\$\{([a-z0-9_]+\.[a-z0-9_-]+)\}`)

// Ref returns the attribute value that resolves to the remote identity of id.
func Ref(id string) string {
	return "${" + id + "}"
}

// References returns the resource IDs referenced anywhere in attrs, sorted
// and de-duplicated.
func References(attrs map[string]any) []string {
	seen := make(map[string]bool)
	var scan func(v any)
	scan = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
				seen[m[1]] = true
			}
		case map[string]any:
			for _, vv := range val {
				scan(vv)
			}
		case map[string]string:
			for _, vv := range val {
				scan(vv)
			}
		case []any:
			for _, vv := range val {
				scan(vv)
			}
		case []string:
			for _, vv := range val {
				scan(vv)
			}
		}
	}
	for _, v := range attrs {
		scan(v)
	}
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

// Resolve returns a deep copy of attrs with every reference replaced by the
// identity lookup returns. A reference lookup cannot resolve makes the whole
// string Unknown.
func Resolve(attrs map[string]any, lookup func(id string) (string, bool)) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = resolveValue(v, lookup)
	}
	return out
}

func resolveValue(v any, lookup func(string) (string, bool)) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = resolveValue(vv, lookup)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, vv := range val {
			out[k] = resolveString(vv, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = resolveValue(vv, lookup)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, vv := range val {
			out[i] = resolveString(vv, lookup)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, lookup func(string) (string, bool)) string {
	if !refPattern.MatchString(s) {
		return s
	}
	unknown := false
	resolved := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		id := refPattern.FindStringSubmatch(m)[1]
		identity, ok := lookup(id)
		if !ok {
			unknown = true
			return m
		}
		return identity
	})
	if unknown {
		return Unknown
	}
	return resolved
}

// ContainsUnknown reports whether any value in attrs is Unknown.
func ContainsUnknown(v any) bool {
	switch val := v.(type) {
	case string:
		return val == Unknown
	case map[string]any:
		for _, vv := range val {
			if ContainsUnknown(vv) {
				return true
			}
		}
	case map[string]string:
		for _, vv := range val {
			if vv == Unknown {
				return true
			}
		}
	case []any:
		for _, vv := range val {
			if ContainsUnknown(vv) {
				return true
			}
		}
	case []string:
		for _, vv := range val {
			if vv == Unknown {
				return true
			}
		}
	}
	return false
}
