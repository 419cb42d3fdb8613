package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches one template reference, e.g. {{ inputs.url }} or
// {{ steps.fetch.output.body }}.
var refPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// StepRefs returns the step ids referenced by template expressions inside v.
// A reference to steps.<id>... induces an implicit dependency on <id>.
func StepRefs(v any) []string {
	seen := make(map[string]struct{})
	collectRefs(v, seen)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func collectRefs(v any, seen map[string]struct{}) {
	switch t := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
			parts := strings.Split(m[1], ".")
			if len(parts) >= 2 && parts[0] == "steps" {
				seen[parts[1]] = struct{}{}
			}
		}
	case map[string]any:
		for _, e := range t {
			collectRefs(e, seen)
		}
	case []any:
		for _, e := range t {
			collectRefs(e, seen)
		}
	}
}

// Resolver looks up one dotted reference path ("inputs.url",
// "steps.a.output.body"). ok is false when the path does not resolve.
type Resolver func(path string) (value any, ok bool)

// Render substitutes template references inside v. A string consisting of
// exactly one reference is replaced by the referenced value with its type
// preserved; references embedded in longer strings are stringified in place.
// Maps and slices are rendered recursively into fresh values.
func Render(v any, resolve Resolver) (any, error) {
	switch t := v.(type) {
	case string:
		return renderString(t, resolve)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := Render(e, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := Render(e, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(s string, resolve Resolver) (any, error) {
	// Whole-string reference keeps the referenced value's type.
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		val, ok := resolve(m[1])
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", m[1])
		}
		return val, nil
	}
	var badRef error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := refPattern.FindStringSubmatch(match)[1]
		val, ok := resolve(path)
		if !ok {
			if badRef == nil {
				badRef = fmt.Errorf("unresolved reference %q", path)
			}
			return match
		}
		return stringify(val)
	})
	if badRef != nil {
		return nil, badRef
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Lookup navigates a dotted path into nested maps and slices. Numeric path
// segments index slices.
func Lookup(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
