package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// ResolveTemplate resolves {{dotted.path}} markers in a template string
// against the variable store. When the whole template is exactly one marker
// the value is returned in its native type; otherwise every marker is
// substituted by its string form and the result is a string.
//
// Dotted segments index into nested maps; a numeric segment indexes into a
// sequence. A missing path fails with kind UNKNOWN_PATH. The function has no
// side effects and is safe to call concurrently from parallel branches.
func ResolveTemplate(template string, vars map[string]any) (any, error) {
	if path, ok := singleMarker(template); ok {
		return LookupPath(vars, path)
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}
		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrKindValidation, "unclosed {{ marker in template %q", template)
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path == "" {
			return nil, schema.NewError(schema.ErrKindValidation, "empty {{ }} marker")
		}

		val, err := LookupPath(vars, path)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// ResolveMapping resolves each value of an inputMapping as a template.
func ResolveMapping(mapping map[string]string, vars map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(mapping))
	for key, tmpl := range mapping {
		val, err := ResolveTemplate(tmpl, vars)
		if err != nil {
			return nil, err
		}
		resolved[key] = val
	}
	return resolved, nil
}

// LookupPath resolves a dotted path against the variable store.
func LookupPath(vars map[string]any, path string) (any, error) {
	if vars == nil {
		return nil, unknownPath(path, path)
	}

	// Direct key lookup first (supports keys containing dots).
	if val, ok := vars[path]; ok {
		return val, nil
	}

	segments := strings.Split(path, ".")
	var current any = vars

	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, unknownPath(path, seg)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, unknownPath(path, seg)
			}
			current = v[idx]
		default:
			return nil, unknownPath(path, seg)
		}
	}

	return current, nil
}

// singleMarker reports whether the template is exactly one {{path}} marker,
// returning the inner path when it is.
func singleMarker(template string) (string, bool) {
	t := strings.TrimSpace(template)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(t[2 : len(t)-2])
	if inner == "" || strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

// stringify renders a resolved value for substitution inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func unknownPath(path, segment string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrKindUnknownPath, "unknown path %q (at %q)", path, segment).
		WithDetails(map[string]any{"path": path, "segment": segment})
}

// HasMarkers reports whether a string contains any {{...}} markers.
func HasMarkers(s string) bool {
	return strings.Contains(s, "{{")
}
