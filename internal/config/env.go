package config

import (
	"os"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} in every string reachable from v, descending into
// maps and slices. Unset variables expand to "". Other values pass through.
func ExpandEnv(v any) any {
	return expandWith(v, os.Getenv)
}

func expandWith(v any, lookup func(string) string) any {
	switch val := v.(type) {
	case string:
		return placeholderPattern.ReplaceAllStringFunc(val, func(m string) string {
			return lookup(placeholderPattern.FindStringSubmatch(m)[1])
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandWith(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandWith(item, lookup)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = expandWith(item, lookup).(string)
		}
		return out
	default:
		return v
	}
}

// expandMap is ExpandEnv for the common top-level case.
func expandMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return ExpandEnv(m).(map[string]any)
}
