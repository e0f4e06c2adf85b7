package utils

import (
	"sort"
	"strings"
)

// NormalizeValue recursively normalizes a value so that two values that are
// equal in content always render the same way, regardless of how they were built.
func NormalizeValue(value any) any {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		result := make(map[string]any, len(v))
		for _, k := range keys {
			result[k] = NormalizeValue(v[k])
		}
		return result
	case []any:
		// Copy so the caller's slice is never modified
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = NormalizeValue(item)
		}
		return result
	default:
		return v
	}
}

// NormalizeSQL collapses newlines and tabs into spaces and trims the result,
// so multi-line statements log and render on one line.
func NormalizeSQL(sql string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, sql))
}

// CopyArgs returns a detached copy of a positional argument list.
func CopyArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	copy(out, args)
	return out
}
