package internal

import (
	"strings"
)

// SnakeToCamel converts "first_name" to "firstName". Keys without an
// underscore are returned unchanged.
func SnakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(p)
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// CamelKeys returns a copy of m with every top-level key camelCased. When
// both spellings of a key are present the camelCase one wins.
func CamelKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		ck := SnakeToCamel(k)
		if _, exists := out[ck]; exists && ck != k {
			continue
		}
		out[ck] = v
	}
	return out
}
