package adapter

import "strings"

// Case conversion between the internal lower_snake model and dialect wire
// conventions. Conversions are total and mutually inverse for well-formed
// lower_snake names; irregular wire names (playerID, EntityId) are handled
// by explicit rename tables, never by these functions.

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		parts[i] = capitalize(parts[i])
	}
	return strings.Join(parts, "")
}

func snakeToPascal(s string) string {
	parts := strings.Split(s, "_")
	for i := range parts {
		parts[i] = capitalize(parts[i])
	}
	return strings.Join(parts, "")
}

// camelToSnake inverts snakeToCamel and snakeToPascal: an underscore is
// inserted before each interior uppercase rune.
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-('a'-'A')) + s[1:]
	}
	return s
}
