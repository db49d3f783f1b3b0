package ohsome

import "strings"

// CombineFilters joins non-empty filter expressions with a logical AND. With
// more than one expression each is parenthesised to keep operator precedence.
func CombineFilters(filters ...string) string {
	var parts []string
	for _, f := range filters {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	for i, p := range parts {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " and ")
}
