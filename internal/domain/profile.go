// Package domain contains core domain types shared by the assessment client and evaluator.
package domain

import "strings"

// Profile is the opaque user profile handed to the evaluator unchanged.
type Profile map[string]any

// Key returns a stable identifier for the profile, used for local bookmarks.
// It prefers an explicit "id", then "email", then "name".
func (p Profile) Key() string {
	for _, field := range []string{"id", "email", "name"} {
		if v, ok := p[field].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return strings.ToLower(v)
			}
		}
	}
	return ""
}
