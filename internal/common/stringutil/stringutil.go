// Package stringutil holds small string helpers shared across packages.
package stringutil

import "unicode/utf8"

// Truncate caps s at max bytes without splitting a rune. A max below 1
// returns the empty string.
func Truncate(s string, max int) string {
	if max < 1 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Ellipsize caps s at roughly max bytes, appending "…" when anything was
// cut. Useful for tool output and activity details that feed log lines
// and events.
func Ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return Truncate(s, max) + "…"
}
