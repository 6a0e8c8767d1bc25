// Package stringutil provides small string helpers shared across packages.
package stringutil

// Truncate caps s at max bytes. Longer strings are cut and end with an
// ellipsis so readers can tell the value was shortened.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
