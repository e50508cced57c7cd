// Package strutil provides rune-safe string helpers for the ai packages.
package strutil

// Truncate cuts s to maxLen runes and marks the cut with "...".
// Returns empty string if maxLen <= 0.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Head keeps the first n runes of s. n <= 0 keeps everything.
func Head(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Tail keeps the last n runes of s. n <= 0 keeps everything.
func Tail(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
