// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// maxValueLen bounds a sanitized field so a hostile header cannot flood logs.
const maxValueLen = 512

// tokenPrefixLen is how much of a secret token may appear in logs.
const tokenPrefixLen = 10

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117) and truncates long values.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + "...(truncated)"
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// TokenPrefix returns the first characters of a state, nonce or session
// token followed by "...", so a token can be correlated across log lines
// without being usable.
func TokenPrefix(token string) string {
	if len(token) > tokenPrefixLen {
		return Sanitize(token[:tokenPrefixLen]) + "..."
	}
	return Sanitize(token)
}
