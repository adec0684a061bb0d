// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxDetailLen bounds error details stored on jobs and sent to clients.
const maxDetailLen = 500

// tempPathRe matches absolute paths under common scratch roots so worker
// filesystem layout never leaks into client-visible errors.
var tempPathRe = regexp.MustCompile(`(/private)?/(tmp|var/tmp|var/folders)/[^\s"']*`)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SanitizeErrorDetail prepares an internal error message for storage and
// client delivery: control characters stripped, scratch paths redacted, and
// the result truncated.
func SanitizeErrorDetail(s string) string {
	s = SanitizeText(s)
	s = tempPathRe.ReplaceAllString(s, "<temp_path>")
	return Truncate(s, maxDetailLen)
}

// Truncate cuts s to at most n bytes, appending an ellipsis when cut. The
// cut point backs up to a rune boundary so the result stays valid UTF-8.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:runeBoundary(s, n)]
	}
	return s[:runeBoundary(s, n-3)] + "..."
}

// runeBoundary returns the largest index <= i that starts a rune in s.
func runeBoundary(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
