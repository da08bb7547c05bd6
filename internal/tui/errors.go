package tui

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// humanError keeps the innermost message of a wrapped error string.
// "agent dq reason (iteration 1): reasoning: timeout" → "Timeout"
func humanError(msg string) string {
	msg = strings.TrimSpace(msg)
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		r, size := utf8.DecodeRuneInString(inner)
		return string(unicode.ToUpper(r)) + inner[size:]
	}
	return msg
}
