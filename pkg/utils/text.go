package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeText drops control characters except newline and tab, folds CRLF
// into LF and trims surrounding whitespace.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateRunes cuts s to at most max runes, marking the cut with an
// ellipsis.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
