package util

import (
	"html"
	"strings"
	"unicode"
)

// MaxLabelLength caps free-text labels such as device names.
const MaxLabelLength = 64

// SanitizeLabel trims, strips control characters, escapes HTML and caps the length
// of a user-supplied label before it is stored or echoed back.
func SanitizeLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if runes := []rune(s); len(runes) > MaxLabelLength {
		s = string(runes[:MaxLabelLength])
	}
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup, template or control characters in identifiers that
// should be plain tokens, such as device ids and biometric key ids.
func ContainsSuspicious(s string) bool {
	if strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsControl(r) || strings.ContainsRune(`<>${}"'\`, r)
	}) {
		return true
	}
	lower := strings.ToLower(s)
	for _, fragment := range []string{"script", "onerror", "onload"} {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
