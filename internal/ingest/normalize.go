package ingest

import (
	"strings"
	"unicode"
)

// NormalizeName produces the case-insensitive match key for organization
// names: punctuation dropped, whitespace collapsed, upper-cased.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r) || r == '-' || r == '/':
			space = true
		case r == '&':
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteByte('&')
			space = true
		}
	}
	return b.String()
}

// NormalizeUEI trims and upper-cases a Unique Entity Identifier.
func NormalizeUEI(uei string) string {
	return strings.ToUpper(strings.TrimSpace(uei))
}
