package ledger

import (
	"strings"
	"unicode"
)

// NormalizeToken strips the grouping separators and whitespace people add when
// transcribing a token by hand, and upper-cases the rest.
func NormalizeToken(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// FormatToken groups a token in blocks of four for printing on labels.
func FormatToken(token string) string {
	var b strings.Builder
	for i, r := range token {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaxReferenceLen bounds actor references and order ids.
const MaxReferenceLen = 128

// ValidateReference checks an opaque identifier supplied by a collaborator.
func ValidateReference(field, v string) error {
	if strings.TrimSpace(v) != v {
		return Invalid(field, "must not have leading or trailing whitespace")
	}
	if v == "" {
		return Invalid(field, "is required")
	}
	if len(v) > MaxReferenceLen {
		return Invalid(field, "is too long")
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return Invalid(field, "contains control characters")
		}
	}
	return nil
}
