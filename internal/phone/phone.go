// Package phone normalizes recipient numbers to the digits-only international form the
// messaging provider expects.
package phone

import (
	"regexp"
	"strings"
)

var validPattern = regexp.MustCompile(`^\d{7,15}$`)

// Normalizer turns user-entered numbers into international digit strings
type Normalizer struct {
	CountryCode    string
	NationalLength int
}

// NewNormalizer creates a normalizer that prefixes national numbers with countryCode
func NewNormalizer(countryCode string, nationalLength int) *Normalizer {
	return &Normalizer{
		CountryCode:    strings.TrimPrefix(countryCode, "+"),
		NationalLength: nationalLength,
	}
}

// Normalize strips formatting and adds the default country code to national numbers.
// The result is not validated; call Valid on it.
func (n *Normalizer) Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	digits = strings.TrimPrefix(digits, "00")

	if n.CountryCode == "" || n.NationalLength <= 0 {
		return digits
	}

	// trunk prefix: 0 + national number
	if len(digits) == n.NationalLength+1 && strings.HasPrefix(digits, "0") {
		digits = digits[1:]
	}
	if len(digits) == n.NationalLength {
		return n.CountryCode + digits
	}
	return digits
}

// Valid reports whether a normalized number has 7 to 15 digits
func Valid(normalized string) bool {
	return validPattern.MatchString(normalized)
}

// NormalizeValid normalizes raw and reports whether the result is valid
func (n *Normalizer) NormalizeValid(raw string) (string, bool) {
	normalized := n.Normalize(raw)
	return normalized, Valid(normalized)
}
