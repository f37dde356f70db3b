package policy

import (
	"strings"
	"unicode/utf8"
)

// Validator applies content checks to a complete assembled response.
type Validator struct {
	// MinLength/MaxLength bound the response in runes. Zero MaxLength
	// means unbounded.
	MinLength int
	MaxLength int
	// BlockedTerms rejects a response containing any term,
	// case-insensitively.
	BlockedTerms []string
}

// Check returns ok=false with a short machine-readable reason when the
// response violates a configured rule.
func (v Validator) Check(response string) (ok bool, reason string) {
	n := utf8.RuneCountInString(strings.TrimSpace(response))
	if n < v.MinLength {
		return false, "response_too_short"
	}
	if v.MaxLength > 0 && n > v.MaxLength {
		return false, "response_too_long"
	}
	lower := strings.ToLower(response)
	for _, term := range v.BlockedTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(lower, term) {
			return false, "blocked_term"
		}
	}
	return true, ""
}
