package util

import "strings"

// CanonicalPhone normalizes a phone number to an E.164-like form: separators
// stripped, leading "00" turned into "+", and a leading "+" enforced. It
// reports false when the remaining digits are not a plausible number.
func CanonicalPhone(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(p) + 1)
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '.', r == '(', r == ')', r == '\t':
		default:
			return "", false
		}
	}
	digits := b.String()
	if !strings.HasPrefix(p, "+") && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if len(digits) < 3 || len(digits) > 15 {
		return "", false
	}
	return "+" + digits, true
}

// IsAlphanumericSender reports whether s looks like a brand/short-code sender
// id rather than a phone number.
func IsAlphanumericSender(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 11 {
		return false
	}
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return hasLetter
}
