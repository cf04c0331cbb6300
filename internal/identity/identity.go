// Package identity canonicalizes the heterogeneous identifiers iMessage
// hands us (E.164 phone numbers, bare digit strings, emails, opaque group
// chat ids) into the single form used as a storage key everywhere else.
package identity

import "strings"

// Normalize maps a raw identifier to its canonical form.
//
// Phone-like inputs reduce to digits only, so "+1 (669) 281-9325",
// "1-669-281-9325" and "16692819325" all key the same conversation.
// Everything else (emails, group chat GUIDs like "chat83420...") passes
// through unchanged. Total over all strings; the empty string maps to itself.
//
// Short all-digit ids (fewer than 7 digits, e.g. numeric group ids) are
// normalized the same way as phone numbers. That can collide with phone
// suffixes; policy here is uniform normalization rather than a length cutoff.
func Normalize(id string) string {
	digits := Digits(id)
	if digits == "" {
		return id
	}
	if strings.HasPrefix(id, "+") || isFormattedPhone(id) {
		return digits
	}
	return id
}

// IsEmail reports whether an identifier is email-shaped.
func IsEmail(id string) bool {
	return strings.Contains(id, "@")
}

// Digits strips every non-digit character.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LastN returns the trailing n characters of s, or s itself when shorter.
func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// isFormattedPhone reports whether s is digits plus common phone formatting
// only. This keeps emails with digits ("sam2@acme.com") and alphanumeric
// chat ids out of the phone path.
func isFormattedPhone(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '+':
		default:
			return false
		}
	}
	return true
}
