package util

import (
	"regexp"
)

var (
	uuidRegex      = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	shortCodeRegex = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidPairingCode accepts both code formats. Anything else cannot exist
// in the store, so handlers reject it before a lookup.
func IsValidPairingCode(code string) bool {
	return IsValidUUID(code) || shortCodeRegex.MatchString(code)
}
