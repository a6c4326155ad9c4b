// Package idgen generates pairing codes shared between kiosk and phone.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// ShortAlphabet leaves out O, I, 0 and 1 so typed codes are unambiguous.
const ShortAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const shortGroupLen = 4

// Generator returns a fresh pairing code.
type Generator func() (string, error)

// UUID codes go into QR links and are never typed by hand.
func UUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return id.String(), nil
}

// Short returns an XXXX-XXXX code for manual entry on the phone.
func Short() (string, error) {
	part1, err := nanoid.Generate(ShortAlphabet, shortGroupLen)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	part2, err := nanoid.Generate(ShortAlphabet, shortGroupLen)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return part1 + "-" + part2, nil
}

// ForFormat maps a PAIRING_CODE_FORMAT value to its generator.
func ForFormat(format string) Generator {
	if format == "short" {
		return Short
	}
	return UUID
}
