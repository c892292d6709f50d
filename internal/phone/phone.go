// Package phone normalizes destination addresses into the international form the
// messaging surface accepts in its deep links.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyDestination is returned when an address contains no digits.
var ErrEmptyDestination = errors.New("destination address has no digits")

// Normalizer rewrites addresses to "+<country code><subscriber digits>".
type Normalizer struct {
	countryCode string
}

// NewNormalizer returns a Normalizer for the given default country calling code.
// A leading '+' on the code is tolerated; anything else must be digits.
func NewNormalizer(countryCode string) (*Normalizer, error) {
	code := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if code == "" {
		return nil, fmt.Errorf("country calling code is empty")
	}
	if digitsOnly(code) != code {
		return nil, fmt.Errorf("country calling code %q must contain digits only", countryCode)
	}
	return &Normalizer{countryCode: code}, nil
}

// CountryCode returns the configured code without a '+'.
func (n *Normalizer) CountryCode() string { return n.countryCode }

// Normalize maps raw to its normalized form. It is deterministic and idempotent:
// Normalize(Normalize(x)) == Normalize(x) for every x that normalizes without error.
func (n *Normalizer) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")

	digits := digitsOnly(trimmed)
	if digits == "" {
		return "", ErrEmptyDestination
	}

	switch {
	case hasPlus:
		return "+" + digits, nil
	case strings.HasPrefix(digits, n.countryCode):
		return "+" + digits, nil
	default:
		return "+" + n.countryCode + digits, nil
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
