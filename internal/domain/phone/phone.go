// Package phone canonicalizes customer phone numbers into the 10-digit local
// format used as the key for cooldown lookups and duplicate detection.
package phone

import (
	"strings"

	"github.com/go-faster/errors"
)

const (
	countryCode = "233"
	localLength = 10
)

// ErrInvalid is returned when a string cannot be normalized into a local number.
var ErrInvalid = errors.New("invalid phone number")

// DuplicateError reports a phone that appears more than once in one request.
type DuplicateError struct {
	Phone string
}

func (e *DuplicateError) Error() string {
	return "duplicate phone number " + e.Phone
}

// Normalize strips every non-digit, collapses the country-code prefix into the
// local leading-zero form and requires exactly ten digits.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == len(countryCode)+localLength-1 && strings.HasPrefix(digits, countryCode):
		digits = "0" + digits[len(countryCode):]
	case len(digits) == len(countryCode)+localLength && strings.HasPrefix(digits, countryCode+"0"):
		digits = digits[len(countryCode):]
	case len(digits) == localLength-1 && digits[0] != '0':
		digits = "0" + digits
	}

	if len(digits) != localLength || digits[0] != '0' {
		return "", errors.Wrapf(ErrInvalid, "%q", raw)
	}
	return digits, nil
}

// NormalizeAll normalizes every input and rejects the batch on the first
// malformed or repeated number. Order is preserved.
func NormalizeAll(raws []string) ([]string, error) {
	out := make([]string, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		p, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			return nil, &DuplicateError{Phone: p}
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

var networkPrefixes = map[string]string{
	"024": "mtn", "025": "mtn", "053": "mtn", "054": "mtn", "055": "mtn", "059": "mtn",
	"020": "telecel", "050": "telecel",
	"026": "airteltigo", "027": "airteltigo", "056": "airteltigo", "057": "airteltigo",
}

// NetworkHint guesses the network from the number prefix. Numbers get ported
// between networks, so the result is advisory only.
func NetworkHint(p string) (string, bool) {
	if len(p) < 3 {
		return "", false
	}
	n, ok := networkPrefixes[p[:3]]
	return n, ok
}
