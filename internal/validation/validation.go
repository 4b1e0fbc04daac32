package validation

import (
	"errors"
	"regexp"
	"strings"
)

// ErrZipEmpty is returned when the zip is empty or whitespace-only after trim.
var ErrZipEmpty = errors.New("zip code is required")

// ErrZipInvalid is returned when the zip is not 5 digits with an optional -4 extension.
var ErrZipInvalid = errors.New("zip code must be 5 digits, optionally followed by -4 digits")

var zipPattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// ValidateZip trims the input and checks it against the US zip format (12345 or 12345-6789).
// Returns the trimmed zip or an error suitable for 400 INVALID_ZIP responses.
func ValidateZip(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrZipEmpty
	}
	if !zipPattern.MatchString(s) {
		return "", ErrZipInvalid
	}
	return s, nil
}

// IsValidationError reports whether err came from ValidateZip.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrZipEmpty) || errors.Is(err, ErrZipInvalid)
}
