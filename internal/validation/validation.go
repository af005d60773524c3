// Package validation checks location input arriving over HTTP before it reaches
// the geocoder.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMinLength matches the shortest query the resolver will look up.
	DefaultMinLength = 2
	DefaultMaxLength = 100
)

var (
	ErrLocationEmpty        = errors.New("location is required")
	ErrLocationTooShort     = errors.New("location too short")
	ErrLocationTooLong      = errors.New("location too long")
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
)

// ValidateLocation trims input and checks it against rune-length bounds and the
// allowed character set: letters, digits, space, comma, hyphen, apostrophe and
// period. A non-positive minLen or maxLen takes the package default.
// The trimmed input is returned; case is left alone.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	s := strings.TrimSpace(input)
	n := utf8.RuneCountInString(s)
	switch {
	case n == 0:
		return "", ErrLocationEmpty
	case n < minLen:
		return "", fmt.Errorf("%w: %d < %d characters", ErrLocationTooShort, n, minLen)
	case n > maxLen:
		return "", fmt.Errorf("%w: %d > %d characters", ErrLocationTooLong, n, maxLen)
	}
	if i := strings.IndexFunc(s, disallowed); i >= 0 {
		r, _ := utf8.DecodeRuneInString(s[i:])
		return "", fmt.Errorf("%w: %q", ErrLocationInvalidChars, r)
	}
	return s, nil
}

func disallowed(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return false
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return false
	}
	return true
}
