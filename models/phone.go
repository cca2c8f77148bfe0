package models

import (
	"errors"
	"strings"
)

// PhoneLength is the number of digits in a normalized phone number.
const PhoneLength = 10

var ErrInvalidPhone = errors.New("invalid phone number format")

// NormalizePhone strips every non-digit and checks the result is a ten digit
// number starting with 6, 7, 8 or 9.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) != PhoneLength {
		return "", ErrInvalidPhone
	}
	switch digits[0] {
	case '6', '7', '8', '9':
		return digits, nil
	}
	return "", ErrInvalidPhone
}
