// Package iban validates and extracts bank account identifiers (IBAN) and
// bank codes (BIC) from operator input and recognized document text.
//
// Every function in this package is pure: no logging, no I/O, no shared
// state. Malformed input yields false or an empty result, never a panic.
package iban

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"
)

const (
	// MinLength and MaxLength bound every national IBAN format.
	MinLength = 15
	MaxLength = 34
)

var (
	ninetySeven = big.NewInt(97)

	// 4 letters (institution) + 2 letters (country) + 2 alnum (location) + optional 3 alnum (branch)
	bankCodePattern = regexp.MustCompile(`^[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}([A-Z0-9]{3})?$`)

	// lengths of the national formats this application deals with
	countryLengths = map[string]int{
		"BE": 16,
		"CH": 21,
		"DE": 22,
		"ES": 24,
		"FR": 27,
		"GB": 22,
		"IT": 27,
		"LU": 20,
		"MC": 27,
		"NL": 18,
		"PT": 25,
	}
)

// Normalize strips every whitespace rune and upper-cases the rest.
func Normalize(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// Length returns the fixed IBAN length for a country, or 0 when unknown.
func Length(country string) int {
	return countryLengths[strings.ToUpper(country)]
}

// Validate reports whether identifier passes the ISO 13616 modulo-97 check.
func Validate(identifier string) bool {
	s := Normalize(identifier)
	if len(s) < MinLength || len(s) > MaxLength {
		return false
	}
	n, ok := numeral(s[4:] + s[:4])
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, ninetySeven).Int64() == 1
}

// ComputeCheckDigits builds a full identifier from a country code and the
// national body (BBAN). It returns false when either part is malformed.
func ComputeCheckDigits(country, body string) (string, bool) {
	country = Normalize(country)
	body = Normalize(body)
	if len(country) != 2 || !isLetter(country[0]) || !isLetter(country[1]) || body == "" {
		return "", false
	}
	n, ok := numeral(body + country + "00")
	if !ok {
		return "", false
	}
	check := 98 - new(big.Int).Mod(n, ninetySeven).Int64()
	return fmt.Sprintf("%s%02d%s", country, check, body), true
}

// ValidateBankCode reports whether code has the 8 or 11 character BIC shape.
func ValidateBankCode(code string) bool {
	s := Normalize(code)
	if len(s) != 8 && len(s) != 11 {
		return false
	}
	return bankCodePattern.MatchString(s)
}

// Format groups a normalized identifier by four characters for display.
func Format(identifier string) string {
	s := Normalize(identifier)
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i:min(i+4, len(s))])
	}
	return b.String()
}

// numeral maps letters to two-digit values (A=10 ... Z=35) and parses the
// concatenation as one arbitrary-precision integer.
func numeral(s string) (*big.Int, bool) {
	var digits strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits.WriteByte(c)
		case isLetter(c):
			fmt.Fprintf(&digits, "%d", int(c-'A')+10)
		default:
			return nil, false
		}
	}
	if digits.Len() == 0 {
		return nil, false
	}
	return new(big.Int).SetString(digits.String(), 10)
}

func isLetter(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
