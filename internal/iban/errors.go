package iban

import "fmt"

// ValidationError explains why an operator-supplied identifier or bank code
// was refused.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Check validates identifier for manual entry and returns the first problem
// found. An empty country skips the prefix and length checks.
func Check(identifier, country string) error {
	s := Normalize(identifier)
	if s == "" {
		return &ValidationError{Field: "iban", Reason: "identifier is empty"}
	}
	if country != "" {
		country = Normalize(country)
		if len(s) < 2 || s[:2] != country {
			return &ValidationError{Field: "iban", Reason: fmt.Sprintf("must start with %q", country)}
		}
		if want := Length(country); want > 0 && len(s) != want {
			return &ValidationError{
				Field:  "iban",
				Reason: fmt.Sprintf("%s identifiers have exactly %d characters (got %d)", country, want, len(s)),
			}
		}
	}
	if !Validate(s) {
		return &ValidationError{Field: "iban", Reason: "checksum does not match"}
	}
	return nil
}

// CheckBankCode validates a BIC for manual entry.
func CheckBankCode(code string) error {
	s := Normalize(code)
	if len(s) != 8 && len(s) != 11 {
		return &ValidationError{
			Field:  "bic",
			Reason: fmt.Sprintf("must have 8 or 11 characters (got %d)", len(s)),
		}
	}
	if !ValidateBankCode(s) {
		return &ValidationError{
			Field:  "bic",
			Reason: "expected 4 letters (bank) + 2 letters (country) + 2 characters (location) + optional 3 characters (branch)",
		}
	}
	return nil
}
