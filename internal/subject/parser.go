// Package subject turns a free-form claim reference line, usually an email
// subject, into a claim draft.
//
// Senders do not agree on one layout, so the parser mixes positional fields
// with label-anchored ones ("Gestionnaire :", "Destinataire :") and falls back
// step by step instead of rejecting borderline input.
package subject

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultPrefix starts every claim reference token.
	DefaultPrefix = "RCH"
	// DefaultSeparator splits the subject into fields.
	DefaultSeparator = " - "

	// beneficiaryField is the positional field some senders put the
	// "Destinataire :" label in.
	beneficiaryField = 5
)

// Parse failures. Callers fall back to manual entry on any of them.
var (
	ErrNoReference   = errors.New("no claim reference found")
	ErrTooFewFields  = errors.New("too few fields: need at least reference, dossier and type")
	ErrNoBeneficiary = errors.New("beneficiary could not be resolved")
)

// Draft is a parsed claim, not yet part of any collection.
// Amount is invalid (null) when no purely numeric field was found.
type Draft struct {
	ClaimNumber string              `json:"claim_number"`
	Dossier     string              `json:"dossier"`
	Beneficiary string              `json:"beneficiary"`
	Type        string              `json:"type,omitempty"`
	PaymentMode string              `json:"payment_mode,omitempty"`
	Amount      decimal.NullDecimal `json:"amount"`
	Manager     string              `json:"manager,omitempty"`
	Label       string              `json:"label"`
}

var (
	lineBreaks         = regexp.MustCompile(`[\r\n\t]+`)
	amountField        = regexp.MustCompile(`^\s*\d+[.,]?\d*\s*$`)
	managerPattern     = regexp.MustCompile(`(?i)gestionnaire\s*:\s*([\p{L}\p{N}\-\s]+)`)
	beneficiaryPattern = regexp.MustCompile(`(?i)(?:destinataire|b[eé]n[eé]ficiaire)\s*:\s*(.*)`)
	upperField         = regexp.MustCompile(`^[A-Z0-9\s]{2,}$`)
	hasLetter          = regexp.MustCompile(`[A-Z]`)
)

// Parser holds the reference prefix and field separator.
// The zero value is not usable; build one with New.
type Parser struct {
	Prefix    string
	Separator string
}

// New returns a parser for "RCH" references separated by " - ".
func New() *Parser {
	return &Parser{Prefix: DefaultPrefix, Separator: DefaultSeparator}
}

var defaultParser = New()

// Parse parses subject with the default parser.
func Parse(subject string) (*Draft, error) {
	return defaultParser.Parse(subject)
}

// Parse extracts a Draft from subject. It has no side effects and returns
// the same draft for the same input.
func (p *Parser) Parse(subject string) (*Draft, error) {
	subject = lineBreaks.ReplaceAllString(subject, " ")

	start := strings.Index(subject, p.Prefix)
	if start == -1 {
		return nil, ErrNoReference
	}
	rest := subject[start:]

	fields := strings.Split(rest, p.Separator)
	if len(fields) < 3 {
		return nil, ErrTooFewFields
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	d := &Draft{
		ClaimNumber: fields[0],
		Dossier:     fields[1],
		Type:        fields[2],
	}
	if len(fields) > 3 {
		d.PaymentMode = fields[3]
	}

	amountIdx := -1
	for i, f := range fields {
		if !amountField.MatchString(f) {
			continue
		}
		amountIdx = i
		value := strings.TrimSuffix(strings.Replace(f, ",", ".", 1), ".")
		if amount, err := decimal.NewFromString(value); err == nil {
			d.Amount = decimal.NewNullDecimal(amount)
		}
		break
	}

	if m := managerPattern.FindStringSubmatch(rest); m != nil {
		d.Manager = p.cut(m[1])
	}

	d.Beneficiary = p.beneficiary(rest, fields, amountIdx, d.Dossier)

	if !strings.HasPrefix(d.ClaimNumber, p.Prefix) {
		return nil, ErrNoReference
	}
	if d.Beneficiary == "" {
		return nil, ErrNoBeneficiary
	}
	d.Label = d.Beneficiary
	return d, nil
}

// beneficiary resolves the payee: explicit label anywhere, then the label in
// its usual positional field, then an upper-case field, then the dossier.
func (p *Parser) beneficiary(rest string, fields []string, amountIdx int, dossier string) string {
	if m := beneficiaryPattern.FindStringSubmatch(rest); m != nil {
		if name := p.cut(m[1]); name != "" {
			return name
		}
	}

	if len(fields) > beneficiaryField {
		if m := beneficiaryPattern.FindStringSubmatch(fields[beneficiaryField]); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name
			}
		}
	}

	for i, f := range fields {
		if i == 0 || i == amountIdx || f == dossier {
			continue
		}
		if upperField.MatchString(f) && hasLetter.MatchString(f) {
			return f
		}
	}

	return dossier
}

// cut keeps the part of a label value before the next field separator.
func (p *Parser) cut(value string) string {
	if i := strings.Index(value, p.Separator); i >= 0 {
		value = value[:i]
	}
	return strings.Trim(value, " -")
}
