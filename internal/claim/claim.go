package claim

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/claims-tracker/internal/iban"
	"github.com/zombor/claims-tracker/internal/subject"
)

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusAwaitingIdentifier Status = "pending_iban"
	StatusReadyForPayment    Status = "ready_for_payment"
	StatusPaid               Status = "paid"

	// statusRemoved is where a discarded claim goes; it is never stored.
	statusRemoved Status = ""
)

// Event is something that happens to a claim.
type Event string

const (
	EventAttachIdentifier Event = "attach_identifier"
	EventEdit             Event = "edit"
	EventMarkPaid         Event = "mark_paid"
	EventRemove           Event = "remove"
)

// transitions is the complete lifecycle; anything absent is illegal.
var transitions = map[Status]map[Event]Status{
	StatusAwaitingIdentifier: {
		EventAttachIdentifier: StatusReadyForPayment,
		EventEdit:             StatusAwaitingIdentifier,
		EventRemove:           statusRemoved,
	},
	StatusReadyForPayment: {
		EventAttachIdentifier: StatusReadyForPayment,
		EventEdit:             StatusReadyForPayment,
		EventMarkPaid:         StatusPaid,
	},
}

// Next returns the state reached by e from s.
func (s Status) Next(e Event) (Status, bool) {
	next, ok := transitions[s][e]
	return next, ok
}

// Valid reports whether s is one of the stored states.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingIdentifier, StatusReadyForPayment, StatusPaid:
		return true
	}
	return false
}

// Claim is one insurance payout tracked from creation to payment.
type Claim struct {
	ID                  string              `json:"id"`
	ClaimNumber         string              `json:"claim_number"`
	Dossier             string              `json:"dossier,omitempty"`
	Beneficiary         string              `json:"beneficiary"`
	Type                string              `json:"type,omitempty"`
	PaymentMode         string              `json:"payment_mode,omitempty"`
	Amount              decimal.NullDecimal `json:"amount"`
	Manager             string              `json:"manager,omitempty"`
	Label               string              `json:"label"`
	IBAN                string              `json:"iban,omitempty"`
	BIC                 string              `json:"bic,omitempty"`
	Status              Status              `json:"status"`
	Document            string              `json:"document,omitempty"` // bank document the identifier was read from
	DocumentContentType string              `json:"document_content_type,omitempty"`
	PaymentID           string              `json:"payment_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	PaidAt              *time.Time          `json:"paid_at,omitempty"`
}

// Payment is one "mark paid" batch.
type Payment struct {
	ID          string          `json:"id"`
	ClaimIDs    []string        `json:"claim_ids"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewFromDraft creates a claim awaiting its bank identifier.
func NewFromDraft(id string, d *subject.Draft, now time.Time) *Claim {
	label := d.Label
	if label == "" {
		label = d.Beneficiary
	}
	return &Claim{
		ID:          id,
		ClaimNumber: d.ClaimNumber,
		Dossier:     d.Dossier,
		Beneficiary: d.Beneficiary,
		Type:        d.Type,
		PaymentMode: d.PaymentMode,
		Amount:      d.Amount,
		Manager:     d.Manager,
		Label:       label,
		Status:      StatusAwaitingIdentifier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ManualInput is what an operator types in when no subject line parses.
type ManualInput struct {
	ClaimNumber string              `json:"claim_number"`
	Beneficiary string              `json:"beneficiary"`
	Amount      decimal.NullDecimal `json:"amount"`
	Label       string              `json:"label"`
	Manager     string              `json:"manager"`
	IBAN        string              `json:"iban"`
	BIC         string              `json:"bic"`
}

// NewManual creates a claim from operator input. A supplied identifier
// must be valid for country and puts the claim straight into
// StatusReadyForPayment.
func NewManual(id string, in ManualInput, country string, now time.Time) (*Claim, error) {
	in.Beneficiary = strings.TrimSpace(in.Beneficiary)
	in.Manager = strings.TrimSpace(in.Manager)
	switch {
	case in.Beneficiary == "":
		return nil, &InputError{Field: "beneficiary", Message: "is required"}
	case in.Manager == "":
		return nil, &InputError{Field: "manager", Message: "is required"}
	case !in.Amount.Valid:
		return nil, &InputError{Field: "amount", Message: "is required"}
	case in.Amount.Decimal.IsNegative():
		return nil, &InputError{Field: "amount", Message: "must not be negative"}
	}

	c := &Claim{
		ID:          id,
		ClaimNumber: strings.TrimSpace(in.ClaimNumber),
		Beneficiary: in.Beneficiary,
		Amount:      in.Amount,
		Label:       strings.TrimSpace(in.Label),
		Manager:     in.Manager,
		Status:      StatusAwaitingIdentifier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.ClaimNumber == "" {
		c.ClaimNumber = fmt.Sprintf("MAN-%d", now.UnixMilli())
	}
	if c.Label == "" {
		c.Label = c.Beneficiary
	}

	if strings.TrimSpace(in.IBAN) != "" {
		if err := iban.Check(in.IBAN, country); err != nil {
			return nil, err
		}
		if err := c.AttachIdentifier(in.IBAN, in.BIC, now); err != nil {
			return nil, err
		}
	} else if strings.TrimSpace(in.BIC) != "" {
		if err := iban.CheckBankCode(in.BIC); err != nil {
			return nil, err
		}
		c.BIC = iban.Normalize(in.BIC)
	}
	return c, nil
}

func (c *Claim) next(e Event) (Status, error) {
	next, ok := c.Status.Next(e)
	if !ok {
		return c.Status, &TransitionError{ClaimID: c.ID, From: c.Status, Event: e}
	}
	return next, nil
}

// AttachIdentifier records a validated IBAN (and optional BIC). An
// identifier that fails the checksum leaves the claim untouched.
func (c *Claim) AttachIdentifier(identifier, bic string, now time.Time) error {
	next, err := c.next(EventAttachIdentifier)
	if err != nil {
		return err
	}
	if err := iban.Check(identifier, ""); err != nil {
		return err
	}
	if strings.TrimSpace(bic) != "" {
		if err := iban.CheckBankCode(bic); err != nil {
			return err
		}
		c.BIC = iban.Normalize(bic)
	}
	c.IBAN = iban.Normalize(identifier)
	c.Status = next
	c.UpdatedAt = now
	return nil
}

// MarkPaid settles the claim as part of payment paymentID.
func (c *Claim) MarkPaid(paymentID string, now time.Time) error {
	next, err := c.next(EventMarkPaid)
	if err != nil {
		return err
	}
	c.Status = next
	c.PaymentID = paymentID
	c.PaidAt = &now
	c.UpdatedAt = now
	return nil
}

// CheckRemovable returns an error unless the claim may be discarded.
func (c *Claim) CheckRemovable() error {
	_, err := c.next(EventRemove)
	return err
}

// Edit is a partial manual update; nil fields are left alone.
type Edit struct {
	Beneficiary *string          `json:"beneficiary,omitempty"`
	Label       *string          `json:"label,omitempty"`
	Manager     *string          `json:"manager,omitempty"`
	Type        *string          `json:"type,omitempty"`
	PaymentMode *string          `json:"payment_mode,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	IBAN        *string          `json:"iban,omitempty"`
	BIC         *string          `json:"bic,omitempty"`
}

// Apply performs e on the claim. Either every field is applied or none.
func (c *Claim) Apply(e Edit, now time.Time) error {
	if _, err := c.next(EventEdit); err != nil {
		return err
	}

	updated := *c
	if e.Beneficiary != nil {
		name := strings.TrimSpace(*e.Beneficiary)
		if name == "" {
			return &InputError{Field: "beneficiary", Message: "must not be empty"}
		}
		updated.Beneficiary = name
	}
	if e.Label != nil {
		updated.Label = strings.TrimSpace(*e.Label)
	}
	if e.Manager != nil {
		updated.Manager = strings.TrimSpace(*e.Manager)
	}
	if e.Type != nil {
		updated.Type = strings.TrimSpace(*e.Type)
	}
	if e.PaymentMode != nil {
		updated.PaymentMode = strings.TrimSpace(*e.PaymentMode)
	}
	if e.Amount != nil {
		if e.Amount.IsNegative() {
			return &InputError{Field: "amount", Message: "must not be negative"}
		}
		updated.Amount = decimal.NewNullDecimal(*e.Amount)
	}

	bic := ""
	if e.BIC != nil {
		bic = strings.TrimSpace(*e.BIC)
		if bic == "" {
			updated.BIC = ""
		} else if err := iban.CheckBankCode(bic); err != nil {
			return err
		} else {
			updated.BIC = iban.Normalize(bic)
		}
	}
	if e.IBAN != nil {
		identifier := strings.TrimSpace(*e.IBAN)
		switch {
		case identifier != "":
			if err := updated.AttachIdentifier(identifier, bic, now); err != nil {
				return err
			}
		case updated.IBAN != "":
			return &InputError{Field: "iban", Message: "cannot be cleared once attached"}
		}
	}

	if updated.Label == "" {
		updated.Label = updated.Beneficiary
	}
	updated.UpdatedAt = now
	*c = updated
	return nil
}
