package claim

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/claims-tracker/internal/iban"
	"github.com/zombor/claims-tracker/internal/scanning"
	"github.com/zombor/claims-tracker/internal/subject"
)

// Claim sources, as counted by the claims_created_total metric
const (
	SourceSubject = "subject"
	SourceManual  = "manual"
)

// IDGenerator generates unique IDs for claims and payments
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds the service settings that come from flags
type Config struct {
	// Country is the ISO country whose identifiers documents are searched for
	Country string
	// ReferencePrefix marks the claim reference in email subjects
	ReferencePrefix string
	// Metrics receives the service counters; a private set is created when nil
	Metrics *Metrics
}

// Service handles claim operations
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     DocumentStore
	idGenerator IDGenerator
	timeSource  TimeSource

	country   string
	parser    *subject.Parser
	extractor *iban.Extractor
	metrics   *Metrics
}

// NewService creates a new Service with default ID generator and time source.
// scanner may be nil when no recognition service is configured.
func NewService(db DB, scanner scanning.Scanner, storage DocumentStore, cfg Config) *Service {
	return NewServiceWithDeps(db, scanner, storage, cfg, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage DocumentStore, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	parser := subject.New()
	if cfg.ReferencePrefix != "" {
		parser.Prefix = cfg.ReferencePrefix
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	extractor := iban.NewExtractor(cfg.Country)
	metrics.RegisterStrategies(extractor.Strategies())

	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		country:     extractor.Country(),
		parser:      parser,
		extractor:   extractor,
		metrics:     metrics,
	}
}

// Metrics returns the collectors the service reports to
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Phone cameras produce very long names
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "document"
	}

	return base + ext
}

// observe feeds lifecycle outcomes to the metrics
func (s *Service) observe(e Event, err error) {
	if err == nil {
		s.metrics.IncrTransition(e)
		return
	}
	var te *TransitionError
	if errors.As(err, &te) {
		s.metrics.IncrRejected(te)
	}
}

// ParseSubject previews what a subject line would create
func (s *Service) ParseSubject(line string) (*subject.Draft, error) {
	draft, err := s.parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parsing subject: %w", err)
	}
	return draft, nil
}

// CreateFromSubject parses a subject line and stores the resulting claim
func (s *Service) CreateFromSubject(line string) (*Claim, error) {
	draft, err := s.ParseSubject(line)
	if err != nil {
		return nil, err
	}
	return s.CreateFromDraft(draft)
}

// CreateFromDraft stores a claim from a (possibly operator corrected) draft
func (s *Service) CreateFromDraft(draft *subject.Draft) (*Claim, error) {
	if draft == nil || strings.TrimSpace(draft.ClaimNumber) == "" {
		return nil, &InputError{Field: "claim_number", Message: "is required"}
	}
	if !strings.HasPrefix(draft.ClaimNumber, s.parser.Prefix) {
		return nil, &InputError{Field: "claim_number", Message: fmt.Sprintf("must start with %q", s.parser.Prefix)}
	}
	if strings.TrimSpace(draft.Beneficiary) == "" {
		return nil, &InputError{Field: "beneficiary", Message: "is required"}
	}
	if draft.Amount.Valid && draft.Amount.Decimal.IsNegative() {
		return nil, &InputError{Field: "amount", Message: "must not be negative"}
	}

	claim := NewFromDraft(s.idGenerator.Generate(), draft, s.timeSource.Now())
	if err := s.db.SaveClaim(claim); err != nil {
		return nil, fmt.Errorf("saving claim: %w", err)
	}

	s.metrics.IncrCreated(SourceSubject)
	slog.Info("Claim created", "id", claim.ID, "claim_number", claim.ClaimNumber, "source", SourceSubject)
	return claim, nil
}

// CreateManual stores a claim typed in by an operator
func (s *Service) CreateManual(in ManualInput) (*Claim, error) {
	claim, err := NewManual(s.idGenerator.Generate(), in, s.country, s.timeSource.Now())
	if err != nil {
		return nil, err
	}
	if err := s.db.SaveClaim(claim); err != nil {
		return nil, fmt.Errorf("saving claim: %w", err)
	}

	s.metrics.IncrCreated(SourceManual)
	if claim.Status == StatusReadyForPayment {
		s.metrics.IncrTransition(EventAttachIdentifier)
	}
	slog.Info("Claim created", "id", claim.ID, "claim_number", claim.ClaimNumber, "source", SourceManual, "status", claim.Status)
	return claim, nil
}

// Extraction is the outcome of reading a bank identifier for a claim
type Extraction struct {
	Claim     *Claim         `json:"claim"`
	Candidate iban.Candidate `json:"candidate"`
	// Attached is true when the candidate was valid and is now on the claim
	Attached bool `json:"attached"`
}

// ProcessDocument stores a bank document for a claim, has it transcribed
// and attaches the identifier found in it.
func (s *Service) ProcessDocument(claimID, filename string, data []byte, contentType string) (*Extraction, error) {
	claim, err := s.GetClaim(claimID)
	if err != nil {
		return nil, err
	}
	// Refuse before paying for a remote call
	if _, ok := claim.Status.Next(EventAttachIdentifier); !ok {
		err := &TransitionError{ClaimID: claim.ID, From: claim.Status, Event: EventAttachIdentifier}
		s.observe(EventAttachIdentifier, err)
		return nil, err
	}
	if s.scanner == nil {
		return nil, ErrNoRecognizer
	}

	name := fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename))
	savedPath, err := s.storage.Save(name, data)
	if err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	text, err := s.scanner.RecognizeText(data, contentType)
	if err != nil {
		slog.Error("Failed to recognize document",
			"claim_id", claimID,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.removeDocument(savedPath)
		return nil, fmt.Errorf("recognizing document: %w", err)
	}

	previous := claim.Document
	result, err := s.extract(claimID, text, func(c *Claim) {
		c.Document = savedPath
		c.DocumentContentType = contentType
	})
	if err != nil {
		s.removeDocument(savedPath)
		return nil, err
	}
	if previous != "" && previous != savedPath {
		s.removeDocument(previous)
	}
	return result, nil
}

// ExtractFromText looks for a bank identifier in already recognized text.
// A valid one is attached to the claim; otherwise the claim is untouched.
func (s *Service) ExtractFromText(claimID, text string) (*Extraction, error) {
	return s.extract(claimID, text, nil)
}

func (s *Service) extract(claimID, text string, record func(*Claim)) (*Extraction, error) {
	candidate := s.extractor.Extract(text)
	s.metrics.IncrExtraction(candidate.Strategy)
	attach := candidate.Resolved()

	if !attach && record == nil {
		claim, err := s.GetClaim(claimID)
		if err != nil {
			return nil, err
		}
		slog.Info("No bank identifier found", "claim_id", claimID)
		return &Extraction{Claim: claim, Candidate: candidate}, nil
	}

	claim, err := s.db.UpdateClaim(claimID, func(c *Claim) error {
		now := s.timeSource.Now()
		if attach {
			if err := c.AttachIdentifier(candidate.IBAN, candidate.BIC, now); err != nil {
				return err
			}
		}
		if record != nil {
			record(c)
			c.UpdatedAt = now
		}
		return nil
	})
	if attach {
		s.observe(EventAttachIdentifier, err)
	}
	if err != nil {
		return nil, fmt.Errorf("attaching identifier: %w", err)
	}

	if attach {
		slog.Info("Bank identifier attached", "claim_id", claimID, "strategy", candidate.Strategy)
	} else {
		slog.Info("No bank identifier found", "claim_id", claimID)
	}
	return &Extraction{Claim: claim, Candidate: candidate, Attached: attach}, nil
}

// AttachIdentifier records an identifier typed in by an operator
func (s *Service) AttachIdentifier(claimID, identifier, bic string) (*Claim, error) {
	claim, err := s.db.UpdateClaim(claimID, func(c *Claim) error {
		return c.AttachIdentifier(identifier, bic, s.timeSource.Now())
	})
	s.observe(EventAttachIdentifier, err)
	if err != nil {
		return nil, fmt.Errorf("attaching identifier: %w", err)
	}
	slog.Info("Bank identifier attached", "claim_id", claimID, "strategy", "manual")
	return claim, nil
}

// UpdateClaim applies an operator edit
func (s *Service) UpdateClaim(id string, edit Edit) (*Claim, error) {
	claim, err := s.db.UpdateClaim(id, func(c *Claim) error {
		return c.Apply(edit, s.timeSource.Now())
	})
	s.observe(EventEdit, err)
	if err != nil {
		return nil, fmt.Errorf("updating claim: %w", err)
	}
	return claim, nil
}

// RemoveClaim discards a claim that is still waiting for its identifier
func (s *Service) RemoveClaim(id string) error {
	claim, err := s.db.DeleteClaim(id, (*Claim).CheckRemovable)
	s.observe(EventRemove, err)
	if err != nil {
		return fmt.Errorf("removing claim: %w", err)
	}
	if claim.Document != "" {
		s.removeDocument(claim.Document)
	}
	slog.Info("Claim removed", "id", id, "claim_number", claim.ClaimNumber)
	return nil
}

// MarkPaid settles a batch of ready claims as one payment. Either every
// claim is settled or none is.
func (s *Service) MarkPaid(claimIDs []string) (*Payment, error) {
	ids := make([]string, 0, len(claimIDs))
	for _, id := range claimIDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, &InputError{Field: "claim_ids", Message: "must list at least one claim"}
	}

	now := s.timeSource.Now()
	payment := &Payment{
		ID:        s.idGenerator.Generate(),
		ClaimIDs:  ids,
		CreatedAt: now,
	}

	err := s.db.SettlePayment(payment, func(c *Claim) error {
		return c.MarkPaid(payment.ID, now)
	})
	if err != nil {
		s.observe(EventMarkPaid, err)
		return nil, fmt.Errorf("marking claims paid: %w", err)
	}
	for range ids {
		s.metrics.IncrTransition(EventMarkPaid)
	}

	slog.Info("Claims paid", "payment_id", payment.ID, "claims", len(ids), "total", payment.TotalAmount.StringFixed(2))
	return payment, nil
}

// Reset removes every claim, payment and stored document
func (s *Service) Reset() error {
	claims, err := s.db.ListClaims()
	if err != nil {
		return fmt.Errorf("listing claims: %w", err)
	}
	if err := s.db.Reset(); err != nil {
		return fmt.Errorf("resetting database: %w", err)
	}
	for _, c := range claims {
		if c.Document != "" {
			s.removeDocument(c.Document)
		}
	}
	slog.Warn("All claims removed", "claims", len(claims))
	return nil
}

func (s *Service) removeDocument(name string) {
	if err := s.storage.Delete(name); err != nil {
		slog.Warn("Failed to delete document", "document", name, "error", err)
	}
}

// GetClaim retrieves a claim by ID
func (s *Service) GetClaim(id string) (*Claim, error) {
	claim, err := s.db.GetClaim(id)
	if err != nil {
		return nil, fmt.Errorf("getting claim: %w", err)
	}
	return claim, nil
}

// ListClaims returns claims oldest first, restricted to status unless it is empty
func (s *Service) ListClaims(status Status) ([]*Claim, error) {
	if status != "" && !status.Valid() {
		return nil, &InputError{Field: "status", Message: fmt.Sprintf("%q is not a claim status", status)}
	}

	all, err := s.db.ListClaims()
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}

	claims := make([]*Claim, 0, len(all))
	for _, c := range all {
		if status == "" || c.Status == status {
			claims = append(claims, c)
		}
	}
	slices.SortStableFunc(claims, func(a, b *Claim) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return claims, nil
}

// GetClaimDocument returns the bank document stored for a claim
func (s *Service) GetClaimDocument(id string) ([]byte, string, error) {
	claim, err := s.GetClaim(id)
	if err != nil {
		return nil, "", err
	}
	if claim.Document == "" {
		return nil, "", &NotFoundError{Resource: "document", ID: id}
	}

	data, err := s.storage.Get(claim.Document)
	if err != nil {
		return nil, "", fmt.Errorf("getting claim document: %w", err)
	}
	return data, claim.DocumentContentType, nil
}

// GetPayment retrieves a payment by ID
func (s *Service) GetPayment(id string) (*Payment, error) {
	payment, err := s.db.GetPayment(id)
	if err != nil {
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return payment, nil
}

// GetPaymentWithClaims retrieves a payment with the claims it settled
func (s *Service) GetPaymentWithClaims(id string) (*Payment, []*Claim, error) {
	payment, err := s.GetPayment(id)
	if err != nil {
		return nil, nil, err
	}

	claims := make([]*Claim, 0, len(payment.ClaimIDs))
	for _, claimID := range payment.ClaimIDs {
		claim, err := s.db.GetClaim(claimID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting claim %s: %w", claimID, err)
		}
		claims = append(claims, claim)
	}
	return payment, claims, nil
}

// ListPayments returns all payments, most recent first
func (s *Service) ListPayments() ([]*Payment, error) {
	payments, err := s.db.ListPayments()
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	slices.SortStableFunc(payments, func(a, b *Payment) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return payments, nil
}

// Summary counts claims per status and totals their amounts
type Summary struct {
	Total              int             `json:"total"`
	AwaitingIdentifier int             `json:"awaiting_identifier"`
	ReadyForPayment    int             `json:"ready_for_payment"`
	Paid               int             `json:"paid"`
	WithoutAmount      int             `json:"without_amount"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	OutstandingAmount  decimal.Decimal `json:"outstanding_amount"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
}

// Summary reports the dashboard figures
func (s *Service) Summary() (*Summary, error) {
	claims, err := s.db.ListClaims()
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}

	sum := &Summary{
		TotalAmount:       decimal.Zero,
		OutstandingAmount: decimal.Zero,
		PaidAmount:        decimal.Zero,
	}
	for _, c := range claims {
		sum.Total++
		switch c.Status {
		case StatusAwaitingIdentifier:
			sum.AwaitingIdentifier++
		case StatusReadyForPayment:
			sum.ReadyForPayment++
		case StatusPaid:
			sum.Paid++
		}

		if !c.Amount.Valid {
			sum.WithoutAmount++
			continue
		}
		sum.TotalAmount = sum.TotalAmount.Add(c.Amount.Decimal)
		if c.Status == StatusPaid {
			sum.PaidAmount = sum.PaidAmount.Add(c.Amount.Decimal)
		} else {
			sum.OutstandingAmount = sum.OutstandingAmount.Add(c.Amount.Decimal)
		}
	}
	return sum, nil
}
