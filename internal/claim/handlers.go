package claim

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/claims-tracker/internal/iban"
	"github.com/zombor/claims-tracker/internal/scanning"
	"github.com/zombor/claims-tracker/internal/subject"
)

const (
	// maxDocumentSize allows high-resolution phone photos of bank documents
	maxDocumentSize = int64(50 << 20)
	maxBodySize     = int64(1 << 20)
)

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, map[string]string{"error": message}, code)
}

// isParseFailure reports whether err means a subject line could not be understood
func isParseFailure(err error) bool {
	return errors.Is(err, subject.ErrNoReference) ||
		errors.Is(err, subject.ErrTooFewFields) ||
		errors.Is(err, subject.ErrNoBeneficiary)
}

// writeServiceError maps service errors to status codes
func writeServiceError(w http.ResponseWriter, action string, err error) {
	var (
		notFound   *NotFoundError
		input      *InputError
		transition *TransitionError
		invalid    *iban.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, notFound.Error(), http.StatusNotFound)
	case isParseFailure(err), errors.Is(err, scanning.ErrNoText):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &transition):
		writeError(w, transition.Error(), http.StatusConflict)
	case errors.As(err, &invalid):
		writeError(w, invalid.Error(), http.StatusBadRequest)
	case errors.As(err, &input):
		writeError(w, input.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoRecognizer):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("Error "+action, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a JSON request body into v, answering 400 on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

type subjectRequest struct {
	Subject string         `json:"subject"`
	Draft   *subject.Draft `json:"draft,omitempty"`
}

// handleParseSubject previews the claim a subject line would create
func (s *Server) handleParseSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	draft, err := s.service.ParseSubject(req.Subject)
	if err != nil {
		writeServiceError(w, "parsing subject", err)
		return
	}
	writeJSON(w, draft, http.StatusOK)
}

// handleCreateClaim creates a claim from a subject line, or from a draft
// the operator corrected after previewing it
func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		claim *Claim
		err   error
	)
	if req.Draft != nil {
		claim, err = s.service.CreateFromDraft(req.Draft)
	} else {
		claim, err = s.service.CreateFromSubject(req.Subject)
	}
	if err != nil {
		writeServiceError(w, "creating claim", err)
		return
	}
	writeJSON(w, claim, http.StatusCreated)
}

// handleCreateManual creates a claim from operator input
func (s *Server) handleCreateManual(w http.ResponseWriter, r *http.Request) {
	var in ManualInput
	if !decodeJSON(w, r, &in) {
		return
	}

	claim, err := s.service.CreateManual(in)
	if err != nil {
		writeServiceError(w, "creating manual claim", err)
		return
	}
	writeJSON(w, claim, http.StatusCreated)
}

// handleListClaims returns claims, optionally filtered by ?status=
func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.service.ListClaims(Status(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, "listing claims", err)
		return
	}
	writeJSON(w, claims, http.StatusOK)
}

// handleGetClaim returns a single claim
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.service.GetClaim(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting claim", err)
		return
	}
	writeJSON(w, claim, http.StatusOK)
}

// handleUpdateClaim applies a partial edit
func (s *Server) handleUpdateClaim(w http.ResponseWriter, r *http.Request) {
	var edit Edit
	if !decodeJSON(w, r, &edit) {
		return
	}

	claim, err := s.service.UpdateClaim(r.PathValue("id"), edit)
	if err != nil {
		writeServiceError(w, "updating claim", err)
		return
	}
	writeJSON(w, claim, http.StatusOK)
}

// handleRemoveClaim discards a claim awaiting its identifier
func (s *Server) handleRemoveClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveClaim(r.PathValue("id")); err != nil {
		writeServiceError(w, "removing claim", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReset removes everything; it needs ?confirm=true
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, "Resetting removes every claim and payment; repeat with ?confirm=true", http.StatusBadRequest)
		return
	}
	if err := s.service.Reset(); err != nil {
		writeServiceError(w, "resetting claims", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// documentContentType picks the document type from the upload, falling back to the extension
func documentContentType(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleUploadDocument receives a bank document and extracts the identifier from it
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxDocumentSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "No file was selected. Please choose a document to upload.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxDocumentSize {
		writeError(w, "File is too large. Maximum size is 50MB.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := documentContentType(header.Header.Get("Content-Type"), header.Filename)
	result, err := s.service.ProcessDocument(r.PathValue("id"), header.Filename, data, contentType)
	if err != nil {
		writeServiceError(w, "processing document", err)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// handleGetClaimDocument returns the stored bank document
func (s *Server) handleGetClaimDocument(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetClaimDocument(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting document", err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleExtractText searches text recognized elsewhere for the identifier
func (s *Server) handleExtractText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.service.ExtractFromText(r.PathValue("id"), req.Text)
	if err != nil {
		writeServiceError(w, "extracting identifier", err)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// identifierRequest is an operator supplied identifier; any country is accepted
type identifierRequest struct {
	IBAN string `json:"iban"`
	BIC  string `json:"bic"`
}

// handleAttachIdentifier records an identifier typed in by an operator
func (s *Server) handleAttachIdentifier(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claim, err := s.service.AttachIdentifier(r.PathValue("id"), req.IBAN, req.BIC)
	if err != nil {
		writeServiceError(w, "attaching identifier", err)
		return
	}
	writeJSON(w, claim, http.StatusOK)
}

// validationResponse reports whether an identifier would be accepted
type validationResponse struct {
	Valid     bool   `json:"valid"`
	IBAN      string `json:"iban,omitempty"`
	Formatted string `json:"formatted,omitempty"`
	Error     string `json:"error,omitempty"`
	BICValid  *bool  `json:"bic_valid,omitempty"`
	BICError  string `json:"bic_error,omitempty"`
}

type validationRequest struct {
	identifierRequest
	Country string `json:"country,omitempty"`
}

// handleValidateIdentifier checks an identifier without touching any claim
func (s *Server) handleValidateIdentifier(w http.ResponseWriter, r *http.Request) {
	var req validationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp := validationResponse{IBAN: iban.Normalize(req.IBAN)}
	if err := iban.Check(req.IBAN, req.Country); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Valid = true
		resp.Formatted = iban.Format(req.IBAN)
	}

	if strings.TrimSpace(req.BIC) != "" {
		ok := true
		if err := iban.CheckBankCode(req.BIC); err != nil {
			ok = false
			resp.BICError = err.Error()
		}
		resp.BICValid = &ok
	}
	writeJSON(w, resp, http.StatusOK)
}

// handleListPayments returns all payments
func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.service.ListPayments()
	if err != nil {
		writeServiceError(w, "listing payments", err)
		return
	}
	writeJSON(w, payments, http.StatusOK)
}

// handleMarkPaid settles a batch of claims
func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimIDs []string `json:"claim_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	payment, err := s.service.MarkPaid(req.ClaimIDs)
	if err != nil {
		writeServiceError(w, "marking claims paid", err)
		return
	}
	writeJSON(w, payment, http.StatusCreated)
}

// handleGetPayment returns a payment with the claims it settled
func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, claims, err := s.service.GetPaymentWithClaims(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting payment", err)
		return
	}

	writeJSON(w, map[string]any{
		"payment": payment,
		"claims":  claims,
	}, http.StatusOK)
}

// handleSummary returns the dashboard figures
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Summary()
	if err != nil {
		writeServiceError(w, "computing summary", err)
		return
	}
	writeJSON(w, summary, http.StatusOK)
}
