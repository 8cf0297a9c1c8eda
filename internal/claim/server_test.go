package claim

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewServiceWithDeps(db, scanner, storage, Config{Country: "FR"}, &mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
	}

	// do sends one request through the server
	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	doJSON := func(method, path string, v any) *http.Response {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return do(method, path, bytes.NewReader(data), "application/json")
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	errorMessage := func(resp *http.Response) string {
		var body map[string]string
		decode(resp, &body)
		return body["error"]
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleCreateClaim", func() {
		When("the subject parses", func() {
			It("should return the created claim", func() {
				resp := doJSON(http.MethodPost, "/api/claims", map[string]string{"subject": sampleSubject})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var claim Claim
				decode(resp, &claim)
				Expect(claim.ClaimNumber).To(Equal("RCH123"))
				Expect(claim.Status).To(Equal(StatusAwaitingIdentifier))
			})
		})

		When("the subject cannot be parsed", func() {
			It("should return Unprocessable Entity with the reason", func() {
				resp := doJSON(http.MethodPost, "/api/claims", map[string]string{"subject": "RCH1 - only two"})
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(errorMessage(resp)).To(ContainSubstring("too few fields"))
			})
		})

		When("a corrected draft is sent", func() {
			It("should create the claim from the draft", func() {
				resp := doJSON(http.MethodPost, "/api/claims", map[string]any{
					"draft": map[string]any{"claim_number": "RCH9", "beneficiary": "Anne Roy", "amount": "12.30"},
				})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var claim Claim
				decode(resp, &claim)
				Expect(claim.Beneficiary).To(Equal("Anne Roy"))
				Expect(claim.Amount.Decimal.String()).To(Equal("12.3"))
			})

			It("should return Bad Request for a negative amount", func() {
				resp := doJSON(http.MethodPost, "/api/claims", map[string]any{
					"draft": map[string]any{"claim_number": "RCH9", "beneficiary": "Anne Roy", "amount": "-250"},
				})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(resp)).To(Equal("amount must not be negative"))
				Expect(db.claims).To(BeEmpty())
			})
		})

		When("the body is not JSON", func() {
			It("should return Bad Request", func() {
				resp := do(http.MethodPost, "/api/claims", strings.NewReader("{"), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(resp)).To(Equal("Invalid request body"))
			})
		})
	})

	Describe("handleParseSubject", func() {
		It("should preview without saving", func() {
			resp := doJSON(http.MethodPost, "/api/claims/parse", map[string]string{"subject": sampleSubject})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var draft map[string]any
			decode(resp, &draft)
			Expect(draft["manager"]).To(Equal("Marie Curie"))
			Expect(db.claims).To(BeEmpty())
		})
	})

	Describe("handleCreateManual", func() {
		It("should create a ready claim when the identifier is valid", func() {
			resp := doJSON(http.MethodPost, "/api/claims/manual", map[string]any{
				"beneficiary": "Jean Dupont",
				"manager":     "Marie Curie",
				"amount":      "250",
				"iban":        validIBAN,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var claim Claim
			decode(resp, &claim)
			Expect(claim.Status).To(Equal(StatusReadyForPayment))
		})

		It("should return Bad Request with the validation reason", func() {
			resp := doJSON(http.MethodPost, "/api/claims/manual", map[string]any{
				"beneficiary": "Jean Dupont",
				"manager":     "Marie Curie",
				"amount":      "250",
				"iban":        "FR76300060000112345678901",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(resp)).To(Equal("invalid iban: FR identifiers have exactly 27 characters (got 25)"))
		})
	})

	Describe("handleListClaims", func() {
		BeforeEach(func() {
			db.claims["a"] = awaitingClaim("a", "1")
			db.claims["b"] = readyClaim("b", "2")
		})

		It("should return every claim", func() {
			resp := do(http.MethodGet, "/api/claims", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var claims []*Claim
			decode(resp, &claims)
			Expect(claims).To(HaveLen(2))
		})

		It("should filter by status", func() {
			resp := do(http.MethodGet, "/api/claims?status=ready_for_payment", nil, "")
			var claims []*Claim
			decode(resp, &claims)
			Expect(claims).To(HaveLen(1))
			Expect(claims[0].ID).To(Equal("b"))
		})

		It("should return an empty array when nothing matches", func() {
			resp := do(http.MethodGet, "/api/claims?status=paid", nil, "")
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should refuse an unknown status", func() {
			resp := do(http.MethodGet, "/api/claims?status=lost", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("handleGetClaim", func() {
		It("should return Not Found for an unknown claim", func() {
			resp := do(http.MethodGet, "/api/claims/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorMessage(resp)).To(Equal("claim not found: missing"))
		})

		It("should return the claim", func() {
			db.claims["a"] = awaitingClaim("a", "1")

			resp := do(http.MethodGet, "/api/claims/a", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var claim Claim
			decode(resp, &claim)
			Expect(claim.ID).To(Equal("a"))
		})
	})

	Describe("handleUpdateClaim", func() {
		It("should apply the edit", func() {
			db.claims["a"] = awaitingClaim("a", "1")

			resp := doJSON(http.MethodPatch, "/api/claims/a", map[string]any{"label": "Sinistre 12"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var claim Claim
			decode(resp, &claim)
			Expect(claim.Label).To(Equal("Sinistre 12"))
		})

		It("should return Conflict once paid", func() {
			paid := readyClaim("a", "1")
			paid.Status = StatusPaid
			db.claims["a"] = paid

			resp := doJSON(http.MethodPatch, "/api/claims/a", map[string]any{"label": "late"})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(errorMessage(resp)).To(Equal("claim a: cannot edit while paid"))
		})
	})

	Describe("handleRemoveClaim", func() {
		It("should return No Content", func() {
			db.claims["a"] = awaitingClaim("a", "1")

			resp := do(http.MethodDelete, "/api/claims/a", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.claims).To(BeEmpty())
		})

		It("should return Conflict for a ready claim", func() {
			db.claims["a"] = readyClaim("a", "1")

			resp := do(http.MethodDelete, "/api/claims/a", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			resp.Body.Close()
		})
	})

	Describe("handleReset", func() {
		BeforeEach(func() {
			db.claims["a"] = awaitingClaim("a", "1")
		})

		It("should refuse without confirmation", func() {
			resp := do(http.MethodDelete, "/api/claims", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
			Expect(db.claims).To(HaveLen(1))
		})

		It("should remove everything when confirmed", func() {
			resp := do(http.MethodDelete, "/api/claims?confirm=true", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.claims).To(BeEmpty())
		})
	})

	Describe("handleUploadDocument", func() {
		upload := func(path, filename, contentType string) *http.Response {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			header := make(textproto.MIMEHeader)
			header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
			if contentType != "" {
				header.Set("Content-Type", contentType)
			}
			part, err := writer.CreatePart(header)
			Expect(err).NotTo(HaveOccurred())
			part.Write([]byte("fake document data"))
			writer.Close()
			return do(http.MethodPost, path, &b, writer.FormDataContentType())
		}

		BeforeEach(func() {
			db.claims["a"] = awaitingClaim("a", "1")
		})

		When("the document holds the bank details", func() {
			It("should attach the identifier", func() {
				resp := upload("/api/claims/a/document", "rib.pdf", "application/pdf")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result Extraction
				decode(resp, &result)
				Expect(result.Attached).To(BeTrue())
				Expect(result.Claim.IBAN).To(Equal(validIBAN))
				Expect(result.Claim.DocumentContentType).To(Equal("application/pdf"))
			})
		})

		When("the upload has no content type", func() {
			It("should derive it from the extension", func() {
				resp := upload("/api/claims/a/document", "rib.heic", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
				Expect(db.claims["a"].DocumentContentType).To(Equal("image/heic"))
			})
		})

		When("no file is provided", func() {
			It("should return Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.WriteField("note", "nothing attached")
				writer.Close()

				resp := do(http.MethodPost, "/api/claims/a/document", &b, writer.FormDataContentType())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(resp)).To(ContainSubstring("No file"))
			})
		})

		When("no recognizer is configured", func() {
			BeforeEach(func() {
				service = NewServiceWithDeps(db, nil, storage, Config{}, &mockIDGenerator{}, &mockTimeSource{})
				server = NewServerWithMux(service, auth, http.NewServeMux())
			})

			It("should return Service Unavailable", func() {
				resp := upload("/api/claims/a/document", "rib.png", "image/png")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetClaimDocument", func() {
		It("should return the document with its type", func() {
			c := readyClaim("a", "1")
			c.Document = "doc.png"
			c.DocumentContentType = "image/png"
			db.claims["a"] = c
			storage.files["doc.png"] = []byte("png data")

			resp := do(http.MethodGet, "/api/claims/a/document", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("png data")))
		})
	})

	Describe("handleExtractText", func() {
		It("should return the unresolved candidate without changing the claim", func() {
			db.claims["a"] = awaitingClaim("a", "1")

			resp := doJSON(http.MethodPost, "/api/claims/a/text", map[string]string{"text": "no identifier here"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result Extraction
			decode(resp, &result)
			Expect(result.Attached).To(BeFalse())
			Expect(result.Candidate.Source).To(Equal("no identifier here"))
			Expect(result.Claim.Status).To(Equal(StatusAwaitingIdentifier))
		})
	})

	Describe("handleAttachIdentifier", func() {
		BeforeEach(func() {
			db.claims["a"] = awaitingClaim("a", "1")
		})

		It("should attach a valid identifier", func() {
			resp := doJSON(http.MethodPut, "/api/claims/a/iban", map[string]string{"iban": validIBAN, "bic": "BNPAFRPP"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var claim Claim
			decode(resp, &claim)
			Expect(claim.Status).To(Equal(StatusReadyForPayment))
			Expect(claim.BIC).To(Equal("BNPAFRPP"))
		})

		It("should return Bad Request for a bad checksum", func() {
			resp := doJSON(http.MethodPut, "/api/claims/a/iban", map[string]string{"iban": "FR7630006000011234567890188"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(resp)).To(Equal("invalid iban: checksum does not match"))
		})

		It("should accept an identifier from another country", func() {
			resp := doJSON(http.MethodPut, "/api/claims/a/iban", map[string]string{"iban": "DE89370400440532013000", "country": "FR"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var claim Claim
			decode(resp, &claim)
			Expect(claim.IBAN).To(Equal("DE89370400440532013000"))
		})
	})

	Describe("handleMarkPaid", func() {
		BeforeEach(func() {
			db.claims["a"] = readyClaim("a", "10")
			db.claims["b"] = awaitingClaim("b", "5")
		})

		It("should create the payment", func() {
			resp := doJSON(http.MethodPost, "/api/payments", map[string]any{"claim_ids": []string{"a"}})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var payment Payment
			decode(resp, &payment)
			Expect(payment.ClaimIDs).To(Equal([]string{"a"}))
			Expect(payment.TotalAmount.String()).To(Equal("10"))
		})

		It("should return Conflict when a claim is not ready", func() {
			resp := doJSON(http.MethodPost, "/api/payments", map[string]any{"claim_ids": []string{"a", "b"}})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			resp.Body.Close()
			Expect(db.payments).To(BeEmpty())
		})

		It("should return Bad Request for an empty batch", func() {
			resp := doJSON(http.MethodPost, "/api/payments", map[string]any{"claim_ids": []string{}})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("handleGetPayment", func() {
		It("should return the payment with its claims", func() {
			paid := readyClaim("a", "10")
			paid.Status = StatusPaid
			paid.PaymentID = "p1"
			db.claims["a"] = paid
			db.payments["p1"] = &Payment{ID: "p1", ClaimIDs: []string{"a"}}

			resp := do(http.MethodGet, "/api/payments/p1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Payment Payment  `json:"payment"`
				Claims  []*Claim `json:"claims"`
			}
			decode(resp, &body)
			Expect(body.Payment.ID).To(Equal("p1"))
			Expect(body.Claims).To(HaveLen(1))
		})

		It("should return Not Found for an unknown payment", func() {
			resp := do(http.MethodGet, "/api/payments/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("handleSummary", func() {
		It("should return the counts", func() {
			db.claims["a"] = awaitingClaim("a", "10")
			db.claims["b"] = readyClaim("b", "5")

			resp := do(http.MethodGet, "/api/summary", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var summary Summary
			decode(resp, &summary)
			Expect(summary.Total).To(Equal(2))
			Expect(summary.OutstandingAmount.String()).To(Equal("15"))
		})
	})

	Describe("handleValidateIdentifier", func() {
		It("should accept and format a valid identifier", func() {
			resp := doJSON(http.MethodPost, "/api/iban/validate", map[string]string{"iban": "fr7630006000011234567890189", "bic": "BNPAFRPPXXX"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result validationResponse
			decode(resp, &result)
			Expect(result.Valid).To(BeTrue())
			Expect(result.Formatted).To(Equal("FR76 3000 6000 0112 3456 7890 189"))
			Expect(*result.BICValid).To(BeTrue())
		})

		It("should explain a wrong country", func() {
			resp := doJSON(http.MethodPost, "/api/iban/validate", map[string]string{"iban": "DE89370400440532013000", "country": "FR"})
			var result validationResponse
			decode(resp, &result)
			Expect(result.Valid).To(BeFalse())
			Expect(result.Error).To(Equal(`invalid iban: must start with "FR"`))
			Expect(result.BICValid).To(BeNil())
		})
	})

	Describe("metrics", func() {
		It("should expose the service counters", func() {
			resp := doJSON(http.MethodPost, "/api/claims", map[string]string{"subject": sampleSubject})
			resp.Body.Close()

			resp = do(http.MethodGet, "/metrics", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`claims_created_total{source="subject"} 1`))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/claims", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
			resp.Body.Close()
		})
	})

	Describe("authenticate", func() {
		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/claims", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				setupServer()
			})

			It("should accept valid credentials", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/claims", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("user", "pass")
				Expect(server.authenticate(req)).To(BeTrue())
			})

			It("should refuse invalid credentials", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/claims", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("user", "wrong")
				Expect(server.authenticate(req)).To(BeFalse())
			})

			It("should refuse a request without credentials", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/claims", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeFalse())
			})
		})
	})

	Describe("requireAuth", func() {
		When("request is unauthorized", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				setupServer()
				auth = BasicAuth{}
			})

			It("should return Unauthorized with a challenge", func() {
				resp := do(http.MethodGet, "/api/claims", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).NotTo(BeEmpty())
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
				resp.Body.Close()
			})
		})
	})
})
