package claim

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for claims
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to every response and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Claims Tracker"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Claims
	s.mux.HandleFunc("POST /api/claims/parse", s.requireAuth(s.handleParseSubject))
	s.mux.HandleFunc("POST /api/claims/manual", s.requireAuth(s.handleCreateManual))
	s.mux.HandleFunc("GET /api/claims/{id}/document", s.requireAuth(s.handleGetClaimDocument))
	s.mux.HandleFunc("POST /api/claims/{id}/document", s.requireAuth(s.handleUploadDocument))
	s.mux.HandleFunc("POST /api/claims/{id}/text", s.requireAuth(s.handleExtractText))
	s.mux.HandleFunc("PUT /api/claims/{id}/iban", s.requireAuth(s.handleAttachIdentifier))
	s.mux.HandleFunc("GET /api/claims/{id}", s.requireAuth(s.handleGetClaim))
	s.mux.HandleFunc("PATCH /api/claims/{id}", s.requireAuth(s.handleUpdateClaim))
	s.mux.HandleFunc("DELETE /api/claims/{id}", s.requireAuth(s.handleRemoveClaim))
	s.mux.HandleFunc("GET /api/claims", s.requireAuth(s.handleListClaims))
	s.mux.HandleFunc("POST /api/claims", s.requireAuth(s.handleCreateClaim))
	s.mux.HandleFunc("DELETE /api/claims", s.requireAuth(s.handleReset))

	// Payments
	s.mux.HandleFunc("GET /api/payments/{id}", s.requireAuth(s.handleGetPayment))
	s.mux.HandleFunc("GET /api/payments", s.requireAuth(s.handleListPayments))
	s.mux.HandleFunc("POST /api/payments", s.requireAuth(s.handleMarkPaid))

	s.mux.HandleFunc("GET /api/summary", s.requireAuth(s.handleSummary))
	s.mux.HandleFunc("POST /api/iban/validate", s.requireAuth(s.handleValidateIdentifier))

	metrics := promhttp.HandlerFor(s.service.Metrics().Registry, promhttp.HandlerOpts{})
	s.mux.HandleFunc("GET /metrics", s.requireAuth(metrics.ServeHTTP))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
