package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/claims-tracker/internal/claim"
	"github.com/zombor/claims-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// scannerConfig selects and configures the text recognition service
type scannerConfig struct {
	kind        string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
	cacheTTL    time.Duration
}

// newScanner builds the configured recognizer, guarded by a circuit breaker
// and fronted by a cache. It returns nil for "none".
func newScanner(cfg scannerConfig, metrics *claim.Metrics) (scanning.Scanner, error) {
	var (
		remote scanning.Scanner
		err    error
	)
	switch cfg.kind {
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini recognizer...", "model", cfg.geminiModel)
		remote, err = scanning.NewGemini(apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		remote, err = scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	case "none":
		slog.Warn("No recognizer configured; documents cannot be read, recognized text can still be posted")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q: want gemini, ollama or none", cfg.kind)
	}
	if err != nil {
		return nil, err
	}

	guarded := scanning.NewGuarded(cfg.kind, remote)
	if cfg.cacheTTL <= 0 {
		return guarded, nil
	}
	cached := scanning.NewCached(guarded, cfg.cacheTTL)
	cached.OnLookup = metrics.RecordRecognizerLookup
	return cached, nil
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("claims-tracker")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "claims-tracker.db", "Database file path")
		storagePath = fs.StringLong("storage", "./documents", "Bank document storage directory")
		scannerType = fs.StringLong("scanner", "gemini", "Text recognizer: 'gemini', 'ollama' or 'none'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "qwen2-vl:7b", "Ollama vision model name")
		country     = fs.StringLong("country", "FR", "Country whose bank identifiers documents are searched for")
		prefix      = fs.StringLong("reference-prefix", "RCH", "Prefix of claim references in email subjects")
		cacheTTL    = fs.DurationLong("ocr-cache-ttl", time.Hour, "How long recognized text is kept per document (0 disables)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("CLAIMS_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing database...")
	db, err := claim.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	metrics := claim.NewMetrics()

	scanner, err := newScanner(scannerConfig{
		kind:        *scannerType,
		geminiKey:   *geminiKey,
		geminiModel: *geminiModel,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
		cacheTTL:    *cacheTTL,
	}, metrics)
	if err != nil {
		slog.Error("Failed to initialize recognizer", "error", err)
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	slog.Info("Initializing storage...")
	store, err := claim.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	claimService := claim.NewService(db, scanner, store, claim.Config{
		Country:         *country,
		ReferencePrefix: *prefix,
		Metrics:         metrics,
	})

	basicAuth := claim.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := claim.NewServer(claimService, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "country", *country, "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
