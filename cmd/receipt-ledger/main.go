package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffyaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/receipt-ledger/internal/logging"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/storage"
	"github.com/zombor/receipt-ledger/internal/storage/bolt"
	"github.com/zombor/receipt-ledger/internal/storage/sqlite"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

// run wires the service and serves until interrupted. Deferred cleanup runs
// before main exits.
func run(args []string) error {
	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port              = fs.IntLong("port", 8080, "HTTP server port")
		storeType         = fs.StringLong("store", "bolt", "Storage backend: 'bolt' or 'sqlite'")
		dbPath            = fs.StringLong("db", "receipt-ledger.db", "Database file path")
		imagePath         = fs.StringLong("images", "./receipts", "Receipt image directory")
		defaultAccount    = fs.StringLong("default-account", receipt.DefaultAccount, "Account used when a user has none set")
		scannerType       = fs.StringLong("scanner", "gemini", "Text extraction backend: 'gemini', 'ollama' or 'text'")
		geminiKey         = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL         = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel       = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		extractionTimeout = fs.DurationLong("extraction-timeout", receipt.DefaultExtractionTimeout, "Maximum time for one text extraction")
		authUser          = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass          = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel          = fs.StringLong("log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
		_                 = fs.StringLong("config", "", "YAML config file (optional)")
		showVersion       = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parse),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup(*logLevel)

	slog.Info("Initializing database...", "backend", *storeType, "path", *dbPath)
	store, err := openStore(*storeType, *dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	extractor, err := newExtractor(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		return fmt.Errorf("initializing %s text extraction: %w", *scannerType, err)
	}
	defer extractor.Close()

	slog.Info("Initializing image storage...", "path", *imagePath)
	images, err := receipt.NewLocalStorage(*imagePath)
	if err != nil {
		return fmt.Errorf("initializing image storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	receiptService := receipt.NewService(store, extractor, images, metrics.New(reg), receipt.Options{
		DefaultAccount:    *defaultAccount,
		ExtractionTimeout: *extractionTimeout,
	})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if basicAuth.Enabled() {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	slog.Info("Shutting down...")
	return nil
}

func openStore(kind, path string) (storage.Store, error) {
	switch kind {
	case "bolt":
		return bolt.Open(path)
	case "sqlite":
		return sqlite.New(path)
	default:
		return nil, fmt.Errorf("invalid store type %q (valid: bolt, sqlite)", kind)
	}
}

func newExtractor(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Extractor, error) {
	switch kind {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", geminiModel)
		return scanning.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	case "text":
		slog.Info("Using plain text extractor")
		return scanning.NewPlainText(), nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q (valid: gemini, ollama, text)", kind)
	}
}

