// Package main is the policydesk CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/policydesk/internal/cli"
	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/embedding"
	"github.com/hyperjump/policydesk/internal/generation"
	"github.com/hyperjump/policydesk/internal/indexer"
	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/pipeline"
	"github.com/hyperjump/policydesk/internal/retrieval"
	"github.com/hyperjump/policydesk/internal/server"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/internal/watcher"
	"github.com/hyperjump/policydesk/pkg/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/policydesk/config.yaml"
	defaultServerURL  = "http://localhost:8000"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "ask":
		runAsk()
	case "stats":
		runStats()
	case "warmup":
		runWarmup()
	case "version", "--version", "-v":
		fmt.Printf("policydesk version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// mustSetup loads config and creates the logger, exiting on failure.
func mustSetup(configPath string, debug bool) (*config.Config, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, logger
}

// fail prints an actionable message for err and exits 1.
func fail(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, describeError(err))
	os.Exit(1)
}

// describeError turns setup errors into instructions for the operator.
func describeError(err error) string {
	switch {
	case errors.Is(err, retrieval.ErrIndexNotInitialized):
		return `the document index has not been built yet. Run "policydesk index" first.`
	case errors.Is(err, retrieval.ErrEmbedderMismatch):
		return fmt.Sprintf("%v. Run \"policydesk index\" again, or restore the model the index was built with (check embedding.model_path and that onnxruntime is installed).", err)
	case errors.Is(err, indexer.ErrDocumentsNotFound):
		return fmt.Sprintf("%v. Set storage.documents_dir in the config or pass a directory to \"policydesk index\".", err)
	case errors.Is(err, indexer.ErrNoDocuments):
		return fmt.Sprintf("%v. Add policy PDFs to the documents directory and run \"policydesk index\" again.", err)
	default:
		return err.Error()
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	warm := fs.Bool("warm", false, "load the index in the background right after start")
	_ = fs.Parse(os.Args[2:])

	cfg, logger := mustSetup(*configPath, *debug)
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	srv := server.NewServer(
		components.Pipeline,
		components.Index,
		components.Analytics,
		&cfg.Server,
		server.WithLogger(logger),
		server.WithMetrics(components.Metrics),
		server.WithDocumentsDir(cfg.Storage.DocumentsDir),
		server.WithVersion(version),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	if *warm {
		go func() {
			if _, err := components.Index.Warm(warmCtx); err != nil {
				logger.Warn("background warmup failed", zap.String("hint", describeError(err)), zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	warmCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	watch := fs.Bool("watch", false, "keep running and rebuild when documents change")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	cfg, logger := mustSetup(*configPath, *debug)
	defer logger.Sync()

	dir := cfg.Storage.DocumentsDir
	if fs.NArg() > 0 {
		abs, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fail("Invalid directory", err)
		}
		dir = abs
	}

	embedder, err := embedding.New(&cfg.Embedding, logger)
	if err != nil {
		fail("Failed to create embedder", err)
	}
	defer embedder.Close()

	builder := indexer.NewBuilder(embedder, nil, &cfg.Index, cfg.Storage.IndexPath, indexer.WithLogger(logger))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := builder.Build(ctx, dir)
	switch {
	case err == nil:
		printReport(os.Stdout, report)
	case *watch && errors.Is(err, indexer.ErrNoDocuments):
		fmt.Fprintf(os.Stderr, "Nothing indexed yet: %s\n", describeError(err))
	default:
		fail("Indexing failed", err)
	}
	if !*watch {
		return
	}

	rebuild := func(ctx context.Context) error {
		report, err := builder.Build(ctx, dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Rebuild failed: %s\n", describeError(err))
			return err
		}
		printReport(os.Stdout, report)
		return nil
	}
	w := watcher.NewWatcher(dir, builder.Extensions(), rebuild, watcher.WithLogger(logger))
	if err := w.Start(ctx); err != nil {
		fail("Failed to watch documents", err)
	}
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n", dir)
	<-w.Done()
}

func printReport(w io.Writer, r *indexer.BuildReport) {
	fmt.Fprintf(w, "Indexed %d document(s), %d page(s), %d chunk(s) in %s\n",
		r.Documents, r.Pages, r.Chunks, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Index written to %s\n", r.IndexPath)
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", s)
	}
}

// argsReorder moves any flags (and their values) that appear after positional
// arguments to the front so flag.Parse sees them. Go's flag package stops at the
// first non-flag argument, so `policydesk ask what is the wire fee --output json`
// would otherwise treat --output as part of the question.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildQuestion joins all positional args with spaces so multi-word questions
// work the same with or without shell quoting.
func buildQuestion(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func printAskUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: policydesk ask [flags] <question>\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  policydesk ask how long does a card dispute take
  policydesk ask --user agent_7 "What is the fee for an international wire?"
  policydesk ask --server "" what is the overdraft fee    # run in-process, no server
  policydesk ask what is the overdraft fee --output json
`)
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (in-process mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = run the pipeline in-process)")
	user := fs.String("user", "", "user name recorded with the query")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printAskUsage(fs) }
	_ = fs.Parse(argsReorder(os.Args[2:]))

	question := buildQuestion(fs.Args())
	if question == "" {
		printAskUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	req := &models.QueryRequest{Question: question, UserName: *user}

	var resp *models.QueryResponse
	if *serverURL != "" {
		resp, err = askViaHTTP(*serverURL, req)
		if err != nil {
			fail("Query failed", err)
		}
	} else {
		cfg, logger := mustSetup(*configPath, false)
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fail("Failed to initialize", err)
		}
		defer components.Close()
		resp, err = components.Pipeline.Run(context.Background(), req)
		if err != nil {
			fail("Query failed", err)
		}
	}
	if err := cli.WriteAnswer(os.Stdout, resp, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct database mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the database directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var stats *models.AggregateStats
	if *serverURL != "" {
		stats = &models.AggregateStats{}
		if err := getJSON(*serverURL+"/stats", stats); err != nil {
			fail("Stats failed", err)
		}
	} else {
		cfg, logger := mustSetup(*configPath, false)
		defer logger.Sync()
		store, err := storage.NewSQLiteAnalyticsStore(cfg.Storage.DatabasePath)
		if err != nil {
			fail("Failed to open analytics database", err)
		}
		defer store.Close()
		stats, err = store.Aggregate(context.Background())
		if err != nil {
			fail("Stats failed", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// warmupResponse mirrors the body of GET /warmup.
type warmupResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Chunks     int    `json:"chunks"`
	LoadTimeMS int64  `json:"load_time_ms"`
}

func runWarmup() {
	fs := flag.NewFlagSet("warmup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (in-process mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the index in-process to verify it)")
	_ = fs.Parse(os.Args[2:])

	if *serverURL == "" {
		cfg, logger := mustSetup(*configPath, false)
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fail("Failed to initialize", err)
		}
		defer components.Close()
		st, err := components.Index.Warm(context.Background())
		if err != nil {
			fail("Warmup failed", err)
		}
		fmt.Printf("Index loaded: %d chunks in %dms\n", st.Chunks, st.LoadTimeMS)
		return
	}

	var out warmupResponse
	status, err := doJSON(http.MethodGet, *serverURL+"/warmup", nil, &out)
	if err != nil && status == 0 {
		fail("Warmup failed", err)
	}
	if out.Status != "warm" {
		fmt.Fprintf(os.Stderr, "Warmup failed (%d): %s\n", status, out.Error)
		os.Exit(1)
	}
	fmt.Printf("Index loaded: %d chunks in %dms\n", out.Chunks, out.LoadTimeMS)
}

// httpClient bounds CLI calls; answering can take several model round trips.
var httpClient = &http.Client{Timeout: 2 * time.Minute}

// apiError is the error body returned by the server.
type apiError struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func askViaHTTP(serverURL string, req *models.QueryRequest) (*models.QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp models.QueryResponse
	if _, err := doJSON(http.MethodPost, strings.TrimRight(serverURL, "/")+"/query", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func getJSON(url string, out interface{}) error {
	_, err := doJSON(http.MethodGet, url, nil, out)
	return err
}

// doJSON sends a request and decodes a 200 body into out. For other statuses it
// decodes the body into out as well (when possible) and returns an error that
// carries the server's message.
func doJSON(method, url string, body []byte, out interface{}) (int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed (is the server running? use --server \"\" to run in-process): %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, out)
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Components holds initialized services for the server and in-process commands.
type Components struct {
	Metrics   *metrics.Metrics
	Analytics *storage.SQLiteAnalyticsStore
	Index     *retrieval.IndexCache
	Pipeline  *pipeline.Pipeline
}

// Close releases the index and the analytics database.
func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Analytics != nil {
		_ = c.Analytics.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	m := metrics.New()

	analytics, err := storage.NewSQLiteAnalyticsStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize analytics store: %w", err)
	}

	newEmbedder := func() (embedding.Embedder, error) {
		return embedding.New(&cfg.Embedding, logger)
	}
	cache := retrieval.NewIndexCache(
		retrieval.NewArtifactLoader(cfg.Storage.IndexPath, newEmbedder),
		retrieval.WithLogger(logger),
		retrieval.WithMetrics(m),
		retrieval.WithIndexDir(cfg.Storage.IndexPath),
	)

	if cfg.Generation.APIKey() == "" {
		logger.Warn("no API key for the language model; answers will use the fallback text",
			zap.String("env", cfg.Generation.APIKeyEnv))
	}
	client := generation.NewOpenAIClient(&cfg.Generation,
		generation.WithLogger(logger),
		generation.WithMetrics(m),
	)
	gen := generation.NewGenerator(client, &cfg.Generation)

	p := pipeline.New(cache, gen, analytics, &cfg.Pipeline,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	)

	return &Components{
		Metrics:   m,
		Analytics: analytics,
		Index:     cache,
		Pipeline:  p,
	}, nil
}

func printUsage() {
	fmt.Println(`policydesk - Customer service assistant for banking policy documents

Usage:
  policydesk server [flags]            Start the HTTP server
  policydesk index [flags] [dir]       Build the document index
  policydesk ask [flags] <question>    Ask a question
  policydesk stats [flags]             Show query analytics
  policydesk warmup [flags]            Load the index into memory
  policydesk version                   Show version
  policydesk help                      Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/policydesk/config.yaml)
  --debug            Enable debug logging
  --warm             Load the index in the background right after start

Index Flags:
  --config string    Config file path
  --watch            Keep running and rebuild the index when documents change
  --debug            Enable debug logging

Ask Flags:
  --config string    Config file path (in-process mode)
  --server string    Server URL (default: http://localhost:8000). Use --server "" to run in-process.
  --user string      User name recorded with the query (default: anonymous)
  --output string    Output format: text or json (default: text)

Stats Flags:
  --config string    Config file path (direct database mode)
  --server string    Server URL (default: http://localhost:8000). Use --server "" to read the database directly.
  --output string    Output format: text or json (default: text)

Warmup Flags:
  --server string    Server URL (default: http://localhost:8000)

Examples:
  policydesk index ./documents
  policydesk index --watch
  policydesk server --warm
  policydesk ask how long does a card dispute take
  policydesk ask --user agent_7 --output json "What is the international wire fee?"
  policydesk stats --output json`)
}
