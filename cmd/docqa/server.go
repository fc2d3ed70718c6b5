package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docqa/internal/answer"
	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/ollama"
	"github.com/kalambet/docqa/internal/proxy"
	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
	"github.com/kalambet/docqa/internal/transcript"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(cmd.Context(), !noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docqa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docqa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("no-mcp", false, "do not serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docqa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func queueOptions(cfg config.QueueConfig) queue.Options {
	return queue.Options{
		Debounce:        cfg.Debounce,
		RequestTimeout:  cfg.RequestTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	}
}

// newChatter builds the model adapter for the configured provider and checks
// that the model can be used.
func newChatter(ctx context.Context, cfg config.Config) (answer.Chatter, error) {
	switch cfg.Answer.Provider {
	case config.ProviderOllama:
		client := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Answer.Model, os.Stderr); err != nil {
			return nil, err
		}
		return answer.Ollama{Client: client, Model: cfg.Answer.Model}, nil

	default:
		client := proxy.NewClient(cfg.Proxy.OpenRouterAPIKey)
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ok, err := client.HasModel(checkCtx, cfg.Answer.Model)
		switch {
		case err != nil:
			slog.Warn("could not verify OpenRouter model", "model", cfg.Answer.Model, "error", err)
		case !ok:
			printWarning("model %s is not listed by OpenRouter; answers will fail until answer.model is fixed", cfg.Answer.Model)
		}
		return answer.OpenRouter{
			Client:      client,
			Model:       cfg.Answer.Model,
			Temperature: cfg.Answer.Temperature,
		}, nil
	}
}

// newPageIndex prepares the embedding model, points the answer service at
// the page search, and returns the worker that indexes new documents. It
// returns nil when the index cannot run; answering works without it.
func newPageIndex(ctx context.Context, cfg config.Config, store *storage.Store, pages ingest.PageSource, service *answer.Service) *ingest.Worker {
	client := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureModel(ctx, client, cfg.Index.EmbedModel, os.Stderr); err != nil {
		printWarning("page index disabled: %v", err)
		return nil
	}
	if n, err := store.ResetStaleIndexing(); err != nil {
		slog.Warn("resetting interrupted indexing", "error", err)
	} else if n > 0 {
		slog.Info("resuming interrupted indexing", "documents", n)
	}

	embedder := retrieval.NewEmbedder(client, cfg.Index.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	service.UseSearch(retrieval.NewRetriever(embedder, vectors), cfg.Index.TopK)
	return ingest.NewWorker(store, pages, embedder, vectors, cfg.Index.PollInterval)
}

func runServer(parent context.Context, serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: a live health endpoint means another instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docqa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docqa is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Checking %s model %s", cfg.Answer.Provider, cfg.Answer.Model)
	chat, err := newChatter(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	pdfs := document.Reader{}
	service := answer.NewService(store, pdfs, chat, composer.New(cfg.Answer.MaxContextTokens))
	var indexer *ingest.Worker
	if cfg.Index.Enabled {
		printStep("Checking embedding model %s", cfg.Index.EmbedModel)
		indexer = newPageIndex(ctx, cfg, store, pdfs, service)
	}
	sink := transcript.New(store)
	questions := queue.NewStore()
	tracker := queue.NewTracker()
	processor := queue.NewProcessor(questions, tracker, service, sink, queueOptions(cfg.Queue))

	deps := api.Deps{
		Store:     store,
		Queue:     questions,
		Status:    tracker,
		Processor: processor,
		Recorder:  sink,
		Inspector: pdfs,
		Token:     apiToken,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return processor.Run(gctx)
	})

	if indexer != nil {
		g.Go(func() error {
			return indexer.Run(gctx)
		})
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "docqa listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if serveMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		g.Go(func() error {
			// A closed stdin ends MCP but leaves the HTTP API running.
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docqa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docqa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docqa (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Answer.Provider)
	printStatus("Model", "%s", cfg.Answer.Model)
	if cfg.Index.Enabled {
		printStatus("Page index", "enabled (%s, top %d)", cfg.Index.EmbedModel, cfg.Index.TopK)
	} else {
		printStatus("Page index", "disabled")
	}
	if cfg.Answer.Provider == config.ProviderOllama || cfg.Index.Enabled {
		if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			docs, pending, err := queueSummary(ctx, c, 100)
			if err == nil {
				printStatus("Documents", "%s", countLabel(docs, 100))
				printStatus("Pending questions", "%d", pending)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// queueSummary counts registered documents and their pending questions.
func queueSummary(ctx context.Context, client *apiClient, limit int) (int, int, error) {
	var docs []storage.Document
	if err := client.getJSON(ctx, fmt.Sprintf("/documents?limit=%d", limit), &docs); err != nil {
		return 0, 0, err
	}
	pending := 0
	for _, d := range docs {
		var st api.DocumentStatus
		if err := client.getJSON(ctx, "/documents/"+url.PathEscape(d.ID)+"/status", &st); err != nil {
			return 0, 0, err
		}
		pending += st.Pending
	}
	return len(docs), pending, nil
}
