package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
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

	"github.com/kalambet/raven/internal/api"
	"github.com/kalambet/raven/internal/config"
	"github.com/kalambet/raven/internal/docstore"
	"github.com/kalambet/raven/internal/filings"
	"github.com/kalambet/raven/internal/intake"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/llm"
	"github.com/kalambet/raven/internal/observability"
	"github.com/kalambet/raven/internal/pipeline"
	"github.com/kalambet/raven/internal/queue"
	"github.com/kalambet/raven/internal/ratelimit"
	"github.com/kalambet/raven/internal/retention"
	"github.com/kalambet/raven/internal/status"
	"github.com/kalambet/raven/internal/storage"
	"github.com/kalambet/raven/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the raven server and workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running raven server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "raven.pid")
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

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// limiters holds one limiter per external service, shared by all workers.
type limiters struct {
	filings     ratelimit.Limiter
	transcripts ratelimit.Limiter
	docs        ratelimit.Limiter
	llm         ratelimit.Limiter
}

func newLimiters(cfg config.LimitsConfig, logger *slog.Logger, metrics *observability.Metrics) limiters {
	return limiters{
		filings:     ratelimit.Observed("filings", ratelimit.NewInterval(cfg.FilingsInterval), metrics.RecordLimiterWait),
		transcripts: ratelimit.Observed("transcripts", ratelimit.NewInterval(cfg.TranscriptsInterval), metrics.RecordLimiterWait),
		docs:        ratelimit.Observed("docs", ratelimit.NewInterval(cfg.DocsInterval), metrics.RecordLimiterWait),
		llm: ratelimit.Observed("llm",
			ratelimit.NewWindow(cfg.LLMRequests, cfg.LLMTokens, cfg.LLMWindow, ratelimit.WithLogger(logger)),
			metrics.RecordLimiterWait),
	}
}

func newRouter(cfg config.Config, lim limiters, logger *slog.Logger) pipeline.Router {
	httpClient := &http.Client{Timeout: 60 * time.Second}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Limiter:    lim.llm,
		Ledger:     llm.NewLedger(),
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     logger,
	})
	if !llmClient.Enabled() {
		logger.Warn("no LLM API key configured; jobs will fail until llm.api_key is set")
	}
	docs := docstore.NewClient(cfg.Docs.BaseURL, cfg.Docs.Token, lim.docs)

	return pipeline.Router{
		jobs.KindFiling: &pipeline.Filing{
			Filings: filings.NewClient(filings.Config{
				BaseURL:    cfg.Filings.BaseURL,
				ArchiveURL: cfg.Filings.ArchiveURL,
				UserAgent:  cfg.Filings.UserAgent,
				Limiter:    lim.filings,
				HTTPClient: httpClient,
				Logger:     logger,
			}),
			Transcripts: filings.NewTranscriptClient(filings.TranscriptConfig{
				BaseURL:    cfg.Transcripts.BaseURL,
				APIKey:     cfg.Transcripts.APIKey,
				Limiter:    lim.transcripts,
				HTTPClient: httpClient,
				Logger:     logger,
			}),
			LLM:    llmClient,
			Docs:   docs,
			Logger: logger,
		},
		jobs.KindResearch: &pipeline.Research{
			LLM:  llmClient,
			Docs: docs,
		},
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "raven version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("raven is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("raven is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, shutdownTelemetry, err := observability.Setup(observability.SetupConfig{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceName:    "raven",
		ServiceVersion: version,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("flushing telemetry", "error", err)
		}
	}()

	store, err := storage.Open(ctx, storage.Options{
		Backend:   cfg.Storage.Backend,
		Bucket:    cfg.Storage.Bucket,
		Prefix:    cfg.Storage.Prefix,
		DataDir:   cfg.Storage.DataDir,
		RedisAddr: cfg.Storage.RedisAddr,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	lim := newLimiters(cfg.Limits, logger, obs.Metrics())
	q := queue.New()
	pool := worker.New(store, q, newRouter(cfg, lim, logger), worker.Options{
		Workers:        cfg.Workers.Count,
		RetryBudget:    cfg.Workers.RetryBudget,
		JobTimeout:     cfg.Workers.JobTimeout,
		ShutdownGrace:  cfg.Workers.ShutdownGrace,
		PersistRetries: cfg.Workers.PersistRetries,
		Logger:         logger,
		Observability:  obs,
	})

	svc := intake.New(store, q, logger, obs)
	if _, err := svc.Rehydrate(ctx); err != nil {
		logger.Error("rehydrating unfinished jobs failed", "error", err)
	}

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()
	logger.Info("workers started", "count", pool.Workers(), "storage", store.BackendName())

	sweeper := retention.NewSweeper(store, cfg.Retention.MaxAge, cfg.Retention.Interval, logger)
	go sweeper.Run(ctx)

	agg := status.New(store, pool)
	handler := api.NewHandler(api.Deps{
		Intake:      svc,
		Status:      agg,
		Store:       store,
		APIKey:      cfg.Server.APIKey,
		IntakeRPS:   cfg.Server.IntakeRPS,
		IntakeBurst: cfg.Server.IntakeBurst,
		Logger:      logger,
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Intake: svc, Status: agg}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "raven listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-poolDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Workers finish within the shutdown grace or leave their jobs for the
	// next start to rehydrate.
	return <-poolDone
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
		printError("raven is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop raven (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to raven (PID %d)", pid)
	return nil
}
