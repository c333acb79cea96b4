package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/listforge/internal/activity"
	"github.com/kalambet/listforge/internal/api"
	"github.com/kalambet/listforge/internal/category"
	"github.com/kalambet/listforge/internal/config"
	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/metrics"
	"github.com/kalambet/listforge/internal/ollama"
	"github.com/kalambet/listforge/internal/research"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/worker"
)

const jobGaugeInterval = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the listforge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running listforge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show listforge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "listforge.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// services is the wired research stack behind the HTTP and MCP surfaces.
type services struct {
	handler http.Handler
	mcp     *server.MCPServer
	worker  *worker.Worker
	metrics *metrics.Metrics
}

// buildServices wires storage, detection, the goal runner and the worker.
// chat may be nil, in which case identification and category detection use
// item attributes and keyword matching only.
func buildServices(cfg config.Config, store *storage.Store, chat category.Chatter) (*services, error) {
	m := metrics.New()

	catOpts := []category.Option{
		category.WithTimeout(cfg.Research.DetectionTimeout),
		category.WithCacheSize(cfg.Research.CacheSize),
	}
	var identifier research.Identifier = research.AttributeIdentifier{}
	if chat != nil {
		catOpts = append(catOpts, category.WithLLM(chat, cfg.Ollama.Model))
		identifier = research.NewLLMIdentifier(chat, cfg.Ollama.Model)
	}
	categories, err := category.NewService(category.DefaultCatalog(), catOpts...)
	if err != nil {
		return nil, fmt.Errorf("building category service: %w", err)
	}

	ops := activity.NewLogger(store)
	node := schema.NewNode(
		schema.Capabilities{Detector: categories, Activity: ops},
		schema.WithDefaultCondition(cfg.Research.DefaultCondition),
		schema.WithObserver(m.ObserveDetection),
	)

	reg := goal.DefaultConfigs()
	validation := reg[goal.TypeValidateIdentification]
	validation.ConfidenceThreshold = cfg.Research.ValidationThreshold
	reg[goal.TypeValidateIdentification] = validation
	builder, err := goal.NewBuilder(reg, goal.UUIDGenerator)
	if err != nil {
		return nil, fmt.Errorf("building goal registry: %w", err)
	}

	opts := research.Handlers(research.Capabilities{
		Identifier: identifier,
		Schema:     node,
	})
	opts = append(opts,
		research.WithActivity(ops),
		research.WithObserver(m.ObserveGoal),
		research.WithParallelism(cfg.Research.Parallelism),
	)
	runner := research.NewRunner(builder, opts...)

	w := worker.NewWorker(store, runner, cfg.Worker.PollInterval)
	w.SetObserver(m.ObserveRun)

	handler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Activity:    ops,
		Detector:    node,
		Token:       cfg.Server.APIToken,
		JobAttempts: cfg.Worker.MaxAttempts,
		Metrics:     m.Handler(),
		Middleware:  m.Middleware,
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:       store,
		Detector:    node,
		JobAttempts: cfg.Worker.MaxAttempts,
	})

	return &services{handler: handler, mcp: mcpSrv, worker: w, metrics: m}, nil
}

// trackJobs refreshes the job gauge until ctx is done.
func trackJobs(ctx context.Context, store *storage.Store, m *metrics.Metrics, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		counts, err := store.JobCounts()
		if err != nil {
			slog.Warn("counting jobs", "error", err)
		} else {
			m.SetJobCounts(counts)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "listforge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	if err := cfg.RequireAPIToken(); err != nil {
		return err
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("listforge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("listforge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var chat category.Chatter
	if cfg.Ollama.Enabled {
		client := ollama.New(cfg.Ollama.BaseURL, ollama.WithTemperature(0), ollama.WithKeepAlive(10*time.Minute))
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, os.Stderr); err != nil {
			return err
		}
		chat = client
	} else {
		slog.Info("ollama disabled, using attribute identification and keyword categories")
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

	if n, err := store.RequeueRunningJobs(); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted research jobs", "count", n)
	}

	svc, err := buildServices(cfg, store, chat)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: svc.handler,
	}

	// The worker must have saved its in-flight run before the store closes.
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := svc.worker.Start(workerCtx)
	defer func() {
		stopWorker()
		<-workerDone
	}()
	go trackJobs(ctx, store, svc.metrics, jobGaugeInterval)

	stdioSrv := server.NewStdioServer(svc.mcp)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "listforge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("listforge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop listforge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to listforge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
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

	if cfg.Ollama.Enabled {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
		printStatus("Model", "%s", cfg.Ollama.Model)
	} else {
		printStatus("Ollama", "disabled")
	}

	if running && cfg.Server.APIToken != "" {
		jobsResp, err := apiGet(client, serverURL+"/jobs", cfg.Server.APIToken)
		if err == nil {
			var counts map[string]int
			if jobsResp.StatusCode == http.StatusOK && json.NewDecoder(jobsResp.Body).Decode(&counts) == nil {
				printStatus("Jobs", "%s", formatCounts(counts))
			}
			jobsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// formatCounts renders job counts in queue order.
func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, 4)
	for _, status := range []string{"pending", "running", "completed", "failed"} {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return strings.Join(parts, ", ")
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
