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

	"github.com/mkallin/ctxd/internal/api"
	"github.com/mkallin/ctxd/internal/completion"
	"github.com/mkallin/ctxd/internal/config"
	"github.com/mkallin/ctxd/internal/contexts"
	"github.com/mkallin/ctxd/internal/embedding"
	"github.com/mkallin/ctxd/internal/engine"
	"github.com/mkallin/ctxd/internal/evolution"
	"github.com/mkallin/ctxd/internal/ingest"
	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/intent"
	"github.com/mkallin/ctxd/internal/pipeline"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/synthesis"
	"github.com/mkallin/ctxd/internal/vectors"
	"github.com/mkallin/ctxd/internal/workspace"
)

const (
	// embedCacheEntries bounds the in-memory embedding cache.
	embedCacheEntries = 4096
	// redisCacheTTL is how long cached embeddings live in Redis.
	redisCacheTTL = 24 * time.Hour
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ctxd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ctxd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ctxd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ctxd.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "ctxd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	})))

	// Write PID file. Check if the daemon is already running via the
	// health endpoint first.
	pidPath := pidFilePath(cfg.Data.Dir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ctxd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ctxd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detect and check local inference engine readiness.
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Engine.BaseURL})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.ChatModel, cfg.Engine.EmbedModel, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the context stack.
	cache, err := buildEmbedCache(cfg)
	if err != nil {
		return err
	}
	embedder := embedding.NewGateway(eng, cfg.Engine.EmbedModel, cache)
	index := vectors.NewSQLiteIndex(store.DB())
	manager := contexts.NewManager(store, index, embedder)
	retriever := retrieval.NewRetriever(store, index, embedder, retrieval.Options{
		MinScore:   cfg.Retrieval.MinScore,
		MaxAgeDays: cfg.Retrieval.MaxAgeDays,
		Diversity:  cfg.Retrieval.Diversity,
	})
	workspaces := workspace.NewManager(store)
	extractor := intent.NewExtractor(eng, cfg.Engine.ChatModel)
	pipe := pipeline.New(store, workspaces, extractor, retriever,
		synthesis.New(cfg.Synthesis.TotalBudget, cfg.Synthesis.ResponseReserve),
		injection.New(cfg.Injection.MaxTokens),
		pipeline.Options{
			DefaultStrategy: injection.Strategy(cfg.Injection.Strategy),
			ExpandQueries:   cfg.Retrieval.QueryExpansion,
		})
	evolver := evolution.NewEngine(store, manager, evolution.Options{
		DecayRate:     cfg.Evolution.DecayRate,
		MinConfidence: cfg.Evolution.MinConfidence,
	})
	ingestor := ingest.New(manager, ingest.Options{})
	upstream := completion.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)

	// Build HTTP handler and server.
	handler := api.NewRouter(api.Deps{
		Contexts:       manager,
		Retriever:      retriever,
		Pipeline:       pipe,
		Evolution:      evolver,
		Ingestor:       ingestor,
		Workspaces:     workspaces,
		Upstream:       upstream,
		Enricher:       completion.NewEnricher(pipe),
		Token:          cfg.Server.APIToken,
		RetrieveLimit:  cfg.Retrieval.TopK,
		QueryExpansion: cfg.Retrieval.QueryExpansion,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Contexts:  manager,
		Retriever: retriever,
		Composer:  pipe,
		Evolution: evolver,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ctxd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildEmbedCache picks the embedding cache backend from config. An
// unknown backend falls back to the in-memory cache rather than
// failing startup.
func buildEmbedCache(cfg config.Config) (embedding.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		cache, err := embedding.NewRedisCache(cfg.Cache.RedisAddr, redisCacheTTL, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("connecting embedding cache: %w", err)
		}
		return cache, nil
	case "none":
		return embedding.NopCache{}, nil
	default:
		return embedding.NewMemoryCache(embedCacheEntries), nil
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Data.Dir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ctxd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ctxd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ctxd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/api/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the inference engine.
	engResp, err := client.Get(cfg.Engine.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		engResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Engine.BaseURL)
	}

	// Show models.
	printStatus("Chat model", "%s", cfg.Engine.ChatModel)
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)

	// Show context counts for the default workspace if the daemon is up.
	if resp != nil && resp.StatusCode == 200 {
		statsResp, err := apiGet(client, serverURL+"/api/evolution/stats?workspace_id="+defaultWorkspace, cfg.Server.APIToken)
		if err == nil {
			var stats struct {
				TotalContexts     int
				AverageConfidence float64
			}
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Contexts", "%d (avg confidence %.2f)", stats.TotalContexts, stats.AverageConfidence)
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Data.Dir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
