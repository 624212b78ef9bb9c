package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/config"
	"github.com/gambtho/container-assist/internal/httpapi"
	"github.com/gambtho/container-assist/internal/logging"
	"github.com/gambtho/container-assist/internal/mcp"
	"github.com/gambtho/container-assist/internal/orchestrator"
	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/tools"
	"github.com/gambtho/container-assist/internal/workflow"
)

var enableHTTP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: `Start the container-assist MCP server on stdio. With --http the
HTTP API is served alongside it for session inspection and progress
streaming.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&enableHTTP, "http", false, "also serve the HTTP API")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting container-assist",
		zap.String("version", version),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Bool("http_enabled", enableHTTP))

	// Signal handling for graceful shutdown. Stdio EOF also ends the MCP
	// server, so either path drains through the same cancel.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store := session.NewMemoryStore(cfg.ToSessionConfig(), logger)
	defer func() { _ = store.Close() }()

	cache := resources.NewService(cfg.ToCacheConfig(), logger)
	defer func() { _ = cache.Close() }()

	channel := progress.NewChannel(logger)
	engine := sampling.NewEngine(cfg.ToSamplingConfig(), logger)

	registry := workflow.NewRegistry()
	tools.RegisterAll(registry, tools.Options{
		Registry:  cfg.Tools.Registry,
		Namespace: cfg.Tools.Namespace,
		Model:     newModel(cfg, logger),
	}, logger)

	coordinator, err := orchestrator.NewService(store, cache, channel, engine, registry, logger)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	defer func() { _ = coordinator.Close() }()

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    cfg.Observability.ServiceName,
		Version: version,
		Logger:  logger,
	}, coordinator, store, cache)
	if err != nil {
		return fmt.Errorf("initializing mcp server: %w", err)
	}

	var httpServer *httpapi.Server
	if enableHTTP {
		httpServer, err = httpapi.NewServer(coordinator, store, channel, logger, &httpapi.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		})
		if err != nil {
			return fmt.Errorf("initializing http server: %w", err)
		}
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	// Blocks until the client disconnects or the context is cancelled.
	runErr := mcpServer.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
	}
	if err := mcpServer.Close(); err != nil {
		logger.Warn("mcp shutdown incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// newModel builds the remediation model client when one is configured.
func newModel(cfg *config.Config, logger *zap.Logger) llms.Model {
	if cfg.LLM.Model == "" {
		return nil
	}

	opts := []openai.Option{openai.WithModel(cfg.LLM.Model)}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, openai.WithToken(key))
	}

	model, err := openai.New(opts...)
	if err != nil {
		logger.Warn("llm client unavailable, remediation will use fallback hardening",
			zap.String("model", cfg.LLM.Model),
			zap.Error(err))
		return nil
	}
	return model
}
