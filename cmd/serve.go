package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleychat/parley/internal/agentcfg"
	"github.com/parleychat/parley/internal/api"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/log"
	"github.com/parleychat/parley/internal/mcp"
	"github.com/parleychat/parley/internal/runtime"
	"github.com/parleychat/parley/internal/tools"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat HTTP server",
	RunE: func(*cobra.Command, []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// mergedSource overlays tools discovered from MCP servers onto the agent
// definition's own tool list.
type mergedSource struct {
	base  agentcfg.Source
	extra []tools.Descriptor
}

func (m mergedSource) Current(ctx context.Context) agentcfg.AgentConfig {
	cfg := m.base.Current(ctx)
	if len(m.extra) > 0 {
		merged := make([]tools.Descriptor, 0, len(cfg.Tools)+len(m.extra))
		merged = append(merged, cfg.Tools...)
		merged = append(merged, m.extra...)
		cfg.Tools = merged
	}
	return cfg
}

// runServe initializes and starts the HTTP server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: cfg.LogLevelValue(), JSON: cfg.LogJSON})
	logger.Info("starting chat server", "version", Version, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var agents agentcfg.Source
	switch {
	case cfg.AgentConfigURL != "":
		agents = agentcfg.NewRemote(cfg.AgentConfigURL, cfg.AgentConfigToken, logger.With("component", "agentcfg"))
	default:
		agents = agentcfg.NewStatic(cfg.AgentConfigJSON, logger.With("component", "agentcfg"))
	}

	// Tool execution is MCP-backed; endpoints come from the agent definition
	// resolved at startup.
	agent := agents.Current(ctx)
	aggregator := mcp.Connect(ctx, agent.MCPEndpoints, logger.With("component", "mcp"))
	defer func() {
		if closeErr := aggregator.Close(); closeErr != nil {
			logger.Warn("closing mcp sessions", "error", closeErr)
		}
	}()
	if extra := aggregator.Tools(); len(extra) > 0 {
		logger.Info("mcp tools discovered", "count", len(extra))
		agents = mergedSource{base: agents, extra: extra}
	}

	// The server starts without a credential so probes and diagnostics work;
	// chat requests then report the missing key per request.
	var rt runtime.Runtime
	if cfg.AnthropicAPIKey == "" {
		logger.Warn("ANTHROPIC_API_KEY not set, chat requests will fail")
	} else {
		anthro, err := runtime.NewAnthropic(cfg.AnthropicAPIKey, aggregator, logger.With("component", "runtime"))
		if err != nil {
			return fmt.Errorf("creating runtime: %w", err)
		}
		rt = anthro
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:             logger.With("component", "api"),
		Runtime:            rt,
		Agents:             agents,
		Model:              cfg.Model,
		MaxTurns:           cfg.MaxTurns,
		CORSOrigins:        cfg.CORSOrigins,
		TrustProxy:         cfg.TrustProxy,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		// No WriteTimeout: SSE responses stream for as long as the upstream
		// runtime takes.
		IdleTimeout: idleTimeout,
	}

	logger.Info("HTTP server ready", "addr", cfg.Addr, "chat", "/api/chat", "health", "/health")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
