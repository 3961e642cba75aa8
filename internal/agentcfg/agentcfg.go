// Package agentcfg resolves the agent definition the server runs with: the
// system prompt, behavioural rules, tool inventory, and model selection.
//
// Definitions come from one of two sources. A static source parses a JSON
// blob handed over at startup; a remote source polls a control-plane URL and
// caches the result for a freshness window. Both degrade to a safe default
// rather than erroring: a chat server with a generic prompt beats a chat
// server that refuses to start.
package agentcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/tools"
)

// cacheTTL is how long a remotely fetched definition stays fresh.
const cacheTTL = 15 * time.Second

// AgentConfig is one resolved agent definition.
type AgentConfig struct {
	Name            string             `json:"name"`
	SystemPrompt    string             `json:"systemPrompt"`
	Rules           []string           `json:"rules,omitempty"`
	Tools           []tools.Descriptor `json:"tools,omitempty"`
	MCPEndpoints    []string           `json:"mcpEndpoints,omitempty"`
	EnableWebSearch bool               `json:"enableWebSearch"`
	Model           string             `json:"model,omitempty"`
}

// Default returns the fallback definition used when no source is configured
// or the configured source fails.
func Default() AgentConfig {
	return AgentConfig{
		Name:         "assistant",
		SystemPrompt: "You are a helpful assistant.",
	}
}

// Source yields the current agent definition. Current never fails; sources
// fall back to Default on any problem.
type Source interface {
	Current(ctx context.Context) AgentConfig
}

// Static holds a definition parsed once at construction.
type Static struct {
	cfg AgentConfig
}

// NewStatic parses a JSON definition. An empty or unparseable blob yields the
// default definition, logged once.
func NewStatic(raw string, logger *slog.Logger) *Static {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := Default()
	if raw != "" {
		var parsed AgentConfig
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			logger.Warn("invalid agent definition, using default", "error", err)
		} else {
			cfg = withDefaults(parsed)
		}
	}
	return &Static{cfg: cfg}
}

// Current returns the parsed definition.
func (s *Static) Current(context.Context) AgentConfig { return s.cfg }

// Remote fetches the definition from a control-plane URL, caching the last
// good result. A stale cache is refreshed at most once per TTL; a failed
// refresh serves the last good definition, or the default before the first
// success.
type Remote struct {
	url    string
	token  string
	hc     *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cached    AgentConfig
	hasCached bool
	fetchedAt time.Time
}

// NewRemote creates a remote source. token, when non-empty, is sent as a
// bearer credential.
func NewRemote(url, token string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Remote{
		url:    url,
		token:  token,
		hc:     &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// Current returns the cached definition when fresh, refreshing otherwise.
func (r *Remote) Current(ctx context.Context) AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasCached && r.now().Sub(r.fetchedAt) < cacheTTL {
		return r.cached
	}

	cfg, err := r.fetch(ctx)
	if err != nil {
		r.logger.Warn("agent definition fetch failed", "url", r.url, "error", err)
		if r.hasCached {
			return r.cached
		}
		return Default()
	}

	r.cached = cfg
	r.hasCached = true
	r.fetchedAt = r.now()
	return r.cached
}

func (r *Remote) fetch(ctx context.Context) (AgentConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("build request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AgentConfig{}, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AgentConfig{}, fmt.Errorf("read body: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode: %w", err)
	}
	return withDefaults(cfg), nil
}

// withDefaults fills fields a sparse definition left empty.
func withDefaults(cfg AgentConfig) AgentConfig {
	def := Default()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	return cfg
}
