package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/parleychat/parley/internal/agentcfg"
	"github.com/parleychat/parley/internal/runtime"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger   *slog.Logger
	Runtime  runtime.Runtime // optional: nil reports a missing credential per request
	Agents   agentcfg.Source // required
	Model    string          // fallback model when the agent definition names none
	MaxTurns int             // agent loop bound per request

	CORSOrigins        []string
	TrustProxy         bool // trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server is the chat HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agents == nil {
		return nil, errors.New("agent configuration source is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{
		rt:       cfg.Runtime,
		agents:   cfg.Agents,
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", ch.serve)

	perSecond := cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 1.0
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(perSecond, burst)

	// Middleware stack, outermost first:
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID precedes Logging so request_id is available in log
	// attributes. CORS precedes RateLimit so preflight OPTIONS gets proper
	// CORS headers even when throttled.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
