// Package mcp aggregates tools from configured MCP servers behind a single
// executor. Servers are dialed over streamable HTTP; a server that fails to
// connect or list its tools is logged and skipped, so a broken endpoint
// degrades the tool set instead of taking the chat server down.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/parleychat/parley/internal/tools"
)

// Aggregator holds live sessions to every reachable MCP server and routes
// tool calls to the server that advertised the tool.
type Aggregator struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions []*sdk.ClientSession
	route    map[string]*sdk.ClientSession
	tools    []tools.Descriptor
}

// Connect dials every endpoint concurrently and imports each server's tool
// catalogue. Always returns a usable aggregator; unreachable endpoints only
// shrink the tool set.
func Connect(ctx context.Context, endpoints []string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Aggregator{
		logger: logger,
		route:  make(map[string]*sdk.ClientSession),
	}

	var g errgroup.Group
	for _, endpoint := range endpoints {
		g.Go(func() error {
			transport := &sdk.StreamableClientTransport{Endpoint: endpoint}
			if err := a.admit(ctx, transport); err != nil {
				logger.Warn("skipping mcp server", "endpoint", endpoint, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return a
}

// admit connects one transport and merges its tools into the catalogue. On a
// duplicate tool name the first server wins.
func (a *Aggregator) admit(ctx context.Context, transport sdk.Transport) error {
	client := sdk.NewClient(&sdk.Implementation{
		Name:    "parley",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	listing, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, session)
	for _, tool := range listing.Tools {
		if _, taken := a.route[tool.Name]; taken {
			a.logger.Warn("duplicate tool name, keeping first", "tool", tool.Name)
			continue
		}
		a.route[tool.Name] = session
		a.tools = append(a.tools, toDescriptor(tool))
	}
	return nil
}

// Tools returns the merged tool catalogue.
func (a *Aggregator) Tools() []tools.Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]tools.Descriptor, len(a.tools))
	copy(out, a.tools)
	return out
}

// CallTool routes one tool invocation to its owning server and returns the
// concatenated text content. A result the server flags as an error comes back
// as a Go error so callers report it with error status.
func (a *Aggregator) CallTool(ctx context.Context, name string, input map[string]any) (any, error) {
	a.mu.RLock()
	session, ok := a.route[name]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no mcp server provides tool %q", name)
	}

	result, err := session.CallTool(ctx, &sdk.CallToolParams{
		Name:      name,
		Arguments: input,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}

	var b strings.Builder
	for _, content := range result.Content {
		if tc, isText := content.(*sdk.TextContent); isText {
			b.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, errors.New(b.String())
	}
	return b.String(), nil
}

// Close shuts down every server session.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, s := range a.sessions {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.sessions = nil
	return first
}

// toDescriptor flattens the SDK's JSON-schema input into the descriptor shape
// handed upstream. Schema details the flattening loses are acceptable; the
// upstream runtime only needs properties and required.
func toDescriptor(tool *sdk.Tool) tools.Descriptor {
	d := tools.Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return d
	}
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return d
	}
	d.Properties = schema.Properties
	d.Required = schema.Required
	return d
}
