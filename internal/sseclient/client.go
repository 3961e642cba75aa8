package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/parleychat/parley/internal/audit"
	"github.com/parleychat/parley/internal/runtime"
	"github.com/parleychat/parley/internal/stream"
	"github.com/parleychat/parley/internal/timeline"
)

// ErrBusy is returned when Send is called while a response is streaming.
// One logical request per conversation at a time.
var ErrBusy = errors.New("a response is already streaming")

// Client drives a conversation against the chat endpoint: it submits the
// turn list, folds the SSE response into its timeline, and reports completed
// exchanges to the audit collaborator.
type Client struct {
	endpoint string
	hc       *http.Client
	tl       *timeline.Timeline
	recorder audit.Recorder
	logger   *slog.Logger

	turns []runtime.Turn

	sessionOnce sync.Once
	sessionID   string
	reports     sync.WaitGroup
}

// New creates a client for the chat endpoint URL.
func New(endpoint string, recorder audit.Recorder, logger *slog.Logger) *Client {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{}, // no timeout: the response streams indefinitely
		tl:       timeline.New(),
		recorder: recorder,
		logger:   logger,
	}
}

// Timeline exposes the folded conversation view for rendering.
func (c *Client) Timeline() *timeline.Timeline { return c.tl }

// Send submits one user message with the full prior conversation and folds
// the streamed response. Blocks until the stream terminates.
func (c *Client) Send(ctx context.Context, message string) error {
	if c.tl.Loading() {
		return ErrBusy
	}

	c.turns = append(c.turns, runtime.Turn{Role: runtime.RoleUser, Content: message})
	c.tl.AppendUser(message)
	c.tl.Begin()

	resp, err := c.post(ctx)
	if err != nil {
		c.tl.Apply(stream.Frame{Type: stream.FrameError, Error: err.Error()})
		return err
	}
	defer resp.Body.Close()

	reader := NewReader(resp.Body, c.logger)
	for frame, err := range reader.Frames() {
		if err != nil {
			c.tl.Apply(stream.Frame{Type: stream.FrameError, Error: err.Error()})
			return fmt.Errorf("reading stream: %w", err)
		}
		c.tl.Apply(frame)
	}

	if completion, ok := c.tl.Completion(); ok {
		c.turns = append(c.turns, runtime.Turn{Role: runtime.RoleAssistant, Content: completion.Content})
		c.report(message, completion)
	}
	return nil
}

// Flush waits for in-flight audit reports. Call before process exit.
func (c *Client) Flush() { c.reports.Wait() }

func (c *Client) post(ctx context.Context) (*http.Response, error) {
	payload, err := json.Marshal(map[string]any{"messages": c.turns})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("chat request: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("chat request: status %d", resp.StatusCode)
	}
	return resp, nil
}

// report logs the exchange to the audit collaborator. Fire-and-forget: it
// runs detached from the request context and swallows everything.
func (c *Client) report(userText string, completion timeline.Completion) {
	c.reports.Add(1)
	go func() {
		defer c.reports.Done()
		ctx := context.Background()

		c.sessionOnce.Do(func() {
			c.sessionID = c.recorder.CreateSession(ctx)
		})
		if c.sessionID == "" {
			return
		}

		var metadata map[string]any
		if completion.Usage != nil {
			metadata = map[string]any{
				"inputTokens":  completion.Usage.InputTokens,
				"outputTokens": completion.Usage.OutputTokens,
			}
		}
		c.recorder.LogMessage(ctx, c.sessionID, runtime.RoleUser, userText, nil)
		c.recorder.LogMessage(ctx, c.sessionID, runtime.RoleAssistant, completion.Content, metadata)
	}()
}
