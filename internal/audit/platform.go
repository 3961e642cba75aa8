package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const platformTimeout = 5 * time.Second

// Platform records sessions and messages against the hosting platform's
// audit API. All failures degrade to a logged no-op.
type Platform struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewPlatform creates a platform recorder. baseURL has no trailing slash.
func NewPlatform(baseURL, apiKey string, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Platform{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: platformTimeout},
		logger:  logger,
	}
}

// CreateSession implements Recorder.
func (p *Platform) CreateSession(ctx context.Context) string {
	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/v1/sessions", map[string]any{}, &out); err != nil {
		p.logger.Debug("audit session creation failed", "error", err)
		return ""
	}
	return out.ID
}

// LogMessage implements Recorder.
func (p *Platform) LogMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) {
	if sessionID == "" {
		return
	}
	body := map[string]any{
		"role":    role,
		"content": content,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	if err := p.post(ctx, "/v1/sessions/"+sessionID+"/messages", body, nil); err != nil {
		p.logger.Debug("audit message logging failed", "error", err)
	}
}

func (p *Platform) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audit request: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode audit response: %w", err)
		}
	}
	return nil
}
