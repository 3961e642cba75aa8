// Package audit is the boundary to the message-logging collaborator. Every
// implementation is fire-and-forget: calls swallow their own errors and never
// block or fail the chat flow. An unconfigured recorder is a no-op.
package audit

import "context"

// Recorder logs chat traffic for later review.
type Recorder interface {
	// CreateSession registers a new audit session and returns its opaque id,
	// or empty string if the collaborator is unavailable.
	CreateSession(ctx context.Context) string

	// LogMessage records one message under a session. A no-op when sessionID
	// is empty.
	LogMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any)
}

// Nop is the recorder used when no collaborator is configured.
type Nop struct{}

// CreateSession implements Recorder.
func (Nop) CreateSession(context.Context) string { return "" }

// LogMessage implements Recorder.
func (Nop) LogMessage(context.Context, string, string, string, map[string]any) {}
