package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/parleychat/parley/internal/agentcfg"
	"github.com/parleychat/parley/internal/runtime"
	"github.com/parleychat/parley/internal/stream"
	"github.com/parleychat/parley/internal/tools"
)

// chatHandler serves POST /api/chat: it resolves the agent definition,
// invokes the upstream runtime, and folds the normalized event sequence into
// SSE frames via the stream reducer.
type chatHandler struct {
	rt       runtime.Runtime // nil when no upstream credential is configured
	agents   agentcfg.Source
	model    string // fallback when the agent definition names none
	maxTurns int
	logger   *slog.Logger
}

// chatRequest accepts either a single message or a full turn list.
type chatRequest struct {
	Message  string         `json:"message"`
	Messages []runtime.Turn `json:"messages"`
}

func (h *chatHandler) serve(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", h.logger)
		return
	}

	turns := body.Messages
	if len(turns) == 0 && body.Message != "" {
		turns = []runtime.Turn{{Role: runtime.RoleUser, Content: body.Message}}
	}
	if len(turns) == 0 {
		writeError(w, http.StatusBadRequest, "message or messages is required", h.logger)
		return
	}

	prompt, err := runtime.FlattenTranscript(turns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), h.logger)
		return
	}

	// Precondition failures surface as HTTP statuses; after this point all
	// errors travel in-band as SSE error frames.
	if h.rt == nil {
		writeError(w, http.StatusInternalServerError, runtime.ErrMissingCredential.Error(), h.logger)
		return
	}

	ctx := r.Context()
	agent := h.agents.Current(ctx)

	model := agent.Model
	if model == "" {
		model = h.model
	}

	req := runtime.Request{
		System:          runtime.ComposeSystem(agent.SystemPrompt, agent.Rules),
		Prompt:          prompt,
		Model:           model,
		Tools:           agent.Tools,
		EnableWebSearch: agent.EnableWebSearch,
		Policy:          tools.NewPolicy(agent.Tools, agent.EnableWebSearch),
		MaxTurns:        h.maxTurns,
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	red := stream.NewReducer(model)

	// Single linear consumption: one upstream sequence, no internal
	// parallelism, all accumulation state local to this request. Breaking
	// out of the range releases the upstream stream.
	for ev, streamErr := range h.rt.Stream(ctx, req) {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "request_id", requestID(r))
			return
		}
		if streamErr != nil {
			h.logger.Error("upstream stream failed", "error", streamErr, "request_id", requestID(r))
			_ = h.writeFrame(w, flusher, stream.Frame{Type: stream.FrameError, Error: streamErr.Error()})
			return
		}
		for _, frame := range red.Fold(ev) {
			if err := h.writeFrame(w, flusher, frame); err != nil {
				h.logger.Debug("frame write failed, stopping stream", "error", err)
				return
			}
		}
	}

	if err := h.writeFrame(w, flusher, red.Done()); err != nil {
		h.logger.Debug("terminal frame write failed", "error", err)
	}
}

// writeFrame emits one SSE frame and flushes it to the network.
func (h *chatHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, f stream.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}

func requestID(r *http.Request) string {
	id, _ := requestIDFromContext(r.Context())
	return id
}
