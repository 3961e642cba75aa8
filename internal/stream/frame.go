// Package stream implements the streaming event reducer pair: the
// server-side fold from normalized upstream events into ordered SSE frames,
// and the frame/tool-call wire types shared with the consumer.
package stream

import (
	"time"

	"github.com/parleychat/parley/internal/runtime"
)

// FrameType discriminates the wire frame union.
type FrameType string

// Frame types, in the order a well-formed stream may emit them. Exactly one
// terminal frame (done or error) closes every stream.
const (
	FrameThinking     FrameType = "thinking"
	FrameContentDelta FrameType = "content_delta"
	FrameToolCall     FrameType = "tool_call"
	FrameToolResult   FrameType = "tool_result"
	FrameDone         FrameType = "done"
	FrameError        FrameType = "error"
)

// Frame is one SSE message, JSON-encoded on a single data line.
//
// Field semantics by type:
//   - thinking: Content carries the full accumulated thinking text, a
//     complete replacement value.
//   - content_delta: Delta carries only the increment; the consumer
//     accumulates.
//   - tool_call: ToolCalls is a snapshot of the whole tool table.
//   - tool_result: ToolUseID and Result identify the settled call; ToolCalls
//     is again a full snapshot.
//   - done: Content is the final accumulated text, Thinking and ToolCalls
//     are present when non-empty, plus Model and Usage.
//   - error: Error carries a human-readable message.
type Frame struct {
	Type      FrameType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Result    any            `json:"result,omitempty"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     *runtime.Usage `json:"usage,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Status is the lifecycle state of a tool call.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ToolCall is one tool invocation accumulated from upstream fragments.
// The id is opaque and assigned upstream; Timestamp is assigned at first
// sight and used only for ordering heuristics, never for display order.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Result    any            `json:"result,omitempty"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// clone returns a copy whose input map is independent of the original.
// Result payloads are treated as immutable once set.
func (tc ToolCall) clone() ToolCall {
	out := tc
	if tc.Input != nil {
		out.Input = make(map[string]any, len(tc.Input))
		for k, v := range tc.Input {
			out.Input[k] = v
		}
	}
	return out
}
