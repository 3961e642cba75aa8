// Package runtime defines the boundary to the hosted agent runtime: the
// request handed upstream and the normalized event sequence streamed back.
//
// The upstream API delivers responses as overlapping fragments (text deltas,
// thinking deltas, partial tool inputs, asynchronous tool results). Adapters
// in this package normalize those into a flat Event union consumed strictly
// in order by the stream reducer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/parleychat/parley/internal/tools"
)

// Turn is one conversation turn as submitted by the client.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn roles accepted from clients.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrEmptyConversation is returned when no turns were supplied.
	ErrEmptyConversation = errors.New("conversation has no turns")

	// ErrLastTurnNotUser is returned when the newest turn is not a user turn.
	ErrLastTurnNotUser = errors.New("last conversation turn must have role user")

	// ErrMissingCredential is returned when the upstream API credential is
	// absent. Checked before any streaming response starts.
	ErrMissingCredential = errors.New("missing upstream credential")
)

// EventType discriminates the normalized upstream event union.
type EventType int

const (
	// EventThinkingStart marks the start of a new thinking block. The
	// upstream runtime reuses the same logical slot across turns; the
	// reducer resets its thinking accumulator on this event.
	EventThinkingStart EventType = iota
	// EventThinkingDelta carries an incremental thinking fragment.
	EventThinkingDelta
	// EventTextDelta carries an incremental assistant text fragment.
	EventTextDelta
	// EventToolUseStart announces a tool call id, possibly with a name and
	// an initial input fragment. The name may arrive empty.
	EventToolUseStart
	// EventToolInputDelta carries a partial input object for a known tool
	// call id, to be shallow-merged into the accumulated input.
	EventToolInputDelta
	// EventToolResult settles a tool call with its result payload.
	EventToolResult
	// EventUsage carries opportunistic token counts.
	EventUsage
	// EventFinal is the terminal consolidated assistant message.
	EventFinal
)

// Event is one normalized upstream event. Which fields are meaningful
// depends on Type.
type Event struct {
	Type EventType

	Text     string // EventTextDelta
	Thinking string // EventThinkingDelta

	ToolID    string         // tool events
	ToolName  string         // EventToolUseStart
	ToolInput map[string]any // EventToolUseStart, EventToolInputDelta

	Result any  // EventToolResult
	OK     bool // EventToolResult: upstream subtype indicated success

	Usage *Usage        // EventUsage, EventFinal
	Final *FinalMessage // EventFinal
}

// Usage holds token counts reported by the upstream runtime.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// FinalMessage is the consolidated terminal assistant message. ToolUses
// lists every tool call the upstream runtime settled on, including ones
// whose streaming fragments were elided.
type FinalMessage struct {
	Text     string
	ToolUses []ToolUse
	Usage    *Usage
}

// ToolUse is one consolidated tool invocation from the final message.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// Request is the composed upstream invocation.
type Request struct {
	System          string // composed system prompt, rules appended
	Prompt          string // flattened transcript ending with the user turn
	Model           string
	Tools           []tools.Descriptor
	EnableWebSearch bool
	Policy          *tools.Policy
	MaxTurns        int // agent loop bound; 0 means a single turn
}

// Runtime streams normalized events for one request. The sequence yields
// events in upstream order and terminates after EventFinal, or yields a
// non-nil error and stops. Breaking out of the range releases the upstream
// stream.
type Runtime interface {
	Stream(ctx context.Context, req Request) iter.Seq2[Event, error]
}

// ComposeSystem appends a formatted rule list to the base system prompt.
func ComposeSystem(base string, rules []string) string {
	if len(rules) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nRules:\n")
	for _, r := range rules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FlattenTranscript serializes prior turns into a role-labeled transcript
// and appends the current user turn. The upstream runtime is not given
// structured multi-turn history; this composite string is the whole prompt.
func FlattenTranscript(turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", ErrEmptyConversation
	}
	last := turns[len(turns)-1]
	if last.Role != RoleUser {
		return "", ErrLastTurnNotUser
	}
	if len(turns) == 1 {
		return last.Content, nil
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range turns[:len(turns)-1] {
		label := "User"
		if t.Role == RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
	}
	b.WriteString("\nUser: ")
	b.WriteString(last.Content)
	return b.String(), nil
}
