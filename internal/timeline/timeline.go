// Package timeline folds received frames into the ordered list of entries a
// client renders. It is the consumer half of the streaming reducer pair: the
// producer guarantees frame order, the timeline guarantees entry identity —
// incremental frames mutate one entry in place, frames for a new semantic
// entity append exactly one.
package timeline

import (
	"github.com/parleychat/parley/internal/runtime"
	"github.com/parleychat/parley/internal/stream"
)

// EntryKind discriminates renderable timeline entries.
type EntryKind string

const (
	EntryContent    EntryKind = "content"
	EntryThinking   EntryKind = "thinking"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntryError      EntryKind = "error"
)

// Entry is one renderable unit. Entries display in append order; the
// Timestamp inside ToolCall is never used for ordering.
type Entry struct {
	Kind EntryKind

	// Text holds accumulated content, the latest full thinking value, or an
	// error message, depending on Kind.
	Text string

	// Call is set for tool_call and tool_result entries. For results it
	// carries the originating call's name and input alongside the settled
	// result and status.
	Call *stream.ToolCall
}

// Completion captures what a finished response reported, for audit logging.
type Completion struct {
	Content string
	Usage   *runtime.Usage
}

// Timeline is the client-side accumulation state for one conversation view.
// Not safe for concurrent use; a client folds frames from a single stream.
type Timeline struct {
	entries []Entry

	openContent int // index of the open content entry, -1 when none
	thinkingIdx int // per-response thinking entry, -1 when none

	callEntry   map[string]int // tool id → tool_call entry index
	resultSeen  map[string]bool
	latestCalls map[string]stream.ToolCall // newest snapshot row per id

	loading    bool
	completion *Completion
}

// New creates an empty timeline.
func New() *Timeline {
	return &Timeline{
		openContent: -1,
		thinkingIdx: -1,
		callEntry:   make(map[string]int),
		resultSeen:  make(map[string]bool),
		latestCalls: make(map[string]stream.ToolCall),
	}
}

// Begin marks the start of a request: the loading indicator turns on and
// stays on until a terminal or error frame. Any completion from an earlier
// request is discarded so it can never be attributed to this one.
func (t *Timeline) Begin() {
	t.loading = true
	t.completion = nil
}

// Loading reports whether a response is currently streaming.
func (t *Timeline) Loading() bool { return t.loading }

// Entries returns the timeline in append order. The returned slice is a
// read-only projection; callers must not mutate it.
func (t *Timeline) Entries() []Entry { return t.entries }

// Completion returns the final content and usage of the response to the
// current request, or false if it has not completed. Begin and error frames
// both clear it: a stale completion is never reported for a later request.
func (t *Timeline) Completion() (Completion, bool) {
	if t.completion == nil {
		return Completion{}, false
	}
	return *t.completion, true
}

// AppendUser appends the submitted user turn as a content entry, so the
// rendered view interleaves turns in submission order.
func (t *Timeline) AppendUser(text string) {
	t.entries = append(t.entries, Entry{Kind: EntryContent, Text: text})
}

// Apply folds one frame into the timeline. Frames must be applied in the
// order received; the producer's ordering guarantee is what makes the
// identity rules below safe.
func (t *Timeline) Apply(f stream.Frame) {
	switch f.Type {
	case stream.FrameContentDelta:
		if t.openContent < 0 {
			t.entries = append(t.entries, Entry{Kind: EntryContent, Text: f.Delta})
			t.openContent = len(t.entries) - 1
			return
		}
		t.entries[t.openContent].Text += f.Delta

	case stream.FrameThinking:
		// Identity rule: one thinking entry per response, mutated in place.
		// The frame carries a full replacement value, so this loses nothing.
		if t.thinkingIdx < 0 {
			t.entries = append(t.entries, Entry{Kind: EntryThinking, Text: f.Content})
			t.thinkingIdx = len(t.entries) - 1
			return
		}
		t.entries[t.thinkingIdx].Text = f.Content

	case stream.FrameToolCall:
		t.admitCalls(f.ToolCalls)

	case stream.FrameToolResult:
		t.admitCalls(f.ToolCalls)
		t.admitResult(f.ToolUseID)

	case stream.FrameDone:
		// Tolerate lost or never-sent per-fragment frames.
		t.admitCalls(f.ToolCalls)
		t.openContent = -1
		t.thinkingIdx = -1
		t.loading = false
		t.completion = &Completion{Content: f.Content, Usage: f.Usage}

	case stream.FrameError:
		t.entries = append(t.entries, Entry{Kind: EntryError, Text: f.Error})
		t.openContent = -1
		t.thinkingIdx = -1
		t.loading = false
		t.completion = nil
	}
}

// admitCalls appends one tool_call entry per genuinely new id and refreshes
// existing entries in place from the snapshot. Never creates a second entry
// for an id already present.
func (t *Timeline) admitCalls(calls []stream.ToolCall) {
	for _, call := range calls {
		c := call
		t.latestCalls[call.ID] = c
		if i, seen := t.callEntry[call.ID]; seen {
			t.entries[i].Call = &c
			continue
		}
		t.entries = append(t.entries, Entry{Kind: EntryToolCall, Call: &c})
		t.callEntry[call.ID] = len(t.entries) - 1
	}
}

// admitResult appends a result entry for id exactly once, carrying the
// originating call's name and input plus the settled result and status.
func (t *Timeline) admitResult(id string) {
	if t.resultSeen[id] {
		return
	}
	call, ok := t.latestCalls[id]
	if !ok {
		// Result for a call no snapshot carried: without a settled row there
		// is no evidence of success, so report the safer status.
		call = stream.ToolCall{ID: id, Status: stream.StatusError}
	}
	t.resultSeen[id] = true
	t.entries = append(t.entries, Entry{Kind: EntryToolResult, Call: &call})
}
