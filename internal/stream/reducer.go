package stream

import (
	"strings"
	"time"

	"github.com/parleychat/parley/internal/runtime"
)

// Reducer folds the ordered upstream event sequence into outbound frames.
// All accumulation state is local to one request; the caller applies Fold
// once per event, in upstream order, and writes the returned frames before
// folding the next event.
type Reducer struct {
	model    string
	text     strings.Builder
	thinking strings.Builder
	table    *ToolTable
	usage    *runtime.Usage

	now func() time.Time
}

// NewReducer creates a reducer for one response from the given model.
func NewReducer(model string) *Reducer {
	return &Reducer{
		model: model,
		table: NewToolTable(),
		now:   time.Now,
	}
}

// Fold applies one upstream event and returns the frames to emit for it,
// in order. Most events produce zero or one frame; the terminal event can
// produce a reconciliation tool_call frame.
func (r *Reducer) Fold(ev runtime.Event) []Frame {
	switch ev.Type {
	case runtime.EventThinkingStart:
		// The upstream runtime reuses the same logical thinking slot across
		// turns; without the reset, unrelated segments would concatenate.
		r.thinking.Reset()
		return nil

	case runtime.EventThinkingDelta:
		r.thinking.WriteString(ev.Thinking)
		// Full replacement value, unlike content deltas below.
		return []Frame{{Type: FrameThinking, Content: r.thinking.String()}}

	case runtime.EventTextDelta:
		r.text.WriteString(ev.Text)
		return []Frame{{Type: FrameContentDelta, Delta: ev.Text}}

	case runtime.EventToolUseStart, runtime.EventToolInputDelta:
		r.table.Upsert(ev.ToolID, ev.ToolName, ev.ToolInput, r.now())
		return []Frame{{Type: FrameToolCall, ToolCalls: r.table.Snapshot()}}

	case runtime.EventToolResult:
		if !r.table.SetResult(ev.ToolID, ev.Result, ev.OK) {
			// Result for an id whose fragments were elided upstream: admit
			// the call first, then settle it.
			r.table.Upsert(ev.ToolID, "", nil, r.now())
			r.table.SetResult(ev.ToolID, ev.Result, ev.OK)
		}
		return []Frame{{
			Type:      FrameToolResult,
			ToolUseID: ev.ToolID,
			Result:    ev.Result,
			ToolCalls: r.table.Snapshot(),
		}}

	case runtime.EventUsage:
		r.mergeUsage(ev.Usage)
		return nil

	case runtime.EventFinal:
		return r.reconcile(ev.Final)
	}
	return nil
}

// reconcile folds the consolidated final message into the table: ids never
// seen in streaming fragments are admitted, and restated ids merge their
// consolidated name and input into the existing entry. An extra tool_call
// frame announces newly admitted ids before the done frame.
func (r *Reducer) reconcile(final *runtime.FinalMessage) []Frame {
	if final == nil {
		return nil
	}
	r.mergeUsage(final.Usage)

	added := false
	for _, tu := range final.ToolUses {
		_, seen := r.table.Get(tu.ID)
		r.table.Upsert(tu.ID, tu.Name, tu.Input, r.now())
		if !seen {
			added = true
		}
	}
	if !added {
		return nil
	}
	return []Frame{{Type: FrameToolCall, ToolCalls: r.table.Snapshot()}}
}

// Done builds the terminal frame after the upstream iterator exhausts
// normally. Thinking and toolCalls are omitted when empty.
func (r *Reducer) Done() Frame {
	frame := Frame{
		Type:    FrameDone,
		Content: r.text.String(),
		Model:   r.model,
		Usage:   r.usage,
	}
	if r.thinking.Len() > 0 {
		frame.Thinking = r.thinking.String()
	}
	frame.ToolCalls = r.table.Snapshot()
	return frame
}

// Text returns the accumulated assistant text so far.
func (r *Reducer) Text() string { return r.text.String() }

// Usage returns the token counts observed so far, or nil.
func (r *Reducer) Usage() *runtime.Usage { return r.usage }

func (r *Reducer) mergeUsage(u *runtime.Usage) {
	if u == nil {
		return
	}
	if r.usage == nil {
		r.usage = &runtime.Usage{}
	}
	if u.InputTokens > 0 {
		r.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		r.usage.OutputTokens = u.OutputTokens
	}
}
