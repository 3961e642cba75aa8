package stream

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/parleychat/parley/internal/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func foldAll(r *Reducer, events ...runtime.Event) []Frame {
	var frames []Frame
	for _, ev := range events {
		frames = append(frames, r.Fold(ev)...)
	}
	return frames
}

func TestReducer_ThinkingCarriesFullValue(t *testing.T) {
	r := NewReducer("m1")

	frames := foldAll(r,
		runtime.Event{Type: runtime.EventThinkingStart},
		runtime.Event{Type: runtime.EventThinkingDelta, Thinking: "Let"},
		runtime.Event{Type: runtime.EventThinkingDelta, Thinking: " me think"},
	)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Content != "Let" {
		t.Errorf("first thinking frame = %q, want %q", frames[0].Content, "Let")
	}
	if frames[1].Content != "Let me think" {
		t.Errorf("second thinking frame = %q, want %q", frames[1].Content, "Let me think")
	}
}

func TestReducer_ThinkingResetsPerBlock(t *testing.T) {
	r := NewReducer("m1")

	frames := foldAll(r,
		runtime.Event{Type: runtime.EventThinkingStart},
		runtime.Event{Type: runtime.EventThinkingDelta, Thinking: "first block"},
		runtime.Event{Type: runtime.EventThinkingStart},
		runtime.Event{Type: runtime.EventThinkingDelta, Thinking: "second"},
	)

	last := frames[len(frames)-1]
	if last.Content != "second" {
		t.Errorf("thinking after reset = %q, want %q (no cross-block concatenation)", last.Content, "second")
	}
}

func TestReducer_ContentDeltaCarriesOnlyDelta(t *testing.T) {
	r := NewReducer("m1")

	frames := foldAll(r,
		runtime.Event{Type: runtime.EventTextDelta, Text: "Hello"},
		runtime.Event{Type: runtime.EventTextDelta, Text: ", world"},
	)

	if frames[0].Delta != "Hello" || frames[1].Delta != ", world" {
		t.Errorf("deltas = [%q %q], want increments only", frames[0].Delta, frames[1].Delta)
	}
	if r.Text() != "Hello, world" {
		t.Errorf("accumulated text = %q, want %q", r.Text(), "Hello, world")
	}
}

func TestReducer_ToolFragmentsEmitFullTableSnapshots(t *testing.T) {
	r := NewReducer("m1")

	frames := foldAll(r,
		runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_1", ToolName: "search", ToolInput: map[string]any{"q": "go"}},
		runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_2", ToolName: "fetch"},
		runtime.Event{Type: runtime.EventToolInputDelta, ToolID: "tu_1", ToolInput: map[string]any{"limit": 5}},
	)

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Type != FrameToolCall {
			t.Fatalf("frame %d type = %q, want tool_call", i, f.Type)
		}
	}
	// Each frame carries the whole table at its point in time.
	if len(frames[0].ToolCalls) != 1 || len(frames[1].ToolCalls) != 2 || len(frames[2].ToolCalls) != 2 {
		t.Fatalf("table sizes = [%d %d %d], want [1 2 2]",
			len(frames[0].ToolCalls), len(frames[1].ToolCalls), len(frames[2].ToolCalls))
	}
	// The merge is visible in the last snapshot only.
	merged := frames[2].ToolCalls[0]
	if merged.Input["q"] != "go" || merged.Input["limit"] != 5 {
		t.Errorf("merged input = %v, want q and limit", merged.Input)
	}
	if frames[1].ToolCalls[0].Input["limit"] != nil {
		t.Error("earlier snapshot observed a later mutation")
	}
}

func TestReducer_ToolResultSettlesCall(t *testing.T) {
	r := NewReducer("m1")
	r.Fold(runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_1", ToolName: "search"})

	frames := r.Fold(runtime.Event{Type: runtime.EventToolResult, ToolID: "tu_1", Result: "ok", OK: true})

	if len(frames) != 1 || frames[0].Type != FrameToolResult {
		t.Fatalf("frames = %v, want one tool_result", frames)
	}
	f := frames[0]
	if f.ToolUseID != "tu_1" || f.Result != "ok" {
		t.Errorf("tool_result frame = %+v", f)
	}
	if f.ToolCalls[0].Status != StatusSuccess {
		t.Errorf("snapshot status = %q, want success", f.ToolCalls[0].Status)
	}
}

func TestReducer_ToolResultForElidedCallAdmitsIt(t *testing.T) {
	r := NewReducer("m1")

	frames := r.Fold(runtime.Event{Type: runtime.EventToolResult, ToolID: "tu_ghost", Result: "late", OK: false})

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0].ToolCalls) != 1 || frames[0].ToolCalls[0].Status != StatusError {
		t.Errorf("snapshot = %+v, want one error-status call", frames[0].ToolCalls)
	}
}

func TestReducer_FinalReconciliation(t *testing.T) {
	r := NewReducer("m1")
	r.Fold(runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_1", ToolName: "search"})

	frames := r.Fold(runtime.Event{Type: runtime.EventFinal, Final: &runtime.FinalMessage{
		Text: "done",
		ToolUses: []runtime.ToolUse{
			{ID: "tu_1", Name: "search"},
			{ID: "tu_2", Name: "fetch", Input: map[string]any{"url": "x"}},
		},
	}})

	if len(frames) != 1 || frames[0].Type != FrameToolCall {
		t.Fatalf("frames = %+v, want one reconciliation tool_call", frames)
	}
	if len(frames[0].ToolCalls) != 2 {
		t.Fatalf("table len = %d, want 2", len(frames[0].ToolCalls))
	}
}

func TestReducer_FinalMergesRestatedIDs(t *testing.T) {
	r := NewReducer("m1")
	r.Fold(runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_1", ToolInput: map[string]any{"q": "go"}})

	// The consolidated message restates tu_1 with its name and full input.
	frames := r.Fold(runtime.Event{Type: runtime.EventFinal, Final: &runtime.FinalMessage{
		ToolUses: []runtime.ToolUse{
			{ID: "tu_1", Name: "search", Input: map[string]any{"q": "go", "limit": 5}},
		},
	}})

	if len(frames) != 0 {
		t.Errorf("frames = %+v, want none for a restated id", frames)
	}
	call, ok := r.table.Get("tu_1")
	if !ok {
		t.Fatal("tu_1 missing from table")
	}
	if call.Name != "search" {
		t.Errorf("Name = %q, want consolidated name merged in", call.Name)
	}
	if call.Input["limit"] != 5 {
		t.Errorf("Input = %v, want consolidated input merged in", call.Input)
	}
	done := r.Done()
	if done.ToolCalls[0].Input["limit"] != 5 {
		t.Errorf("done snapshot = %v, want merged input", done.ToolCalls[0].Input)
	}
}

func TestReducer_FinalWithNoNewIDsEmitsNothing(t *testing.T) {
	r := NewReducer("m1")
	r.Fold(runtime.Event{Type: runtime.EventToolUseStart, ToolID: "tu_1"})

	frames := r.Fold(runtime.Event{Type: runtime.EventFinal, Final: &runtime.FinalMessage{
		ToolUses: []runtime.ToolUse{{ID: "tu_1"}},
	}})

	if len(frames) != 0 {
		t.Errorf("frames = %+v, want none (consumer never has to diff)", frames)
	}
}

func TestReducer_DoneFrame(t *testing.T) {
	r := NewReducer("claude-sonnet-4-5")

	foldAll(r,
		runtime.Event{Type: runtime.EventTextDelta, Text: "hi"},
		runtime.Event{Type: runtime.EventUsage, Usage: &runtime.Usage{InputTokens: 10}},
		runtime.Event{Type: runtime.EventUsage, Usage: &runtime.Usage{OutputTokens: 3}},
	)

	done := r.Done()
	if done.Type != FrameDone || done.Content != "hi" {
		t.Fatalf("done = %+v", done)
	}
	if done.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", done.Model)
	}
	if done.Thinking != "" {
		t.Error("Thinking should be omitted when empty")
	}
	if done.ToolCalls != nil {
		t.Error("ToolCalls should be omitted when no calls were made")
	}
	if done.Usage == nil || done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v, want 10/3", done.Usage)
	}
}

func TestReducer_DoneOmitsUsageWhenNeverObserved(t *testing.T) {
	r := NewReducer("m1")
	r.Fold(runtime.Event{Type: runtime.EventTextDelta, Text: "x"})

	if r.Done().Usage != nil {
		t.Error("Usage should be nil when no token counts were observed")
	}
}
