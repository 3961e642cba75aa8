package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleychat/parley/internal/agentcfg"
	"github.com/parleychat/parley/internal/log"
	"github.com/parleychat/parley/internal/runtime"
	"github.com/parleychat/parley/internal/stream"
	"github.com/parleychat/parley/internal/testutil"
)

// fakeRuntime replays a canned event sequence and records the request.
type fakeRuntime struct {
	events  []runtime.Event
	err     error
	lastReq runtime.Request
}

func (f *fakeRuntime) Stream(_ context.Context, req runtime.Request) iter.Seq2[runtime.Event, error] {
	f.lastReq = req
	return func(yield func(runtime.Event, error) bool) {
		for _, ev := range f.events {
			if !yield(ev, nil) {
				return
			}
		}
		if f.err != nil {
			yield(runtime.Event{}, f.err)
		}
	}
}

func newTestServer(t *testing.T, rt runtime.Runtime, agent string) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:   log.NewNop(),
		Runtime:  rt,
		Agents:   agentcfg.NewStatic(agent, nil),
		Model:    "test-model",
		MaxTurns: 3,
	})
	if err != nil {
		t.Fatalf("NewServer() unexpected error: %v", err)
	}
	return srv
}

func postChat(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func parseFrames(t *testing.T, body string) []stream.Frame {
	t.Helper()
	return testutil.ParseFrames(t, body)
}

func TestChat_SimpleMessage(t *testing.T) {
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventTextDelta, Text: "He"},
		{Type: runtime.EventTextDelta, Text: "llo"},
		{Type: runtime.EventFinal, Final: &runtime.FinalMessage{Text: "Hello"}},
	}}
	srv := newTestServer(t, rt, "")

	rec := postChat(t, srv, `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}
	if frames[0].Type != stream.FrameContentDelta || frames[0].Delta != "He" {
		t.Errorf("frame[0] = %+v, want content_delta He", frames[0])
	}
	if frames[1].Delta != "llo" {
		t.Errorf("frame[1].Delta = %q, want llo", frames[1].Delta)
	}

	done := frames[2]
	if done.Type != stream.FrameDone {
		t.Fatalf("frame[2].Type = %q, want done", done.Type)
	}
	if done.Content != "Hello" {
		t.Errorf("done.Content = %q, want Hello", done.Content)
	}
	if done.Model != "test-model" {
		t.Errorf("done.Model = %q, want test-model", done.Model)
	}
	// No tools configured: no tool_call frames anywhere and toolCalls
	// omitted from the terminal frame.
	for i, f := range frames {
		if f.Type == stream.FrameToolCall {
			t.Errorf("frame[%d] is an unexpected tool_call frame", i)
		}
	}
	if done.ToolCalls != nil {
		t.Errorf("done.ToolCalls = %+v, want nil", done.ToolCalls)
	}
}

func TestChat_ThinkingFramesCarryFullValue(t *testing.T) {
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventThinkingStart},
		{Type: runtime.EventThinkingDelta, Thinking: "Let"},
		{Type: runtime.EventThinkingDelta, Thinking: " me think"},
		{Type: runtime.EventFinal, Final: &runtime.FinalMessage{Text: "ok"}},
	}}
	srv := newTestServer(t, rt, "")

	frames := parseFrames(t, postChat(t, srv, `{"message":"hi"}`).Body.String())

	thinking := testutil.FramesOfType(frames, stream.FrameThinking)
	want := []string{"Let", "Let me think"}
	if len(thinking) != len(want) {
		t.Fatalf("thinking frames = %+v, want %d", thinking, len(want))
	}
	for i := range want {
		if thinking[i].Content != want[i] {
			t.Errorf("thinking[%d] = %q, want %q", i, thinking[i].Content, want[i])
		}
	}
}

func TestChat_ToolFlow(t *testing.T) {
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventToolUseStart, ToolID: "tu_1", ToolName: "lookup", ToolInput: map[string]any{"q": "go"}},
		{Type: runtime.EventToolResult, ToolID: "tu_1", Result: "found it", OK: true},
		{Type: runtime.EventTextDelta, Text: "done"},
		{Type: runtime.EventFinal, Final: &runtime.FinalMessage{Text: "done"}},
	}}
	srv := newTestServer(t, rt, `{"tools":[{"name":"lookup","description":"Look things up."}]}`)

	frames := parseFrames(t, postChat(t, srv, `{"message":"hi"}`).Body.String())

	var sawCall, sawResult bool
	for _, f := range frames {
		switch f.Type {
		case stream.FrameToolCall:
			sawCall = true
			if len(f.ToolCalls) != 1 || f.ToolCalls[0].ID != "tu_1" {
				t.Errorf("tool_call frame = %+v, want one call tu_1", f.ToolCalls)
			}
		case stream.FrameToolResult:
			sawResult = true
			if f.ToolUseID != "tu_1" {
				t.Errorf("tool_result.ToolUseID = %q, want tu_1", f.ToolUseID)
			}
			if len(f.ToolCalls) != 1 || f.ToolCalls[0].Status != stream.StatusSuccess {
				t.Errorf("tool_result snapshot = %+v, want settled success", f.ToolCalls)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("sawCall=%v sawResult=%v, want both", sawCall, sawResult)
	}
}

func TestChat_AgentDefinitionShapesRequest(t *testing.T) {
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventFinal, Final: &runtime.FinalMessage{}},
	}}
	srv := newTestServer(t, rt, `{
		"systemPrompt": "You are a librarian.",
		"rules": ["cite sources"],
		"enableWebSearch": true,
		"model": "agent-model"
	}`)

	postChat(t, srv, `{"message":"hi"}`)

	req := rt.lastReq
	if !strings.Contains(req.System, "You are a librarian.") || !strings.Contains(req.System, "cite sources") {
		t.Errorf("System = %q, want prompt with rules appended", req.System)
	}
	if !req.EnableWebSearch {
		t.Error("EnableWebSearch = false, want true")
	}
	if req.Model != "agent-model" {
		t.Errorf("Model = %q, want agent-model (agent definition wins)", req.Model)
	}
	if req.MaxTurns != 3 {
		t.Errorf("MaxTurns = %d, want 3", req.MaxTurns)
	}
}

func TestChat_TurnListFlattened(t *testing.T) {
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventFinal, Final: &runtime.FinalMessage{}},
	}}
	srv := newTestServer(t, rt, "")

	postChat(t, srv, `{"messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":"reply"},
		{"role":"user","content":"second"}
	]}`)

	prompt := rt.lastReq.Prompt
	for _, fragment := range []string{"Previous conversation:", "User: first", "Assistant: reply", "User: second"} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("Prompt missing %q:\n%s", fragment, prompt)
		}
	}
}

func TestChat_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &fakeRuntime{}, "")

	rec := postChat(t, srv, `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp["error"] == "" {
		t.Error("error field is empty")
	}
}

func TestChat_InvalidJSON(t *testing.T) {
	srv := newTestServer(t, &fakeRuntime{}, "")

	if rec := postChat(t, srv, `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChat_LastTurnNotUser(t *testing.T) {
	srv := newTestServer(t, &fakeRuntime{}, "")

	rec := postChat(t, srv, `{"messages":[{"role":"assistant","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChat_MissingCredential(t *testing.T) {
	srv := newTestServer(t, nil, "")

	rec := postChat(t, srv, `{"message":"hi"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json (no SSE body)", ct)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp["error"] == "" {
		t.Error("error field is empty")
	}
}

func TestChat_UpstreamErrorReportedInBand(t *testing.T) {
	rt := &fakeRuntime{
		events: []runtime.Event{{Type: runtime.EventTextDelta, Text: "par"}},
		err:    errors.New("upstream exploded"),
	}
	srv := newTestServer(t, rt, "")

	rec := postChat(t, srv, `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (error is in-band once streaming)", rec.Code, http.StatusOK)
	}
	frames := parseFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last.Type != stream.FrameError {
		t.Fatalf("last frame type = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "upstream exploded") {
		t.Errorf("error frame = %q, want upstream message", last.Error)
	}
}
