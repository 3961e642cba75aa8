package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ToolExecutor runs a client-side tool that the permission policy allowed.
// Implementations are expected to be MCP-backed; the adapter only needs the
// call surface.
type ToolExecutor interface {
	CallTool(ctx context.Context, name string, input map[string]any) (any, error)
}

const (
	defaultMaxTokens      = 4096
	thinkingBudgetTokens  = 1024
	webSearchMaxUses      = 5
	deniedResultSubstring = "permission denied: "
)

// Anthropic adapts the Anthropic Messages streaming API to the normalized
// event sequence. One Stream call may perform several upstream round trips:
// when the model stops for client tool use, allowed tools are executed and
// the conversation continues until the model ends its turn or the turn
// budget is exhausted.
type Anthropic struct {
	client anthropic.Client
	exec   ToolExecutor
	logger *slog.Logger
}

// NewAnthropic creates the adapter. The API key is a fatal precondition:
// callers must check the error before any streaming response has started.
func NewAnthropic(apiKey string, exec ToolExecutor, logger *slog.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY", ErrMissingCredential)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		exec:   exec,
		logger: logger,
	}, nil
}

// Stream implements Runtime.
func (a *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		params := a.buildParams(req)
		messages := []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		}

		maxTurns := req.MaxTurns
		if maxTurns <= 0 {
			maxTurns = 1
		}

		var collected []ToolUse
		for turn := 0; turn < maxTurns; turn++ {
			params.Messages = messages

			msg, ok := a.streamTurn(ctx, params, yield)
			if !ok {
				return
			}
			collected = append(collected, extractToolUses(msg.Content)...)

			if msg.StopReason != anthropic.StopReasonToolUse || a.exec == nil || turn == maxTurns-1 {
				usage := &Usage{
					InputTokens:  msg.Usage.InputTokens,
					OutputTokens: msg.Usage.OutputTokens,
				}
				yield(Event{Type: EventFinal, Final: &FinalMessage{
					Text:     collectText(msg.Content),
					ToolUses: collected,
					Usage:    usage,
				}}, nil)
				return
			}

			results, ok := a.runTools(ctx, req, msg, yield)
			if !ok {
				return
			}
			messages = append(messages, msg.ToParam(), anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: results,
			})
		}
	}
}

// streamTurn consumes one upstream streaming pass, yielding normalized
// events as fragments arrive. Returns the accumulated message and false if
// the consumer stopped or an error was yielded.
func (a *Anthropic) streamTurn(ctx context.Context, params anthropic.MessageNewParams, yield func(Event, error) bool) (anthropic.Message, bool) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message

	// Partial tool input JSON accumulates per content-block index until the
	// block closes; only then is it parseable as an object.
	toolIDs := make(map[int64]string)
	inputBufs := make(map[int64]*strings.Builder)

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			yield(Event{}, fmt.Errorf("accumulating upstream event: %w", err))
			return msg, false
		}

		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if ev.Message.Usage.InputTokens > 0 {
				if !yield(Event{Type: EventUsage, Usage: &Usage{InputTokens: ev.Message.Usage.InputTokens}}, nil) {
					return msg, false
				}
			}

		case anthropic.ContentBlockStartEvent:
			switch blk := ev.ContentBlock.AsAny().(type) {
			case anthropic.ThinkingBlock:
				if !yield(Event{Type: EventThinkingStart}, nil) {
					return msg, false
				}
			case anthropic.ToolUseBlock:
				toolIDs[ev.Index] = blk.ID
				inputBufs[ev.Index] = &strings.Builder{}
				if !yield(Event{
					Type:      EventToolUseStart,
					ToolID:    blk.ID,
					ToolName:  blk.Name,
					ToolInput: parseInput(blk.Input),
				}, nil) {
					return msg, false
				}
			case anthropic.ServerToolUseBlock:
				toolIDs[ev.Index] = blk.ID
				inputBufs[ev.Index] = &strings.Builder{}
				if !yield(Event{
					Type:      EventToolUseStart,
					ToolID:    blk.ID,
					ToolName:  string(blk.Name),
					ToolInput: parseInput(json.RawMessage(blk.JSON.Input.Raw())),
				}, nil) {
					return msg, false
				}
			case anthropic.WebSearchToolResultBlock:
				if !yield(Event{
					Type:   EventToolResult,
					ToolID: blk.ToolUseID,
					Result: json.RawMessage(blk.Content.RawJSON()),
					OK:     true,
				}, nil) {
					return msg, false
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if !yield(Event{Type: EventTextDelta, Text: d.Text}, nil) {
					return msg, false
				}
			case anthropic.ThinkingDelta:
				if !yield(Event{Type: EventThinkingDelta, Thinking: d.Thinking}, nil) {
					return msg, false
				}
			case anthropic.InputJSONDelta:
				if buf, ok := inputBufs[ev.Index]; ok {
					buf.WriteString(d.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			id, isTool := toolIDs[ev.Index]
			buf := inputBufs[ev.Index]
			if !isTool || buf == nil || buf.Len() == 0 {
				continue
			}
			input := parseInput(json.RawMessage(buf.String()))
			if input == nil {
				a.logger.Warn("discarding unparseable tool input fragment", "tool_use_id", id)
				continue
			}
			if !yield(Event{Type: EventToolInputDelta, ToolID: id, ToolInput: input}, nil) {
				return msg, false
			}

		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				if !yield(Event{Type: EventUsage, Usage: &Usage{OutputTokens: ev.Usage.OutputTokens}}, nil) {
					return msg, false
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		yield(Event{}, fmt.Errorf("upstream stream: %w", err))
		return msg, false
	}
	return msg, true
}

// runTools executes every client tool call in msg, yielding one tool result
// event per call, and returns the tool_result blocks for the next turn.
func (a *Anthropic) runTools(ctx context.Context, req Request, msg anthropic.Message, yield func(Event, error) bool) ([]anthropic.ContentBlockParamUnion, bool) {
	var blocks []anthropic.ContentBlockParamUnion

	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}

		result, succeeded := a.callOne(ctx, req, tu)
		if !yield(Event{Type: EventToolResult, ToolID: tu.ID, Result: result, OK: succeeded}, nil) {
			return nil, false
		}

		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolResult: &anthropic.ToolResultBlockParam{
				ToolUseID: tu.ID,
				IsError:   anthropic.Bool(!succeeded),
				Content: []anthropic.ToolResultBlockParamContentUnion{
					{OfText: &anthropic.TextBlockParam{Text: stringifyResult(result)}},
				},
			},
		})
	}
	return blocks, true
}

// callOne applies the permission policy and runs a single tool call.
func (a *Anthropic) callOne(ctx context.Context, req Request, tu anthropic.ToolUseBlock) (any, bool) {
	if req.Policy != nil {
		if d := req.Policy.Check(tu.Name); !d.Allow {
			a.logger.Info("tool call denied", "tool", tu.Name, "reason", d.Reason)
			return deniedResultSubstring + d.Reason, false
		}
	}

	result, err := a.exec.CallTool(ctx, tu.Name, parseInput(tu.Input))
	if err != nil {
		a.logger.Warn("tool call failed", "tool", tu.Name, "error", err)
		return err.Error(), false
	}
	return result, true
}

func (a *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultMaxTokens,
		Thinking:  anthropic.ThinkingConfigParamOfEnabled(thinkingBudgetTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, d := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Properties}
		if len(d.Required) > 0 {
			schema.Required = d.Required
		}
		tp := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			tp.OfTool.Description = anthropic.String(d.Description)
		}
		params.Tools = append(params.Tools, tp)
	}

	if req.EnableWebSearch {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(webSearchMaxUses),
			},
		})
	}
	return params
}

// parseInput decodes a raw JSON object into a map. Returns nil for empty or
// non-object payloads.
func parseInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// collectText concatenates the text blocks of a consolidated message.
func collectText(content []anthropic.ContentBlockUnion) string {
	var b strings.Builder
	for _, block := range content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// extractToolUses lists the consolidated tool_use blocks of a message.
func extractToolUses(content []anthropic.ContentBlockUnion) []ToolUse {
	var uses []ToolUse
	for _, block := range content {
		switch tu := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			uses = append(uses, ToolUse{ID: tu.ID, Name: tu.Name, Input: parseInput(tu.Input)})
		case anthropic.ServerToolUseBlock:
			uses = append(uses, ToolUse{ID: tu.ID, Name: string(tu.Name), Input: parseInput(json.RawMessage(tu.JSON.Input.Raw()))})
		}
	}
	return uses
}

// stringifyResult renders a tool result for the upstream tool_result block.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
