package stream

import "time"

// ToolTable accumulates tool calls for one response. It keeps an append-only
// ordered list plus a lookup map from id to list index, updated together, so
// iteration order is first-sight order regardless of how fragments interleave.
//
// The table is owned by a single request's consumption loop; it is not safe
// for concurrent use and never needs to be.
type ToolTable struct {
	calls []ToolCall
	index map[string]int
}

// NewToolTable creates an empty table.
func NewToolTable() *ToolTable {
	return &ToolTable{index: make(map[string]int)}
}

// Len returns the number of distinct tool call ids seen.
func (t *ToolTable) Len() int { return len(t.calls) }

// Get returns a copy of the call for id.
func (t *ToolTable) Get(id string) (ToolCall, bool) {
	i, ok := t.index[id]
	if !ok {
		return ToolCall{}, false
	}
	return t.calls[i].clone(), true
}

// Upsert creates the call on first sight of id, or merges the fragment into
// the existing entry. The name is overwritten only when the fragment carries
// one; input is shallow-merged: keys present in the fragment overwrite, keys
// absent from it are preserved. Returns true when a new entry was created.
func (t *ToolTable) Upsert(id, name string, input map[string]any, now time.Time) bool {
	if i, ok := t.index[id]; ok {
		call := &t.calls[i]
		if name != "" {
			call.Name = name
		}
		if len(input) > 0 {
			if call.Input == nil {
				call.Input = make(map[string]any, len(input))
			}
			for k, v := range input {
				call.Input[k] = v
			}
		}
		return false
	}

	t.index[id] = len(t.calls)
	t.calls = append(t.calls, ToolCall{
		ID:        id,
		Name:      name,
		Input:     copyInput(input),
		Status:    StatusPending,
		Timestamp: now,
	})
	return true
}

// SetResult settles the call for id. Returns false if the id is unknown.
func (t *ToolTable) SetResult(id string, result any, ok bool) bool {
	i, found := t.index[id]
	if !found {
		return false
	}
	call := &t.calls[i]
	call.Result = result
	if ok {
		call.Status = StatusSuccess
	} else {
		call.Status = StatusError
	}
	return true
}

// Snapshot returns a defensive copy of the table in first-sight order.
// Emitted frames must never alias table state that a later fragment mutates.
func (t *ToolTable) Snapshot() []ToolCall {
	if len(t.calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(t.calls))
	for i, call := range t.calls {
		out[i] = call.clone()
	}
	return out
}

func copyInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
