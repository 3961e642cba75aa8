package stream

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestToolTable_UpsertCreatesOnFirstSight(t *testing.T) {
	table := NewToolTable()

	created := table.Upsert("tu_1", "search", map[string]any{"q": "go"}, t0)
	if !created {
		t.Fatal("Upsert() = false, want true for unseen id")
	}

	call, ok := table.Get("tu_1")
	if !ok {
		t.Fatal("Get() did not find created call")
	}
	if call.Status != StatusPending {
		t.Errorf("Status = %q, want %q", call.Status, StatusPending)
	}
	if !call.Timestamp.Equal(t0) {
		t.Errorf("Timestamp = %v, want %v", call.Timestamp, t0)
	}
}

func TestToolTable_InputShallowMerge(t *testing.T) {
	tests := []struct {
		name      string
		fragments []map[string]any
		want      map[string]any
	}{
		{
			name:      "disjoint keys accumulate",
			fragments: []map[string]any{{"a": 1}, {"b": 2}},
			want:      map[string]any{"a": 1, "b": 2},
		},
		{
			name:      "last write wins per key",
			fragments: []map[string]any{{"a": 1}, {"a": 2}},
			want:      map[string]any{"a": 2},
		},
		{
			name:      "empty fragment preserves existing keys",
			fragments: []map[string]any{{"a": 1}, nil},
			want:      map[string]any{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewToolTable()
			for _, frag := range tt.fragments {
				table.Upsert("tu_1", "", frag, t0)
			}
			call, _ := table.Get("tu_1")
			if len(call.Input) != len(tt.want) {
				t.Fatalf("Input = %v, want %v", call.Input, tt.want)
			}
			for k, v := range tt.want {
				if call.Input[k] != v {
					t.Errorf("Input[%q] = %v, want %v", k, call.Input[k], v)
				}
			}
		})
	}
}

func TestToolTable_NameOverwrittenOnlyWhenPresent(t *testing.T) {
	table := NewToolTable()
	table.Upsert("tu_1", "", nil, t0)
	table.Upsert("tu_1", "lookup", nil, t0)
	table.Upsert("tu_1", "", nil, t0)

	call, _ := table.Get("tu_1")
	if call.Name != "lookup" {
		t.Errorf("Name = %q, want %q", call.Name, "lookup")
	}
}

func TestToolTable_OrderIsFirstSight(t *testing.T) {
	table := NewToolTable()
	table.Upsert("tu_b", "", nil, t0)
	table.Upsert("tu_a", "", nil, t0.Add(time.Second))
	table.Upsert("tu_b", "", map[string]any{"x": 1}, t0.Add(2*time.Second))

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].ID != "tu_b" || snap[1].ID != "tu_a" {
		t.Errorf("order = [%s %s], want [tu_b tu_a]", snap[0].ID, snap[1].ID)
	}
}

func TestToolTable_SnapshotIsDefensiveCopy(t *testing.T) {
	table := NewToolTable()
	table.Upsert("tu_1", "search", map[string]any{"q": "go"}, t0)

	snap := table.Snapshot()
	table.Upsert("tu_1", "renamed", map[string]any{"q": "rust"}, t0)

	if snap[0].Name != "search" {
		t.Errorf("snapshot Name mutated to %q", snap[0].Name)
	}
	if snap[0].Input["q"] != "go" {
		t.Errorf("snapshot Input mutated to %v", snap[0].Input["q"])
	}
}

func TestToolTable_SetResult(t *testing.T) {
	table := NewToolTable()
	table.Upsert("tu_1", "search", nil, t0)

	if !table.SetResult("tu_1", "42 results", true) {
		t.Fatal("SetResult() = false for known id")
	}
	call, _ := table.Get("tu_1")
	if call.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", call.Status, StatusSuccess)
	}
	if call.Result != "42 results" {
		t.Errorf("Result = %v", call.Result)
	}

	if table.SetResult("tu_missing", nil, true) {
		t.Error("SetResult() = true for unknown id")
	}
}

func TestToolTable_ErrorSubtype(t *testing.T) {
	table := NewToolTable()
	table.Upsert("tu_1", "search", nil, t0)
	table.SetResult("tu_1", "boom", false)

	call, _ := table.Get("tu_1")
	if call.Status != StatusError {
		t.Errorf("Status = %q, want %q", call.Status, StatusError)
	}
}
