// Package testutil holds shared test helpers.
package testutil

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"

	"github.com/parleychat/parley/internal/stream"
)

// ParseFrames decodes every data: line of an SSE response body into frames.
// Comment lines and other SSE fields are ignored; a data line that fails to
// decode fails the test.
func ParseFrames(t *testing.T, body string) []stream.Frame {
	t.Helper()

	var frames []stream.Frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f stream.Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("decoding frame %q: %v", line, err)
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning SSE body: %v", err)
	}
	return frames
}

// FramesOfType filters frames by type, preserving order.
func FramesOfType(frames []stream.Frame, ft stream.FrameType) []stream.Frame {
	var out []stream.Frame
	for _, f := range frames {
		if f.Type == ft {
			out = append(out, f)
		}
	}
	return out
}
