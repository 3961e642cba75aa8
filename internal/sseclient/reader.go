// Package sseclient reads the chat endpoint's SSE byte stream and folds it
// into a timeline. The reader handles the transport concerns — partial-line
// buffering, frame classification, malformed-line tolerance — and leaves
// entry identity to the timeline package.
package sseclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/parleychat/parley/internal/stream"
)

const dataPrefix = "data: "

// Reader decodes frames from a raw SSE byte stream. A read chunk may split a
// frame mid-line; the trailing partial line is buffered across reads and
// only complete lines are processed.
type Reader struct {
	src    io.Reader
	logger *slog.Logger
}

// NewReader wraps src. The logger receives skipped-line diagnostics.
func NewReader(src io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{src: src, logger: logger}
}

// Frames yields decoded frames in wire order. A line that fails JSON parse
// is logged and skipped without aborting the stream. The sequence ends at
// EOF; transport errors are yielded once and end the sequence.
func (r *Reader) Frames() iter.Seq2[stream.Frame, error] {
	return func(yield func(stream.Frame, error) bool) {
		var pending []byte
		chunk := make([]byte, 4096)

		for {
			n, err := r.src.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
				for {
					idx := bytes.IndexByte(pending, '\n')
					if idx < 0 {
						break
					}
					line := pending[:idx]
					pending = pending[idx+1:]

					frame, ok := r.decodeLine(line)
					if !ok {
						continue
					}
					if !yield(frame, nil) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(stream.Frame{}, err)
				} else if len(bytes.TrimSpace(pending)) > 0 {
					r.logger.Debug("discarding unterminated trailing line", "bytes", len(pending))
				}
				return
			}
		}
	}
}

// decodeLine parses one complete line. Returns false for blank lines, SSE
// fields other than data, and unparseable payloads.
func (r *Reader) decodeLine(line []byte) (stream.Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return stream.Frame{}, false
	}

	var frame stream.Frame
	if err := json.Unmarshal(line[len(dataPrefix):], &frame); err != nil {
		r.logger.Warn("skipping malformed frame", "error", err)
		return stream.Frame{}, false
	}
	return frame, true
}
