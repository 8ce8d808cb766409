package backend

import (
	"context"

	"taskweave/internal/core"
)

// Backend executes one attempt of a task whose inputs are already in place
// in the workspace.
//
// On an exit code matching the task's expectation the result lists every
// declared output with its digest, sorted by path.
type Backend interface {
	Execute(ctx context.Context, t core.Task, inputs []core.ResolvedInput) (*core.ExecutionResult, error)
}

// DefaultMaxCaptureBytes bounds each captured stream.
const DefaultMaxCaptureBytes = 4 << 20

// boundedBuffer keeps the first limit bytes written to it and discards the
// rest, remembering that it did.
type boundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	if b.buf == nil {
		return []byte{}
	}
	return b.buf
}

// truncate applies the capture bound to streams fetched in one piece.
func truncate(data []byte, limit int) ([]byte, bool) {
	if data == nil {
		data = []byte{}
	}
	if limit > 0 && len(data) > limit {
		return data[:limit], true
	}
	return data, false
}
