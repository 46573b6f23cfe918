// Package backend adapts heterogeneous external video tools to one submit
// contract. Each adapter owns its tool's process or connection lifecycle and
// translates tool-specific failures into the shared error classes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lperanavan/videoediting/internal/queue"
)

// Result is the outcome of one dispatch attempt. Produced by an adapter,
// consumed exactly once by the dispatcher.
type Result struct {
	ArtifactPath string
	Duration     time.Duration
}

// Adapter submits one job to its underlying tool. The context deadline is
// the policy-computed timeout; adapters must terminate the external
// operation on every exit path, including cancellation.
type Adapter interface {
	Kind() string
	Submit(ctx context.Context, job *queue.Job) (Result, error)
}

// Restartable is implemented by adapters whose backend can be restarted
// after a crash. The dispatcher calls Restart once before the final retry
// of a fatal-backend failure.
type Restartable interface {
	Restart(ctx context.Context) error
}

// Params is the opaque configuration bag carried on a job, decoded by
// adapters only.
type Params struct {
	TapeType string  `json:"tape_type,omitempty"`
	Preset   string  `json:"preset,omitempty"`
	Model    string  `json:"model,omitempty"`
	Quality  int     `json:"quality,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
}

func decodeParams(raw json.RawMessage) (Params, error) {
	p := Params{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid job params: %w", err)
	}
	return p, nil
}

const maxStderrBytes = 8 * 1024 // tail kept for diagnostics

// limitedWriter keeps only the last maxStderrBytes of tool output.
type limitedWriter struct {
	buf   bytes.Buffer
	limit int
}

func newLimitedWriter() *limitedWriter {
	return &limitedWriter{limit: maxStderrBytes}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.buf.Write(p)
	if lw.buf.Len() > lw.limit {
		b := lw.buf.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.buf.Reset()
		lw.buf.Write(tail)
	}
	return n, nil
}

func (lw *limitedWriter) String() string {
	return lw.buf.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
