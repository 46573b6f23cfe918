// Package policy decides how long each dispatch attempt may run and whether
// a failed attempt is worth repeating. Timeouts stretch with the detected
// environment; retry decisions key off the failure class so a bad tape
// fails fast instead of burning the retry budget.
package policy

import (
	"math/rand/v2"
	"time"

	"github.com/lperanavan/videoediting/internal/backend"
	"github.com/lperanavan/videoediting/internal/environment"
)

// fatalBackendRetries bounds retries after a backend crash: one, after the
// explicit restart step.
const fatalBackendRetries = 1

// Options carry the tunables; all of them surface through configuration.
type Options struct {
	RetryCeiling int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	BaseTimeouts map[string]time.Duration
}

type Policy struct {
	opts Options
}

func New(opts Options) *Policy {
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}
	return &Policy{opts: opts}
}

// TimeoutFor computes the attempt deadline for a backend kind: the
// configured base stretched by the profile's timeout multiplier.
func (p *Policy) TimeoutFor(kind string, prof *environment.Profile) time.Duration {
	base, ok := p.opts.BaseTimeouts[kind]
	if !ok {
		base = 30 * time.Minute
	}
	mult := 1.0
	if prof != nil && prof.TimeoutMultiplier > 1.0 {
		mult = prof.TimeoutMultiplier
	}
	return time.Duration(float64(base) * mult)
}

// ShouldRetry reports whether an attempt that failed with err deserves
// another try. attempt is the attempt count so far, including the failed
// one. Fatal-input failures never retry. Fatal-backend failures retry once,
// after the dispatcher restarts the backend. Transient failures retry up to
// the ceiling, so a job makes at most ceiling+1 attempts.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	switch backend.Classify(err) {
	case backend.ClassFatalInput, backend.ClassFatalUpload:
		return false
	case backend.ClassFatalBackend:
		return attempt <= fatalBackendRetries
	default:
		return attempt <= p.opts.RetryCeiling
	}
}

// RetryCeiling exposes the configured ceiling for reporting.
func (p *Policy) RetryCeiling() int {
	return p.opts.RetryCeiling
}

// BackoffBefore returns how long to wait before the given attempt number.
// Exponential in the attempt, capped, with downward-only jitter so the
// delay never exceeds the cap and concurrent retries against a degraded
// backend spread out instead of arriving together.
func (p *Policy) BackoffBefore(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.opts.BackoffCap {
			d = p.opts.BackoffCap
			break
		}
	}

	jitter := time.Duration(rand.Int64N(int64(d/4) + 1))
	return d - jitter
}
