package environment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Publisher owns the current profile snapshot. Readers get the latest
// pointer without locking; the refresh loop replaces it wholesale.
type Publisher struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger
	current  atomic.Pointer[Profile]
}

func NewPublisher(detector *Detector, interval time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		detector: detector,
		interval: interval,
		logger:   logger,
	}
}

// NewStaticPublisher returns a publisher pinned to a fixed profile. No
// detector runs; Set replaces the snapshot directly.
func NewStaticPublisher(p *Profile) *Publisher {
	pub := &Publisher{}
	pub.current.Store(p)
	return pub
}

// Set replaces the snapshot. Intended for static publishers.
func (p *Publisher) Set(profile *Profile) {
	p.current.Store(profile)
}

// Start runs initial detection synchronously so the first Current() call
// already sees a real profile.
func (p *Publisher) Start(ctx context.Context) *Profile {
	profile := p.detector.Detect(ctx)
	p.current.Store(profile)
	return profile
}

// Current returns the latest snapshot. Safe for concurrent use.
func (p *Publisher) Current() *Profile {
	return p.current.Load()
}

// Run refreshes the profile on a timer until the context is cancelled. It
// runs on its own goroutine and never blocks dispatch.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if p.logger != nil {
				p.logger.Info("environment refresh stopping")
			}
			return
		case <-ticker.C:
			prev := p.current.Load()
			next := p.detector.Refresh(ctx, prev)
			if next != prev {
				p.current.Store(next)
			}
		}
	}
}
