package environment

import (
	"context"
	"log/slog"
	"time"
)

const defaultProbeSamples = 5

// Detector computes environment profiles. The individual probes are function
// fields so tests can substitute them; each one failing independently falls
// back to the conservative default for its slice of the profile.
type Detector struct {
	opts   Options
	logger *slog.Logger

	probeVirtualization func(ctx context.Context) (bool, error)
	probeLatency        func(ctx context.Context, endpoint string, samples int) (time.Duration, error)
	probeAcceleration   func(ctx context.Context) ([]string, error)
}

func NewDetector(opts Options, logger *slog.Logger) *Detector {
	if opts.ProbeSamples <= 0 {
		opts.ProbeSamples = defaultProbeSamples
	}
	return &Detector{
		opts:                opts,
		logger:              logger,
		probeVirtualization: probeVirtualization,
		probeLatency:        probeLatency,
		probeAcceleration:   probeAcceleration,
	}
}

// Detect runs all probes and returns a fresh profile. It never fails: a
// probe error degrades that part of the profile to its conservative default
// (virtualized, worst-case latency, no acceleration, concurrency 1).
func (d *Detector) Detect(ctx context.Context) *Profile {
	virtualized := d.opts.ForceVirtualized
	if !virtualized {
		v, err := d.probeVirtualization(ctx)
		if err != nil {
			d.logf("virtualization probe failed, assuming virtualized", err)
			v = true
		}
		virtualized = v
	}

	latency, err := d.probeLatency(ctx, d.opts.ProbeEndpoint, d.opts.ProbeSamples)
	if err != nil {
		d.logf("latency probe failed, using ceiling", err)
		latency = LatencyCeiling
	}

	accel, err := d.probeAcceleration(ctx)
	if err != nil {
		d.logf("acceleration probe failed, using software encoding", err)
		accel = nil
	}

	p := build(virtualized, latency, accel, d.opts)
	if d.logger != nil {
		d.logger.Info("environment profile computed",
			"virtualized", p.Virtualized,
			"max_concurrent", p.MaxConcurrent,
			"latency_ms", p.Latency.Milliseconds(),
			"acceleration", p.Acceleration,
			"timeout_multiplier", p.TimeoutMultiplier,
		)
	}
	return p
}

// Refresh recomputes latency only, which is cheap, and returns the previous
// profile with the new reading folded in. Full detection reruns only when
// the reading deviates past the threshold, so a stable environment does not
// churn its snapshot.
func (d *Detector) Refresh(ctx context.Context, prev *Profile) *Profile {
	if prev == nil {
		return d.Detect(ctx)
	}

	latency, err := d.probeLatency(ctx, d.opts.ProbeEndpoint, d.opts.ProbeSamples)
	if err != nil {
		d.logf("latency refresh failed, keeping previous profile", err)
		return prev
	}

	deviation := latency - prev.Latency
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation < refreshDeviation {
		return prev
	}

	if d.logger != nil {
		d.logger.Info("latency deviated, recomputing profile",
			"previous_ms", prev.Latency.Milliseconds(),
			"measured_ms", latency.Milliseconds(),
		)
	}
	return d.Detect(ctx)
}

func (d *Detector) logf(msg string, err error) {
	if d.logger != nil {
		d.logger.Warn(msg, "error", err)
	}
}
