// Package environment detects the execution environment the orchestrator is
// running in. Cloud-PC hosts (Shadow and similar) sit behind a streaming
// layer, so the profile drives conservative concurrency and stretched
// timeouts everywhere else in the process.
package environment

import (
	"sort"
	"time"
)

// Acceleration paths in preference order.
const (
	AccelNVENC     = "nvenc"
	AccelAMF       = "amf"
	AccelQuickSync = "qsv"
)

const (
	// LatencyCeiling is the conservative fallback when the probe fails.
	LatencyCeiling = 250 * time.Millisecond

	// highLatencyBar matches the classification used on measured round trips:
	// above it the host is treated as remote and timeouts stretch further.
	highLatencyBar = 50 * time.Millisecond

	// refreshDeviation is how far latency must drift from the previous
	// sample before a refresh recomputes the full profile.
	refreshDeviation = 30 * time.Millisecond
)

// Profile is an immutable snapshot of detected execution conditions.
// Consumers read it freely; it is replaced wholesale, never mutated.
type Profile struct {
	Virtualized       bool          `json:"virtualized"`
	MaxConcurrent     int           `json:"max_concurrent"`
	Latency           time.Duration `json:"latency"`
	Acceleration      []string      `json:"acceleration"`
	TimeoutMultiplier float64       `json:"timeout_multiplier"`
	DetectedAt        time.Time     `json:"detected_at"`
}

// HasAccel reports whether the given acceleration path was detected.
func (p *Profile) HasAccel(path string) bool {
	for _, a := range p.Acceleration {
		if a == path {
			return true
		}
	}
	return false
}

// PreferredAccel returns the best detected acceleration path, or "" for
// software encoding.
func (p *Profile) PreferredAccel() string {
	for _, want := range []string{AccelNVENC, AccelAMF, AccelQuickSync} {
		if p.HasAccel(want) {
			return want
		}
	}
	return ""
}

// Options tune detection. ConcurrencyOverride wins over the virtualization
// cap when non-zero; ForceVirtualized skips the platform probe.
type Options struct {
	ProbeEndpoint       string
	ProbeSamples        int
	ConcurrencyOverride int
	ForceVirtualized    bool
}

// build derives the profile fields from raw probe results. Probe failures
// have already been folded into conservative values by the caller.
func build(virtualized bool, latency time.Duration, accel []string, opts Options) *Profile {
	p := &Profile{
		Virtualized:       virtualized,
		Latency:           latency,
		Acceleration:      accel,
		MaxConcurrent:     4,
		TimeoutMultiplier: 1.0,
		DetectedAt:        time.Now().UTC(),
	}

	if virtualized {
		// Single job keeps the streaming session responsive and avoids
		// saturating the host's shared uplink.
		p.MaxConcurrent = 1
		p.TimeoutMultiplier = 2.0
	}
	if latency > highLatencyBar {
		p.TimeoutMultiplier *= 1.0 + float64(latency/highLatencyBar-1)*0.5
		if p.TimeoutMultiplier < 1.5 {
			p.TimeoutMultiplier = 1.5
		}
	}
	if p.TimeoutMultiplier < 1.0 {
		p.TimeoutMultiplier = 1.0
	}
	if opts.ConcurrencyOverride > 0 {
		p.MaxConcurrent = opts.ConcurrencyOverride
	}
	return p
}

func median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
