// Package latency implements the composite latency query (spec §4.C): it
// combines the device's own buffering latency with whatever upstream
// reports, and records the upstream minimum as the provided clock's
// us-latency offset.
package latency

import (
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/ringbuffer"
)

// Upstream is the result of delegating a latency query upstream.
type Upstream struct {
	Live     bool
	Min      time.Duration
	Max      time.Duration
	MaxValid bool // false means "unbounded" (no upper bound reported)
}

// Result is the latency this sink reports to its own query caller.
type Result struct {
	Live     bool
	Min      time.Duration
	Max      time.Duration
	MaxValid bool
}

// Reporter composes device latency with upstream latency and feeds the
// clock's us-latency offset, per spec §4.C.
type Reporter struct {
	clk *clock.ProvidedClock
}

// New returns a Reporter that records its computed us-latency on clk.
func New(clk *clock.ProvidedClock) *Reporter {
	return &Reporter{clk: clk}
}

// Query computes the latency this sink reports, given the negotiated ring
// buffer spec and the result of delegating the query upstream. When
// upstream is not live, reports (live=false, 0, unbounded) without
// touching the clock's us-latency.
func (r *Reporter) Query(spec ringbuffer.Spec, upstream Upstream) Result {
	if !upstream.Live {
		return Result{Live: false}
	}

	deviceLatency := spec.SegmentDuration() * time.Duration(spec.SegLatency)
	min := deviceLatency + upstream.Min
	result := Result{Live: true, Min: min, MaxValid: upstream.MaxValid}
	if upstream.MaxValid {
		result.Max = min + upstream.Max
	}

	r.clk.SetUsLatency(upstream.Min)
	return result
}
