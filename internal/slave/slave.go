// Package slave implements the three clock-slaving strategies (spec §4.D):
// resample, skew, and none. Each maps a reference-clock-domain time range
// onto the device's internal time domain via the provided clock's
// calibration, and skew additionally tracks a smoothed drift estimate and
// nudges the calibration's external epoch to correct sustained drift.
package slave

import (
	"math"
	"sync"
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/config"
)

// SkewInput carries the quantities the skew strategy needs beyond the
// render range itself: the renderer's own bookkeeping (samples per segment,
// the previous alignment) plus a fresh sample of both clocks.
type SkewInput struct {
	SamplesPerSeg int
	LatencyTimeUs int64
	LastAlign     int64
	ExternalNow   time.Duration // reference clock's current reading
	InternalNow   time.Duration // provided clock's own current reading
}

// Engine holds the avg_skew smoothing state (spec §3 "Renderer state");
// everything else the strategies need lives in the provided clock's
// calibration. avg_skew is exclusively owned by the streaming thread per
// spec §5, but the mutex costs nothing and keeps AvgSkew() safe to call
// from a debug/introspection goroutine.
type Engine struct {
	mu      sync.Mutex
	avgSkew *time.Duration // nil means "none" — first observation after resync
}

// New returns an Engine with avg_skew unset ("none").
func New() *Engine {
	return &Engine{}
}

// ResetAvgSkew clears avg_skew back to "none", matching a resync event
// (flush-stop, async-play, a discont that forces resync).
func (e *Engine) ResetAvgSkew() {
	e.mu.Lock()
	e.avgSkew = nil
	e.mu.Unlock()
}

// AvgSkew returns the current smoothed skew estimate, or (0, false) if no
// observation has been recorded since the last reset.
func (e *Engine) AvgSkew() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.avgSkew == nil {
		return 0, false
	}
	return *e.avgSkew, true
}

// Apply dispatches to the strategy named by mode, converting
// (renderStart, renderStop) from the reference domain into the clock's
// internal domain. forceResync is only ever true for skew mode.
func (e *Engine) Apply(clk *clock.ProvidedClock, mode config.SlaveMethod, in SkewInput, renderStart, renderStop time.Duration) (newStart, newStop time.Duration, forceResync bool) {
	switch mode {
	case config.SlaveResample:
		s, t := e.resample(clk, renderStart, renderStop)
		return s, t, false
	case config.SlaveSkew:
		return e.skew(clk, in, renderStart, renderStop)
	default: // SlaveNone, and the master-mode fallback the renderer selects explicitly
		s, t := e.none(clk, renderStart, renderStop)
		return s, t, false
	}
}

// resample hands the ring buffer's resampler a drifting target by applying
// the calibration's full (rate_num, rate_denom) — the out_samples the
// renderer derives from the converted range implicitly carries the
// correction (spec §4.D "Resample slaving").
func (e *Engine) resample(clk *clock.ProvidedClock, renderStart, renderStop time.Duration) (time.Duration, time.Duration) {
	cal := clk.Calibration()
	usLat := clk.UsLatency()
	return clock.Convert(cal, renderStart, usLat), clock.Convert(cal, renderStop, usLat)
}

// none applies the calibration's static offset without tracking drift.
func (e *Engine) none(clk *clock.ProvidedClock, renderStart, renderStop time.Duration) (time.Duration, time.Duration) {
	cal := clk.Calibration()
	usLat := clk.UsLatency()
	return clock.Convert(cal, renderStart, usLat), clock.Convert(cal, renderStop, usLat)
}

// skew samples both clocks, updates the smoothed drift estimate, nudges
// cexternal when drift exceeds half a segment, and converts the render
// range with a rate-zeroed calibration — skew mode corrects offset only,
// never speed (spec §4.D "Skew slaving").
func (e *Engine) skew(clk *clock.ProvidedClock, in SkewInput, renderStart, renderStop time.Duration) (newStart, newStop time.Duration, forceResync bool) {
	cal := clk.Calibration()
	segtime := time.Duration(in.LatencyTimeUs) * time.Microsecond
	half := segtime / 2

	etimeNorm := in.ExternalNow - cal.CExternal
	itimeNorm := in.InternalNow - cal.CInternal
	skew := itimeNorm - etimeNorm

	e.mu.Lock()
	var avg time.Duration
	if e.avgSkew == nil {
		avg = skew
	} else {
		avg = (31*(*e.avgSkew) + skew) / 32
	}

	switch {
	case avg > half:
		cal = clk.UpdateCalibration(func(c clock.Calibration) clock.Calibration {
			c.CExternal = saturatingSub(c.CExternal, segtime)
			return c
		})
		avg -= segtime
		if in.LastAlign < 0 || in.LastAlign > int64(in.SamplesPerSeg) {
			forceResync = true
		}
	case avg < -half:
		cal = clk.UpdateCalibration(func(c clock.Calibration) clock.Calibration {
			c.CExternal = saturatingAdd(c.CExternal, segtime)
			return c
		})
		avg += segtime
		if in.LastAlign > 0 || -in.LastAlign > int64(in.SamplesPerSeg) {
			forceResync = true
		}
	}
	e.avgSkew = &avg
	e.mu.Unlock()

	zeroRate := cal
	zeroRate.RateNum = 0 // skew mode ignores speed; Convert treats this as 1/1
	usLat := clk.UsLatency()
	return clock.Convert(zeroRate, renderStart, usLat), clock.Convert(zeroRate, renderStop, usLat), forceResync
}

func saturatingSub(a, b time.Duration) time.Duration {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingAdd(a, b time.Duration) time.Duration {
	if a > time.Duration(math.MaxInt64)-b {
		return time.Duration(math.MaxInt64)
	}
	return a + b
}
