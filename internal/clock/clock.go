// Package clock implements the sink's provided clock: a monotonic time
// source derived from the ring buffer's processed-sample count, plus the
// calibration state the slaving engine maintains to translate a foreign
// reference clock into this clock's own time domain (spec §3 "Calibration",
// §4.B).
//
// The calibration tuple is modelled as an immutable value swapped in with
// atomic.Pointer.CompareAndSwap rather than guarded by a lock — the streaming
// thread is its only writer, so the CAS loop in UpdateCalibration never
// retries in practice, but the loop keeps the type honest about who may
// write it.
package clock

import (
	"sync/atomic"
	"time"

	"audiosink/internal/ringbuffer"
)

// ringBuffer is the subset of ringbuffer.RingBuffer the clock reads. Kept
// narrow and local (rather than naming the ringbuffer package's full
// interface) so tests can supply a minimal fake.
type ringBuffer interface {
	IsAcquired() bool
	SamplesDone() uint64
	Delay() uint32
	CurrentSpec() ringbuffer.Spec
}

// Calibration is the affine map external → internal: `internal = cinternal +
// (external - cexternal) * rate_denom / rate_num`. Zero value is not a valid
// calibration; use Identity().
type Calibration struct {
	CInternal time.Duration
	CExternal time.Duration
	RateNum   int64
	RateDenom int64
}

// Identity returns the calibration that passes reference time through
// unchanged — the state before any slaving has run.
func Identity() Calibration {
	return Calibration{RateNum: 1, RateDenom: 1}
}

// Convert implements the saturating affine map `T` from spec §4.D: translate
// ext (a time in the reference clock's domain) into this clock's internal
// domain using cal, then subtract usLatency (also saturating at zero).
func Convert(cal Calibration, ext time.Duration, usLatency time.Duration) time.Duration {
	rateNum, rateDenom := cal.RateNum, cal.RateDenom
	if rateNum == 0 || rateDenom == 0 {
		rateNum, rateDenom = 1, 1
	}

	var raw time.Duration
	if ext >= cal.CExternal {
		delta := ext - cal.CExternal
		raw = cal.CInternal + delta*time.Duration(rateDenom)/time.Duration(rateNum)
	} else {
		delta := cal.CExternal - ext
		scaled := delta * time.Duration(rateDenom) / time.Duration(rateNum)
		if scaled >= cal.CInternal {
			raw = 0
		} else {
			raw = cal.CInternal - scaled
		}
	}

	if raw <= usLatency {
		return 0
	}
	return raw - usLatency
}

// ProvidedClock reports `now() = (samples_done - min(samples_done, delay)) /
// rate + us_latency`, and holds the calibration the slaving engine updates
// on every render call. Safe for concurrent use: readers call Now(), and
// the streaming thread is the sole writer of calibration and us-latency.
type ProvidedClock struct {
	ring        ringBuffer
	usLatency   atomic.Int64 // nanoseconds
	calibration atomic.Pointer[Calibration]
}

// New returns a ProvidedClock reading from ring, seeded with the identity
// calibration and zero latency offset.
func New(ring ringBuffer) *ProvidedClock {
	c := &ProvidedClock{ring: ring}
	id := Identity()
	c.calibration.Store(&id)
	return c
}

// Now returns the clock's current reading and true, or (0, false) when the
// ring buffer is not acquired or its negotiated rate is zero — the "no
// value" case from spec §4.B.
func (c *ProvidedClock) Now() (time.Duration, bool) {
	if !c.ring.IsAcquired() {
		return 0, false
	}
	s := c.ring.CurrentSpec()
	if s.Rate == 0 {
		return 0, false
	}

	samplesDone := c.ring.SamplesDone()
	delay := uint64(c.ring.Delay())
	if delay > samplesDone {
		delay = samplesDone
	}
	played := samplesDone - delay

	t := time.Duration(float64(played) / float64(s.Rate) * float64(time.Second))
	return t + time.Duration(c.usLatency.Load()), true
}

// InternalNow returns Now()'s value, treating "no value" as zero. Used when
// seeding calibration at async-play, where the caller already knows the
// buffer is about to start and a zero baseline is the correct starting
// point if the device hasn't produced a sample yet.
func (c *ProvidedClock) InternalNow() time.Duration {
	t, _ := c.Now()
	return t
}

// SetUsLatency records the minimum upstream live latency observed during
// the last latency query (spec §4.C); it shifts Now()'s zero point.
func (c *ProvidedClock) SetUsLatency(d time.Duration) {
	c.usLatency.Store(int64(d))
}

func (c *ProvidedClock) UsLatency() time.Duration {
	return time.Duration(c.usLatency.Load())
}

// Calibration returns the current calibration tuple.
func (c *ProvidedClock) Calibration() Calibration {
	return *c.calibration.Load()
}

// SetCalibration replaces the calibration unconditionally — used when
// seeding a fresh value (async-play) where there is nothing to race with.
func (c *ProvidedClock) SetCalibration(cal Calibration) {
	c.calibration.Store(&cal)
}

// UpdateCalibration applies f to the current calibration and stores the
// result, retrying if another writer raced it. The streaming thread is the
// only caller in practice, so this loop runs once.
func (c *ProvidedClock) UpdateCalibration(f func(Calibration) Calibration) Calibration {
	for {
		oldPtr := c.calibration.Load()
		next := f(*oldPtr)
		if c.calibration.CompareAndSwap(oldPtr, &next) {
			return next
		}
	}
}
