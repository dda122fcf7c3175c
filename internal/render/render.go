// Package render implements the per-buffer renderer pipeline (spec §4.E):
// clip to segment, convert to running time, apply latency, invoke slaving,
// align to the previous buffer, and commit to the ring buffer with
// partial-write resumption.
package render

import (
	"errors"
	"math"
	"sync"
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/config"
	"audiosink/internal/ringbuffer"
	"audiosink/internal/slave"
)

// Error kinds from spec §7. Stopping is a normal, non-logged flow result —
// callers should not log it as a failure.
var (
	ErrNotNegotiated = errors.New("render: not negotiated")
	ErrWrongSize     = errors.New("render: buffer size not a multiple of the frame size")
	ErrStopping      = errors.New("render: stopping")
)

// Segment is the pipeline-sense segment (GLOSSARY): the interval buffers are
// clipped against, and the basis for the running-time mapping.
type Segment struct {
	Start time.Duration
	Stop  time.Duration
	Rate  float64 // negative selects reverse playback
}

// Buffer is one incoming chunk of raw interleaved PCM. Timestamp is nil for
// "no value" (spec §6 buffer contract).
type Buffer struct {
	Data      []byte
	Timestamp *time.Duration
	Discont   bool
}

// PipelineClock is the reference clock the renderer slaves against. A nil
// PipelineClock (or one whose Now returns ok=false) means "no pipeline
// clock" — the fast path applies.
type PipelineClock interface {
	Now() (time.Duration, bool)
}

// SyncWarningFunc receives the "compensating for audio synchronisation
// problems" warning (spec §7), with the observed drift.
type SyncWarningFunc func(drift time.Duration)

// Renderer holds the streaming-thread-owned state from spec §3 ("Renderer
// state") and drives the twelve-step pipeline in Render. Fields other than
// those snapshotted under mu are touched only by the streaming thread,
// matching spec §5's ownership model.
type Renderer struct {
	ring   ringbuffer.RingBuffer
	clk    *clock.ProvidedClock
	engine *slave.Engine

	mu            sync.Mutex // guards the state/application-thread-writable snapshot below
	cfg           config.Config
	baseTime      time.Duration
	master        bool
	pipelineClock PipelineClock
	segment       Segment

	// Streaming-thread-owned (spec §5): written only by Render/lifecycle
	// calls, which the sink serialises onto one goroutine.
	nextSample *int64 // nil = "none" — resync on next buffer
	lastAlign  int64
	accum      float64

	// lastCommitRunningTime is the unadjusted running time of the most
	// recent successful commit, handed directly to an EOS waiter — see
	// spec §9's open question about the drain kludge.
	lastCommitRunningTime time.Duration

	abortCh chan struct{} // closed to cancel an in-flight wait from a state transition

	onSyncWarning SyncWarningFunc
}

// New returns a Renderer over ring, reading/writing clk's calibration via
// engine, with default configuration.
func New(ring ringbuffer.RingBuffer, clk *clock.ProvidedClock, engine *slave.Engine) *Renderer {
	return &Renderer{
		ring:    ring,
		clk:     clk,
		engine:  engine,
		cfg:     config.Default(),
		segment: Segment{Stop: time.Duration(math.MaxInt64), Rate: 1},
		abortCh: make(chan struct{}),
	}
}

func (r *Renderer) SetConfig(cfg config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Renderer) SetBaseTime(t time.Duration) {
	r.mu.Lock()
	r.baseTime = t
	r.mu.Unlock()
}

// SetMaster records whether the pipeline's selected clock is this sink's own
// provided clock (spec §4.D "Mode selection"): master mode never slaves.
func (r *Renderer) SetMaster(isMaster bool) {
	r.mu.Lock()
	r.master = isMaster
	r.mu.Unlock()
}

func (r *Renderer) SetPipelineClock(pc PipelineClock) {
	r.mu.Lock()
	r.pipelineClock = pc
	r.mu.Unlock()
}

func (r *Renderer) SetSegment(seg Segment) {
	r.mu.Lock()
	r.segment = seg
	r.mu.Unlock()
}

func (r *Renderer) SetSyncWarningFunc(f SyncWarningFunc) {
	r.mu.Lock()
	r.onSyncWarning = f
	r.mu.Unlock()
}

// LastAlign and NextSample expose streaming-thread state for tests and a
// debug/introspection surface; callers must not treat these as anything
// other than a snapshot.
func (r *Renderer) LastAlign() int64 { return r.lastAlign }
func (r *Renderer) NextSample() (int64, bool) {
	if r.nextSample == nil {
		return 0, false
	}
	return *r.nextSample, true
}

// FlushStart is spec §4.F "Flush-start": the universal cancel.
func (r *Renderer) FlushStart() {
	r.ring.SetFlushing(true)
}

// FlushStop is spec §4.F "Flush-stop".
func (r *Renderer) FlushStop() {
	r.engine.ResetAvgSkew()
	r.nextSample = nil
	r.ring.SetFlushing(false)
}

// ResetForReady is spec §4.F "Ready→Paused": next_sample and last_align are
// cleared, flushing is cleared, and the consumer is disarmed by the caller
// via ring.MayStart(false).
func (r *Renderer) ResetForReady() {
	r.nextSample = nil
	r.lastAlign = 0
	r.ring.SetFlushing(false)
}

// SeedCalibration is spec §4.F "Paused→Playing": seed calibration with
// (itime, etime) and reset avg_skew/next_sample.
func (r *Renderer) SeedCalibration() {
	r.mu.Lock()
	pc := r.pipelineClock
	master := r.master
	mode := r.cfg.SlaveMethod
	r.mu.Unlock()

	if !master && pc != nil {
		itime := r.clk.InternalNow()
		etime, ok := pc.Now()
		if ok {
			r.clk.SetCalibration(clock.Calibration{CInternal: itime, CExternal: etime, RateNum: 1, RateDenom: 1})
		}
	}
	r.engine.ResetAvgSkew()
	r.nextSample = nil
	_ = mode // resample's "mark provided clock as slave" is an external-master-clock concern outside this package's scope
}

// Abort cancels an in-flight commit-backpressure wait from a state
// transition away from playing/paused, per spec §5. It does not interrupt
// an EOS drain: the sink's WaitEOS call is not tied to abortCh.
func (r *Renderer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.abortCh:
	default:
		close(r.abortCh)
	}
}

// ResetAbort re-arms the abort channel ahead of the next playing transition.
func (r *Renderer) ResetAbort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortCh = make(chan struct{})
}

// ClearNextSample resets next_sample to "none" without touching avg_skew —
// used by EOS drain (spec §4.F), which must resync the next buffer but is
// not a flush.
func (r *Renderer) ClearNextSample() {
	r.nextSample = nil
}

// LastCommitRunningTime returns the unadjusted running time of the most
// recent successful commit, for EOS drain to hand directly to wait_eos.
func (r *Renderer) LastCommitRunningTime() time.Duration {
	return r.lastCommitRunningTime
}

func samplesToDuration(samples int64, rate int) time.Duration {
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}

func durationToSamples(d time.Duration, rate int) int64 {
	return int64(float64(d) / float64(time.Second) * float64(rate))
}

// clampOutSamples is spec §9's open-question resolution: a slaved or aligned
// range can invert (stop before start) under extreme drift; rather than pass
// a negative out_samples to commit, treat it as "nothing to render this
// buffer". Render then skips the commit and still sets next_sample to the
// range's start (its stop for reverse playback).
func clampOutSamples(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// clipInterval intersects [start, stop] with [segStart, segStop]; ok is
// false when the intersection is empty.
func clipInterval(start, stop, segStart, segStop time.Duration) (clippedStart, clippedStop time.Duration, ok bool) {
	clippedStart = start
	if segStart > clippedStart {
		clippedStart = segStart
	}
	clippedStop = stop
	if segStop < clippedStop {
		clippedStop = segStop
	}
	if clippedStart >= clippedStop {
		return 0, 0, false
	}
	return clippedStart, clippedStop, true
}

// toRunningTime maps a stream timestamp through segment into running time
// (GLOSSARY): pause/seek don't perturb scheduling because running time is
// always measured from the segment's own start.
func toRunningTime(ts time.Duration, seg Segment) time.Duration {
	rate := seg.Rate
	if rate == 0 {
		rate = 1
	}
	return time.Duration(float64(ts-seg.Start) / math.Abs(rate))
}

// fastPathPosition implements step 3 (no-timestamp fast path) and step 6
// (the "late" recovery rule also used by the fast path): the candidate
// start is next_sample if set, else 0; if the segment it lands in is
// already behind what the device has consumed, jump to the start of the
// next unconsumed segment.
func (r *Renderer) fastPathPosition(samples int64, spec ringbuffer.Spec) (start, stop int64) {
	candidate := int64(0)
	if r.nextSample != nil {
		candidate = *r.nextSample
	}
	samplesPerSeg := int64(spec.SamplesPerSeg())
	if samplesPerSeg > 0 {
		deviceSeg := int64(r.ring.SegDone() - r.ring.SegBase())
		if candidate/samplesPerSeg < deviceSeg {
			candidate = (deviceSeg + 1) * samplesPerSeg
		}
	}
	return candidate, candidate + samples
}

// Render runs the twelve-step pipeline from spec §4.E over one buffer.
func (r *Renderer) Render(buf Buffer) error {
	if !r.ring.IsAcquired() {
		return ErrNotNegotiated
	}
	spec := r.ring.CurrentSpec()
	if spec.BytesPerSample == 0 || len(buf.Data)%spec.BytesPerSample != 0 {
		return ErrWrongSize
	}

	r.mu.Lock()
	segment := r.segment
	baseTime := r.baseTime
	slaveMethod := r.cfg.SlaveMethod
	latencyTimeUs := r.cfg.LatencyTimeUs
	master := r.master
	pipelineClock := r.pipelineClock
	abortCh := r.abortCh
	r.mu.Unlock()

	data := buf.Data
	samples := int64(len(data)) / int64(spec.BytesPerSample)
	if samples == 0 {
		return nil
	}

	var renderStartSample, renderStopSample int64
	var preClipStop time.Duration
	haveSegmentContext := false

	if buf.Timestamp == nil {
		renderStartSample, renderStopSample = r.fastPathPosition(samples, spec)
	} else {
		ts := *buf.Timestamp
		stop := ts + samplesToDuration(samples, spec.Rate)
		preClipStop = stop
		haveSegmentContext = true

		clipStart, clipStop, ok := clipInterval(ts, stop, segment.Start, segment.Stop)
		if !ok {
			return nil
		}
		if clipStart > ts {
			trimmed := durationToSamples(clipStart-ts, spec.Rate)
			data = data[trimmed*int64(spec.BytesPerSample):]
			samples -= trimmed
		}
		ts = clipStart
		if clipStop < stop {
			trimmed := durationToSamples(stop-clipStop, spec.Rate)
			samples -= trimmed
		}
		stop = clipStop
		if samples <= 0 {
			return nil
		}

		haveClock := pipelineClock != nil
		var etimeNow time.Duration
		if haveClock {
			var ok bool
			etimeNow, ok = pipelineClock.Now()
			haveClock = ok
		}

		if !haveClock {
			renderStartSample, renderStopSample = r.fastPathPosition(samples, spec)
		} else {
			runningStart := toRunningTime(ts, segment) + baseTime + r.clk.UsLatency()
			runningStop := toRunningTime(stop, segment) + baseTime + r.clk.UsLatency()

			mode := slaveMethod
			if master {
				mode = config.SlaveNone
			}

			skewIn := slave.SkewInput{
				SamplesPerSeg: spec.SamplesPerSeg(),
				LatencyTimeUs: latencyTimeUs,
				LastAlign:     r.lastAlign,
				ExternalNow:   etimeNow,
				InternalNow:   r.clk.InternalNow(),
			}
			slavedStart, slavedStop, forceResync := r.engine.Apply(r.clk, mode, skewIn, runningStart, runningStop)
			if forceResync {
				r.nextSample = nil
			}

			renderStartSample = durationToSamples(slavedStart, spec.Rate)
			renderStopSample = durationToSamples(slavedStop, spec.Rate)

			if !buf.Discont && r.nextSample != nil {
				sampleOffsetForDiff := renderStartSample
				if segment.Rate < 0 {
					sampleOffsetForDiff = renderStopSample
				}
				diff := *r.nextSample - sampleOffsetForDiff
				if diff < 0 {
					diff = -diff
				}
				half := int64(spec.Rate) / 2
				if diff < half {
					align := *r.nextSample - sampleOffsetForDiff
					renderStartSample += align
					if mode != config.SlaveResample {
						renderStopSample += align
					}
					r.lastAlign = align
				} else if r.onSyncWarning != nil {
					r.onSyncWarning(samplesToDuration(diff, spec.Rate))
				}
			}
		}
	}
	_ = haveSegmentContext

	outSamples := clampOutSamples(renderStopSample - renderStartSample)
	sampleOffset := renderStartSample
	if segment.Rate < 0 {
		sampleOffset = renderStopSample
	}

	if outSamples > 0 {
		if err := r.commitLoop(&sampleOffset, data, samples, outSamples, spec, abortCh); err != nil {
			if errors.Is(err, ErrStopping) {
				r.nextSample = nil
			}
			return err
		}
	}
	r.nextSample = &sampleOffset
	if buf.Timestamp != nil {
		r.lastCommitRunningTime = toRunningTime(*buf.Timestamp, segment)
	} else {
		r.lastCommitRunningTime = toRunningTime(samplesToDuration(renderStopSample, spec.Rate), segment)
	}

	if haveSegmentContext && preClipStop >= segment.Stop {
		r.ring.Start()
	}
	return nil
}

// commitLoop implements step 11: repeatedly commit, waiting for preroll on
// a short write, shrinking both the input and output counts in step with
// what the ring buffer actually consumed.
func (r *Renderer) commitLoop(sampleOffset *int64, data []byte, samples, outSamples int64, spec ringbuffer.Spec, abortCh <-chan struct{}) error {
	origSamples, origOut := samples, outSamples
	for outSamples > 0 && samples > 0 {
		written, err := r.ring.Commit(sampleOffset, data, int(samples), int(outSamples), &r.accum)
		if err != nil {
			return err
		}
		if written <= 0 {
			if !r.ring.WaitForSpace(abortCh) {
				return ErrStopping
			}
			continue
		}

		data = data[written*spec.BytesPerSample:]
		samples -= int64(written)

		consumedOut := int64(math.Round(float64(written) * float64(origOut) / float64(origSamples)))
		if consumedOut < 1 {
			consumedOut = 1
		}
		if consumedOut > outSamples {
			consumedOut = outSamples
		}
		outSamples -= consumedOut
	}
	return nil
}
