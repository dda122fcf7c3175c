package ringbuffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRingBuffer is a deterministic in-memory RingBuffer. It backs the core's
// own tests (render and sink exercise it directly) and is
// embedded by the PortAudio and network device backends, which add real I/O
// around the same capacity/backpressure bookkeeping.
//
// Segment consumption ("the device thread") is driven by Tick, either called
// manually by tests for deterministic timing or by an internal goroutine
// ticking at wall-clock segment-duration when created with autoTick=true.
// Not safe for use before Acquire.
type MemRingBuffer struct {
	mu       sync.Mutex
	spec     Spec
	buf      []byte
	acquired bool
	flushing bool
	started  bool
	armed    bool

	// writeHigh is the highest absolute sample position committed so far.
	writeHigh int64
	// consumedAbs is the total number of samples the device has consumed
	// since Acquire — this is SamplesDone(), and segDone*SamplesPerSeg()
	// tracks the same quantity in segment units.
	consumedAbs uint64
	segDone     uint64
	segBase     uint64

	callback   PullCallback
	pullActive bool
	lastPulled []byte // most recent segment the pull callback produced, for backends that ship it onward

	spaceCh chan struct{} // closed and replaced whenever space frees or flushing starts

	id  uuid.UUID
	log *slog.Logger

	autoTick   bool
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewMemRingBuffer returns an unacquired MemRingBuffer. When autoTick is true,
// Start launches a goroutine that calls Tick once per segment duration at
// wall-clock rate, simulating a real device; tests that want deterministic
// timing should pass false and call Tick explicitly.
func NewMemRingBuffer(autoTick bool) *MemRingBuffer {
	return &MemRingBuffer{
		id:       uuid.New(),
		log:      slog.Default().With("component", "ringbuffer.mem"),
		autoTick: autoTick,
		spaceCh:  make(chan struct{}),
	}
}

func (r *MemRingBuffer) OpenDevice() error  { return nil }
func (r *MemRingBuffer) CloseDevice() error { return nil }

func (r *MemRingBuffer) Acquire(spec Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acquired {
		return ErrAlreadyAcquired
	}
	capacitySamples := spec.SegTotal * spec.SamplesPerSeg()
	r.spec = spec
	r.buf = make([]byte, capacitySamples*spec.BytesPerSample)
	r.writeHigh = 0
	r.consumedAbs = 0
	r.segDone = 0
	r.segBase = 0
	r.acquired = true
	r.log.Info("acquired", "id", r.id, "rate", spec.Rate, "segtotal", spec.SegTotal, "segsize", spec.SegSize)
	return nil
}

func (r *MemRingBuffer) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTickerLocked()
	r.acquired = false
	r.started = false
	r.buf = nil
	r.log.Info("released", "id", r.id)
	return nil
}

func (r *MemRingBuffer) IsAcquired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

func (r *MemRingBuffer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	if r.autoTick {
		r.startTickerLocked()
	}
	return nil
}

func (r *MemRingBuffer) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	r.stopTickerLocked()
	return nil
}

func (r *MemRingBuffer) MayStart(may bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = may
}

func (r *MemRingBuffer) startTickerLocked() {
	if r.stopTicker != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.stopTicker = stop
	r.tickerDone = done
	dur := r.spec.SegmentDuration()
	go func() {
		defer close(done)
		if dur <= 0 {
			return
		}
		t := time.NewTicker(dur)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.Tick()
			}
		}
	}()
}

func (r *MemRingBuffer) stopTickerLocked() {
	if r.stopTicker == nil {
		return
	}
	close(r.stopTicker)
	done := r.tickerDone
	r.stopTicker = nil
	r.tickerDone = nil
	r.mu.Unlock()
	<-done
	r.mu.Lock()
}

// Tick simulates the device consuming one segment: in pull mode it invokes
// the installed callback to fill the segment directly; in push mode it
// advances past one segment of previously committed data, if any is
// available (an empty segment means underrun — the counter does not
// advance, mirroring a real device stalling on silence).
func (r *MemRingBuffer) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acquired || !r.started {
		return
	}
	samplesPerSeg := r.spec.SamplesPerSeg()
	if samplesPerSeg == 0 {
		return
	}

	if r.pullActive && r.callback != nil {
		buf := make([]byte, r.spec.SegSize)
		r.callback(buf)
		r.lastPulled = buf
		r.segDone++
		r.consumedAbs += uint64(samplesPerSeg)
		r.writeHigh = max(r.writeHigh, int64(r.consumedAbs))
		r.broadcastSpaceLocked()
		return
	}

	pending := r.writeHigh - int64(r.consumedAbs)
	if pending < int64(samplesPerSeg) {
		r.log.Warn("underrun: device caught up to producer", "id", r.id)
		return
	}
	r.segDone++
	r.consumedAbs += uint64(samplesPerSeg)
	r.broadcastSpaceLocked()
}

// DrainSegment copies the next unconsumed segment of committed samples into
// out (len(out) must equal the negotiated SegSize) for a real device backend
// to hand to hardware, and advances the consumed/segdone counters exactly as
// Tick does for the simulated device. When fewer than one full segment has
// been committed, out is filled with silence and the counters do not
// advance — an underrun, reported back to the caller so it can log once
// rather than on every callback.
func (r *MemRingBuffer) DrainSegment(out []byte) (underrun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acquired || !r.started {
		clear(out)
		return true
	}
	samplesPerSeg := r.spec.SamplesPerSeg()
	if samplesPerSeg == 0 || len(out) != r.spec.SegSize {
		clear(out)
		return true
	}
	pending := r.writeHigh - int64(r.consumedAbs)
	if pending < int64(samplesPerSeg) {
		clear(out)
		return true
	}

	frameSize := r.spec.BytesPerSample
	capacitySamples := int64(r.spec.SegTotal * samplesPerSeg)
	for i := 0; i < samplesPerSeg; i++ {
		pos := (int64(r.consumedAbs) + int64(i)) % capacitySamples
		byteOff := int(pos) * frameSize
		copy(out[i*frameSize:(i+1)*frameSize], r.buf[byteOff:byteOff+frameSize])
	}

	r.segDone++
	r.consumedAbs += uint64(samplesPerSeg)
	r.broadcastSpaceLocked()
	return false
}

func (r *MemRingBuffer) SetFlushing(flushing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushing = flushing
	if flushing {
		r.broadcastSpaceLocked()
	}
}

func (r *MemRingBuffer) broadcastSpaceLocked() {
	close(r.spaceCh)
	r.spaceCh = make(chan struct{})
}

// WaitForSpace blocks until either capacity frees up (Tick advances segdone)
// or SetFlushing(true) is called, whichever comes first, or stop fires.
// Returns false when unblocked by flushing or stop — the caller (render's
// preroll wait) should treat that as "stopping".
func (r *MemRingBuffer) WaitForSpace(stop <-chan struct{}) bool {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return false
	}
	ch := r.spaceCh
	r.mu.Unlock()

	select {
	case <-ch:
		r.mu.Lock()
		flushing := r.flushing
		r.mu.Unlock()
		return !flushing
	case <-stop:
		return false
	}
}

func (r *MemRingBuffer) Commit(sampleOffset *int64, data []byte, inSamples, outSamples int, accum *float64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acquired {
		return 0, ErrNotAcquired
	}
	if r.flushing {
		return 0, nil
	}
	if outSamples <= 0 || inSamples <= 0 {
		return 0, nil
	}

	samplesPerSeg := r.spec.SamplesPerSeg()
	capacitySamples := int64(r.spec.SegTotal * samplesPerSeg)
	free := (int64(r.consumedAbs) + capacitySamples) - *sampleOffset
	if free <= 0 {
		return 0, nil
	}
	availableOut := outSamples
	if int64(availableOut) > free {
		availableOut = int(free)
	}

	frameSize := r.spec.BytesPerSample
	capacityBytes := int(capacitySamples) * frameSize

	writeFrame := func(outIdx int, src []byte) {
		pos := (*sampleOffset + int64(outIdx)) % capacitySamples
		if pos < 0 {
			pos += capacitySamples
		}
		byteOff := int(pos) * frameSize
		n := copy(r.buf[byteOff:min(byteOff+frameSize, capacityBytes)], src)
		_ = n
	}

	var consumedIn, writtenOut int

	if inSamples == outSamples {
		// 1:1 path — the common case (no slaved rate correction in effect).
		n := availableOut
		if n > inSamples {
			n = inSamples
		}
		for i := 0; i < n; i++ {
			writeFrame(i, data[i*frameSize:(i+1)*frameSize])
		}
		consumedIn, writtenOut = n, n
	} else {
		// Resample path: the renderer's resample slave mode asked for a
		// different out_samples than in_samples so that an external
		// resampler compensates for drift. This reference ring buffer
		// performs a minimal nearest-neighbour stand-in, honouring accum
		// as the fractional input-position carry across calls — it is
		// not a quality resampler (see spec §1 Non-goals: this core does
		// not resample, and neither does its reference collaborator).
		ratio := float64(inSamples) / float64(outSamples)
		pos := *accum
		for writtenOut < availableOut {
			srcIdx := int(pos)
			if srcIdx >= inSamples {
				break
			}
			writeFrame(writtenOut, data[srcIdx*frameSize:(srcIdx+1)*frameSize])
			pos += ratio
			writtenOut++
		}
		consumedIn = int(pos)
		if consumedIn > inSamples {
			consumedIn = inSamples
		}
		*accum = pos - float64(consumedIn)
	}

	*sampleOffset += int64(writtenOut)
	if *sampleOffset > r.writeHigh {
		r.writeHigh = *sampleOffset
	}
	return consumedIn, nil
}

func (r *MemRingBuffer) SamplesDone() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumedAbs
}

func (r *MemRingBuffer) Delay() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.writeHigh - int64(r.consumedAbs)
	if d < 0 {
		return 0
	}
	return uint32(d)
}

func (r *MemRingBuffer) SegDone() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segDone
}

func (r *MemRingBuffer) SegBase() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segBase
}

func (r *MemRingBuffer) SamplesPerSeg() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec.SamplesPerSeg()
}

func (r *MemRingBuffer) CurrentSpec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

func (r *MemRingBuffer) SetCallback(cb PullCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// SetPullActive toggles pull-mode feeding (spec §9: pull-mode clock slaving
// is explicitly deferred — Tick simply invokes the callback once per segment
// regardless of any reference clock).
func (r *MemRingBuffer) SetPullActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullActive = active
}

// LastPulledSegment returns the bytes the pull callback produced on the most
// recent Tick, or nil if Tick has never run in pull mode. Backends that ship
// pulled segments onward (rather than just accounting for them, as the bare
// in-memory buffer does) read this right after calling Tick.
func (r *MemRingBuffer) LastPulledSegment() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPulled
}
