// Package sink implements the lifecycle and event handling (spec §4.F): the
// five state transitions, flush-start/flush-stop, EOS drain, and new-segment
// handling, wired around a RingBuffer created by a caller-supplied factory
// (spec §9's "replace create_ringbuffer with a constructor argument of type
// Fn() -> RingBuffer").
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/config"
	"audiosink/internal/latency"
	"audiosink/internal/render"
	"audiosink/internal/ringbuffer"
	"audiosink/internal/slave"
)

// State mirrors the null/ready/paused/playing state graph from spec §4.F.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// ErrOpenFailed wraps a factory or open_device failure (spec §7).
var ErrOpenFailed = errors.New("sink: open failed")

// ErrNotReady is returned by operations that require a ring buffer to exist
// (any transition at or after Null→Ready).
var ErrNotReady = errors.New("sink: not ready")

// RingBufferFactory is the subclass hook from spec §6: "create_ringbuffer()
// -> RingBuffer — required; the core has no other knowledge of the device."
type RingBufferFactory func() (ringbuffer.RingBuffer, error)

// EOSWaiter is the base sink's wait_eos hook (spec §4.F EOS).
type EOSWaiter interface {
	WaitEOS(t time.Duration)
}

// PipelineClock is re-exported so callers don't need to import render
// separately to satisfy SetPipelineClock.
type PipelineClock = render.PipelineClock

// FixatedSpec is the format-fixation default from spec §6 (rate 44100,
// stereo, 16-bit signed native-endian — bytes_per_sample = channels*width/8).
func FixatedSpec(segSize, segTotal, segLatency int) ringbuffer.Spec {
	return ringbuffer.Spec{
		Rate:           44100,
		BytesPerSample: 4,
		SegSize:        segSize,
		SegTotal:       segTotal,
		SegLatency:     segLatency,
	}
}

// Sink is the two-interface re-architecture from spec §9: a Sink consumer
// (this type) driving a RingBuffer producer. mu guards everything the
// state/application thread can touch, per spec §5's per-sink mutex.
type Sink struct {
	mu      sync.Mutex
	state   State
	factory RingBufferFactory
	cfg     config.Config

	ring     ringbuffer.RingBuffer
	clk      *clock.ProvidedClock
	engine   *slave.Engine
	renderer *render.Renderer
	rep      *latency.Reporter

	master bool // true when the pipeline's selected clock is this sink's own

	eosPosted atomic.Bool // spec §9 supplement: latch repeated pull-mode EOS

	log *slog.Logger
}

// New returns a Sink in the Null state. cfg should already be validated
// (config.Default() or config.Load()).
func New(factory RingBufferFactory, cfg config.Config) *Sink {
	return &Sink{
		factory: factory,
		cfg:     cfg,
		state:   StateNull,
		log:     slog.Default().With("component", "sink"),
	}
}

func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Configure replaces the sink's configuration. Like slave_method and
// provide_clock in spec §9, this is expected to change only between
// transitions, not mid-stream.
func (s *Sink) Configure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.renderer != nil {
		s.renderer.SetConfig(cfg)
	}
	return nil
}

// SetBaseTime snapshots base_time into the renderer (spec §5: "the streaming
// thread takes the mutex only to snapshot base_time").
func (s *Sink) SetBaseTime(t time.Duration) {
	s.mu.Lock()
	r := s.renderer
	s.mu.Unlock()
	if r != nil {
		r.SetBaseTime(t)
	}
}

// SetMaster records whether the pipeline's selected clock is this sink's own
// provided clock (spec §4.D mode selection).
func (s *Sink) SetMaster(isMaster bool) {
	s.mu.Lock()
	s.master = isMaster
	r := s.renderer
	s.mu.Unlock()
	if r != nil {
		r.SetMaster(isMaster)
	}
}

func (s *Sink) SetPipelineClock(pc PipelineClock) {
	s.mu.Lock()
	r := s.renderer
	s.mu.Unlock()
	if r != nil {
		r.SetPipelineClock(pc)
	}
}

func (s *Sink) SetSyncWarningFunc(f render.SyncWarningFunc) {
	s.mu.Lock()
	r := s.renderer
	s.mu.Unlock()
	if r != nil {
		r.SetSyncWarningFunc(f)
	}
}

// ProvidedClock exposes the clock for callers that need to read it directly
// (a pipeline clock query, or the debug/introspection server).
func (s *Sink) ProvidedClock() *clock.ProvidedClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk
}

// --- State transitions (spec §4.F) ---

// NullToReady creates the ring buffer via the factory and opens the device.
func (s *Sink) NullToReady() error {
	ring, err := s.factory()
	if err != nil {
		return fmt.Errorf("%w: create ringbuffer: %v", ErrOpenFailed, err)
	}
	if err := ring.OpenDevice(); err != nil {
		return fmt.Errorf("%w: open device: %v", ErrOpenFailed, err)
	}

	clk := clock.New(ring)
	engine := slave.New()
	renderer := render.New(ring, clk, engine)
	renderer.SetConfig(s.cfg)

	s.mu.Lock()
	s.ring = ring
	s.clk = clk
	s.engine = engine
	s.renderer = renderer
	s.rep = latency.New(clk)
	s.renderer.SetMaster(s.master)
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info("null->ready")
	return nil
}

// SetCaps negotiates the format with the ring buffer (spec §6 "set-caps").
// Any previously acquired format is released first.
func (s *Sink) SetCaps(spec ringbuffer.Spec) error {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}
	if ring.IsAcquired() {
		if err := ring.Release(); err != nil {
			return err
		}
	}
	return ring.Acquire(spec)
}

// ReadyToPaused clears next_sample/last_align, clears flushing, and disarms
// the consumer.
func (s *Sink) ReadyToPaused() error {
	s.mu.Lock()
	ring := s.ring
	renderer := s.renderer
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}
	renderer.ResetForReady()
	ring.MayStart(false)
	s.mu.Lock()
	s.state = StatePaused
	s.mu.Unlock()
	s.log.Info("ready->paused")
	return nil
}

// PausedToPlaying is async_play: arms the consumer, seeds calibration when
// the pipeline clock isn't this sink's own, resets avg_skew/next_sample, and
// starts the ring buffer.
func (s *Sink) PausedToPlaying() error {
	s.mu.Lock()
	ring := s.ring
	renderer := s.renderer
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}

	ring.MayStart(true)
	renderer.SeedCalibration()
	renderer.ResetAbort()
	// Resample mode additionally marks the provided clock as a slave of the
	// pipeline clock so external master-clock infrastructure drives the
	// corrector; this core has no such infrastructure to wire to (spec §9's
	// "some external master-clock infrastructure" is outside this package).

	if err := ring.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StatePlaying
	s.mu.Unlock()
	s.log.Info("paused->playing")
	return nil
}

// PlayingToPaused disarms and pauses the consumer.
func (s *Sink) PlayingToPaused() error {
	s.mu.Lock()
	ring := s.ring
	renderer := s.renderer
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}
	ring.MayStart(false)
	renderer.Abort()
	if err := ring.Pause(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StatePaused
	s.mu.Unlock()
	s.log.Info("playing->paused")
	return nil
}

// PausedToReady sets flushing first so any blocked writer unblocks before
// the ring buffer is released.
func (s *Sink) PausedToReady() error {
	s.mu.Lock()
	ring := s.ring
	renderer := s.renderer
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}
	renderer.FlushStart()
	if err := ring.Release(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	s.log.Info("paused->ready")
	return nil
}

// ReadyToNull defensively releases again (acquire may have happened after
// Ready without a matching release) then closes the device.
func (s *Sink) ReadyToNull() error {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	if ring == nil {
		s.mu.Lock()
		s.state = StateNull
		s.mu.Unlock()
		return nil
	}
	_ = ring.Release()
	if err := ring.CloseDevice(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateNull
	s.mu.Unlock()
	s.log.Info("ready->null")
	return nil
}

// --- Events (spec §4.F) ---

// FlushStart is the universal cancel (spec §5).
func (s *Sink) FlushStart() {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()
	if renderer != nil {
		renderer.FlushStart()
	}
}

// FlushStop is idempotent (spec §8 invariant 4: repeated flush-stop produces
// the same state as one flush-stop).
func (s *Sink) FlushStop() {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()
	if renderer != nil {
		renderer.FlushStop()
	}
	s.eosPosted.Store(false)
}

// NewSegment notes the rate (and the rest of the live segment, which
// clipping reads); no other side-effects. It also clears the EOS latch — a
// new segment makes EOS postable again (spec §9 supplement).
func (s *Sink) NewSegment(seg render.Segment) {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()
	if renderer != nil {
		renderer.SetSegment(seg)
	}
	s.eosPosted.Store(false)
}

// EOS drains: starts the ring buffer if acquired (guarantees sub-segment
// residue plays), converts the last commit to running time, waits, and
// resets next_sample. Per spec §9's supplement, a second EOS call before the
// next NewSegment/FlushStop is a no-op — real pull-mode producers can call
// EOS repeatedly without re-triggering wait_eos every time.
func (s *Sink) EOS(waiter EOSWaiter) error {
	if s.eosPosted.Swap(true) {
		return nil
	}

	s.mu.Lock()
	ring := s.ring
	renderer := s.renderer
	s.mu.Unlock()
	if ring == nil {
		return ErrNotReady
	}

	if ring.IsAcquired() {
		if err := ring.Start(); err != nil {
			return err
		}
	}
	t := renderer.LastCommitRunningTime()
	waiter.WaitEOS(t)
	renderer.ClearNextSample()
	return nil
}

// --- Rendering and queries ---

func (s *Sink) Render(buf render.Buffer) error {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()
	if renderer == nil {
		return render.ErrNotNegotiated
	}
	return renderer.Render(buf)
}

// Preroll renders the first buffer in Paused, ahead of async_play. This core
// does not distinguish preroll rendering from steady-state rendering beyond
// that ordering; the pipeline is responsible for calling it only once.
func (s *Sink) Preroll(buf render.Buffer) error {
	return s.Render(buf)
}

// ActivatePull toggles pull-mode feeding on the ring buffer, when the
// concrete implementation supports it.
func (s *Sink) ActivatePull(active bool) {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	if pa, ok := ring.(pullActivator); ok {
		pa.SetPullActive(active)
	}
}

type pullActivator interface {
	SetPullActive(active bool)
}

// SetPullCallback installs the pull-mode producer (spec §4.A SetCallback).
func (s *Sink) SetPullCallback(cb ringbuffer.PullCallback) {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	if ring != nil {
		ring.SetCallback(cb)
	}
}

// QueryLatency composes this sink's own latency with the upstream result
// (spec §4.C).
func (s *Sink) QueryLatency(upstream latency.Upstream) latency.Result {
	s.mu.Lock()
	ring := s.ring
	rep := s.rep
	s.mu.Unlock()
	if ring == nil || rep == nil || !ring.IsAcquired() {
		return latency.Result{}
	}
	return rep.Query(ring.CurrentSpec(), upstream)
}
