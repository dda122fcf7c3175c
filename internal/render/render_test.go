package render_test

import (
	"testing"
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/config"
	"audiosink/internal/ringbuffer"
	"audiosink/internal/render"
	"audiosink/internal/slave"
)

func testSpec() ringbuffer.Spec {
	return ringbuffer.Spec{Rate: 1000, BytesPerSample: 4, SegSize: 400, SegTotal: 8, SegLatency: 2}
}

func newRenderer(t *testing.T) (*render.Renderer, *ringbuffer.MemRingBuffer) {
	t.Helper()
	ring := ringbuffer.NewMemRingBuffer(false)
	if err := ring.Acquire(testSpec()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ring.MayStart(true)
	if err := ring.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk := clock.New(ring)
	r := render.New(ring, clk, slave.New())
	return r, ring
}

func tdur(d time.Duration) *time.Duration { return &d }

func TestRenderNotNegotiated(t *testing.T) {
	ring := ringbuffer.NewMemRingBuffer(false)
	clk := clock.New(ring)
	r := render.New(ring, clk, slave.New())

	err := r.Render(render.Buffer{Data: make([]byte, 40)})
	if err != render.ErrNotNegotiated {
		t.Errorf("err = %v, want ErrNotNegotiated", err)
	}
}

func TestRenderWrongSize(t *testing.T) {
	r, _ := newRenderer(t)
	err := r.Render(render.Buffer{Data: make([]byte, 3)})
	if err != render.ErrWrongSize {
		t.Errorf("err = %v, want ErrWrongSize", err)
	}
}

func TestRenderFastPathContiguous(t *testing.T) {
	r, ring := newRenderer(t)

	buf := make([]byte, 100*4) // 100 samples, one quarter segment
	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	next, ok := r.NextSample()
	if !ok || next != 100 {
		t.Errorf("next_sample = (%v, %v), want (100, true)", next, ok)
	}

	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	next, ok = r.NextSample()
	if !ok || next != 200 {
		t.Errorf("next_sample after second buffer = (%v, %v), want (200, true)", next, ok)
	}
	if ring.SamplesDone() != 0 {
		t.Errorf("device hasn't ticked yet, SamplesDone should be 0, got %d", ring.SamplesDone())
	}
}

func TestRenderFastPathRecoversAfterDeviceCatchesUp(t *testing.T) {
	r, ring := newRenderer(t)
	buf := make([]byte, 100*4)

	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	ring.Tick() // device consumes the segment the producer just committed

	// A flush resets the renderer's next_sample to "none" while the ring
	// buffer's own segment counter keeps moving — the next fast-path buffer
	// must jump past the device's current segment rather than restart at 0,
	// which would render a buffer the device has already passed.
	r.FlushStart()
	r.FlushStop()

	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	next, _ := r.NextSample()
	samplesPerSeg := int64(testSpec().SamplesPerSeg())
	wantMin := int64(ring.SegDone()) * samplesPerSeg
	if next < wantMin {
		t.Errorf("next_sample = %d, should be at or beyond the device's current segment (%d)", next, wantMin)
	}
}

type fakePipelineClock struct {
	t time.Duration
}

func (f *fakePipelineClock) Now() (time.Duration, bool) { return f.t, true }

func TestRenderWithPipelineClockNoneModeCommits(t *testing.T) {
	r, ring := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	r.SetSegment(render.Segment{Start: 0, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000, ProvideClock: true})

	ts := tdur(0)
	buf := make([]byte, 100*4)
	if err := r.Render(render.Buffer{Data: buf, Timestamp: ts}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	next, ok := r.NextSample()
	if !ok {
		t.Fatal("expected next_sample to be set after a committed buffer")
	}
	if next != 100 {
		t.Errorf("next_sample = %d, want 100", next)
	}
	if ring.SegBase() != 0 {
		t.Errorf("unexpected SegBase %d", ring.SegBase())
	}
}

func TestRenderClipsBufferStartingBeforeSegment(t *testing.T) {
	r, _ := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	// Segment starts at 50ms; a buffer starting 20ms earlier should have its
	// head trimmed rather than being rendered in full.
	r.SetSegment(render.Segment{Start: 50 * time.Millisecond, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	ts := tdur(30 * time.Millisecond) // 30 samples at 1000Hz before trimming
	buf := make([]byte, 100*4)        // 100ms of audio -> spans [30ms,130ms)
	if err := r.Render(render.Buffer{Data: buf, Timestamp: ts}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	next, ok := r.NextSample()
	if !ok {
		t.Fatal("expected a commit to have happened")
	}
	// Only the [50ms,130ms) portion (80 samples) should have rendered,
	// starting at running time 0 (segment.Start subtracted).
	if next != 80 {
		t.Errorf("next_sample = %d, want 80 (head-trimmed buffer)", next)
	}
}

func TestRenderDropsBufferEntirelyBeforeSegment(t *testing.T) {
	r, _ := newRenderer(t)
	r.SetSegment(render.Segment{Start: time.Second, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	ts := tdur(0)
	buf := make([]byte, 100*4) // [0, 100ms) entirely precedes the 1s segment start
	if err := r.Render(render.Buffer{Data: buf, Timestamp: ts}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if _, ok := r.NextSample(); ok {
		t.Error("expected no commit for a buffer entirely outside the segment")
	}
}

func TestRenderAlignsSmallDriftWithoutWarning(t *testing.T) {
	r, _ := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	r.SetSegment(render.Segment{Start: 0, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	warned := false
	r.SetSyncWarningFunc(func(time.Duration) { warned = true })

	buf := make([]byte, 100*4)
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(0)}); err != nil {
		t.Fatalf("Render 1: %v", err)
	}
	// Second buffer's timestamp drifts by 2ms (2 samples at 1kHz) — well
	// under half the 1000-sample rate threshold, so it should align
	// silently rather than warn.
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(102 * time.Millisecond)}); err != nil {
		t.Fatalf("Render 2: %v", err)
	}
	if warned {
		t.Error("small drift should align silently, not warn")
	}
	if r.LastAlign() == 0 {
		t.Error("expected a non-zero last_align recording the applied correction")
	}
}

func TestRenderLargeDriftWarnsWithoutAligning(t *testing.T) {
	r, _ := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	r.SetSegment(render.Segment{Start: 0, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	var gotDrift time.Duration
	r.SetSyncWarningFunc(func(d time.Duration) { gotDrift = d })

	buf := make([]byte, 100*4)
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(0)}); err != nil {
		t.Fatalf("Render 1: %v", err)
	}
	// Jump forward by 600ms — beyond rate/2 (500 samples) at a 1000Hz rate,
	// yet still inside the 800-sample ring so the commit needs no device
	// tick — should warn and leave last_align untouched.
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(700 * time.Millisecond)}); err != nil {
		t.Fatalf("Render 2: %v", err)
	}
	if gotDrift == 0 {
		t.Error("expected the sync-warning callback to fire with the observed drift")
	}
	if r.LastAlign() != 0 {
		t.Errorf("last_align = %d, want untouched (0) when drift exceeds the threshold", r.LastAlign())
	}
}

func TestRenderDiscontSkipsAlignment(t *testing.T) {
	r, _ := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	r.SetSegment(render.Segment{Start: 0, Stop: time.Hour, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	buf := make([]byte, 100*4)
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(0)}); err != nil {
		t.Fatalf("Render 1: %v", err)
	}
	// Second buffer drifts by 2ms, small enough to align and record a
	// non-zero last_align.
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(102 * time.Millisecond)}); err != nil {
		t.Fatalf("Render 2: %v", err)
	}
	before := r.LastAlign()
	if before == 0 {
		t.Fatal("expected Render 2 to have set a non-zero last_align")
	}

	// A discont buffer, even with a drift that would otherwise align or
	// warn, must skip the alignment block entirely.
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(500 * time.Millisecond), Discont: true}); err != nil {
		t.Fatalf("Render 3: %v", err)
	}
	if r.LastAlign() != before {
		t.Errorf("last_align changed from %d to %d across a discont buffer; it must be left untouched", before, r.LastAlign())
	}
}

func TestRenderStoppingOnFlushDuringBackpressure(t *testing.T) {
	r, ring := newRenderer(t)

	// Fill the ring to capacity (8 segments * 100 samples) with fast-path
	// buffers, then attempt one more buffer that can't fit: the commit loop
	// must block in WaitForSpace until FlushStart unblocks it with
	// ErrStopping.
	spec := testSpec()
	capacity := spec.SegTotal * spec.SamplesPerSeg()
	full := make([]byte, capacity*spec.BytesPerSample)
	if err := r.Render(render.Buffer{Data: full}); err != nil {
		t.Fatalf("fill Render: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Render(render.Buffer{Data: make([]byte, 4)})
	}()

	// Give the goroutine a moment to block in WaitForSpace, then flush.
	time.Sleep(20 * time.Millisecond)
	r.FlushStart()

	select {
	case err := <-done:
		if err != render.ErrStopping {
			t.Errorf("err = %v, want ErrStopping", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Render did not unblock after FlushStart")
	}
	if _, ok := r.NextSample(); ok {
		t.Error("next_sample should be cleared after a stopped render")
	}
	_ = ring
}

func TestRenderFlushStopResetsState(t *testing.T) {
	r, _ := newRenderer(t)
	buf := make([]byte, 100*4)
	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	r.FlushStart()
	r.FlushStop()
	if _, ok := r.NextSample(); ok {
		t.Error("flush-stop should clear next_sample")
	}
	if err := r.Render(render.Buffer{Data: buf}); err != nil {
		t.Fatalf("Render after flush-stop: %v", err)
	}
	next, _ := r.NextSample()
	if next != 100 {
		t.Errorf("next_sample after resync = %d, want 100", next)
	}
}

func TestRenderEndOfSegmentStartsRingBuffer(t *testing.T) {
	r, ring := newRenderer(t)
	pc := &fakePipelineClock{t: 0}
	r.SetPipelineClock(pc)
	// Segment stop exactly matches the buffer's own natural stop: a whole
	// segment's worth of samples still commits (nothing is clipped off),
	// and preClipStop >= segment.Stop still holds to trigger step 12.
	r.SetSegment(render.Segment{Start: 0, Stop: 100 * time.Millisecond, Rate: 1})
	r.SetConfig(config.Config{SlaveMethod: config.SlaveNone, LatencyTimeUs: 100_000, BufferTimeUs: 200_000})

	// Undo newRenderer's Start so Tick is a no-op until Render's
	// end-of-segment check (preClipStop >= segment.Stop) calls Start again.
	ring.Pause()
	before := ring.SamplesDone()

	buf := make([]byte, 100*4) // [0,100ms) — exactly one segment, ending at the segment stop
	if err := r.Render(render.Buffer{Data: buf, Timestamp: tdur(0)}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	ring.Tick()
	if ring.SamplesDone() == before {
		t.Error("expected Render to have called ring_buffer.start() at end of segment, making Tick advance the device")
	}
}
