package clock_test

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"audiosink/internal/clock"
	"audiosink/internal/ringbuffer"
)

// fakeRing is a minimal ringBuffer for clock tests, avoiding a dependency
// on the full MemRingBuffer lifecycle.
type fakeRing struct {
	mu          sync.Mutex
	acquired    bool
	samplesDone uint64
	delay       uint32
	spec        ringbuffer.Spec
}

func (f *fakeRing) IsAcquired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

func (f *fakeRing) SamplesDone() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samplesDone
}

func (f *fakeRing) Delay() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay
}

func (f *fakeRing) CurrentSpec() ringbuffer.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spec
}

func (f *fakeRing) set(samplesDone uint64, delay uint32) {
	f.mu.Lock()
	f.samplesDone, f.delay = samplesDone, delay
	f.mu.Unlock()
}

func TestNowNoValueWhenNotAcquired(t *testing.T) {
	ring := &fakeRing{spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)
	if _, ok := c.Now(); ok {
		t.Error("expected no value before acquire")
	}
}

func TestNowNoValueWhenRateZero(t *testing.T) {
	ring := &fakeRing{acquired: true}
	c := clock.New(ring)
	if _, ok := c.Now(); ok {
		t.Error("expected no value with rate 0")
	}
}

func TestNowComputesFromSamplesDoneMinusDelay(t *testing.T) {
	ring := &fakeRing{acquired: true, spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)

	ring.set(44100, 0) // exactly one second played
	got, ok := c.Now()
	if !ok {
		t.Fatal("expected a value")
	}
	if got != time.Second {
		t.Errorf("Now() = %v, want 1s", got)
	}
}

func TestNowClampsDelayAtSamplesDone(t *testing.T) {
	ring := &fakeRing{acquired: true, spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)

	ring.set(100, 1000) // delay exceeds samples done — must clamp, not underflow
	got, ok := c.Now()
	if !ok {
		t.Fatal("expected a value")
	}
	if got != 0 {
		t.Errorf("Now() = %v, want 0", got)
	}
}

func TestUsLatencyShiftsZero(t *testing.T) {
	ring := &fakeRing{acquired: true, spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)
	c.SetUsLatency(5 * time.Millisecond)

	ring.set(44100, 0)
	got, _ := c.Now()
	if got != time.Second+5*time.Millisecond {
		t.Errorf("Now() = %v, want 1.005s", got)
	}
}

// TestMonotoneUnderInterleaving is the property from spec §8.5: for any
// interleaving of clock reads with streaming-thread updates to samples_done,
// consecutive reads never decrease.
func TestMonotoneUnderInterleaving(t *testing.T) {
	ring := &fakeRing{acquired: true, spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		var done uint64
		r := rand.New(rand.NewSource(1))
		for i := 0; i < 2000; i++ {
			done += uint64(r.Intn(500))
			ring.set(done, uint32(r.Intn(200)))
		}
		close(stop)
	}()

	var last time.Duration
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		now, ok := c.Now()
		if !ok {
			continue
		}
		if now < last {
			t.Fatalf("clock went backwards: %v then %v", last, now)
		}
		last = now
	}
}

func TestConvertIdentityPassesThrough(t *testing.T) {
	cal := clock.Identity()
	got := clock.Convert(cal, 500*time.Millisecond, 0)
	if got != 500*time.Millisecond {
		t.Errorf("Convert(identity, 500ms) = %v, want 500ms", got)
	}
}

func TestConvertSubtractsUsLatencySaturating(t *testing.T) {
	cal := clock.Identity()
	got := clock.Convert(cal, 5*time.Millisecond, 20*time.Millisecond)
	if got != 0 {
		t.Errorf("Convert should saturate at 0 when usLatency exceeds raw, got %v", got)
	}
}

func TestConvertBeforeExternalEpochSaturates(t *testing.T) {
	cal := clock.Calibration{CInternal: 10 * time.Millisecond, CExternal: 100 * time.Millisecond, RateNum: 1, RateDenom: 1}
	got := clock.Convert(cal, 50*time.Millisecond, 0) // ext < cexternal by 50ms, exceeding cinternal
	if got != 0 {
		t.Errorf("Convert should clamp to 0 before the external epoch minus internal offset, got %v", got)
	}
}

func TestConvertZeroRateDenomTreatedAsIdentityRate(t *testing.T) {
	cal := clock.Calibration{RateNum: 0, RateDenom: 0}
	got := clock.Convert(cal, 250*time.Millisecond, 0)
	if got != 250*time.Millisecond {
		t.Errorf("Convert with zero rate should fall back to 1/1, got %v", got)
	}
}

func TestUpdateCalibrationIsAtomic(t *testing.T) {
	ring := &fakeRing{acquired: true, spec: ringbuffer.Spec{Rate: 44100}}
	c := clock.New(ring)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UpdateCalibration(func(old clock.Calibration) clock.Calibration {
				old.CExternal += time.Millisecond
				return old
			})
		}()
	}
	wg.Wait()

	got := c.Calibration().CExternal
	if got != 50*time.Millisecond {
		t.Errorf("CExternal = %v, want 50ms (lost update under concurrent UpdateCalibration)", got)
	}
}
