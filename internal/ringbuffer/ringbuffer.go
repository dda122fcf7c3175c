// Package ringbuffer defines the abstract, bounded producer/consumer audio
// buffer (spec §4.A) that sits between the renderer and a device's I/O
// thread, plus a deterministic in-memory implementation used by the core's
// own tests and two concrete device backends (PortAudio-backed local
// hardware, and a QUIC/WebTransport-backed network device) built on top of
// it.
//
// The interface, field names, and semantics follow spec §3/§4.A exactly:
// the ring buffer owns its own locking, commit() may return early while
// flushing, and segdone is the monotonic counter the provided clock reads.
package ringbuffer

import (
	"errors"
	"time"
)

// Spec is the immutable format negotiated at Acquire (spec §3).
type Spec struct {
	Rate           int // Hz
	BytesPerSample int // frame size: bytes per sample across all channels
	SegSize        int // bytes per segment
	SegTotal       int // segment count
	SegLatency     int // segments of headroom before underrun
}

// SamplesPerSeg returns segsize/bytes_per_sample.
func (s Spec) SamplesPerSeg() int {
	if s.BytesPerSample == 0 {
		return 0
	}
	return s.SegSize / s.BytesPerSample
}

// DeviceBufferDuration returns segtotal*segsize/(rate*bytes_per_sample) seconds.
func (s Spec) DeviceBufferDuration() time.Duration {
	if s.Rate == 0 || s.BytesPerSample == 0 {
		return 0
	}
	totalSamples := s.SegTotal * s.SamplesPerSeg()
	return time.Duration(float64(totalSamples) / float64(s.Rate) * float64(time.Second))
}

// SegmentDuration returns latency_time equivalent: one segment's play time.
func (s Spec) SegmentDuration() time.Duration {
	if s.Rate == 0 {
		return 0
	}
	return time.Duration(float64(s.SamplesPerSeg()) / float64(s.Rate) * float64(time.Second))
}

var (
	// ErrNotAcquired is returned by operations that require an acquired
	// ring buffer (spec §4.E step 1, the "not-negotiated" gate).
	ErrNotAcquired = errors.New("ringbuffer: not acquired")
	// ErrAlreadyAcquired is returned by Acquire when called twice without
	// an intervening Release.
	ErrAlreadyAcquired = errors.New("ringbuffer: already acquired")
)

// PullCallback is the producer a pull-mode ring buffer invokes to obtain len(buf)
// bytes on demand (spec §4.A SetCallback). It returns the number of bytes
// actually produced; a short read is padded with silence by the caller.
type PullCallback func(buf []byte) (n int)

// RingBuffer is the abstract bounded producer/consumer buffer the renderer
// commits samples into and the device thread drains asynchronously. Every
// method must be safe to call from the streaming thread; implementations own
// their own locking (spec §5 "Shared resources").
type RingBuffer interface {
	// OpenDevice/CloseDevice acquire and release the driver-level device.
	// Both must be idempotent.
	OpenDevice() error
	CloseDevice() error

	// Acquire sets the format and allocates segments; may be called
	// repeatedly after a matching Release.
	Acquire(spec Spec) error
	Release() error
	IsAcquired() bool

	// Start/Pause transition the consumer thread. MayStart arms the
	// consumer without unconditionally starting it (an arm-only hint).
	Start() error
	Pause() error
	MayStart(may bool)

	// SetFlushing(true) unblocks any pending waiter and makes further
	// Commit calls return immediately; SetFlushing(false) re-arms normal
	// operation.
	SetFlushing(flushing bool)

	// Commit writes in_samples of data at *sampleOffset, representing
	// out_samples of output slots. When in_samples != out_samples the
	// implementation stretches/compresses using its own resampler, with
	// accum preserving fractional residue across calls. Returns the number
	// of input samples actually consumed from data; *sampleOffset advances
	// by out_samples on success. May return early when flushing.
	Commit(sampleOffset *int64, data []byte, inSamples, outSamples int, accum *float64) (written int, err error)

	// SamplesDone returns the total samples the device has consumed since
	// acquire; it is monotonically non-decreasing.
	SamplesDone() uint64
	// Delay returns samples buffered in the device but not yet audible.
	Delay() uint32

	SegDone() uint64
	SegBase() uint64
	SamplesPerSeg() int
	CurrentSpec() Spec

	// SetCallback installs the pull-mode producer. Pull mode is activated
	// separately (see sink.ActivatePull); installing a callback here has no
	// effect on a ring buffer not running in pull mode.
	SetCallback(cb PullCallback)

	// WaitForSpace blocks until a Commit is likely to make progress (the
	// device has freed a segment) or stop is closed. Returns false if it
	// returned because the buffer is flushing or stop fired, true if space
	// is believed available.
	WaitForSpace(stop <-chan struct{}) bool
}
