package ringbuffer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// paOutputStream abstracts the portaudio blocking-I/O stream for testing,
// isolating the native stream behind an interface.
type paOutputStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// PortAudioRingBuffer is a RingBuffer backed by a real output device via
// github.com/gordonklaus/portaudio's blocking API. It embeds MemRingBuffer
// for all capacity/backpressure bookkeeping and adds a device goroutine that
// drains committed segments into the hardware at its own pace — the real
// analogue of MemRingBuffer's simulated ticker.
type PortAudioRingBuffer struct {
	*MemRingBuffer

	mu         sync.Mutex
	deviceName string
	deviceIdx  int // -1 selects the default output device

	stream  paOutputStream
	out     []int16 // portaudio's blocking buffer, bound to the stream at open time
	scratch []byte  // byte-view scratch filled by DrainSegment each cycle, then decoded into out

	wg     sync.WaitGroup
	stopCh chan struct{}

	log *slog.Logger
}

// NewPortAudioRingBuffer returns a PortAudioRingBuffer targeting deviceIdx, or
// the default output device when deviceIdx < 0.
func NewPortAudioRingBuffer(deviceIdx int) *PortAudioRingBuffer {
	return &PortAudioRingBuffer{
		MemRingBuffer: NewMemRingBuffer(false),
		deviceIdx:     deviceIdx,
		log:           slog.Default().With("component", "ringbuffer.portaudio"),
	}
}

func (p *PortAudioRingBuffer) OpenDevice() error {
	return portaudio.Initialize()
}

func (p *PortAudioRingBuffer) CloseDevice() error {
	return portaudio.Terminate()
}

// Acquire negotiates spec against MemRingBuffer and opens (but does not
// start) the underlying portaudio stream. Channel count is derived from
// BytesPerSample assuming 16-bit interleaved samples.
func (p *PortAudioRingBuffer) Acquire(spec Spec) error {
	if err := p.MemRingBuffer.Acquire(spec); err != nil {
		return err
	}

	channels := spec.BytesPerSample / 2
	if channels < 1 {
		p.MemRingBuffer.Release()
		return fmt.Errorf("ringbuffer: bytes-per-sample %d does not divide into whole 16-bit channels", spec.BytesPerSample)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		p.MemRingBuffer.Release()
		return err
	}
	dev, err := p.resolveDevice(devices)
	if err != nil {
		p.MemRingBuffer.Release()
		return err
	}

	samplesPerSeg := spec.SamplesPerSeg()
	out := make([]int16, samplesPerSeg*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(spec.Rate),
		FramesPerBuffer: samplesPerSeg,
	}
	stream, err := portaudio.OpenStream(params, out)
	if err != nil {
		p.MemRingBuffer.Release()
		return err
	}

	p.mu.Lock()
	p.stream = stream
	p.out = out
	p.scratch = make([]byte, len(out)*2)
	p.deviceName = dev.Name
	p.mu.Unlock()
	return nil
}

func (p *PortAudioRingBuffer) resolveDevice(devices []*portaudio.DeviceInfo) (*portaudio.DeviceInfo, error) {
	if p.deviceIdx >= 0 && p.deviceIdx < len(devices) {
		return devices[p.deviceIdx], nil
	}
	return portaudio.DefaultOutputDevice()
}

func (p *PortAudioRingBuffer) Release() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	return p.MemRingBuffer.Release()
}

// Start starts the device stream opened by Acquire and launches the drain
// goroutine. Pause calls stream.Stop, which unblocks any in-flight Write,
// before asking the goroutine to exit, so the native stream is never closed
// out from under a pending call.
func (p *PortAudioRingBuffer) Start() error {
	if err := p.MemRingBuffer.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return ErrNotAcquired
	}
	if err := stream.Start(); err != nil {
		return err
	}

	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.drainLoop()
	p.log.Info("started", "device", p.deviceName)
	return nil
}

func (p *PortAudioRingBuffer) Pause() error {
	p.mu.Lock()
	stream := p.stream
	stop := p.stopCh
	p.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	if stop != nil {
		close(stop)
	}
	p.wg.Wait()
	return p.MemRingBuffer.Pause()
}

func (p *PortAudioRingBuffer) drainLoop() {
	defer p.wg.Done()
	warnedUnderrun := false
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		out := p.out
		scratch := p.scratch
		stream := p.stream
		p.mu.Unlock()
		if stream == nil {
			return
		}

		underrun := p.DrainSegment(scratch)
		decodeInt16LE(out, scratch)
		if underrun && !warnedUnderrun {
			p.log.Warn("underrun: device caught up to producer", "device", p.deviceName)
			warnedUnderrun = true
		} else if !underrun {
			warnedUnderrun = false
		}

		if err := stream.Write(); err != nil {
			select {
			case <-p.stopCh:
			default:
				p.log.Error("device write failed", "error", err)
			}
			return
		}
	}
}

// decodeInt16LE decodes little-endian byte pairs from src into dst, matching
// portaudio's native sample layout on every platform this module targets.
func decodeInt16LE(dst []int16, src []byte) {
	n := len(dst)
	if len(src) < n*2 {
		n = len(src) / 2
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
}
