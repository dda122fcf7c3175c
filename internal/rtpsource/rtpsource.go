// Package rtpsource is a push-mode producer (spec §4.E's "producer" that
// drives Render per buffer): it reads RTP packets carrying Opus payloads off
// a net.PacketConn, decodes each payload to interleaved PCM, turns the RTP
// timestamp into a presentation timestamp in the renderer's running-time
// domain, and calls Renderer.Render once per packet.
//
// Sequence-gap loss accounting is grounded on
// rustyguts-bken/client/transport.go's StartReceiving loop; Opus decoding is
// grounded on rustyguts-bken/client/audio.go's playbackLoop decoder table.
package rtpsource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"audiosink/internal/render"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

// Renderer is the subset of render.Renderer this package drives. Narrowed to
// one method so tests can supply a fake without building a real ring buffer.
type Renderer interface {
	Render(buf render.Buffer) error
}

// opusDecoder abstracts hraban/opus.v2's decoder for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// maxRTPPacket is large enough for any single UDP datagram's worth of Opus.
const maxRTPPacket = 1500

// Source reads RTP/Opus packets from a single SSRC and renders them.
type Source struct {
	conn       net.PacketConn
	decoder    opusDecoder
	renderer   Renderer
	sampleRate int // RTP clock rate, Hz (Opus is always 48000 regardless of the decoded audio's rate)
	channels   int

	// epoch anchors the affine map from RTP timestamp (uint32, wraps) to a
	// monotonically increasing presentation time. Set from the first packet seen.
	haveEpoch     atomic.Bool
	epochRTPTs    uint32
	epochReceived time.Time

	lastSeq    uint16
	haveSeq    bool
	lostTotal  atomic.Uint64
	totalSeen  atomic.Uint64

	log *slog.Logger
}

// New returns a Source reading Opus-over-RTP from conn and rendering decoded
// frames through r. sampleRate is the RTP clock rate (48000 for Opus);
// channels is the decoded channel count.
func New(conn net.PacketConn, r Renderer, sampleRate, channels int) (*Source, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("rtpsource: new decoder: %w", err)
	}
	return &Source{
		conn:       conn,
		decoder:    dec,
		renderer:   r,
		sampleRate: sampleRate,
		channels:   channels,
		log:        slog.Default(),
	}, nil
}

// LostPackets returns the total sequence-gap loss observed so far.
func (s *Source) LostPackets() uint64 { return s.lostTotal.Load() }

// PacketsSeen returns the total packets successfully parsed so far.
func (s *Source) PacketsSeen() uint64 { return s.totalSeen.Load() }

// Run reads packets until the connection is closed or a read error occurs,
// rendering each one. It returns the terminal read error (nil on a clean
// close via net.ErrClosed, per net.PacketConn convention — callers close the
// conn from another goroutine to stop Run).
func (s *Source) Run() error {
	buf := make([]byte, maxRTPPacket)
	pcm := make([]int16, 5760) // 120ms @ 48kHz mono, the largest Opus frame
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.handlePacket(buf[:n], pcm); err != nil {
			s.log.Debug("rtpsource: dropping packet", "err", err)
		}
	}
}

func (s *Source) handlePacket(raw []byte, pcm []int16) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}

	s.accountSequence(pkt.SequenceNumber)
	s.totalSeen.Add(1)

	n, err := s.decoder.Decode(pkt.Payload, pcm)
	if err != nil {
		return fmt.Errorf("opus decode: %w", err)
	}
	frame := pcm[:n*s.channels]

	ts := s.presentationTime(pkt.Timestamp)

	data := make([]byte, len(frame)*2)
	for i, v := range frame {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}

	return s.renderer.Render(render.Buffer{Data: data, Timestamp: &ts})
}

// accountSequence tracks forward-progress loss the same way
// transport.go's StartReceiving does: only count diffs in [1, 1000) as real
// loss, treating anything else (retransmit, reorder, restart) as unaccountable.
func (s *Source) accountSequence(seq uint16) {
	if !s.haveSeq {
		s.lastSeq = seq
		s.haveSeq = true
		return
	}
	diff := int(seq) - int(s.lastSeq)
	if diff < 0 {
		diff += 65536
	}
	if diff > 0 && diff < 1000 {
		if diff > 1 {
			s.lostTotal.Add(uint64(diff - 1))
		}
		s.lastSeq = seq
	}
}

// presentationTime maps an RTP timestamp (a uint32 sample counter at
// s.sampleRate, wrapping) onto a Duration anchored at the first packet's
// arrival. Later packets are positioned relative to that epoch regardless of
// wraparound, since RTP timestamps only ever move forward within one session.
func (s *Source) presentationTime(rtpTs uint32) time.Duration {
	if !s.haveEpoch.Load() {
		s.epochRTPTs = rtpTs
		s.epochReceived = time.Now()
		s.haveEpoch.Store(true)
		return 0
	}
	delta := int64(rtpTs) - int64(s.epochRTPTs)
	if delta < 0 {
		delta += 1 << 32
	}
	return time.Duration(delta) * time.Second / time.Duration(s.sampleRate)
}
