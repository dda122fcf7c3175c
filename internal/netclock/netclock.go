// Package netclock implements a foreign reference clock (spec §4.D "a
// reference clock...potentially foreign"): a WebSocket client that dials a
// remote peer publishing periodic `{unix_nanos}` ticks and exposes the most
// recent tick as a Clock, so the slaving engine's "are we the master" branch
// has a genuinely external time source to compare against.
//
// Connection lifecycle (dial, read loop, reconnect-on-drop) follows
// rustyguts-bken/server/internal/ws's upgrader/conn pattern, adapted
// client-side: gorilla/websocket.Dialer in place of Upgrader, a read goroutine
// writing into an atomic field instead of fanning out over a Send channel.
package netclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoValue describes the state before the first tick arrives. Now does not
// return it; Now reports that state as ok=false.
var ErrNoValue = errors.New("netclock: no tick received yet")

// tick is the wire message: a single Unix-nanosecond timestamp from the peer.
type tick struct {
	UnixNanos int64 `json:"unix_nanos"`
}

const (
	// readLimit bounds an incoming tick frame; the payload is a handful of bytes.
	readLimit = 1 << 10
	// dialTimeout bounds the initial handshake.
	dialTimeout = 5 * time.Second
	// reconnectDelay is how long Run waits between a dropped connection and
	// the next dial attempt.
	reconnectDelay = 2 * time.Second
)

// Clock is a foreign reference clock: a WS client holding the most recently
// received tick. It implements render.PipelineClock (and sink.PipelineClock,
// an alias of it: the one-method Now shape), so it can stand in directly
// as the pipeline clock when this process is not the clock master.
type Clock struct {
	url string

	lastNanos atomic.Int64 // 0 means "no tick yet"
	connected atomic.Bool

	log *slog.Logger
}

// New returns a Clock that will dial url (e.g. "wss://host:port/clock")
// once Run is called.
func New(url string) *Clock {
	return &Clock{url: url, log: slog.Default()}
}

// Now returns the most recently received tick and true, or (0, false) if no
// tick has arrived yet — the same "no value" contract as clock.ProvidedClock.Now.
func (c *Clock) Now() (time.Duration, bool) {
	n := c.lastNanos.Load()
	if n == 0 {
		return 0, false
	}
	return time.Duration(n), true
}

// Connected reports whether the read loop currently holds a live connection.
func (c *Clock) Connected() bool {
	return c.connected.Load()
}

// Run dials the remote peer and pumps ticks until ctx is cancelled,
// reconnecting on any read or dial error. It does not return until ctx is
// done, so callers should invoke it from its own goroutine.
func (c *Clock) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			c.log.Debug("netclock connection ended", "url", c.url, "err", err)
		}
		c.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Clock) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	conn.SetReadLimit(readLimit)
	c.connected.Store(true)
	c.log.Info("netclock connected", "url", c.url)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var t tick
		if err := conn.ReadJSON(&t); err != nil {
			return fmt.Errorf("read tick: %w", err)
		}
		c.lastNanos.Store(t.UnixNanos)
	}
}

// MarshalTick encodes a tick message. Exported for the peer side of tests
// and any process that wants to publish ticks this Clock can consume.
func MarshalTick(unixNanos int64) ([]byte, error) {
	return json.Marshal(tick{UnixNanos: unixNanos})
}
