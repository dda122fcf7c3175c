// Command audiosinkd runs a sink against a real PortAudio output device and
// exposes read-only debug JSON over HTTP (spec §9 retires the GStreamer
// property system; this is ambient observability, not a control surface).
//
// Route registration, graceful shutdown, and JSON error handling are
// grounded on rustyguts-bken/server/api.go's APIServer.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiosink/internal/config"
	"audiosink/internal/latency"
	"audiosink/internal/ringbuffer"
	"audiosink/internal/sink"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	addr := flag.String("addr", ":8088", "debug HTTP listen address")
	deviceIdx := flag.Int("device", -1, "output device index (-1 = system default)")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	s := sink.New(func() (ringbuffer.RingBuffer, error) {
		return ringbuffer.NewPortAudioRingBuffer(*deviceIdx), nil
	}, cfg)

	if err := s.NullToReady(); err != nil {
		log.Fatalf("null->ready: %v", err)
	}
	spec := sink.FixatedSpec(4096, 8, 2)
	if err := s.SetCaps(spec); err != nil {
		log.Fatalf("set-caps: %v", err)
	}
	if err := s.ReadyToPaused(); err != nil {
		log.Fatalf("ready->paused: %v", err)
	}
	if err := s.PausedToPlaying(); err != nil {
		log.Fatalf("paused->playing: %v", err)
	}

	srv := newDebugServer(s)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	srv.Run(ctx, *addr)

	_ = s.PlayingToPaused()
	_ = s.PausedToReady()
	_ = s.ReadyToNull()
}

// debugServer exposes /healthz and /stats for a running Sink.
type debugServer struct {
	sink *sink.Sink
	echo *echo.Echo
}

func newDebugServer(s *sink.Sink) *debugServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("debug http", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	d := &debugServer{sink: s, echo: e}
	e.GET("/healthz", d.handleHealthz)
	e.GET("/stats", d.handleStats)
	return d
}

func (d *debugServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := d.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("debug server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.echo.Shutdown(shutCtx); err != nil {
		slog.Error("debug server shutdown", "err", err)
	}
}

// healthzResponse is the payload for GET /healthz.
type healthzResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (d *debugServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status: "ok",
		State:  d.sink.State().String(),
	})
}

// statsResponse is the payload for GET /stats.
type statsResponse struct {
	State          string  `json:"state"`
	ProvidedClock  *int64  `json:"provided_clock_ns,omitempty"`
	LatencyLive    bool    `json:"latency_live"`
	LatencyMinUs   int64   `json:"latency_min_us"`
	LatencyMaxUs   int64   `json:"latency_max_us,omitempty"`
	LatencyMaxOpen bool    `json:"latency_max_unbounded"`
}

func (d *debugServer) handleStats(c echo.Context) error {
	resp := statsResponse{State: d.sink.State().String()}

	if clk := d.sink.ProvidedClock(); clk != nil {
		if now, ok := clk.Now(); ok {
			n := int64(now)
			resp.ProvidedClock = &n
		}
	}

	// A live upstream query isn't wired to anything external in this debug
	// binary, so report this sink's own reading against an always-live
	// zero-latency upstream — the device's own buffering is still reflected.
	result := d.sink.QueryLatency(latency.Upstream{Live: true})
	resp.LatencyLive = result.Live
	resp.LatencyMinUs = result.Min.Microseconds()
	resp.LatencyMaxOpen = !result.MaxValid
	if result.MaxValid {
		resp.LatencyMaxUs = result.Max.Microseconds()
	}

	return c.JSON(http.StatusOK, resp)
}
