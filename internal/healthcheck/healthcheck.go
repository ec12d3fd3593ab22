// Package healthcheck runs the tunnel liveness protocol: the agent probes the
// broker on an interval and declares the connection dead when no response
// arrives within the broker-supplied timeout.
package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

// ErrTimeout is returned by [Handler.Run] when the broker stopped answering.
var ErrTimeout = errors.New("health check timed out")

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Sender queues a frame on the tunnel.
type Sender interface {
	Send(f *tunnelproto.Frame) error
}

// Sealer seals and opens session-scoped frames.
type Sealer interface {
	Wrap(t tunnelproto.Type, sessionID string, msg any) (*tunnelproto.Frame, error)
	Unwrap(f *tunnelproto.Frame, expected string, out any) (bool, error)
}

// Config is the probe schedule the broker hands out after registration.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Options wires a [Handler].
type Options struct {
	SessionID string
	Sealer    Sealer
	Sender    Sender
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// OnFailure is called once when the timeout elapses without a response.
	OnFailure func()
	Logger    *slog.Logger
}

// Handler sends probes from [Handler.Run] and records responses in
// [Handler.Dispatch]. The two sides run on different goroutines and share only
// the atomically stored time of the last response.
type Handler struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	lastResponse atomic.Int64
	responded    atomic.Bool

	cfgMu      sync.Mutex
	cfg        Config
	configured chan struct{}
	cfgOnce    sync.Once
}

// New returns a handler waiting for its configuration.
func New(opts Options) *Handler {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	return &Handler{
		opts:       opts,
		clock:      c,
		log:        ilog.Component(opts.Logger, "healthcheck"),
		configured: make(chan struct{}),
	}
}

// Configure sets the probe schedule and releases a waiting [Handler.Run].
// Non-positive values fall back to the defaults.
func (h *Handler) Configure(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
	h.cfgOnce.Do(func() { close(h.configured) })
}

func (h *Handler) config() Config {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	return h.cfg
}

// Run waits for [Handler.Configure], then probes the broker every interval
// until ctx ends or the time since the last response exceeds the timeout, in
// which case OnFailure is called and [ErrTimeout] returned.
func (h *Handler) Run(ctx context.Context) error {
	select {
	case <-h.configured:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.lastResponse.Store(h.clock.Now().UnixNano())
	for {
		cfg := h.config()
		// The timer is armed before the probe goes out so a fast response
		// cannot race the sleep.
		timer := h.clock.Timer(cfg.Interval)
		if err := h.send(tunnelproto.HealthCheckRequest); err != nil {
			h.log.Warn("health probe not sent", "err", err)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		silent := h.clock.Now().Sub(h.LastResponse())
		if silent > cfg.Timeout {
			h.log.Warn("broker stopped answering health probes", "silent", silent.String(), "timeout", cfg.Timeout.String())
			if h.opts.OnFailure != nil {
				h.opts.OnFailure()
			}
			return ErrTimeout
		}
	}
}

// Dispatch handles HEALTH_CHECK frames. Responses refresh the last response
// time; probes from the broker are answered.
func (h *Handler) Dispatch(_ context.Context, f *tunnelproto.Frame) error {
	var info tunnelproto.HealthCheckInfo
	ok, err := h.opts.Sealer.Unwrap(f, h.opts.SessionID, &info)
	if err != nil || !ok {
		return err
	}

	switch info.Type {
	case tunnelproto.HealthCheckResponse:
		h.lastResponse.Store(h.clock.Now().UnixNano())
		h.responded.Store(true)
	case tunnelproto.HealthCheckRequest:
		return h.send(tunnelproto.HealthCheckResponse)
	default:
		h.log.Info("unknown health check type", "type", info.Type)
	}
	return nil
}

// LastResponse is the time of the most recent response, or of the start of
// probing when none arrived yet.
func (h *Handler) LastResponse() time.Time {
	return time.Unix(0, h.lastResponse.Load())
}

// Healthy reports whether a response arrived within the configured timeout.
func (h *Handler) Healthy() bool {
	if !h.responded.Load() {
		return false
	}
	return h.clock.Now().Sub(h.LastResponse()) <= h.config().Timeout
}

func (h *Handler) send(t tunnelproto.HealthCheckType) error {
	f, err := h.opts.Sealer.Wrap(tunnelproto.TypeHealthCheck, h.opts.SessionID, tunnelproto.HealthCheckInfo{
		Type:      t,
		Source:    tunnelproto.SourceAgent,
		Timestamp: h.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return h.opts.Sender.Send(f)
}
