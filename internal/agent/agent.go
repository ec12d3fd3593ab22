// Package agent runs the tunnel agent: it keeps one authorized connection to
// the broker, registers the local resource rules over it, and serves the
// broker's fetch, socket and health frames until the connection fails, then
// reconnects.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"

	"github.com/koltyakov/connector/internal/config"
	"github.com/koltyakov/connector/internal/healthcheck"
	"github.com/koltyakov/connector/internal/healthz"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/socksproxy"
	"github.com/koltyakov/connector/internal/transport"
	"github.com/koltyakov/connector/internal/watcher"
)

// DialFunc opens the transport to the broker.
type DialFunc func(ctx context.Context, brokerURL string, opts transport.DialOptions) (transport.Conn, error)

// Options wires an [Agent]. Only Config is required.
type Options struct {
	Config config.AgentConfig
	// Files reads the rule file; the OS file system by default.
	Files watcher.FileSource
	// Dial defaults to [transport.Dial].
	Dial   DialFunc
	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent is a long-running tunnel agent.
type Agent struct {
	cfg   config.AgentConfig
	files watcher.FileSource
	dial  DialFunc
	clock clock.Clock
	log   *slog.Logger

	socks       *socksproxy.Server
	socksPort   int
	healthzPort int

	health     atomic.Pointer[healthcheck.Handler]
	registered atomic.Bool
}

// New returns an agent for opts. Call [Agent.Run] to start it.
func New(opts Options) *Agent {
	a := &Agent{
		cfg:   opts.Config,
		files: opts.Files,
		dial:  opts.Dial,
		clock: opts.Clock,
		log:   ilog.Component(opts.Logger, "agent"),
	}
	if a.files == nil {
		a.files = watcher.OSFiles{}
	}
	if a.dial == nil {
		a.dial = transport.Dial
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.cfg.RegisterTimeout <= 0 {
		a.cfg.RegisterTimeout = 30 * time.Second
	}
	return a
}

// Healthy reports whether the current connection answers health probes.
func (a *Agent) Healthy() bool {
	h := a.health.Load()
	return h != nil && h.Healthy()
}

// Run starts the local listeners and keeps a broker connection up until ctx
// is canceled. It returns nil on cancellation and an error only when the
// agent cannot continue: bad local setup, rejected credentials or rules the
// broker refuses.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.startLocal(ctx); err != nil {
		return err
	}

	// Fail fast on a broken rule file instead of retrying it forever.
	if _, err := a.newRegistrar(sessionInfo{}).Compile(); err != nil {
		return err
	}

	b := &backoff.Backoff{
		Min:    a.cfg.ReconnectMin,
		Max:    a.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		a.registered.Store(false)
		err := a.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isNonRetriable(err) {
			return err
		}
		if a.registered.Load() {
			b.Reset()
		}
		wait := b.Duration()
		a.log.Warn("broker connection lost; reconnecting", "err", err, "attempt", int(b.Attempt()), "retry_in", wait.Round(time.Millisecond).String())
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(wait):
		}
	}
}

func (a *Agent) startLocal(ctx context.Context) error {
	if a.cfg.HealthzEnabled {
		addr, err := healthz.Start(ctx, healthz.Options{
			Addr:    a.cfg.HealthzAddr,
			AgentID: a.cfg.AgentID,
			Healthy: a.Healthy,
			Pprof:   a.cfg.Pprof,
			Logger:  a.log,
		})
		if err != nil {
			return fmt.Errorf("start healthz: %w", err)
		}
		a.healthzPort = portOf(addr)
	}

	socks, err := socksproxy.New(socksproxy.Options{Logger: a.log})
	if err != nil {
		return fmt.Errorf("start socks: %w", err)
	}
	ln, err := net.Listen("tcp", a.cfg.SocksAddr)
	if err != nil {
		return fmt.Errorf("start socks: %w", err)
	}
	a.socks = socks
	a.socksPort = portOf(ln.Addr())
	go func() {
		if err := socks.Serve(ctx, ln); err != nil {
			a.log.Error("socks server stopped", "err", err)
		}
	}()
	return nil
}

// connect runs one broker connection from dial to teardown.
func (a *Agent) connect(ctx context.Context) error {
	conn, err := a.dial(ctx, a.cfg.BrokerURL, transport.DialOptions{
		TLS:     &tls.Config{InsecureSkipVerify: a.cfg.Insecure},
		Timeout: a.cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	sessionID, keys, err := a.authorize(ctx, conn)
	if err != nil {
		return err
	}
	a.log.Info("authorized", "session", sessionID, "remote", conn.RemoteAddr().String())
	defer keys.Remove(sessionID)

	err = a.runSession(ctx, conn, sessionInfo{id: sessionID, keys: keys})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
