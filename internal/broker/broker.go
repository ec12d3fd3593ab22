// Package broker is a development broker for connector agents. It accepts
// agent tunnels over websocket, QUIC or TCP, authenticates them against the
// SQLite store, records their rule registrations and can drive fetches and
// socket sessions through a connected agent.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/koltyakov/connector/internal/config"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/store/sqlite"
	"github.com/koltyakov/connector/internal/transport"
)

const (
	defaultAuthTimeout = 15 * time.Second

	// ConnectPath is the websocket endpoint agents dial.
	ConnectPath = "/connect"
)

// Options wires a [Broker].
type Options struct {
	Store *sqlite.Store
	// HealthInterval and HealthTimeout are pushed to agents on registration.
	// A connection silent for longer than HealthTimeout is dropped.
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	AuthTimeout    time.Duration
	Logger         *slog.Logger
}

// Broker terminates agent tunnels.
type Broker struct {
	opts  Options
	store *sqlite.Store
	log   *slog.Logger
	hub   *hub
}

type hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// New returns a broker backed by opts.Store.
func New(opts Options) *Broker {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 30 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	return &Broker{
		opts:  opts,
		store: opts.Store,
		log:   ilog.Component(opts.Logger, "broker"),
		hub:   &hub{sessions: map[string]*session{}},
	}
}

// Run serves the listeners named in cfg until ctx is canceled.
func (b *Broker) Run(ctx context.Context, cfg config.BrokerConfig) error {
	reset, err := b.store.CloseAllConnections(ctx)
	if err != nil {
		return fmt.Errorf("reset connections: %w", err)
	}
	if reset > 0 {
		b.log.Info("reconciled stale connections", "count", reset)
	}
	go b.runJanitor(ctx)

	needTLS := cfg.ListenQUIC != "" || (cfg.ListenWS != "" && !cfg.PlainHTTP)
	var tlsConf *tls.Config
	if needTLS {
		tlsConf, err = transport.ServerTLS(transport.TLSOptions{
			CertFile:     cfg.TLSCertFile,
			KeyFile:      cfg.TLSKeyFile,
			ACMEDomains:  cfg.ACMEDomains,
			ACMECacheDir: cfg.CertCacheDir,
		})
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 3)
	var httpServer *http.Server
	if cfg.ListenWS != "" {
		httpServer = &http.Server{
			Addr:              cfg.ListenWS,
			Handler:           b.Handler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if cfg.PlainHTTP {
			go func() {
				b.log.Info("starting websocket listener", "addr", cfg.ListenWS, "tls", false)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http server: %w", err)
				}
			}()
		} else {
			httpServer.TLSConfig = tlsConf
			go func() {
				b.log.Info("starting websocket listener", "addr", cfg.ListenWS, "tls", true)
				if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("https server: %w", err)
				}
			}()
		}
	}

	if cfg.ListenTCP != "" {
		ln, err := transport.ListenTCP(cfg.ListenTCP)
		if err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
		go func() { errCh <- b.Serve(ctx, ln, "tcp") }()
	}

	if cfg.ListenQUIC != "" {
		ln, err := transport.ListenQUIC(cfg.ListenQUIC, tlsConf)
		if err != nil {
			return fmt.Errorf("quic listener: %w", err)
		}
		go func() { errCh <- b.Serve(ctx, ln, "quic") }()
	}

	select {
	case <-ctx.Done():
		if httpServer != nil {
			return shutdownServer(httpServer, 5*time.Second)
		}
		return nil
	case err := <-errCh:
		if httpServer != nil {
			_ = shutdownServer(httpServer, 5*time.Second)
		}
		return err
	}
}

// Handler serves the websocket endpoint and the JSON status routes.
func (b *Broker) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ConnectPath, transport.WebSocketHandler(func(conn transport.Conn) {
		b.HandleConn(ctx, conn, "ws")
	}))
	mux.HandleFunc("GET /agents", b.handleAgents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve accepts agent connections on ln until ctx ends.
func (b *Broker) Serve(ctx context.Context, ln transport.Listener, name string) error {
	defer ln.Close()
	b.log.Info("accepting agents", "transport", name, "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s accept: %w", name, err)
		}
		go b.HandleConn(ctx, conn, name)
	}
}

func (b *Broker) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.expireStaleSessions()
		}
	}
}

func (b *Broker) expireStaleSessions() {
	now := time.Now()
	for _, sess := range b.hub.all() {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= b.opts.HealthTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		b.log.Warn("agent went silent", "agent", sess.agentID, "last_seen", lastSeen.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}

func (h *hub) get(agentID string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[agentID]
	return s, ok
}

// put installs s and returns the session it replaced, if any.
func (h *hub) put(s *session) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sessions[s.agentID]
	h.sessions[s.agentID] = s
	return prev
}

func (h *hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.agentID] == s {
		delete(h.sessions, s.agentID)
	}
}

func (h *hub) all() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
