// Package healthz serves the agent's local health endpoint, which the broker
// reaches through the tunnel via a system rule, and the optional pprof routes.
package healthz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/rules"
)

const shutdownTimeout = 5 * time.Second

// Options configure [Start].
type Options struct {
	Addr    string
	AgentID string
	// Healthy reports the current tunnel liveness. Nil means always healthy.
	Healthy func() bool
	Pprof   bool
	Logger  *slog.Logger
}

// Start binds the listener and serves until ctx is canceled. It returns the
// bound address so a zero port can be resolved by the caller.
func Start(ctx context.Context, opts Options) (net.Addr, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	log := ilog.Component(opts.Logger, "healthz")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           NewMux(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info("healthz listening", "addr", ln.Addr().String(), "pprof", opts.Pprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("healthz server error", "err", err)
		}
	}()

	return ln.Addr(), nil
}

// NewMux returns the endpoint routes.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+rules.HealthzPath(opts.AgentID), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if opts.Healthy != nil && !opts.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "unhealthy\n")
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})
	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", httppprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	}
	return mux
}
