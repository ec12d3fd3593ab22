// Package socksproxy runs the agent's local SOCKS5 listener. Clients
// authenticate with a rule's sequence number as user name and its secret key
// as password, and may only reach the endpoint that rule names.
package socksproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	socks5 "github.com/armon/go-socks5"

	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/netutil"
	"github.com/koltyakov/connector/internal/rules"
)

// Options wires a [Server].
type Options struct {
	// Dial defaults to a plain net.Dialer.
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger *slog.Logger
}

// Server is a rule-gated SOCKS5 proxy.
type Server struct {
	srv   *socks5.Server
	log   *slog.Logger
	rules atomic.Pointer[rules.Set]
}

// New returns a server that refuses every client until [Server.SetRules].
func New(opts Options) (*Server, error) {
	s := &Server{log: ilog.Component(opts.Logger, "socks")}
	dial := opts.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	srv, err := socks5.New(&socks5.Config{
		AuthMethods: []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: credentials{s}}},
		Rules:       ruleSet{s},
		Dial:        dial,
		Logger:      slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 server: %w", err)
	}
	s.srv = srv
	return s, nil
}

// SetRules replaces the rule set used for authentication and destinations.
func (s *Server) SetRules(set rules.Set) {
	s.rules.Store(&set)
}

// Serve accepts clients on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("socks listening", "addr", ln.Addr().String())
	err := s.srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) rule(user string) (rules.ResourceRule, bool) {
	set := s.rules.Load()
	if set == nil {
		return rules.ResourceRule{}, false
	}
	seq, err := strconv.Atoi(user)
	if err != nil {
		return rules.ResourceRule{}, false
	}
	return set.BySeqNum(seq)
}

type credentials struct{ s *Server }

func (c credentials) Valid(user, password string) bool {
	rule, ok := c.s.rule(user)
	if !ok || rule.SecretKey == nil {
		return false
	}
	return strconv.FormatInt(*rule.SecretKey, 10) == password
}

type ruleSet struct{ s *Server }

func (r ruleSet) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand || req.AuthContext == nil || req.DestAddr == nil {
		return ctx, false
	}
	rule, ok := r.s.rule(req.AuthContext.Payload["Username"])
	if !ok {
		return ctx, false
	}
	host := req.DestAddr.FQDN
	if host == "" && req.DestAddr.IP != nil {
		host = req.DestAddr.IP.String()
	}
	allowed := netutil.NormalizeHost(host) == rule.Host() && req.DestAddr.Port == rule.Port()
	if !allowed {
		r.s.log.Warn("socks destination denied", "rule", rule.Name(), "dest", req.DestAddr.String())
	}
	return ctx, allowed
}
