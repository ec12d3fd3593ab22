// Package socketsession multiplexes virtual TCP connections ("socket
// sessions") over the tunnel's single frame channel.
//
// The broker drives each session with CREATE, CONNECT and CLOSE requests on
// SOCKET_SESSION frames and carries bytes on SOCKET_DATA frames. Every request
// gets a reply. Requests for one handle run in order on a short-lived worker
// so DNS lookups and dials never block the connection's dispatcher.
package socketsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/koltyakov/connector/internal/dispatch"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

const (
	defaultConnectTimeout = 60 * time.Second
	defaultResolveTimeout = 15 * time.Second
	defaultInboundQueue   = 64
	defaultInboundWait    = 2 * time.Second
	defaultReadBufferSize = 64 * 1024
	defaultRetiredHandles = 4096
)

// Sender queues a frame on the tunnel.
type Sender interface {
	Send(f *tunnelproto.Frame) error
}

// Sealer encrypts and decrypts frames for the tunnel session.
type Sealer interface {
	Wrap(t tunnelproto.Type, sessionID string, msg any) (*tunnelproto.Frame, error)
	Open(f *tunnelproto.Frame, expected string) ([]byte, bool, error)
}

// Resolver turns a host name into the canonical name the session connects to.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// Dialer opens local TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Policy decides whether a session may connect to host:port.
type Policy interface {
	AllowsEndpoint(host string, port int) bool
}

// Config wires a [Manager] to its collaborators.
type Config struct {
	// SessionID is the tunnel session whose frames this manager accepts.
	SessionID string
	Sealer    Sealer
	Sender    Sender
	Resolver  Resolver
	Dialer    Dialer

	ConnectTimeout time.Duration
	ResolveTimeout time.Duration
	// InboundQueue bounds the segments buffered for one session's local
	// socket; InboundWait is how long the dispatcher waits on a full queue
	// before dropping the stalled session.
	InboundQueue   int
	InboundWait    time.Duration
	ReadBufferSize int
	RetiredHandles int

	Logger *slog.Logger
}

type policyBox struct {
	p Policy
}

// Manager owns every socket session of one tunnel connection.
type Manager struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	ops      map[string]*opQueue
	retired  *lru.Cache[string, struct{}]

	policy atomic.Pointer[policyBox]

	wg sync.WaitGroup
}

type opQueue struct {
	ops     []func()
	running bool
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SessionID == "" || cfg.Sealer == nil || cfg.Sender == nil {
		return nil, errors.New("socketsession: session id, sealer and sender are required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NetResolver{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = defaultInboundQueue
	}
	if cfg.InboundWait <= 0 {
		cfg.InboundWait = defaultInboundWait
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.RetiredHandles <= 0 {
		cfg.RetiredHandles = defaultRetiredHandles
	}
	retired, err := lru.New[string, struct{}](cfg.RetiredHandles)
	if err != nil {
		return nil, fmt.Errorf("socketsession: retired handle cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      ilog.Component(cfg.Logger, "socketsession"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		ops:      make(map[string]*opQueue),
		retired:  retired,
	}, nil
}

// SetPolicy installs the endpoint policy consulted on CONNECT. A nil policy
// allows every endpoint.
func (m *Manager) SetPolicy(p Policy) {
	m.policy.Store(&policyBox{p: p})
}

// Len returns the number of sessions holding a handle.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// State reports the state of handle, and false when it is not known.
func (m *Manager) State(handle string) (State, bool) {
	s := m.lookup(handle)
	if s == nil {
		return 0, false
	}
	return s.State(), true
}

// Close stops every session and waits for their pumps and pending requests.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	m.wg.Wait()
}

// Dispatch handles SOCKET_SESSION and SOCKET_DATA frames. The decrypted
// payload is tried as data first and then as a request; a payload that is
// neither is a framing error.
func (m *Manager) Dispatch(_ context.Context, f *tunnelproto.Frame) error {
	plain, ok, err := m.cfg.Sealer.Open(f, m.cfg.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("ignoring frame for another session", "session", f.SessionID)
		return nil
	}

	var data tunnelproto.SocketSessionData
	if err := tunnelproto.UnmarshalStrict(plain, &data); err == nil && data.Handle != "" {
		m.handleData(data)
		return nil
	}

	var req tunnelproto.SocketSessionRequest
	if err := tunnelproto.UnmarshalStrict(plain, &req); err != nil {
		return dispatch.Framing(f.Type, fmt.Errorf("payload is neither socket data nor a socket request: %w", err))
	}
	if req.Handle == "" {
		return dispatch.Framing(f.Type, errors.New("socket request without handle"))
	}
	m.handleRequest(req)
	return nil
}

func (m *Manager) handleRequest(req tunnelproto.SocketSessionRequest) {
	switch req.Verb {
	case tunnelproto.VerbCreate:
		m.enqueueOp(req, m.create)
	case tunnelproto.VerbConnect:
		m.enqueueOp(req, m.connect)
	case tunnelproto.VerbClose:
		// Abort an in-flight dial right away; the reply waits its turn.
		if s := m.lookup(req.Handle); s != nil {
			s.remoteClosed.Store(true)
			s.shutdown()
		}
		m.enqueueOp(req, m.close)
	default:
		m.enqueueOp(req, func(req tunnelproto.SocketSessionRequest) tunnelproto.SocketStatus {
			m.log.Warn("unknown socket verb", "handle", req.Handle, "verb", req.Verb)
			return tunnelproto.SocketError
		})
	}
}

// enqueueOp runs op after earlier requests for the same handle and sends its
// reply. A panicking op is answered with ERROR.
func (m *Manager) enqueueOp(req tunnelproto.SocketSessionRequest, op func(tunnelproto.SocketSessionRequest) tunnelproto.SocketStatus) {
	run := func() {
		start := time.Now()
		status := tunnelproto.SocketError
		hostname := req.Hostname
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("socket request panicked", "handle", req.Handle, "verb", req.Verb, "panic", r)
				status = tunnelproto.SocketError
			}
			if s := m.lookup(req.Handle); s != nil && req.Verb == tunnelproto.VerbCreate && status == tunnelproto.SocketOK {
				hostname = s.host
			}
			m.reply(tunnelproto.SocketSessionReply{
				Handle:    req.Handle,
				Verb:      req.Verb,
				Status:    status,
				Hostname:  hostname,
				Port:      req.Port,
				LatencyMs: time.Since(start).Milliseconds(),
			})
			if req.Verb == tunnelproto.VerbConnect && status == tunnelproto.SocketOK {
				m.startPumps(req.Handle)
			}
		}()
		status = op(req)
	}

	m.mu.Lock()
	q := m.ops[req.Handle]
	if q == nil {
		q = &opQueue{}
		m.ops[req.Handle] = q
	}
	q.ops = append(q.ops, run)
	if q.running {
		m.mu.Unlock()
		return
	}
	q.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.mu.Lock()
			if len(q.ops) == 0 {
				q.running = false
				delete(m.ops, req.Handle)
				m.mu.Unlock()
				return
			}
			next := q.ops[0]
			q.ops = q.ops[1:]
			m.mu.Unlock()
			next()
		}
	}()
}

func (m *Manager) create(req tunnelproto.SocketSessionRequest) tunnelproto.SocketStatus {
	if m.lookup(req.Handle) != nil || m.retired.Contains(req.Handle) {
		m.log.Warn("socket handle already used", "handle", req.Handle)
		return tunnelproto.SocketError
	}
	if req.Port <= 0 || req.Port > 65535 {
		m.log.Warn("socket create with invalid port", "handle", req.Handle, "port", req.Port)
		return tunnelproto.SocketError
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ResolveTimeout)
	defer cancel()
	canonical, err := m.cfg.Resolver.Resolve(ctx, req.Hostname)
	if err != nil {
		m.log.Info("socket host lookup failed", "handle", req.Handle, "host", req.Hostname, "err", err)
		return tunnelproto.SocketUnknownHost
	}

	s := newSession(m.ctx, req.Handle, req.Hostname, canonical, req.Port, m.cfg.InboundQueue)
	m.mu.Lock()
	m.sessions[req.Handle] = s
	m.mu.Unlock()
	m.log.Debug("socket session created", "handle", req.Handle, "host", canonical, "port", req.Port)
	return tunnelproto.SocketOK
}

func (m *Manager) connect(req tunnelproto.SocketSessionRequest) tunnelproto.SocketStatus {
	s := m.lookup(req.Handle)
	if s == nil {
		m.log.Warn("connect for unknown socket handle", "handle", req.Handle)
		return tunnelproto.SocketError
	}
	if s.State() != StateCreated {
		m.log.Warn("connect in wrong state", "handle", req.Handle, "state", s.State().String())
		return tunnelproto.SocketCannotConnect
	}

	if box := m.policy.Load(); box != nil && box.p != nil {
		if !box.p.AllowsEndpoint(s.requestedHost, s.port) && !box.p.AllowsEndpoint(s.host, s.port) {
			m.log.Warn("socket endpoint not allowed by rules", "handle", req.Handle, "host", s.host, "port", s.port)
			s.shutdown()
			return tunnelproto.SocketCannotConnect
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.cfg.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		m.log.Info("socket connect failed", "handle", req.Handle, "host", s.host, "port", s.port, "err", err)
		s.shutdown()
		return tunnelproto.SocketCannotConnect
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return tunnelproto.SocketCannotConnect
	}
	m.log.Debug("socket session connected", "handle", req.Handle)
	return tunnelproto.SocketOK
}

func (m *Manager) close(req tunnelproto.SocketSessionRequest) tunnelproto.SocketStatus {
	m.mu.Lock()
	s, ok := m.sessions[req.Handle]
	if ok {
		delete(m.sessions, req.Handle)
		m.retired.Add(req.Handle, struct{}{})
	}
	m.mu.Unlock()
	if !ok {
		if m.retired.Contains(req.Handle) {
			// Ended locally before the broker's CLOSE arrived.
			return tunnelproto.SocketOK
		}
		return tunnelproto.SocketError
	}
	s.remoteClosed.Store(true)
	s.shutdown()
	m.log.Debug("socket session closed", "handle", req.Handle)
	return tunnelproto.SocketOK
}

// retire forgets a session that ended on its own. Its handle stays retired so
// late frames for it are dropped and it is never reused.
func (m *Manager) retire(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.handle] == s {
		delete(m.sessions, s.handle)
		m.retired.Add(s.handle, struct{}{})
	}
}

func (m *Manager) handleData(data tunnelproto.SocketSessionData) {
	s := m.lookup(data.Handle)
	if s == nil || s.State() == StateClosed {
		m.log.Debug("dropping data for inactive socket", "handle", data.Handle)
		return
	}
	if data.Offset != s.inOffset {
		m.log.Warn("socket data offset mismatch", "handle", data.Handle, "expected", s.inOffset, "got", data.Offset)
	}
	s.inOffset = data.Offset + int64(len(data.Data))

	if len(data.Data) > 0 {
		m.enqueueInbound(s, data.Data)
	}
	if data.Close {
		m.enqueueInbound(s, nil)
	}
}

// enqueueInbound hands seg to the session's socket writer. A nil segment asks
// the writer to half-close the local connection.
func (m *Manager) enqueueInbound(s *session, seg []byte) {
	timer := time.NewTimer(m.cfg.InboundWait)
	defer timer.Stop()
	select {
	case s.inbound <- seg:
	case <-s.done:
	case <-timer.C:
		m.log.Warn("dropping stalled socket session", "handle", s.handle)
		s.shutdown()
	}
}

func (m *Manager) reply(r tunnelproto.SocketSessionReply) {
	f, err := m.cfg.Sealer.Wrap(tunnelproto.TypeSocketSession, m.cfg.SessionID, r)
	if err != nil {
		m.log.Error("seal socket reply", "handle", r.Handle, "err", err)
		return
	}
	if err := m.cfg.Sender.Send(f); err != nil {
		m.log.Warn("send socket reply", "handle", r.Handle, "err", err)
	}
}

func (m *Manager) lookup(handle string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[handle]
}
