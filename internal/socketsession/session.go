package socketsession

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a socket session.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// session is one virtual TCP connection. Only its two pumps touch conn once it
// is connected.
type session struct {
	handle        string
	requestedHost string
	host          string
	port          int

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn net.Conn

	inbound chan []byte
	done    chan struct{}

	closeOnce sync.Once
	// remoteClosed is set when the broker closed the session, so the reader
	// pump does not echo a close notification back.
	remoteClosed atomic.Bool

	// inOffset is the next expected inbound offset. Only the dispatcher
	// goroutine touches it.
	inOffset int64
}

func newSession(parent context.Context, handle, requested, canonical string, port, queue int) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		handle:        handle,
		requestedHost: requested,
		host:          canonical,
		port:          port,
		ctx:           ctx,
		cancel:        cancel,
		inbound:       make(chan []byte, queue),
		done:          make(chan struct{}),
	}
	s.state.Store(int32(StateCreated))
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

// attach installs a dialed connection. It fails when the session was closed
// while the dial was in flight.
func (s *session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	s.conn = conn
	s.state.Store(int32(StateConnected))
	return true
}

// shutdown moves the session to CLOSED and stops both pumps. It is safe to
// call more than once and from any goroutine.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		if conn != nil {
			_ = conn.Close()
		}
	})
}
