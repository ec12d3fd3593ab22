package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/connector/internal/domain"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

// deliverTimeout bounds how long the dispatcher waits for a slow local reader.
const deliverTimeout = 5 * time.Second

// SocketError reports a socket request the agent refused.
type SocketError struct {
	Verb   tunnelproto.Verb
	Status tunnelproto.SocketStatus
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket %s: %s", e.Verb, e.Status)
}

// remoteSocket bridges one agent socket session to a local net.Conn.
type remoteSocket struct {
	s      *session
	handle string

	replies chan tunnelproto.SocketSessionReply
	local   net.Conn
	inner   net.Conn

	closeOnce sync.Once
}

// OpenSocket asks the agent to connect to host:port and returns the stream.
func (b *Broker) OpenSocket(ctx context.Context, agentID, host string, port int) (net.Conn, error) {
	s, ok := b.hub.get(agentID)
	if !ok {
		return nil, &domain.AgentError{AgentID: agentID, Op: "open socket", Err: domain.ErrAgentOffline}
	}
	local, inner := net.Pipe()
	rs := &remoteSocket{
		s:       s,
		handle:  uuid.NewString(),
		replies: make(chan tunnelproto.SocketSessionReply, 4),
		local:   local,
		inner:   inner,
	}
	s.sockets.Store(rs.handle, rs)

	steps := []tunnelproto.SocketSessionRequest{
		{Handle: rs.handle, Verb: tunnelproto.VerbCreate, Hostname: host, Port: port},
		{Handle: rs.handle, Verb: tunnelproto.VerbConnect},
	}
	for _, req := range steps {
		if err := rs.request(ctx, req); err != nil {
			rs.close()
			return nil, err
		}
	}
	go rs.pumpOut()
	return local, nil
}

func (rs *remoteSocket) request(ctx context.Context, req tunnelproto.SocketSessionRequest) error {
	f, err := rs.s.keys.Wrap(tunnelproto.TypeSocketSession, rs.s.id, req)
	if err != nil {
		return err
	}
	if err := rs.s.pump.SendWait(ctx, f); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rs.s.done:
			return domain.ErrAgentOffline
		case reply := <-rs.replies:
			if reply.Verb != req.Verb {
				continue
			}
			if reply.Status != tunnelproto.SocketOK {
				return &SocketError{Verb: reply.Verb, Status: reply.Status}
			}
			return nil
		}
	}
}

func (rs *remoteSocket) reply(r tunnelproto.SocketSessionReply) {
	select {
	case rs.replies <- r:
	default:
	}
}

// deliver runs on the dispatcher goroutine.
func (rs *remoteSocket) deliver(d tunnelproto.SocketSessionData) {
	if len(d.Data) > 0 {
		_ = rs.inner.SetWriteDeadline(time.Now().Add(deliverTimeout))
		if _, err := rs.inner.Write(d.Data); err != nil {
			rs.s.log.Debug("socket delivery failed", "handle", rs.handle, "err", err)
			rs.close()
			return
		}
	}
	if d.Close {
		// net.Pipe has no half close.
		_ = rs.inner.Close()
	}
}

// pumpOut forwards what the local side writes to the agent.
func (rs *remoteSocket) pumpOut() {
	buf := make([]byte, 32*1024)
	var offset int64
	for {
		n, err := rs.inner.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if sendErr := rs.s.send(tunnelproto.TypeSocketData, tunnelproto.SocketSessionData{Handle: rs.handle, Offset: offset, Data: data}); sendErr != nil {
				rs.close()
				return
			}
			offset += int64(n)
		}
		if err != nil {
			_ = rs.s.send(tunnelproto.TypeSocketData, tunnelproto.SocketSessionData{Handle: rs.handle, Offset: offset, Close: true})
			rs.close()
			return
		}
	}
}

// close ends the session on both sides. Safe to call more than once.
func (rs *remoteSocket) close() {
	rs.closeOnce.Do(func() {
		rs.s.sockets.Delete(rs.handle)
		_ = rs.inner.Close()
		_ = rs.local.Close()
		err := rs.s.send(tunnelproto.TypeSocketSession, tunnelproto.SocketSessionRequest{Handle: rs.handle, Verb: tunnelproto.VerbClose})
		if err != nil && !errors.Is(err, tunnelproto.ErrPumpClosed) {
			rs.s.log.Debug("socket close request failed", "handle", rs.handle, "err", err)
		}
	})
}
