package socketsession

import (
	"errors"
	"io"
	"net"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

type closeWriter interface {
	CloseWrite() error
}

// startPumps launches the two directional pumps of a connected session. It
// runs after the CONNECT reply has been queued so the reply precedes any data
// the session sends.
func (m *Manager) startPumps(handle string) {
	s := m.lookup(handle)
	if s == nil || s.State() != StateConnected {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.tunnelToSocket(s, conn)
	}()
	go func() {
		defer m.wg.Done()
		m.socketToTunnel(s, conn)
	}()
}

// tunnelToSocket writes inbound segments to the local socket in arrival order.
func (m *Manager) tunnelToSocket(s *session, conn net.Conn) {
	for {
		select {
		case <-s.done:
			return
		case seg := <-s.inbound:
			if seg == nil {
				if cw, ok := conn.(closeWriter); ok {
					_ = cw.CloseWrite()
				}
				continue
			}
			if _, err := conn.Write(seg); err != nil {
				if s.State() != StateClosed {
					m.log.Info("socket write failed", "handle", s.handle, "err", err)
				}
				s.shutdown()
				return
			}
		}
	}
}

// socketToTunnel reads the local socket and emits SOCKET_DATA frames with
// increasing stream offsets. When the local side ends it sends a close-flagged
// frame, unless the broker closed the session itself, and retires the handle.
func (m *Manager) socketToTunnel(s *session, conn net.Conn) {
	defer m.retire(s)
	buf := make([]byte, m.cfg.ReadBufferSize)
	var offset int64
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := m.sendData(tunnelproto.SocketSessionData{Handle: s.handle, Offset: offset, Data: data}); sendErr != nil {
				m.log.Warn("socket data send failed", "handle", s.handle, "err", sendErr)
				s.shutdown()
				return
			}
			offset += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() != StateClosed {
				m.log.Info("socket read failed", "handle", s.handle, "err", err)
			}
			if !s.remoteClosed.Load() {
				if sendErr := m.sendData(tunnelproto.SocketSessionData{Handle: s.handle, Offset: offset, Close: true}); sendErr != nil {
					m.log.Debug("socket close notification failed", "handle", s.handle, "err", sendErr)
				}
			}
			s.shutdown()
			return
		}
	}
}

func (m *Manager) sendData(d tunnelproto.SocketSessionData) error {
	f, err := m.cfg.Sealer.Wrap(tunnelproto.TypeSocketData, m.cfg.SessionID, d)
	if err != nil {
		return err
	}
	return m.cfg.Sender.Send(f)
}
