package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

// wsReadLimit leaves room for the envelope around a maximal frame.
const wsReadLimit = tunnelproto.MaxFrameSize + 64

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func dialWebSocket(ctx context.Context, u *url.URL, opts DialOptions) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.Timeout,
		TLSClientConfig:  opts.TLS,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws connect: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketHandler upgrades requests and hands each connection to accept.
// accept owns the connection and runs on the request goroutine.
func WebSocketHandler(accept func(Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(NewWebSocketConn(conn))
	})
}

// NewWebSocketConn presents conn as a byte stream. Each Write becomes one
// binary message; reads concatenate binary messages and skip text ones.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn}
}

type wsConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	r      io.Reader

	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
