// Package transport carries the tunnel byte stream over websocket, QUIC or
// plain TCP. Every transport is reduced to a [Conn] so the frame codec and
// write pump never see the difference.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "connector-tunnel"

const DefaultDialTimeout = 15 * time.Second

var ErrUnsupportedScheme = errors.New("unsupported broker url scheme")

// Conn is one tunnel connection.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Listener accepts tunnel connections on the broker side.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// DialOptions tune [Dial].
type DialOptions struct {
	TLS     *tls.Config
	Timeout time.Duration
}

// Dial opens a tunnel connection to brokerURL. Supported schemes are ws, wss,
// quic and tcp.
func Dial(ctx context.Context, brokerURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(strings.TrimSpace(brokerURL))
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return dialWebSocket(ctx, u, opts)
	case "quic":
		return dialQUIC(ctx, u.Host, opts)
	case "tcp":
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("tcp connect: %w", err)
		}
		return c.(*net.TCPConn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// ListenTCP accepts plain TCP tunnel connections.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.c.(*net.TCPConn), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
