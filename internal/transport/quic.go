package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  60 * time.Second,
}

func dialQUIC(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	tlsConf := &tls.Config{MinVersion: tls.VersionTLS13}
	if opts.TLS != nil {
		tlsConf = opts.TLS.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic connect: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConn{conn: conn, Stream: stream}, nil
}

// ListenQUIC accepts tunnel connections over QUIC. Each connection carries
// exactly one stream, opened by the agent.
func ListenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	if tlsConf.MinVersion < tls.VersionTLS13 {
		tlsConf.MinVersion = tls.VersionTLS13
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &quicConn{conn: conn, Stream: stream}, nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

type quicConn struct {
	conn *quic.Conn
	*quic.Stream
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close tears down the whole connection, not just the write side of the
// stream.
func (c *quicConn) Close() error {
	_ = c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}
