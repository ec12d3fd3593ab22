package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

// echoFrames reads frames from c and writes each back until the stream ends.
func echoFrames(c Conn) {
	defer func() { _ = c.Close() }()
	for {
		f, err := tunnelproto.ReadFrame(c)
		if err != nil {
			return
		}
		if err := tunnelproto.WriteFrame(c, f); err != nil {
			return
		}
	}
}

func roundTrip(t *testing.T, c Conn) {
	t.Helper()
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(5*time.Second)))
	for i, size := range []int{0, 10, 70_000} {
		want := &tunnelproto.Frame{
			Type:      tunnelproto.TypeSocketData,
			Sequence:  uint64(i + 1),
			SessionID: "s1",
			Payload:   []byte(strings.Repeat("x", size)),
		}
		require.NoError(t, tunnelproto.WriteFrame(c, want))
		got, err := tunnelproto.ReadFrame(c)
		require.NoError(t, err)
		assert.Equal(t, want.Sequence, got.Sequence)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Len(t, got.Payload, size)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(WebSocketHandler(echoFrames))
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), DialOptions{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	roundTrip(t, c)
}

func TestTCPRoundTrip(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		c, err := ln.Accept(context.Background())
		if err == nil {
			echoFrames(c)
		}
	}()

	c, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), DialOptions{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	roundTrip(t, c)
}

func TestQUICRoundTrip(t *testing.T) {
	t.Parallel()

	serverTLS, err := ServerTLS(TLSOptions{})
	require.NoError(t, err)
	ln, err := ListenQUIC("127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			echoFrames(c)
		}
	}()

	c, err := Dial(ctx, "quic://"+ln.Addr().String(), DialOptions{
		TLS: &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	roundTrip(t, c)
}

func TestWebSocketCloseIsEOF(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(WebSocketHandler(func(c Conn) { _ = c.Close() }))
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), DialOptions{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	_, err = tunnelproto.ReadFrame(c)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "ftp://broker", DialOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestServerTLSRequiresBothFiles(t *testing.T) {
	t.Parallel()

	_, err := ServerTLS(TLSOptions{CertFile: "cert.pem"})
	assert.Error(t, err)
}
