package socksproxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/koltyakov/connector/internal/rules"
)

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func startProxy(t *testing.T, set rules.Set) string {
	t.Helper()
	s, err := New(Options{})
	require.NoError(t, err)
	s.SetRules(set)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Serve(ctx, ln) }()
	return ln.Addr().String()
}

func dialThrough(proxyAddr, user, password, target string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, &proxy.Auth{User: user, Password: password}, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return d.Dial("tcp", target)
}

func TestSocksAllowsRuleEndpoint(t *testing.T) {
	t.Parallel()

	echo := echoServer(t)
	key := int64(987654321)
	addr := startProxy(t, rules.Set{{SeqNum: 7, Pattern: "socket://" + echo.Addr().String(), SecretKey: &key}})

	c, err := dialThrough(addr, "7", strconv.FormatInt(key, 10), echo.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestSocksRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	echo := echoServer(t)
	key := int64(42)
	addr := startProxy(t, rules.Set{{SeqNum: 7, Pattern: "socket://" + echo.Addr().String(), SecretKey: &key}})

	_, err := dialThrough(addr, "7", "43", echo.Addr().String())
	assert.Error(t, err)
	_, err = dialThrough(addr, "8", "42", echo.Addr().String())
	assert.Error(t, err)
}

func TestSocksRejectsOtherDestination(t *testing.T) {
	t.Parallel()

	allowed := echoServer(t)
	other := echoServer(t)
	key := int64(42)
	addr := startProxy(t, rules.Set{{SeqNum: 1, Pattern: "socket://" + allowed.Addr().String(), SecretKey: &key}})

	_, err := dialThrough(addr, "1", "42", other.Addr().String())
	assert.Error(t, err)
}
