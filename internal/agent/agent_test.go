package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/connector/internal/auth"
	"github.com/koltyakov/connector/internal/broker"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/store/sqlite"
	"github.com/koltyakov/connector/internal/transport"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

const e2ePassword = "correct-horse"

type e2e struct {
	t      *testing.T
	ctx    context.Context
	broker *broker.Broker
	url    string
}

func startBroker(t *testing.T) *e2e {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hash, err := auth.HashPassword(e2ePassword)
	require.NoError(t, err)
	_, err = store.CreateAgent(context.Background(), "agent-1", "svc", "example.com", hash)
	require.NoError(t, err)

	b := broker.New(broker.Options{Store: store, HealthInterval: time.Second, HealthTimeout: 10 * time.Second})
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Serve(ctx, ln, "tcp") }()
	return &e2e{t: t, ctx: ctx, broker: b, url: "tcp://" + ln.Addr().String()}
}

func (e *e2e) agentConfig(rulesFile string) Options {
	cfg := testAgentConfig()
	cfg.Password = e2ePassword
	cfg.BrokerURL = e.url
	cfg.RulesFile = rulesFile
	cfg.SocksAddr = "127.0.0.1:0"
	cfg.HealthzAddr = "127.0.0.1:0"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.WatchNotify = false
	cfg.ReconnectMin = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.RegisterTimeout = 5 * time.Second
	return Options{Config: cfg, Logger: ilog.Discard()}
}

func (e *e2e) run(a *Agent) chan error {
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(e.ctx)
	e.t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.t.Error("agent did not stop")
		}
	})
	go func() { done <- a.Run(ctx) }()
	return done
}

func (e *e2e) waitRegistered() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	require.NoError(e.t, e.broker.WaitRegistered(ctx, "agent-1"))
}

func startEcho(t *testing.T) int {
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
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeRules(t *testing.T, path string, patterns ...string) {
	t.Helper()
	doc := "resources:\n"
	for i, p := range patterns {
		doc += fmt.Sprintf("  - seqNum: %d\n    ownerId: all\n    allowedPrincipals: [a@b.com]\n    pattern: %s\n", i+1, p)
	}
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestAgentServesBrokerRequests(t *testing.T) {
	t.Parallel()
	env := startBroker(t)

	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = io.WriteString(w, "hello from intranet")
	}))
	defer web.Close()
	echoPort := startEcho(t)

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, rulesFile, web.URL, "socket://127.0.0.1:"+strconv.Itoa(echoPort))

	a := New(env.agentConfig(rulesFile))
	env.run(a)
	env.waitRegistered()

	set, socksPort, err := env.broker.Registration("agent-1")
	require.NoError(t, err)
	assert.Len(t, set, 3, "two file rules plus the health rule")
	assert.NotZero(t, socksPort)

	ctx, cancel := context.WithTimeout(env.ctx, 10*time.Second)
	defer cancel()

	t.Run("fetch", func(t *testing.T) {
		reply, err := env.broker.Fetch(ctx, "agent-1", tunnelproto.FetchRequest{Resource: web.URL + "/docs"})
		require.NoError(t, err)
		assert.Equal(t, tunnelproto.FetchOK, reply.Status, reply.Error)
		assert.Equal(t, http.StatusOK, reply.HTTPStatus)
		assert.Equal(t, "hello from intranet", string(reply.Contents))
		assert.Contains(t, reply.Headers, tunnelproto.Header{Key: "X-Path", Value: "/docs"})
	})

	t.Run("fetch outside rules", func(t *testing.T) {
		reply, err := env.broker.Fetch(ctx, "agent-1", tunnelproto.FetchRequest{Resource: "http://10.9.9.9/"})
		require.NoError(t, err)
		assert.Equal(t, tunnelproto.FetchBadRequest, reply.Status)
	})

	t.Run("socket", func(t *testing.T) {
		conn, err := env.broker.OpenSocket(ctx, "agent-1", "127.0.0.1", echoPort)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	})

	t.Run("socket outside rules", func(t *testing.T) {
		_, err := env.broker.OpenSocket(ctx, "agent-1", "127.0.0.1", echoPort+1)
		var serr *broker.SocketError
		require.True(t, errors.As(err, &serr), "got %v", err)
		assert.Equal(t, tunnelproto.VerbConnect, serr.Verb)
		assert.Equal(t, tunnelproto.SocketCannotConnect, serr.Status)
	})

	t.Run("health endpoint", func(t *testing.T) {
		var healthURL string
		for _, r := range set {
			if r.SeqNum == rules.SystemSeqNum {
				healthURL = r.Pattern
			}
		}
		require.NotEmpty(t, healthURL)
		require.Eventually(t, func() bool {
			reply, err := env.broker.Fetch(ctx, "agent-1", tunnelproto.FetchRequest{Resource: healthURL})
			return err == nil && reply.HTTPStatus == http.StatusOK
		}, 5*time.Second, 100*time.Millisecond)
		assert.True(t, a.Healthy())
	})
}

func TestAgentReregistersOnRuleChange(t *testing.T) {
	t.Parallel()
	env := startBroker(t)

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, rulesFile, "http://intranet.local:8080")

	opts := env.agentConfig(rulesFile)
	opts.Config.HealthzEnabled = false
	env.run(New(opts))
	env.waitRegistered()

	set, _, err := env.broker.Registration("agent-1")
	require.NoError(t, err)
	require.Len(t, set, 1)

	writeRules(t, rulesFile, "http://intranet.local:8080", "socket://db.local:5432")
	require.Eventually(t, func() bool {
		set, _, err := env.broker.Registration("agent-1")
		return err == nil && len(set) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgentReconnectsAfterDialFailure(t *testing.T) {
	t.Parallel()
	env := startBroker(t)

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, rulesFile, "http://intranet.local:8080")

	var dials atomic.Int32
	opts := env.agentConfig(rulesFile)
	opts.Dial = func(ctx context.Context, brokerURL string, o transport.DialOptions) (transport.Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("network unreachable")
		}
		return transport.Dial(ctx, brokerURL, o)
	}
	env.run(New(opts))
	env.waitRegistered()
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestAgentStopsOnRejectedCredentials(t *testing.T) {
	t.Parallel()
	env := startBroker(t)

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, rulesFile, "http://intranet.local:8080")

	opts := env.agentConfig(rulesFile)
	opts.Config.Password = "wrong"

	done := make(chan error, 1)
	go func() { done <- New(opts).Run(env.ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnauthorized)
	case <-time.After(10 * time.Second):
		t.Fatal("agent kept retrying rejected credentials")
	}
}

func TestAgentStopsOnInvalidRules(t *testing.T) {
	t.Parallel()
	env := startBroker(t)

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte("- seqNum: 1\n  ownerId: all\n  pattern: http://x\n"), 0o600))

	err := New(env.agentConfig(rulesFile)).Run(env.ctx)
	assert.ErrorIs(t, err, ErrInvalidRules)
}
