package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/sessioncrypt"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

const testSession = "session-1"

const twoRules = `
resources:
  - seqNum: 1
    ownerId: all
    allowedPrincipals: [a@b.com]
    pattern: http://intranet.local:8080
  - seqNum: 2
    ownerId: agent-1
    allowedPrincipals: [ops@b.com]
    pattern: socket://10.0.0.1:22
  - seqNum: 3
    ownerId: agent-2
    allowedPrincipals: [x@b.com]
    pattern: socket://10.0.0.2:22
`

type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memFiles) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memFiles) set(path, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = []byte(data)
}

// brokerStub answers registrations through the registrar's own Dispatch.
type brokerStub struct {
	keys   *sessioncrypt.KeyStore
	reg    *registrar
	answer func(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse

	mu   sync.Mutex
	seen []tunnelproto.RegistrationRequest
}

func (b *brokerStub) SendWait(_ context.Context, f *tunnelproto.Frame) error {
	var req tunnelproto.RegistrationRequest
	if _, err := b.keys.Unwrap(f, testSession, &req); err != nil {
		return err
	}
	b.mu.Lock()
	b.seen = append(b.seen, req)
	b.mu.Unlock()

	resp := b.answer(req)
	if resp == nil {
		return nil
	}
	reply, err := b.keys.Wrap(tunnelproto.TypeRegistration, testSession, *resp)
	if err != nil {
		return err
	}
	go func() { _ = b.reg.Dispatch(context.Background(), reply) }()
	return nil
}

func newTestRegistrar(t *testing.T, files *memFiles, healthzPort int, answer func(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse) (*registrar, *brokerStub, chan tunnelproto.ServerConfig) {
	t.Helper()
	keys := sessioncrypt.NewKeyStore()
	key, err := sessioncrypt.NewSessionKey()
	require.NoError(t, err)
	require.NoError(t, keys.Put(sessioncrypt.SessionKey{SessionID: testSession, Key: key}))

	stub := &brokerStub{keys: keys, answer: answer}
	published := make(chan tunnelproto.ServerConfig, 4)
	r := newRegistrar(registrarOptions{
		AgentID:       "agent-1",
		SessionID:     testSession,
		RulesFile:     "/etc/connector/rules.yaml",
		Files:         files,
		ProxyPortBase: 9000,
		SocksPort:     1080,
		HealthzPort:   healthzPort,
		Timeout:       500 * time.Millisecond,
		Sealer:        keys,
		Sender:        stub,
		OnRegistered: func(_ rules.Set, sc tunnelproto.ServerConfig) {
			published <- sc
		},
		Logger: ilog.Discard(),
	})
	stub.reg = r
	return r, stub, published
}

func acceptAll(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse {
	return &tunnelproto.RegistrationResponse{
		Result: tunnelproto.ResultOK,
		Server: tunnelproto.ServerConfig{HealthCheckInterval: 7, HealthCheckTimeout: 21},
	}
}

func TestRegistrarCompileSelectsOwnRules(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	r, _, _ := newTestRegistrar(t, files, 0, acceptAll)

	compiled, err := r.Compile()
	require.NoError(t, err)
	require.Len(t, compiled, 2)
	assert.Equal(t, "agent-1", compiled[0].OwnerID)
	require.NotNil(t, compiled[0].ProxyPort)
	assert.Equal(t, 9000, *compiled[0].ProxyPort)
	assert.Nil(t, compiled[1].ProxyPort)
	for _, rule := range compiled {
		require.NotNil(t, rule.SocksPort)
		assert.Equal(t, 1080, *rule.SocksPort)
		require.NotNil(t, rule.SecretKey)
		assert.NotZero(t, *rule.SecretKey)
	}
}

func TestRegistrarCompileAddsHealthRule(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	r, _, _ := newTestRegistrar(t, files, 4242, acceptAll)

	compiled, err := r.Compile()
	require.NoError(t, err)
	require.Len(t, compiled, 3)

	system := compiled[2]
	assert.Equal(t, rules.SystemSeqNum, system.SeqNum)
	assert.Equal(t, "http://localhost:4242"+rules.HealthzPath("agent-1"), system.Pattern)
	assert.Equal(t, []string{"a@b.com", "ops@b.com"}, system.AllowedPrincipals)
	require.NotNil(t, system.ProxyPort)
	assert.Equal(t, 9001, *system.ProxyPort)
}

func TestRegistrarCompileRejectsBadDocument(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(`
- seqNum: 1
  ownerId: all
  allowedPrincipals: [nobody]
  pattern: ftp://x
`)}}
	r, _, _ := newTestRegistrar(t, files, 0, acceptAll)

	_, err := r.Compile()
	require.ErrorIs(t, err, ErrInvalidRules)
	var verr *rules.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRegistrarRegisterPublishes(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	r, stub, published := newTestRegistrar(t, files, 0, acceptAll)

	require.NoError(t, r.Register(context.Background()))
	select {
	case sc := <-published:
		assert.Equal(t, tunnelproto.ServerConfig{HealthCheckInterval: 7, HealthCheckTimeout: 21}, sc)
	default:
		t.Fatal("registration not published")
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.seen, 1)
	assert.Equal(t, "agent-1", stub.seen[0].AgentID)
	assert.Equal(t, 1080, stub.seen[0].SocksPort)
	assert.Len(t, stub.seen[0].Rules, 2)
}

func TestRegistrarRegisterRejected(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	r, _, published := newTestRegistrar(t, files, 0, func(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse {
		return &tunnelproto.RegistrationResponse{Result: tunnelproto.ResultFailed, Message: "duplicate proxy port"}
	})

	err := r.Register(context.Background())
	require.ErrorIs(t, err, ErrInvalidRules)
	assert.Contains(t, err.Error(), "duplicate proxy port")
	assert.Empty(t, published)
}

func TestRegistrarRegisterTimesOut(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	r, _, _ := newTestRegistrar(t, files, 0, func(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse {
		return nil
	})

	err := r.Register(context.Background())
	assert.ErrorIs(t, err, ErrRegistrationTimeout)
}

func TestRegistrarIgnoresStaleResponse(t *testing.T) {
	t.Parallel()
	files := &memFiles{files: map[string][]byte{"/etc/connector/rules.yaml": []byte(twoRules)}}
	calls := 0
	r, _, _ := newTestRegistrar(t, files, 0, func(tunnelproto.RegistrationRequest) *tunnelproto.RegistrationResponse {
		calls++
		if calls == 1 {
			return nil
		}
		return acceptAll(tunnelproto.RegistrationRequest{})
	})

	require.ErrorIs(t, r.Register(context.Background()), ErrRegistrationTimeout)

	// A late FAILED answer to the first request is drained by the next one.
	late, err := r.opts.Sealer.Wrap(tunnelproto.TypeRegistration, testSession, tunnelproto.RegistrationResponse{Result: tunnelproto.ResultFailed})
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(context.Background(), late))

	assert.NoError(t, r.Register(context.Background()))
}
