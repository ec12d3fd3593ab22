package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/connector/internal/config"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/sessioncrypt"
	"github.com/koltyakov/connector/internal/tunnelproto"
	"github.com/koltyakov/connector/internal/versionutil"
)

func testAgentConfig() config.AgentConfig {
	cfg := config.NewAgentConfig()
	cfg.AgentID = "agent-1"
	cfg.User = "svc"
	cfg.Domain = "example.com"
	cfg.Password = "pw"
	cfg.RegisterTimeout = time.Second
	return cfg
}

// answerAuthorization reads one AUTHORIZATION frame from conn and writes resp.
func answerAuthorization(conn net.Conn, resp tunnelproto.AuthorizationResponse) (chan tunnelproto.AuthorizationRequest, chan error) {
	reqs := make(chan tunnelproto.AuthorizationRequest, 1)
	errs := make(chan error, 1)
	go func() {
		f, err := tunnelproto.ReadFrame(conn)
		if err != nil {
			errs <- err
			return
		}
		var req tunnelproto.AuthorizationRequest
		if err := tunnelproto.Unmarshal(f.Payload, &req); err != nil {
			errs <- err
			return
		}
		reqs <- req
		payload, err := tunnelproto.Marshal(resp)
		if err != nil {
			errs <- err
			return
		}
		errs <- tunnelproto.WriteFrame(conn, &tunnelproto.Frame{Type: tunnelproto.TypeAuthorization, Payload: payload})
	}()
	return reqs, errs
}

func TestAuthorizeInstallsSessionKey(t *testing.T) {
	t.Parallel()
	agentSide, brokerSide := net.Pipe()
	defer agentSide.Close()
	defer brokerSide.Close()

	key, err := sessioncrypt.NewSessionKey()
	require.NoError(t, err)
	reqs, errs := answerAuthorization(brokerSide, tunnelproto.AuthorizationResponse{
		Result:    tunnelproto.ResultOK,
		SessionID: "s-42",
		Algorithm: sessioncrypt.DefaultAlgorithm,
		Key:       key,
	})

	a := New(Options{Config: testAgentConfig(), Logger: ilog.Discard()})
	sessionID, keys, err := a.authorize(context.Background(), agentSide)
	require.NoError(t, err)
	require.NoError(t, <-errs)

	req := <-reqs
	assert.Equal(t, "agent-1", req.AgentID)
	assert.Equal(t, "svc", req.User)
	assert.Equal(t, "example.com", req.Domain)
	assert.Equal(t, "pw", req.Password)
	assert.Equal(t, versionutil.Current(), req.Version)

	assert.Equal(t, "s-42", sessionID)
	assert.True(t, keys.Has("s-42"))
}

func TestAuthorizeRejected(t *testing.T) {
	t.Parallel()
	agentSide, brokerSide := net.Pipe()
	defer agentSide.Close()
	defer brokerSide.Close()

	_, errs := answerAuthorization(brokerSide, tunnelproto.AuthorizationResponse{
		Result:  tunnelproto.ResultFailed,
		Message: "authorization failed",
	})

	a := New(Options{Config: testAgentConfig(), Logger: ilog.Discard()})
	_, _, err := a.authorize(context.Background(), agentSide)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, isNonRetriable(err))
	assert.Contains(t, err.Error(), "authorization failed")
	require.NoError(t, <-errs)
}

func TestAuthorizeTimesOut(t *testing.T) {
	t.Parallel()
	agentSide, brokerSide := net.Pipe()
	defer brokerSide.Close()

	// Drain the request and never answer.
	go func() { _, _ = tunnelproto.ReadFrame(brokerSide) }()

	cfg := testAgentConfig()
	cfg.RegisterTimeout = 100 * time.Millisecond
	a := New(Options{Config: cfg, Logger: ilog.Discard()})

	_, _, err := a.authorize(context.Background(), agentSide)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, isNonRetriable(err))
}
