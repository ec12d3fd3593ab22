package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/connector/internal/dispatch"
	"github.com/koltyakov/connector/internal/sessioncrypt"
	"github.com/koltyakov/connector/internal/transport"
	"github.com/koltyakov/connector/internal/tunnelproto"
	"github.com/koltyakov/connector/internal/versionutil"
)

// authorize runs the cleartext handshake: the first frame in each direction
// is AUTHORIZATION. On success the session key is installed in a new key
// store and every later frame is sealed with it.
func (a *Agent) authorize(ctx context.Context, conn transport.Conn) (string, *sessioncrypt.KeyStore, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RegisterTimeout)
	defer cancel()
	// Unblocks the read below when the broker never answers.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := tunnelproto.Marshal(tunnelproto.AuthorizationRequest{
		AgentID:  a.cfg.AgentID,
		User:     a.cfg.User,
		Domain:   a.cfg.Domain,
		Password: a.cfg.Password,
		Version:  versionutil.Current(),
	})
	if err != nil {
		return "", nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.RegisterTimeout))
	if err := tunnelproto.WriteFrame(conn, &tunnelproto.Frame{Type: tunnelproto.TypeAuthorization, Payload: payload}); err != nil {
		return "", nil, fmt.Errorf("send authorization: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	f, err := dispatch.ReadOne(conn, tunnelproto.TypeAuthorization)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
			return "", nil, fmt.Errorf("authorization response: %w", ctx.Err())
		}
		return "", nil, fmt.Errorf("authorization response: %w", err)
	}

	var resp tunnelproto.AuthorizationResponse
	if err := tunnelproto.Unmarshal(f.Payload, &resp); err != nil {
		return "", nil, dispatch.Framing(f.Type, err)
	}
	if resp.Result != tunnelproto.ResultOK {
		return "", nil, &RejectedError{Op: "authorize", Message: resp.Message, Err: ErrUnauthorized}
	}

	keys := sessioncrypt.NewKeyStore()
	if err := keys.Put(sessioncrypt.SessionKey{
		SessionID: resp.SessionID,
		Algorithm: resp.Algorithm,
		Key:       resp.Key,
	}); err != nil {
		return "", nil, fmt.Errorf("install session key: %w", err)
	}
	return resp.SessionID, keys, nil
}
