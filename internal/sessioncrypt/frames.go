package sessioncrypt

import (
	"fmt"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

// Wrap encodes msg, seals it for sessionID and returns a fresh frame.
func (s *KeyStore) Wrap(t tunnelproto.Type, sessionID string, msg any) (*tunnelproto.Frame, error) {
	plain, err := tunnelproto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	sealed, err := s.Encrypt(sessionID, plain)
	if err != nil {
		return nil, err
	}
	return &tunnelproto.Frame{Type: t, SessionID: sessionID, Payload: sealed}, nil
}

// Open returns the decrypted payload of f. ok is false, with a nil error, when
// the frame belongs to a session other than expected; the caller should skip
// it. A frame without a payload or session id is malformed.
func (s *KeyStore) Open(f *tunnelproto.Frame, expected string) (plain []byte, ok bool, err error) {
	if len(f.Payload) == 0 {
		return nil, false, fmt.Errorf("%w: %s frame without payload", tunnelproto.ErrMalformedFrame, f.Type)
	}
	if f.SessionID == "" {
		return nil, false, fmt.Errorf("%w: %s frame without session id", tunnelproto.ErrMalformedFrame, f.Type)
	}
	if f.SessionID != expected {
		return nil, false, nil
	}
	plain, err = s.Decrypt(f.SessionID, f.Payload)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// Unwrap opens f and decodes its payload into out. It reports false, with a
// nil error, when the frame is not for the expected session. A payload that
// does not decode as out is a framing error.
func (s *KeyStore) Unwrap(f *tunnelproto.Frame, expected string, out any) (bool, error) {
	plain, ok, err := s.Open(f, expected)
	if err != nil || !ok {
		return false, err
	}
	if err := tunnelproto.Unmarshal(plain, out); err != nil {
		return false, fmt.Errorf("%w: decode %s payload: %v", tunnelproto.ErrMalformedFrame, f.Type, err)
	}
	return true, nil
}
