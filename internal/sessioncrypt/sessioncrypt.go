// Package sessioncrypt adds per-session symmetric encryption on top of the
// tunnel transport. The broker issues a key for each tunnel session; frames
// that belong to the session carry its id and an AEAD-sealed payload.
package sessioncrypt

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Supported algorithm ids.
const (
	AlgXChaCha20Poly1305 = "xchacha20-poly1305"
	AlgChaCha20Poly1305  = "chacha20-poly1305"
)

// DefaultAlgorithm is used when a key does not name one.
const DefaultAlgorithm = AlgXChaCha20Poly1305

// KeySize is the size of issued session key material.
const KeySize = 32

// blobVersion prefixes every sealed payload and is authenticated with it.
const blobVersion byte = 0x01

var (
	// ErrConfig reports a missing session, unknown algorithm or unusable key.
	ErrConfig = errors.New("session encryption misconfigured")
	// ErrDecrypt reports a payload that does not open under the session key.
	ErrDecrypt = errors.New("session payload decryption failed")
)

// Error wraps an encryption failure with the operation and session.
type Error struct {
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sessioncrypt %s session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SessionKey is the key material issued for one tunnel session.
type SessionKey struct {
	SessionID string
	Algorithm string
	Key       []byte
}

// NewSessionKey returns fresh random key material.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

type sessionCipher struct {
	key  SessionKey
	aead cipher.AEAD
}

// KeyStore maps session ids to their ciphers. Lookups take a read lock so
// many sessions can encrypt concurrently; keys are added rarely.
type KeyStore struct {
	mu      sync.RWMutex
	ciphers map[string]*sessionCipher
}

// NewKeyStore returns an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{ciphers: make(map[string]*sessionCipher)}
}

// Put installs the cipher for k.SessionID. Installing the same key twice is a
// no-op; a different key for a known session is rejected because a session's
// cipher never changes.
func (s *KeyStore) Put(k SessionKey) error {
	if k.SessionID == "" {
		return &Error{Op: "put", Err: fmt.Errorf("%w: empty session id", ErrConfig)}
	}
	if k.Algorithm == "" {
		k.Algorithm = DefaultAlgorithm
	}
	aead, err := newAEAD(k)
	if err != nil {
		return &Error{Op: "put", SessionID: k.SessionID, Err: err}
	}
	k.Key = append([]byte(nil), k.Key...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ciphers[k.SessionID]; ok {
		if existing.key.Algorithm == k.Algorithm && bytes.Equal(existing.key.Key, k.Key) {
			return nil
		}
		return &Error{Op: "put", SessionID: k.SessionID, Err: fmt.Errorf("%w: session already keyed", ErrConfig)}
	}
	s.ciphers[k.SessionID] = &sessionCipher{key: k, aead: aead}
	return nil
}

// Remove forgets a session.
func (s *KeyStore) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.ciphers, sessionID)
	s.mu.Unlock()
}

// Has reports whether sessionID has a cipher.
func (s *KeyStore) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ciphers[sessionID]
	return ok
}

// Encrypt seals plaintext under the session's cipher. The result is
// [version][nonce][ciphertext+tag]; version and session id are additional
// authenticated data.
func (s *KeyStore) Encrypt(sessionID string, plaintext []byte) ([]byte, error) {
	sc, err := s.lookup("encrypt", sessionID)
	if err != nil {
		return nil, err
	}
	nonceSize := sc.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+sc.aead.Overhead())
	out[0] = blobVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, &Error{Op: "encrypt", SessionID: sessionID, Err: fmt.Errorf("generate nonce: %w", err)}
	}
	return sc.aead.Seal(out, out[1:1+nonceSize], plaintext, aad(sessionID)), nil
}

// Decrypt opens a payload produced by [KeyStore.Encrypt] for the same session.
func (s *KeyStore) Decrypt(sessionID string, ciphertext []byte) ([]byte, error) {
	sc, err := s.lookup("decrypt", sessionID)
	if err != nil {
		return nil, err
	}
	nonceSize := sc.aead.NonceSize()
	if len(ciphertext) < 1+nonceSize+sc.aead.Overhead() {
		return nil, &Error{Op: "decrypt", SessionID: sessionID, Err: fmt.Errorf("%w: payload of %d bytes is too short", ErrDecrypt, len(ciphertext))}
	}
	if ciphertext[0] != blobVersion {
		return nil, &Error{Op: "decrypt", SessionID: sessionID, Err: fmt.Errorf("%w: unsupported version %d", ErrDecrypt, ciphertext[0])}
	}
	plaintext, err := sc.aead.Open(nil, ciphertext[1:1+nonceSize], ciphertext[1+nonceSize:], aad(sessionID))
	if err != nil {
		return nil, &Error{Op: "decrypt", SessionID: sessionID, Err: fmt.Errorf("%w: %v", ErrDecrypt, err)}
	}
	return plaintext, nil
}

func (s *KeyStore) lookup(op, sessionID string) (*sessionCipher, error) {
	s.mu.RLock()
	sc, ok := s.ciphers[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Op: op, SessionID: sessionID, Err: fmt.Errorf("%w: unknown session", ErrConfig)}
	}
	return sc, nil
}

func newAEAD(k SessionKey) (cipher.AEAD, error) {
	if len(k.Key) < 16 {
		return nil, fmt.Errorf("%w: key of %d bytes is too short", ErrConfig, len(k.Key))
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, k.Key, nil, []byte("connector.session."+k.Algorithm+"."+k.SessionID))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrConfig, err)
	}

	switch k.Algorithm {
	case AlgXChaCha20Poly1305:
		return chacha20poly1305.NewX(derived)
	case AlgChaCha20Poly1305:
		return chacha20poly1305.New(derived)
	}
	return nil, fmt.Errorf("%w: no cipher for algorithm %q", ErrConfig, k.Algorithm)
}

func aad(sessionID string) []byte {
	out := make([]byte, 0, 1+len(sessionID))
	out = append(out, blobVersion)
	return append(out, sessionID...)
}
