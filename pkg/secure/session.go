package secure

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// messageInfo is the HKDF info string for per-message keys.
const messageInfo = "lumacast/v1/message"

// ErrSessionInvalid is returned for every failure to open an envelope: bad
// tag, wrong key, wrong device, or undecodable plaintext. Callers cannot tell
// the cases apart.
var ErrSessionInvalid = errors.New("session invalid")

// Session holds the shared secret for one peer. It is safe for concurrent
// use until Close is called.
type Session struct {
	peerID string
	secret []byte
}

// NewSession derives a session from a local private key and the remote
// party's public key.
func NewSession(peerID string, local *ecdh.PrivateKey, remote *ecdh.PublicKey) (*Session, error) {
	if peerID == "" {
		return nil, fmt.Errorf("new session: empty peer id")
	}
	secret, err := SharedSecret(local, remote)
	if err != nil {
		return nil, err
	}
	return &Session{peerID: peerID, secret: secret}, nil
}

// PeerID returns the device identifier the session is bound to.
func (s *Session) PeerID() string { return s.peerID }

// Encode marshals plaintext, seals it under a fresh nonce and returns the
// envelope. A non-nil payload is CBOR-encoded into the cleartext Payload
// field and authenticated with the body.
func (s *Session) Encode(plaintext, payload any) (*Envelope, error) {
	body, err := Marshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	var extra []byte
	if payload != nil {
		if extra, err = Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return s.Seal(body, extra)
}

// Seal encrypts an already encoded body.
func (s *Session) Seal(body, payload []byte) (*Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	aead, err := s.aead(nonce)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, body, associatedData(s.peerID, payload))
	split := len(sealed) - TagSize
	return &Envelope{
		DeviceUID: s.peerID,
		Nonce:     nonce,
		Tag:       sealed[split:],
		Body:      sealed[:split],
		Payload:   payload,
	}, nil
}

// Open authenticates and decrypts env, returning the raw CBOR plaintext.
func (s *Session) Open(env *Envelope) ([]byte, error) {
	if env.Validate() != nil || env.DeviceUID != s.peerID {
		return nil, ErrSessionInvalid
	}
	aead, err := s.aead(env.Nonce)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	sealed := make([]byte, 0, len(env.Body)+len(env.Tag))
	sealed = append(sealed, env.Body...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, associatedData(env.DeviceUID, env.Payload))
	if err != nil {
		return nil, ErrSessionInvalid
	}
	return plaintext, nil
}

// Decode opens env and unmarshals the plaintext into v.
func (s *Session) Decode(env *Envelope, v any) error {
	plaintext, err := s.Open(env)
	if err != nil {
		return err
	}
	if err := Unmarshal(plaintext, v); err != nil {
		return ErrSessionInvalid
	}
	return nil
}

// Close wipes the shared secret. The session must not be used afterwards.
func (s *Session) Close() {
	Wipe(s.secret)
}

func (s *Session) aead(nonce []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer Wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, nonce, []byte(messageInfo)), key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// associatedData binds the device identifier and the cleartext payload to
// the ciphertext. The identifier is length-prefixed so the boundary between
// the two cannot shift.
func associatedData(peerID string, payload []byte) []byte {
	ad := make([]byte, 2, 2+len(peerID)+len(payload))
	binary.BigEndian.PutUint16(ad, uint16(len(peerID)))
	ad = append(ad, peerID...)
	return append(ad, payload...)
}
