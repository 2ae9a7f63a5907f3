// Package secure implements the lumacast session layer: P-256 key agreement,
// per-message key derivation and the authenticated envelope that carries every
// handshake body and WebSocket frame.
package secure

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
)

// PublicKeySize is the length of an uncompressed P-256 point.
const PublicKeySize = 65

var curve = ecdh.P256()

// KeyPair is a P-256 key pair used for ECDH.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// ParsePrivateKey loads a key pair from a 32-byte P-256 scalar.
func ParsePrivateKey(raw []byte) (*KeyPair, error) {
	priv, err := curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse p-256 private key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// ParsePublicKey validates and loads an uncompressed P-256 point. Points that
// are not on the curve, and the point at infinity, are rejected.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("parse p-256 public key: want %d bytes, got %d", PublicKeySize, len(raw))
	}
	pub, err := curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse p-256 public key: %w", err)
	}
	return pub, nil
}

// Private returns the ECDH private key.
func (k *KeyPair) Private() *ecdh.PrivateKey { return k.private }

// PublicBytes returns the uncompressed public point.
func (k *KeyPair) PublicBytes() []byte { return k.private.PublicKey().Bytes() }

// PrivateBytes returns the raw private scalar. Callers own the returned slice
// and should wipe it once stored.
func (k *KeyPair) PrivateBytes() []byte { return k.private.Bytes() }

// SharedSecret runs ECDH between a local private key and a remote public key.
func SharedSecret(local *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("ecdh: missing key")
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
