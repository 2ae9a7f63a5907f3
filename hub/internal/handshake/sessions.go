package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/pkg/secure"
)

const sessionPrefix = "session:"

var errCorruptRecord = errors.New("corrupt session record")

// Record is the persisted state of a negotiated session: the hub's ephemeral
// private key and the device's ephemeral public key. The shared secret is
// re-derived on resume and never stored.
type Record struct {
	PeerID          string `cbor:"peerId"`
	LocalPrivateKey []byte `cbor:"localPrivateKey"`
	RemotePublicKey []byte `cbor:"remotePublicKey"`
	CreatedAt       int64  `cbor:"createdAt"`
}

// Session rebuilds the secure session from the record.
func (r *Record) Session() (*secure.Session, error) {
	local, err := secure.ParsePrivateKey(r.LocalPrivateKey)
	if err != nil {
		return nil, err
	}
	remote, err := secure.ParsePublicKey(r.RemotePublicKey)
	if err != nil {
		return nil, err
	}
	return secure.NewSession(r.PeerID, local.Private(), remote)
}

// SessionStore persists session records in the shared cache.
type SessionStore struct {
	cache kv.Cache
	ttl   time.Duration
}

func NewSessionStore(cache kv.Cache, ttl time.Duration) *SessionStore {
	return &SessionStore{cache: cache, ttl: ttl}
}

func (s *SessionStore) Save(ctx context.Context, rec *Record) error {
	b, err := secure.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	defer secure.Wipe(b)
	if err := s.cache.Set(ctx, sessionPrefix+rec.PeerID, b, s.ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Load returns nil, nil when no session exists for peerID.
func (s *SessionStore) Load(ctx context.Context, peerID string) (*Record, error) {
	b, err := s.cache.Get(ctx, sessionPrefix+peerID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var rec Record
	if err := secure.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.PeerID != peerID {
		return nil, fmt.Errorf("%w: peer mismatch", errCorruptRecord)
	}
	return &rec, nil
}

// Delete revokes the session for peerID.
func (s *SessionStore) Delete(ctx context.Context, peerID string) error {
	if _, err := s.cache.Delete(ctx, sessionPrefix+peerID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
