package handshake

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/pkg/protocol"
)

const challengePrefix = "challenge:"

// ChallengeStore issues single-use handshake challenges.
type ChallengeStore struct {
	cache kv.Cache
	ttl   time.Duration
}

func NewChallengeStore(cache kv.Cache, ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{cache: cache, ttl: ttl}
}

// Issue creates a challenge valid for the store's TTL.
func (s *ChallengeStore) Issue(ctx context.Context) (string, error) {
	token := uuid.NewString()
	issued := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.cache.Set(ctx, challengePrefix+token, []byte(issued), s.ttl); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return token, nil
}

// Consume deletes the challenge. Of several concurrent callers presenting
// the same token, at most one succeeds.
func (s *ChallengeStore) Consume(ctx context.Context, token string) error {
	if token == "" {
		return protocol.ErrChallengeInvalid
	}
	ok, err := s.cache.Delete(ctx, challengePrefix+token)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return protocol.ErrChallengeInvalid
	}
	return nil
}
