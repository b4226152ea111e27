package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// challengeTTL bounds how long an issued verification challenge stays valid.
const challengeTTL = 5 * time.Minute

// ErrChallengeNotFound covers missing, expired and already-consumed
// challenges alike.
var ErrChallengeNotFound = errors.New("mfa: challenge not found")

// ChallengeStore keeps pending verification challenges keyed by user with a
// TTL. It is an injected capability so multi-instance deployments can share
// one backing store instead of process-local state.
type ChallengeStore interface {
	Put(ctx context.Context, userID, challenge string, ttl time.Duration) error
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
}

// BeginChallenge issues a new opaque challenge for the user, replacing any
// pending one.
func (g *Guard) BeginChallenge(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: generate challenge: %w", err)
	}
	challenge := base64.RawURLEncoding.EncodeToString(buf)
	if err := g.challenges.Put(ctx, userID, challenge, challengeTTL); err != nil {
		return "", fmt.Errorf("mfa: store challenge: %w", err)
	}
	return challenge, nil
}

// CompleteChallenge consumes a pending challenge and stamps the user's
// verification time. The cryptographic factor check (TOTP/WebAuthn) happens
// in the calling layer; this records its successful outcome.
func (g *Guard) CompleteChallenge(ctx context.Context, userID, challenge string) error {
	stored, err := g.challenges.Get(ctx, userID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(challenge)) != 1 {
		return ErrChallengeNotFound
	}
	if err := g.challenges.Delete(ctx, userID); err != nil {
		return err
	}
	return g.statuses.MarkMFAVerified(ctx, userID, g.now().UTC())
}

// RedisChallengeStore backs challenges with redis; the key TTL is the
// challenge validity window.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore wraps an existing client.
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, prefix: "mfa:challenge:"}
}

func (s *RedisChallengeStore) Put(ctx context.Context, userID, challenge string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+userID, challenge, ttl).Err()
}

func (s *RedisChallengeStore) Get(ctx context.Context, userID string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrChallengeNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.prefix+userID).Err()
}

// MemoryChallengeStore is the single-process fallback used by tests and
// default wiring without redis.
type MemoryChallengeStore struct {
	mu  sync.Mutex
	m   map[string]memoryChallenge
	now func() time.Time
}

type memoryChallenge struct {
	value     string
	expiresAt time.Time
}

// NewMemoryChallengeStore creates an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{m: make(map[string]memoryChallenge), now: time.Now}
}

func (s *MemoryChallengeStore) Put(ctx context.Context, userID, challenge string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[userID] = memoryChallenge{value: challenge, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[userID]
	if !ok || s.now().After(c.expiresAt) {
		delete(s.m, userID)
		return "", ErrChallengeNotFound
	}
	return c.value, nil
}

func (s *MemoryChallengeStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, userID)
	return nil
}
