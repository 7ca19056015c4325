package securitykeys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps the per-session ceremony state: a single challenge slot
// and the passwordless login marker.
//
// The challenge slot holds at most one value. Issuing a new challenge
// overwrites whatever was there, so only the latest ceremony can complete.
// Clearing is idempotent.
type SessionStore interface {
	SetChallenge(ctx context.Context, sessionID, challenge string) error
	// GetChallenge returns ErrNoActiveChallenge when the slot is empty or expired
	GetChallenge(ctx context.Context, sessionID string) (string, error)
	ClearChallenge(ctx context.Context, sessionID string) error

	// MarkPasswordless records which credential performed passwordless login
	// for this session
	MarkPasswordless(ctx context.Context, sessionID, credentialID string) error
	// GetPasswordless returns the marked credential ID, or "" when the session
	// did not log in with a security key
	GetPasswordless(ctx context.Context, sessionID string) (string, error)
	ClearPasswordless(ctx context.Context, sessionID string) error
}

const (
	challengeKeyPrefix    = "securitykeys:challenge:"
	passwordlessKeyPrefix = "securitykeys:passwordless:"
)

// RedisSessionStore implements SessionStore backed by Redis
type RedisSessionStore struct {
	client          *redis.Client
	challengeTTL    time.Duration
	passwordlessTTL time.Duration
}

// NewRedisSessionStore creates a Redis-backed session store. challengeTTL
// bounds how long issued options stay completable; passwordlessTTL should
// match the surrounding login session lifetime.
func NewRedisSessionStore(client *redis.Client, challengeTTL, passwordlessTTL time.Duration) *RedisSessionStore {
	if challengeTTL <= 0 {
		challengeTTL = 5 * time.Minute
	}
	if passwordlessTTL <= 0 {
		passwordlessTTL = 24 * time.Hour
	}
	return &RedisSessionStore{
		client:          client,
		challengeTTL:    challengeTTL,
		passwordlessTTL: passwordlessTTL,
	}
}

// SetChallenge stores the challenge, replacing any previous one
func (s *RedisSessionStore) SetChallenge(ctx context.Context, sessionID, challenge string) error {
	key := challengeKeyPrefix + sessionID
	if err := s.client.Set(ctx, key, challenge, s.challengeTTL).Err(); err != nil {
		return fmt.Errorf("set challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves the active challenge for the session
func (s *RedisSessionStore) GetChallenge(ctx context.Context, sessionID string) (string, error) {
	key := challengeKeyPrefix + sessionID
	challenge, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoActiveChallenge
		}
		return "", fmt.Errorf("get challenge: %w", err)
	}
	return challenge, nil
}

// ClearChallenge removes the challenge. Clearing an empty slot is not an error.
func (s *RedisSessionStore) ClearChallenge(ctx context.Context, sessionID string) error {
	key := challengeKeyPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear challenge: %w", err)
	}
	return nil
}

// MarkPasswordless records the credential that performed passwordless login
func (s *RedisSessionStore) MarkPasswordless(ctx context.Context, sessionID, credentialID string) error {
	key := passwordlessKeyPrefix + sessionID
	if err := s.client.Set(ctx, key, credentialID, s.passwordlessTTL).Err(); err != nil {
		return fmt.Errorf("mark passwordless: %w", err)
	}
	return nil
}

// GetPasswordless returns the marked credential ID, or "" when unset
func (s *RedisSessionStore) GetPasswordless(ctx context.Context, sessionID string) (string, error) {
	key := passwordlessKeyPrefix + sessionID
	credentialID, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get passwordless marker: %w", err)
	}
	return credentialID, nil
}

// ClearPasswordless removes the marker, idempotently. Conventional password
// authentication calls this so a later step-up may use any credential again.
func (s *RedisSessionStore) ClearPasswordless(ctx context.Context, sessionID string) error {
	key := passwordlessKeyPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear passwordless marker: %w", err)
	}
	return nil
}

// MemorySessionStore is an in-memory SessionStore for testing and development.
// TTLs are not enforced.
type MemorySessionStore struct {
	mu           sync.RWMutex
	challenges   map[string]string
	passwordless map[string]string
}

// NewMemorySessionStore creates an in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		challenges:   make(map[string]string),
		passwordless: make(map[string]string),
	}
}

func (s *MemorySessionStore) SetChallenge(ctx context.Context, sessionID, challenge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[sessionID] = challenge
	return nil
}

func (s *MemorySessionStore) GetChallenge(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	challenge, ok := s.challenges[sessionID]
	if !ok {
		return "", ErrNoActiveChallenge
	}
	return challenge, nil
}

func (s *MemorySessionStore) ClearChallenge(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, sessionID)
	return nil
}

func (s *MemorySessionStore) MarkPasswordless(ctx context.Context, sessionID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwordless[sessionID] = credentialID
	return nil
}

func (s *MemorySessionStore) GetPasswordless(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passwordless[sessionID], nil
}

func (s *MemorySessionStore) ClearPasswordless(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passwordless, sessionID)
	return nil
}
