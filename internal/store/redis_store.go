package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meetlite/signaling/internal/models"
)

// RedisStore keeps each session as one JSON document under a keyspace
// prefix. The TTL is set once at create; saves use KeepTTL so the
// retention window stays anchored to creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("store: marshal session %s: %w", session.SessionID, err)
	}
	return s.client.Set(ctx, s.key(session.SessionID), data, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", sessionID, err)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("store: unmarshal session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("store: marshal session %s: %w", session.SessionID, err)
	}
	// Write only while the key still exists: a plain SET with KEEPTTL
	// on a key that expired between Load and Save would recreate the
	// session with no TTL at all.
	ok, err := s.client.SetXX(ctx, s.key(session.SessionID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", session.SessionID, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}
