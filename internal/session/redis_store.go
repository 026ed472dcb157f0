package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session entries in Redis with a TTL equal to the session
// lifetime. Suited for multi-instance deployments where the database store's
// write volume would be unwelcome.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store backed by the provided Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(sessionID, key string) string {
	return "session:" + sessionID + ":" + key
}

// Register sets the entry for (sessionID, key) with the session TTL.
func (s *RedisStore) Register(ctx context.Context, sessionID, key string, value []byte) error {
	if err := s.client.Set(ctx, redisKey(sessionID, key), value, Lifetime).Err(); err != nil {
		return fmt.Errorf("session: register %q: %w", key, err)
	}
	return nil
}

// Get retrieves the entry for (sessionID, key). Expiry is handled by Redis.
func (s *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, redisKey(sessionID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: get %q: %w", key, err)
	}
	return data, true, nil
}

// Unregister removes the entry for (sessionID, key).
func (s *RedisStore) Unregister(ctx context.Context, sessionID, key string) error {
	if err := s.client.Del(ctx, redisKey(sessionID, key)).Err(); err != nil {
		return fmt.Errorf("session: unregister %q: %w", key, err)
	}
	return nil
}
