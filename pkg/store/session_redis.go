package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore resolves session tokens issued by the auth frontend.
// Tokens live in Redis with a TTL managed by the issuer; this service
// only reads them.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore builds a Redis-backed session resolver.
func NewRedisSessionStore(addr, password, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "rechat:session:"
	}
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// UserIDByToken resolves a token to a user ID.
func (s *RedisSessionStore) UserIDByToken(ctx context.Context, token string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, s.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
