package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "fityard:access_token"

// RedisStore shares one token between console replicas. Entries expire with
// the token they hold.
type RedisStore struct {
	rdb       redis.UniversalClient
	key       string
	inspector *Inspector
	timeout   time.Duration
}

// NewRedisStore returns a store writing key on rdb. An empty key uses the default.
func NewRedisStore(rdb redis.UniversalClient, key string, inspector *Inspector) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	if inspector == nil {
		inspector = NewInspector(nil)
	}
	return &RedisStore{rdb: rdb, key: key, inspector: inspector, timeout: 2 * time.Second}
}

func (s *RedisStore) Store(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	var ttl time.Duration
	if claims, err := s.inspector.Decode(token); err == nil && claims.HasExpiry() {
		ttl = claims.ExpiresAt.Sub(s.inspector.now())
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key).Result()
	if err != nil {
		return "", false
	}
	return val, val != ""
}

func (s *RedisStore) Remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete token: %w", err)
	}
	return nil
}
