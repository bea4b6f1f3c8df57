package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "loqa:delivery:"

// RedisStore shares tokens across instances. Expiry is delegated to redis and
// consumption uses GETDEL so two concurrent fetches cannot both succeed.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(token string) string { return s.prefix + token }

func (s *RedisStore) Mint(ctx context.Context, p Params) (string, error) {
	val, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	token := newToken()
	if err := s.client.Set(ctx, s.key(token), val, s.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (Params, error) {
	val, err := s.client.GetDel(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Params{}, ErrNotFound
	}
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := json.Unmarshal(val, &p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
