// Package tokens maps single-use, time-limited delivery tokens to the exact
// synthesis parameters they authorize.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrNotFound is returned for unknown, expired or already consumed tokens.
var ErrNotFound = errors.New("delivery token not found")

// Params is everything needed to reproduce one audio stream.
type Params struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	ModelID    string  `json:"model_id"`
	Stability  float64 `json:"stability"`
	Similarity float64 `json:"similarity"`
}

// Store mints and consumes delivery tokens. Consume is destructive: the
// mapping is gone after the first call whether or not the caller succeeds.
type Store interface {
	Mint(ctx context.Context, p Params) (string, error)
	Consume(ctx context.Context, token string) (Params, error)
	Close() error
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New builds the store selected by cfg.Driver.
func New(cfg config.TokensConfig) (Store, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(ttl, time.Duration(cfg.JanitorInterval)*time.Millisecond, nil), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(client, cfg.KeyPrefix, ttl), nil
	default:
		return nil, fmt.Errorf("unknown token driver %q", cfg.Driver)
	}
}
