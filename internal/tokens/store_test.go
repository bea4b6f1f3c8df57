package tokens

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/config"
)

var sample = Params{Text: "Hello there.", VoiceID: "voice-1", ModelID: "model-1", Stability: 0.4, Similarity: 0.8}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:", ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestConsumeIsSingleUse(t *testing.T) {
	redisStore, _ := newRedisStore(t, time.Minute)
	drivers := map[string]Store{
		"memory": NewMemoryStore(time.Minute, 0, nil),
		"redis":  redisStore,
	}
	for name, store := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := store.Mint(ctx, sample)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			got, err := store.Consume(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, sample, got)

			_, err = store.Consume(ctx, token)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.Consume(ctx, "never-minted")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentConsumeSucceedsOnce(t *testing.T) {
	redisStore, _ := newRedisStore(t, time.Minute)
	drivers := map[string]Store{
		"memory": NewMemoryStore(time.Minute, 0, nil),
		"redis":  redisStore,
	}
	for name, store := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := store.Mint(ctx, sample)
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Consume(ctx, token); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := NewMemoryStore(5*time.Minute, 0, clock)
	defer store.Close()

	ctx := context.Background()
	expired, err := store.Mint(ctx, sample)
	require.NoError(t, err)
	_, err = store.Mint(ctx, sample)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()

	_, err = store.Consume(ctx, expired)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 0, store.Len())
}

func TestMemoryJanitorStops(t *testing.T) {
	store := NewMemoryStore(time.Millisecond, 5*time.Millisecond, nil)
	_, err := store.Mint(context.Background(), sample)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestRedisExpiry(t *testing.T) {
	store, mr := newRedisStore(t, 5*time.Minute)
	ctx := context.Background()
	token, err := store.Mint(ctx, sample)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:"+token))

	mr.FastForward(6 * time.Minute)
	_, err = store.Consume(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSelectsDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := New(config.TokensConfig{Driver: "redis", RedisAddr: mr.Addr(), TTLSeconds: 60})
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*RedisStore)
	assert.True(t, ok)

	mem, err := New(config.TokensConfig{Driver: "memory", TTLSeconds: 60})
	require.NoError(t, err)
	defer mem.Close()
	_, ok = mem.(*MemoryStore)
	assert.True(t, ok)

	_, err = New(config.TokensConfig{Driver: "etcd"})
	assert.Error(t, err)
}
