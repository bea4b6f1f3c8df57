package tokens

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	params  Params
	expires time.Time
}

// MemoryStore is a process-local Store. A janitor goroutine evicts expired
// tokens that were never fetched.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store. A non-positive janitor interval disables the
// background sweep; expired tokens are still rejected on Consume.
func NewMemoryStore(ttl, janitor time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if janitor > 0 {
		go s.janitor(janitor)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) Mint(_ context.Context, p Params) (string, error) {
	token := newToken()
	s.mu.Lock()
	s.entries[token] = memoryEntry{params: p, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (Params, error) {
	s.mu.Lock()
	entry, ok := s.entries[token]
	delete(s.entries, token)
	s.mu.Unlock()
	if !ok || !s.now().Before(entry.expires) {
		return Params{}, ErrNotFound
	}
	return entry.params, nil
}

// Sweep removes expired tokens.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if !now.Before(entry.expires) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
