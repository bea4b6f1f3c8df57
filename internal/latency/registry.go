package latency

import (
	"context"
	"sync"
	"time"
)

type registryEntry struct {
	record  *Record
	expires time.Time
}

// Registry keeps turn records addressable by turn id until they expire.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]registryEntry
}

func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{ttl: ttl, now: now, entries: make(map[string]registryEntry)}
}

// Put registers rec under turnID, refreshing its expiry.
func (r *Registry) Put(turnID string, rec *Record) {
	r.mu.Lock()
	r.entries[turnID] = registryEntry{record: rec, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// Get returns the current summary of a live record.
func (r *Registry) Get(turnID string) (Summary, bool) {
	r.mu.Lock()
	entry, ok := r.entries[turnID]
	if ok && !r.now().Before(entry.expires) {
		delete(r.entries, turnID)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	return entry.record.Summary(), true
}

// Sweep drops expired records and reports how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.entries {
		if !now.Before(entry.expires) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps on interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
