package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const maxTrackedWindows = 100_000

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps windows in an expirable LRU. Entries outlive the longest
// configured window, so expiry only reclaims idle keys; resets are computed
// lazily from resetAt.
type MemoryStore struct {
	mu      sync.Mutex
	windows *lru.LRU[string, *window]
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultLimit.Window
	}
	return &MemoryStore{
		windows: lru.NewLRU[string, *window](maxTrackedWindows, nil, ttl),
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(limit.Window)}
		s.windows.Add(key, w)
	}
	if w.count >= limit.Max {
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: limit.Max - w.count}, nil
}

func (s *MemoryStore) Len() int {
	return s.windows.Len()
}
