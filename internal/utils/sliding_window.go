package utils

import (
	"sync"
	"time"
)

// SlidingWindow counts hits inside a trailing window. Safe for concurrent use.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   []time.Time
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

func (w *SlidingWindow) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	w.hits = append(w.hits, now)
	return len(w.hits)
}

func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	return len(w.hits)
}

// TryAdd records a hit only while fewer than max hits remain in the window.
func (w *SlidingWindow) TryAdd(now time.Time, max int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	if len(w.hits) >= max {
		return len(w.hits), false
	}
	w.hits = append(w.hits, now)
	return len(w.hits), true
}

func (w *SlidingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for _, hit := range w.hits {
		if hit.After(cutoff) {
			break
		}
		idx++
	}
	w.hits = w.hits[idx:]
}

// KeyedWindows holds one SlidingWindow per key, typically "guild:user".
type KeyedWindows struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]*SlidingWindow
}

func NewKeyedWindows(window time.Duration) *KeyedWindows {
	return &KeyedWindows{window: window, windows: make(map[string]*SlidingWindow)}
}

func (k *KeyedWindows) Get(key string) *SlidingWindow {
	k.mu.Lock()
	defer k.mu.Unlock()

	w, ok := k.windows[key]
	if !ok {
		w = NewSlidingWindow(k.window)
		k.windows[key] = w
	}
	return w
}

// Prune drops keys whose windows have emptied and returns how many were removed.
func (k *KeyedWindows) Prune(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, w := range k.windows {
		if w.Count(now) == 0 {
			delete(k.windows, key)
			removed++
		}
	}
	return removed
}

func (k *KeyedWindows) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
