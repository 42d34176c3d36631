package utils

import (
	"testing"
	"time"
)

func TestSlidingWindowAdd(t *testing.T) {
	window := NewSlidingWindow(2 * time.Second)
	now := time.Now()
	if count := window.Add(now); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	window.Add(now.Add(500 * time.Millisecond))
	if count := window.Count(now.Add(1 * time.Second)); count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	if count := window.Count(now.Add(3 * time.Second)); count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestSlidingWindowTryAdd(t *testing.T) {
	window := NewSlidingWindow(60 * time.Second)
	now := time.Now()
	if _, ok := window.TryAdd(now, 1); !ok {
		t.Fatalf("first hit should be accepted")
	}
	if _, ok := window.TryAdd(now.Add(30*time.Second), 1); ok {
		t.Fatalf("second hit inside the window should be refused")
	}
	if count, ok := window.TryAdd(now.Add(61*time.Second), 1); !ok || count != 1 {
		t.Fatalf("expected hit after window, got %d %v", count, ok)
	}
}

func TestKeyedWindowsPrune(t *testing.T) {
	windows := NewKeyedWindows(5 * time.Second)
	now := time.Now()
	windows.Get("g1:u1").Add(now)
	windows.Get("g1:u2").Add(now.Add(4 * time.Second))
	if windows.Get("g1:u1") != windows.Get("g1:u1") {
		t.Fatalf("expected stable window per key")
	}

	if removed := windows.Prune(now.Add(6 * time.Second)); removed != 1 {
		t.Fatalf("expected 1 pruned key, got %d", removed)
	}
	if windows.Len() != 1 {
		t.Fatalf("expected 1 remaining key, got %d", windows.Len())
	}
}
