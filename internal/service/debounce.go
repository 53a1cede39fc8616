package service

import (
	"sync"
	"time"
)

// DebounceGuard suppresses repeated handover emissions for a conversation
// within a window of the last emission.
type DebounceGuard struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

// NewDebounceGuard creates a guard with the given window.
func NewDebounceGuard(window time.Duration) *DebounceGuard {
	return &DebounceGuard{window: window, last: make(map[string]time.Time)}
}

// ShouldEmit reports whether an emission for conversationID is allowed at
// now, recording it when it is. Check and record are atomic.
func (g *DebounceGuard) ShouldEmit(conversationID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[conversationID]; ok && now.Sub(prev) < g.window {
		return false
	}
	g.last[conversationID] = now
	return true
}

// Sweep forgets emissions older than the window and returns how many were
// removed.
func (g *DebounceGuard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, at := range g.last {
		if now.Sub(at) >= g.window {
			delete(g.last, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked conversations.
func (g *DebounceGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
