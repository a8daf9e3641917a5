// Package visibility tracks which conversation messages are on screen.
//
// The UI pushes the complete list on every viewport change; the set is
// replaced wholesale, never merged. Readers take an immutable snapshot.
package visibility

import (
	"sort"
	"sync"
)

// Set is an immutable set of visible message ids.
type Set map[string]struct{}

// Contains reports whether messageID is visible. A nil Set contains nothing.
func (s Set) Contains(messageID string) bool {
	_, ok := s[messageID]
	return ok
}

// IDs returns the members in sorted order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Tracker holds the current visible set. Safe for concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	cur Set
}

// NewTracker returns a Tracker with nothing visible.
func NewTracker() *Tracker {
	return &Tracker{cur: Set{}}
}

// Replace swaps in a new visible set built from messageIDs. Empty ids are
// ignored. It reports whether the set actually changed.
func (t *Tracker) Replace(messageIDs []string) bool {
	next := make(Set, len(messageIDs))
	for _, id := range messageIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := !equal(t.cur, next)
	t.cur = next
	return changed
}

// Snapshot returns the current set. Callers must not modify it.
func (t *Tracker) Snapshot() Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Contains reports whether messageID is currently visible.
func (t *Tracker) Contains(messageID string) bool {
	return t.Snapshot().Contains(messageID)
}

// Len returns the number of visible messages.
func (t *Tracker) Len() int {
	return len(t.Snapshot())
}

func equal(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
