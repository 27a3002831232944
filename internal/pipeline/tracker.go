package pipeline

import (
	"sort"
	"sync"
)

// Tracker is the in-memory registry of items in the current run, keyed by
// stem. It enforces at most one item per stem.
type Tracker struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{items: make(map[string]*Item)}
}

// Claim registers item under its stem. It returns false, and registers
// nothing, when another item already holds the stem.
func (t *Tracker) Claim(item *Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.items[item.Stem]; taken {
		return false
	}
	t.items[item.Stem] = item
	return true
}

// Find returns a clone of the item registered under stem.
func (t *Tracker) Find(stem string) (*Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.items[stem]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// List returns clones of all items ordered by source path.
func (t *Tracker) List() []*Item {
	t.mu.RLock()
	result := make([]*Item, 0, len(t.items))
	for _, it := range t.items {
		result = append(result, it.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// Counts returns how many items are in each state.
func (t *Tracker) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[State]int)
	for _, it := range t.items {
		counts[it.GetState()]++
	}
	return counts
}

// Len returns the number of claimed stems.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
