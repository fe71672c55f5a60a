package tree

import (
	"strings"
	"sync"
)

// Normalize returns the canonical form used for question identity:
// lower-cased, whitespace-trimmed. The store applies the same form to its
// uniqueness constraint.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// DedupIndex is the set of every question already represented in one tree.
// Add is an atomic check-and-insert: concurrent calls with the same text
// yield exactly one true.
type DedupIndex struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedupIndex creates an empty index.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{seen: make(map[string]struct{})}
}

// Contains reports whether the normalized text is already present.
func (d *DedupIndex) Contains(text string) bool {
	key := Normalize(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Add inserts the normalized text. Returns true if newly inserted, false if
// it was already present.
func (d *DedupIndex) Add(text string) bool {
	key := Normalize(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Remove deletes the normalized text, undoing a speculative Add when child
// creation fails for a reason other than duplication.
func (d *DedupIndex) Remove(text string) {
	key := Normalize(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Size returns the number of distinct questions recorded.
func (d *DedupIndex) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Sample returns up to n recorded questions, used to show the oracle what has
// already been asked. Order is not specified.
func (d *DedupIndex) Sample(n int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || len(d.seen) == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for q := range d.seen {
		out = append(out, q)
		if len(out) == n {
			break
		}
	}
	return out
}
