package services

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupSet remembers processed message ids. It is bounded by capacity and
// each id is forgotten after ttl, so a long session does not grow it forever.
type DedupSet struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewDedupSet creates a set holding at most capacity ids for ttl each.
// A zero capacity means unbounded and a zero ttl means ids never expire.
func NewDedupSet(capacity int, ttl time.Duration) *DedupSet {
	return &DedupSet{seen: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

// Add records id and reports whether it was new. Exactly one concurrent
// caller wins for any id.
func (d *DedupSet) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen.Peek(id); ok {
		return false
	}
	d.seen.Add(id, struct{}{})
	return true
}

func (d *DedupSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen.Peek(id)
	return ok
}

func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

// Reset forgets every id, for a new session.
func (d *DedupSet) Reset() {
	d.mu.Lock()
	d.seen.Purge()
	d.mu.Unlock()
}
