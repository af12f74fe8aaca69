// Package jobcache implements the Notification Cache (C4): a hash-indexed
// store of received mining.notify payloads keyed by a locally-assigned id,
// with TTL-based eviction and a pointer to the most recently inserted entry.
package jobcache

import (
	"sync"
	"time"
)

// Notification is a decoded upstream mining.notify payload (§3).
type Notification struct {
	LocalID       int64
	UpstreamJobID string
	PrevHash      string
	Coinbase1     string
	Coinbase2     string
	MerkleBranch  []string // up to 16 entries, each 64 hex chars
	Version       string
	NBits         string
	NTime         string
	Clean         bool
	ReceivedAt    time.Time
}

// ageThreshold and minKept implement §3/§4.4: an entry is only a reap
// candidate once more than two younger entries exist (i.e. it is not among
// the 3 most recently inserted), and even then only once it is older than
// 600s. The 3 most recent entries are never evicted on age alone, which is
// what keeps work available through a quiet period.
const (
	ageThreshold = 600 * time.Second
	minKept      = 3
)

// Cache is the per-upstream notification table, guarded by its own mutex
// (notify_lock in §5). It never performs I/O or JSON decoding while locked.
type Cache struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*Notification
	order   []int64 // insertion order, oldest first, for efficient ageing
	current *Notification
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[int64]*Notification)}
}

// Insert assigns the next monotonic local id, publishes the notification,
// and sets it as current (§3 invariants: current_notify always aliases a
// live entry or is nil).
func (c *Cache) Insert(n *Notification) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	n.LocalID = c.nextID
	c.entries[n.LocalID] = n
	c.order = append(c.order, n.LocalID)
	c.current = n
	return n.LocalID
}

// Get looks up a notification by local id.
func (c *Cache) Get(id int64) (*Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[id]
	return n, ok
}

// Current returns the most recently inserted notification, or nil if the
// cache is empty.
func (c *Cache) Current() *Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// AgeOut reaps entries older than 600s, except the 3 most recently inserted,
// so work is always available after a quiet period; a table of 3 or fewer
// entries never evicts on age (§4.4, §8 boundary: size 2 never evicts).
func (c *Cache) AgeOut(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(c.order)
	candidateCount := total - minKept // entries with > 2 younger siblings
	if candidateCount <= 0 {
		return 0
	}

	cutoff := now.Add(-ageThreshold)
	reaped := 0
	kept := make([]int64, 0, total)
	for i, id := range c.order {
		n := c.entries[id]
		if i < candidateCount && n.ReceivedAt.Before(cutoff) {
			delete(c.entries, id)
			reaped++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return reaped
}

// Flush discards every entry (§4.4: on reconnect the notification cache is
// flushed entirely under the notify lock).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int64]*Notification)
	c.order = nil
	c.current = nil
}

// Len reports the number of live entries, mostly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
