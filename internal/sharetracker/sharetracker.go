// Package sharetracker implements the Share Tracker (C5): a hash-indexed
// store of outstanding upstream submissions keyed by a locally-assigned id,
// reaped unconditionally after 120s without a response.
package sharetracker

import (
	"sync"
	"time"
)

// InFlight is the correlation record for one submitted share (§3).
type InFlight struct {
	LocalID     int64
	ClientID    int64
	ClientMsgID int64
	LocalJobID  int64
	SubmittedAt time.Time
}

const reapAge = 120 * time.Second

// Tracker is the per-upstream outstanding-submission table (share_lock in §5).
type Tracker struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*InFlight
	order   []int64
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[int64]*InFlight)}
}

// Insert assigns the next monotonic local id and records the submission.
func (t *Tracker) Insert(clientID, clientMsgID, localJobID int64, at time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.entries[id] = &InFlight{
		LocalID:     id,
		ClientID:    clientID,
		ClientMsgID: clientMsgID,
		LocalJobID:  localJobID,
		SubmittedAt: at,
	}
	t.order = append(t.order, id)
	return id
}

// Remove deletes and returns the record for id, or (nil, false) if the id is
// unknown — either already reaped, or never submitted (§3: a late response
// for a removed entry is silently dropped with a log by the caller).
func (t *Tracker) Remove(id int64) (*InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	return rec, true
}

// AgeOut reaps every entry older than 120s, unconditionally (§4.4).
func (t *Tracker) AgeOut(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-reapAge)
	reaped := 0
	kept := t.order[:0]
	for _, id := range t.order {
		rec, ok := t.entries[id]
		if !ok {
			continue // already removed on response
		}
		if rec.SubmittedAt.Before(cutoff) {
			delete(t.entries, id)
			reaped++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return reaped
}

// Len reports the number of outstanding submissions, mostly for tests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
