package jobcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notif(at time.Time) *Notification {
	return &Notification{UpstreamJobID: "job", ReceivedAt: at}
}

func TestInsert_AssignsMonotonicIDsAndCurrent(t *testing.T) {
	c := New()
	base := time.Now()

	id1 := c.Insert(notif(base))
	id2 := c.Insert(notif(base.Add(time.Second)))

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, id2, c.Current().LocalID)
}

func TestAgeOut_NeverEvictsBelowThreeEntries(t *testing.T) {
	c := New()
	old := time.Now().Add(-time.Hour)
	c.Insert(notif(old))
	c.Insert(notif(old))

	reaped := c.AgeOut(time.Now())
	assert.Equal(t, 0, reaped)
	assert.Equal(t, 2, c.Len())
}

func TestAgeOut_KeepsThreeMostRecentRegardlessOfAge(t *testing.T) {
	c := New()
	base := time.Now()
	for i := 0; i < 10; i++ {
		c.Insert(notif(base.Add(time.Duration(i) * time.Second)))
	}

	now := base.Add(9*time.Second + 700*time.Second)
	reaped := c.AgeOut(now)

	assert.Equal(t, 7, reaped)
	assert.Equal(t, 3, c.Len())

	// the 3 survivors are the 3 most recently inserted
	for _, id := range []int64{8, 9, 10} {
		_, ok := c.Get(id)
		assert.True(t, ok, "expected local id %d to survive", id)
	}
}

func TestFlush_ClearsCurrentAndEntries(t *testing.T) {
	c := New()
	c.Insert(notif(time.Now()))

	c.Flush()

	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Current())
}

func TestGet_UnknownIDMisses(t *testing.T) {
	c := New()
	_, ok := c.Get(999)
	require.False(t, ok)
}
