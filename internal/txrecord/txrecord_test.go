package txrecord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRing_StartThenComplete(t *testing.T) {
	r := New(10)

	now := time.Now()
	id := r.Start("0xagent", "0xhash", 21000, now)

	counters := r.Counters()
	assert.Equal(t, uint64(1), counters.Pending)
	assert.Equal(t, uint64(0), counters.Confirmed)

	r.Complete(id, true, "0xtxhash", "0xpaytxhash", 21000, now.Add(time.Second))

	counters = r.Counters()
	assert.Equal(t, uint64(0), counters.Pending)
	assert.Equal(t, uint64(1), counters.Confirmed)

	rec, ok := r.Get(id)
	assert.True(t, ok)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, "0xtxhash", rec.ForwarderTxHash)
}

func TestRing_CompleteFailure(t *testing.T) {
	r := New(10)
	now := time.Now()

	id := r.Start("0xagent", "0xhash", 21000, now)
	r.Complete(id, false, "", "0xpaytxhash", 0, now)

	counters := r.Counters()
	assert.Equal(t, uint64(1), counters.Failed)
	assert.Equal(t, uint64(0), counters.Confirmed)
}

func TestRing_CompleteUnknownIDIsNoop(t *testing.T) {
	r := New(10)
	r.Complete("does-not-exist", true, "0xtxhash", "0xpaytxhash", 0, time.Now())

	counters := r.Counters()
	assert.Equal(t, Counters{}, counters)
}

func TestRing_EvictsOldestBeyondCapacity(t *testing.T) {
	r := New(1)

	first := r.Start("agent-1", "hash-1", 21000, time.Now())
	r.Start("agent-2", "hash-2", 21000, time.Now())

	_, ok := r.Get(first)
	assert.False(t, ok, "capacity-1 ring should have evicted the first record")
}
