package timeoutheap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingSink mirrors how a connection registry would store back-indices,
// letting tests assert the index-to-slot bijection holds after every
// mutation.
type trackingSink struct {
	index map[int32]int
}

func newTrackingSink() *trackingSink {
	return &trackingSink{index: make(map[int32]int)}
}

func (s *trackingSink) SetHeapIndex(handle int32, index int) {
	if index < 0 {
		delete(s.index, handle)
		return
	}
	s.index[handle] = index
}

func TestInsertAndPeekMin(t *testing.T) {
	sink := newTrackingSink()
	h := New(sink)
	base := time.Unix(1000, 0)

	h.Insert(1, base.Add(5*time.Second))
	h.Insert(2, base.Add(1*time.Second))
	h.Insert(3, base.Add(3*time.Second))

	handle, expires, ok := h.PeekMin()
	require.True(t, ok)
	assert.Equal(t, int32(2), handle)
	assert.Equal(t, base.Add(1*time.Second), expires)
	assert.Equal(t, 3, h.Len())
}

func TestPopMinOrdersByExpiry(t *testing.T) {
	sink := newTrackingSink()
	h := New(sink)
	base := time.Unix(1000, 0)

	handles := []int32{10, 11, 12, 13, 14}
	offsets := []time.Duration{9, 1, 7, 3, 5}
	for i, handle := range handles {
		h.Insert(handle, base.Add(offsets[i]*time.Second))
	}

	var order []int32
	for h.Len() > 0 {
		handle, _, ok := h.PopMin()
		require.True(t, ok)
		order = append(order, handle)
	}
	assert.Equal(t, []int32{11, 13, 14, 12, 10}, order)
}

func TestBackIndexBijectionAfterRemovals(t *testing.T) {
	sink := newTrackingSink()
	h := New(sink)
	base := time.Unix(1000, 0)

	for i := int32(0); i < 20; i++ {
		h.Insert(i, base.Add(time.Duration(20-i)*time.Second))
	}

	// Remove a handful of entries via their tracked back-index, the way
	// the engine removes a connection leaving a reading state.
	for _, handle := range []int32{5, 0, 19, 10} {
		idx, ok := sink.index[handle]
		require.True(t, ok)
		h.RemoveAt(idx)
	}

	// Every remaining handle's tracked index must point at an entry that
	// actually holds that handle.
	assert.Equal(t, h.Len(), len(sink.index))
	for handle, idx := range sink.index {
		got, _, ok := entryAt(h, idx)
		require.True(t, ok)
		assert.Equal(t, handle, got)
	}
}

func entryAt(h *Heap, idx int) (int32, time.Time, bool) {
	if idx < 0 || idx >= len(h.entries) {
		return 0, time.Time{}, false
	}
	return h.entries[idx].handle, h.entries[idx].expires, true
}

func TestUpdateExpirySiftsBothDirections(t *testing.T) {
	sink := newTrackingSink()
	h := New(sink)
	base := time.Unix(1000, 0)

	h.Insert(1, base.Add(10*time.Second))
	h.Insert(2, base.Add(20*time.Second))
	h.Insert(3, base.Add(30*time.Second))

	// Move handle 3 to the front.
	idx3 := sink.index[3]
	h.UpdateExpiry(idx3, base.Add(1*time.Second))
	handle, _, ok := h.PeekMin()
	require.True(t, ok)
	assert.Equal(t, int32(3), handle)

	// Move it back to the end.
	idx3 = sink.index[3]
	h.UpdateExpiry(idx3, base.Add(100*time.Second))
	handle, _, ok = h.PeekMin()
	require.True(t, ok)
	assert.NotEqual(t, int32(3), handle)
}

func TestNextDeadlineClampsAtZero(t *testing.T) {
	h := New(nil)
	now := time.Unix(1000, 0)

	_, ok := h.NextDeadline(now)
	assert.False(t, ok, "empty heap has no deadline")

	h.Insert(1, now.Add(-5*time.Second))
	d, ok := h.NextDeadline(now)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	h.Insert(2, now.Add(3*time.Second))
	d, ok = h.NextDeadline(now)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d, "still-expired entry 1 remains the minimum")
}

func TestEvictExpiredBoundsWorkToExpirations(t *testing.T) {
	h := New(nil)
	now := time.Unix(1000, 0)

	h.Insert(1, now.Add(-2*time.Second))
	h.Insert(2, now.Add(-1*time.Second))
	h.Insert(3, now.Add(5*time.Second))

	var evicted []int32
	h.EvictExpired(now, func(handle int32) { evicted = append(evicted, handle) })

	assert.ElementsMatch(t, []int32{1, 2}, evicted)
	assert.Equal(t, 1, h.Len())
}
