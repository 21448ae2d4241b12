// Package timeoutheap implements the idle-connection eviction heap: a
// binary min-heap of (expiry, connection handle) pairs with O(1) peek
// and O(log n) insert/remove/update, maintaining a back-index into the
// owning connection record on every swap.
//
// Every swap updates both affected back-indices before returning, and
// UpdateExpiry re-sifts from the known index instead of removing and
// reinserting, which would otherwise invalidate a still-live index held
// by another connection record.
package timeoutheap

import "time"

// IndexSink receives back-index updates as heap slots move. A connection
// registry implements this to keep each connection record's
// timeout-heap-index field in sync with its live slot, or -1 when the
// connection holds no slot at all.
type IndexSink interface {
	SetHeapIndex(handle int32, index int)
}

type entry struct {
	expires time.Time
	handle  int32
}

// Heap is a binary min-heap keyed by expiry. It is not safe for
// concurrent use — callers (the single-threaded readiness loop) own it
// exclusively.
type Heap struct {
	entries []entry
	sink    IndexSink
}

// New creates an empty heap. sink may be nil if the caller does not need
// back-index tracking (mainly useful in tests).
func New(sink IndexSink) *Heap {
	return &Heap{sink: sink}
}

// Len reports the number of live entries.
func (h *Heap) Len() int { return len(h.entries) }

func (h *Heap) setIndex(handle int32, index int) {
	if h.sink != nil {
		h.sink.SetHeapIndex(handle, index)
	}
}

func (h *Heap) swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.setIndex(h.entries[i].handle, i)
	h.setIndex(h.entries[j].handle, j)
}

func (h *Heap) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.entries[i].expires.Before(h.entries[parent].expires) {
			return i
		}
		h.swap(i, parent)
		i = parent
	}
	return i
}

func (h *Heap) siftDown(i int) {
	n := len(h.entries)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && h.entries[left].expires.Before(h.entries[smallest].expires) {
			smallest = left
		}
		if right < n && h.entries[right].expires.Before(h.entries[smallest].expires) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

// Insert adds handle with the given expiry and returns its heap index.
func (h *Heap) Insert(handle int32, expires time.Time) int {
	h.entries = append(h.entries, entry{expires: expires, handle: handle})
	idx := len(h.entries) - 1
	h.setIndex(handle, idx)
	return h.siftUp(idx)
}

// RemoveAt removes the entry at the given index (as tracked by the
// connection's back-index), filling the hole with the last entry and
// re-sifting it into place.
func (h *Heap) RemoveAt(index int) {
	n := len(h.entries)
	if index < 0 || index >= n {
		return
	}

	removedHandle := h.entries[index].handle
	h.setIndex(removedHandle, -1)

	last := n - 1
	h.entries[index] = h.entries[last]
	h.entries = h.entries[:last]

	if index < len(h.entries) {
		movedHandle := h.entries[index].handle
		h.setIndex(movedHandle, index)
		// Re-sift from whichever direction is correct; never
		// remove-then-reinsert, which would stomp a still-valid index
		// held by another connection record.
		if index > 0 && h.entries[index].expires.Before(h.entries[(index-1)/2].expires) {
			h.siftUp(index)
		} else {
			h.siftDown(index)
		}
	}
}

// UpdateExpiry changes the expiry of the entry currently at index and
// re-sifts it in the correct direction without removing it first.
func (h *Heap) UpdateExpiry(index int, expires time.Time) {
	if index < 0 || index >= len(h.entries) {
		return
	}
	old := h.entries[index].expires
	h.entries[index].expires = expires
	if expires.Before(old) {
		h.siftUp(index)
	} else {
		h.siftDown(index)
	}
}

// PeekMin returns the minimum entry without removing it.
func (h *Heap) PeekMin() (handle int32, expires time.Time, ok bool) {
	if len(h.entries) == 0 {
		return 0, time.Time{}, false
	}
	return h.entries[0].handle, h.entries[0].expires, true
}

// PopMin removes and returns the minimum entry.
func (h *Heap) PopMin() (handle int32, expires time.Time, ok bool) {
	handle, expires, ok = h.PeekMin()
	if ok {
		h.RemoveAt(0)
	}
	return
}

// NextDeadline returns the duration from now until the minimum expiry,
// clamped to >= 0, or ok=false when the heap is empty, in which case the
// readiness loop substitutes its own maximum wait.
func (h *Heap) NextDeadline(now time.Time) (d time.Duration, ok bool) {
	_, expires, has := h.PeekMin()
	if !has {
		return 0, false
	}
	d = expires.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// EvictExpired pops every entry whose expiry is at or before now, calling
// evict for each. This bounds per-iteration eviction work by the number
// of actual expirations rather than the total number of tracked
// connections.
func (h *Heap) EvictExpired(now time.Time, evict func(handle int32)) {
	for {
		handle, expires, ok := h.PeekMin()
		if !ok || expires.After(now) {
			return
		}
		h.RemoveAt(0)
		evict(handle)
	}
}
