package engine

import "sync/atomic"

// SharedCounter wraps the one piece of state shared, writable, and
// accessed across worker processes: the total accepted-connection
// count. The --status CLI command does not read it. The backing memory is a
// memfd-backed mmap segment the supervisor creates before forking
// workers; each worker gets a *int64 pointing into that same physical
// page, so a plain atomic add here is already cross-process safe — no
// further locking is layered on top.
type SharedCounter struct {
	slot *int64
}

// NewSharedCounter wraps a pointer into shared memory. Callers obtain
// slot from the mmap'd segment the supervisor sets up.
func NewSharedCounter(slot *int64) *SharedCounter {
	return &SharedCounter{slot: slot}
}

// Add atomically increments the counter by delta and returns the new
// total.
func (c *SharedCounter) Add(delta int64) int64 {
	if c == nil || c.slot == nil {
		return 0
	}
	return atomic.AddInt64(c.slot, delta)
}

// Load atomically reads the current total.
func (c *SharedCounter) Load() int64 {
	if c == nil || c.slot == nil {
		return 0
	}
	return atomic.LoadInt64(c.slot)
}
