package engine

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/engine/timeoutheap"
	"github.com/yourusername/edgeserve/internal/logutil"
)

// Registry is the mapping from socket handle to connection record,
// owning every record's lifetime. One Registry exists per worker; it is
// never shared across workers.
type Registry struct {
	byHandle map[int]*Connection
	heap     *timeoutheap.Heap
	epollFD  int
	log      *logutil.Logger
	counter  *SharedCounter
}

// NewRegistry creates an empty registry bound to epollFD for readiness
// (de)registration and counter for the shared accepted-connection
// total.
func NewRegistry(epollFD int, log *logutil.Logger, counter *SharedCounter) *Registry {
	r := &Registry{
		byHandle: make(map[int]*Connection, 256),
		epollFD:  epollFD,
		log:      log,
		counter:  counter,
	}
	r.heap = timeoutheap.New(registrySink{r})
	return r
}

// registrySink adapts Registry to timeoutheap.IndexSink, looking the
// connection back up by handle since the heap only knows int32 handles,
// not *Connection pointers.
type registrySink struct{ r *Registry }

func (s registrySink) SetHeapIndex(handle int32, index int) {
	if c, ok := s.r.byHandle[int(handle)]; ok {
		c.heapIndex = index
	}
}

// Len reports the number of live connection records (both roles).
func (r *Registry) Len() int { return len(r.byHandle) }

// Insert registers c under its handle, arms its idle timer if its state
// is read-tracked, and adds epoll interest for read readiness.
func (r *Registry) Insert(c *Connection) error {
	r.byHandle[c.Handle] = c
	if c.Role == RoleClient && r.counter != nil {
		r.counter.Add(1)
	}
	if isIdleTrackedState(c.State) {
		r.armIdleTimer(c)
	}
	return r.SetInterest(c, unix.EPOLLIN|epollET)
}

// Get looks up a connection record by handle.
func (r *Registry) Get(handle int) (*Connection, bool) {
	c, ok := r.byHandle[handle]
	return c, ok
}

// armIdleTimer inserts or re-inserts c into the timeout heap with a
// fresh deadline.
func (r *Registry) armIdleTimer(c *Connection) {
	if c.heapIndex >= 0 {
		r.heap.UpdateExpiry(c.heapIndex, time.Now().Add(c.idleTimeout()))
		return
	}
	r.heap.Insert(int32(c.Handle), time.Now().Add(c.idleTimeout()))
}

// disarmIdleTimer removes c from the heap if it currently holds a slot,
// for the writing/upstream states excluded from timeout tracking.
func (r *Registry) disarmIdleTimer(c *Connection) {
	if c.heapIndex >= 0 {
		r.heap.RemoveAt(c.heapIndex)
	}
}

// syncIdleTimer arms or disarms c's heap slot to match its current
// state, called after every state transition.
func (r *Registry) syncIdleTimer(c *Connection) {
	if isIdleTrackedState(c.State) {
		r.armIdleTimer(c)
	} else {
		r.disarmIdleTimer(c)
	}
}

// NextDeadline exposes the heap's wait calculation for the readiness
// loop.
func (r *Registry) NextDeadline(now time.Time) (time.Duration, bool) {
	return r.heap.NextDeadline(now)
}

// EvictExpired closes every connection whose idle deadline has passed,
// bounding the eviction pass's work to the number of actual
// expirations.
func (r *Registry) EvictExpired(now time.Time) {
	r.heap.EvictExpired(now, func(handle int32) {
		if c, ok := r.byHandle[int(handle)]; ok {
			r.Close(c, "idle timeout")
		}
	})
}

// Close tears down c: deregisters epoll interest, removes any heap
// slot, closes the socket and body file, and recursively closes any
// paired upstream/client connection.
func (r *Registry) Close(c *Connection, reason string) {
	if c.State == StateClosed {
		return
	}
	c.State = StateClosed
	r.disarmIdleTimer(c)
	unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, c.Handle, nil)
	unix.Close(c.Handle)
	if c.resp.body.file != nil {
		c.resp.body.file.Close()
	}
	delete(r.byHandle, c.Handle)

	if r.log != nil && r.log.Error != nil && reason != "" && reason != "normal" {
		r.log.Error.WithField("handle", c.Handle).WithField("trace", c.traceID).Warn(reason)
	}

	if paired := c.Paired; paired != nil && paired.State != StateClosed {
		c.Paired = nil
		paired.Paired = nil
		r.Close(paired, "peer closed")
	}
}

// SetInterest updates epoll interest for c's socket to events.
func (r *Registry) SetInterest(c *Connection, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(c.Handle)}
	err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_MOD, c.Handle, ev)
	if err == unix.ENOENT {
		return unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, c.Handle, ev)
	}
	return err
}

// epollET is the edge-triggered flag, split out for readability at call
// sites.
const epollET = unix.EPOLLET
