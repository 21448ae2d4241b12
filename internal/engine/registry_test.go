package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/logutil"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	epollFD, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(epollFD) })

	log, err := logutil.New("", "")
	require.NoError(t, err)

	return NewRegistry(epollFD, log, NewSharedCounter(new(int64)))
}

func newTestSocketPairConn(t *testing.T, srv *config.Server) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	require.NoError(t, SetNonblocking(fds[0]))
	return NewClientConnection(fds[0], srv), fds[1]
}

func TestRegistryInsertArmsIdleTimerAndTracksConnection(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}
	c, _ := newTestSocketPairConn(t, srv)

	require.NoError(t, r.Insert(c))

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get(c.Handle)
	assert.True(t, ok)
	assert.Same(t, c, got)
	assert.GreaterOrEqual(t, c.heapIndex, 0)

	d, ok := r.NextDeadline(time.Now())
	assert.True(t, ok)
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestRegistryCloseRemovesFromHeapAndMap(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}
	c, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(c))

	r.Close(c, "normal")

	assert.Equal(t, 0, r.Len())
	_, ok := r.Get(c.Handle)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, c.State)
	assert.Equal(t, -1, c.heapIndex)
}

func TestRegistryCloseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}
	c, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(c))

	r.Close(c, "normal")
	assert.NotPanics(t, func() { r.Close(c, "normal") })
}

func TestRegistryCloseCascadesToPairedConnection(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}
	client, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(client))

	upstreamFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(upstreamFDs[0])
		unix.Close(upstreamFDs[1])
	})
	require.NoError(t, SetNonblocking(upstreamFDs[0]))
	upstream := NewUpstreamConnection(upstreamFDs[0], client)
	require.NoError(t, r.Insert(upstream))

	r.Close(client, "normal")

	assert.Equal(t, StateClosed, client.State)
	assert.Equal(t, StateClosed, upstream.State)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryEvictExpiredClosesOnlyPastDeadline(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}

	expired, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(expired))
	r.heap.UpdateExpiry(expired.heapIndex, time.Now().Add(-time.Second))

	fresh, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(fresh))

	r.EvictExpired(time.Now())

	assert.Equal(t, StateClosed, expired.State)
	assert.Equal(t, StateReadingRequest, fresh.State)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySyncIdleTimerDisarmsForWritingState(t *testing.T) {
	r := newTestRegistry(t)
	srv := &config.Server{IdleTimeoutSeconds: 30}
	c, _ := newTestSocketPairConn(t, srv)
	require.NoError(t, r.Insert(c))
	require.GreaterOrEqual(t, c.heapIndex, 0)

	c.State = StateWritingResponse
	r.syncIdleTimer(c)

	assert.Equal(t, -1, c.heapIndex)
}
