// Package engine implements the worker-process event engine: the
// per-connection state machine, the readiness loop, the buffered
// request/response pipeline for both the static-file and reverse-proxy
// paths, and the idle-timeout eviction pass. These concerns stay in one
// package rather than split across registry/conn/parser/proxy/loop
// subpackages because they are tightly coupled through a single
// worker-owned Registry and Heap — splitting them would just produce
// import cycles between packages that all need each other's types on
// every state transition.
//
// The connection state machine runs single-threaded and
// edge-triggered: one goroutine drives the whole readiness loop, and
// every read/write either completes, partially completes, or reports
// would-block — there is no per-connection goroutine or blocking call
// anywhere in this package.
package engine

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/engine/httpmsg"
)

// State is the connection-lifecycle variant.
type State int

const (
	StateReadingRequest State = iota
	StateReadingBody
	StateResolving
	StateConnectingUpstream
	StateWritingUpstream
	StateReadingUpstream
	StateWritingResponse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingRequest:
		return "reading-request"
	case StateReadingBody:
		return "reading-body"
	case StateResolving:
		return "resolving"
	case StateConnectingUpstream:
		return "connecting-upstream"
	case StateWritingUpstream:
		return "writing-upstream"
	case StateReadingUpstream:
		return "reading-upstream"
	case StateWritingResponse:
		return "writing-response"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distinguishes a client-facing socket from an upstream one.
type Role int

const (
	RoleClient Role = iota
	RoleUpstream
)

// responseBody is either an in-memory buffer or a file-backed body sent
// via zero-copy transfer.
type responseBody struct {
	mem    []byte
	file   *os.File
	fd     int
	size   int64
	offset int64
}

func (b *responseBody) isFile() bool { return b.file != nil }

// Connection is the per-socket record. One exists per open client
// socket and per open upstream socket while proxying.
type Connection struct {
	Handle     int // OS socket descriptor
	Role       Role
	RemoteAddr string // client's "ip:port", captured at accept; empty for upstream-role connections

	Paired *Connection // upstream<->client pairing; nil otherwise

	State State

	readBuf  []byte
	writeBuf []byte
	sent     int64 // bytes of writeBuf already written

	req        *httpmsg.Request
	bodyWanted int64
	bodyRecv   int64

	resp respDescriptor

	lastActivity time.Time
	heapIndex    int // -1 when not in the heap

	Server *config.Server // server block whose listen accepted this connection (config version pinned at accept time)

	requestCount int // keep-alive request counter for Keep-Alive: max=N
	traceID      string
	bytesSent    int64 // total response bytes written for the current request, for the access log

	keepAliveEligible bool
	relaying          bool // true while draining a backlogged proxy-relay chunk (see proxy_io.go)
}

// respDescriptor is the in-flight response state: valid during writing
// states.
type respDescriptor struct {
	status      int
	header      []byte
	headerSent  int
	body        responseBody
	bodyIsEmpty bool
}

// NewClientConnection builds a fresh client-role record immediately
// after accept.
func NewClientConnection(handle int, srv *config.Server) *Connection {
	return &Connection{
		Handle:       handle,
		Role:         RoleClient,
		State:        StateReadingRequest,
		heapIndex:    -1,
		lastActivity: time.Now(),
		Server:       srv,
		traceID:      uuid.NewString(),
	}
}

// NewUpstreamConnection builds the paired upstream-role record once the
// proxy client opens a backend socket.
func NewUpstreamConnection(handle int, client *Connection) *Connection {
	u := &Connection{
		Handle:       handle,
		Role:         RoleUpstream,
		State:        StateConnectingUpstream,
		heapIndex:    -1,
		lastActivity: time.Now(),
		Paired:       client,
	}
	client.Paired = u
	return u
}

// SetHeapIndex implements timeoutheap.IndexSink.
func (c *Connection) SetHeapIndex(_ int32, index int) { c.heapIndex = index }

// resetForNextRequest implements the entry-to-reading-request reset:
// read/response buffers, body cursor and content-length all clear, and
// lastActivity restarts. The caller re-arms the idle timer
// (Registry.syncIdleTimer) after the reset.
func (c *Connection) resetForNextRequest() {
	c.readBuf = c.readBuf[:0]
	c.writeBuf = nil
	c.sent = 0
	c.req = nil
	c.bodyWanted = 0
	c.bodyRecv = 0
	c.resp = respDescriptor{}
	c.bytesSent = 0
	c.lastActivity = time.Now()
	c.State = StateReadingRequest
}

// idleTimeout resolves the keep-alive idle window for this connection's
// owning server block, defaulting to 5s.
func (c *Connection) idleTimeout() time.Duration {
	if c.Server != nil {
		return c.Server.IdleTimeout()
	}
	return 5 * time.Second
}

// isIdleTrackedState reports whether this connection currently holds a
// slot in the timeout heap: reading states and the idle keep-alive rest
// are tracked; active writing and upstream I/O are not.
func isIdleTrackedState(s State) bool {
	switch s {
	case StateReadingRequest, StateReadingBody:
		return true
	default:
		return false
	}
}
