package engine

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/logutil"
	"github.com/yourusername/edgeserve/internal/mimetype"
)

// maxWaitMillis bounds the readiness wait even when the heap is empty,
// so the loop periodically wakes for bookkeeping.
const maxWaitMillis = 1000

const maxEvents = 256

// Listener is a bound, listening, non-blocking socket plus the server
// block it was configured from.
type Listener struct {
	FD     int
	Server *config.Server
}

// Worker drives one worker process's entire event loop: one Registry,
// one epoll instance, a fixed set of listening sockets, and shutdown
// coordination. Exactly one Worker runs per process; no state is shared
// between workers except the accepted-connection counter.
type Worker struct {
	epollFD   int
	registry  *Registry
	listeners []Listener
	cfg       config.Config
	mime      *mimetype.Table
	log       *logutil.Logger
	shutdown  bool
}

// NewWorker creates the epoll instance and registers every listener for
// read-readiness. Each worker inherits its listening sockets already
// bound and builds its own readiness instance around them.
func NewWorker(cfg config.Config, listeners []Listener, mime *mimetype.Table, log *logutil.Logger, counter *SharedCounter) (*Worker, error) {
	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		epollFD:   epollFD,
		listeners: listeners,
		cfg:       cfg,
		mime:      mime,
		log:       log,
	}
	w.registry = NewRegistry(epollFD, log, counter)

	for _, l := range listeners {
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.FD)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, l.FD, ev); err != nil {
			unix.Close(epollFD)
			return nil, err
		}
	}
	return w, nil
}

// RequestShutdown sets the stop flag Run observes; the loop exits once
// the registry has drained.
func (w *Worker) RequestShutdown() { w.shutdown = true }

// listenerByFD finds the Listener record for an accept-ready fd.
func (w *Worker) listenerByFD(fd int) (Listener, bool) {
	for _, l := range w.listeners {
		if l.FD == fd {
			return l, true
		}
	}
	return Listener{}, false
}

// Run is the worker's event loop: wait for readiness, dispatch ready
// fds, accept new connections, evict idle ones, then repeat until
// shutdown is requested and the registry has drained.
func (w *Worker) Run() error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		waitMillis := maxWaitMillis
		if d, ok := w.registry.NextDeadline(time.Now()); ok {
			ms := int(d / time.Millisecond)
			if ms < waitMillis {
				waitMillis = ms
			}
		}

		n, err := unix.EpollWait(w.epollFD, events, waitMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if l, ok := w.listenerByFD(fd); ok {
				w.acceptLoop(l)
				continue
			}
			if c, ok := w.registry.Get(fd); ok {
				w.dispatch(c, events[i].Events)
			}
		}

		w.registry.EvictExpired(time.Now())

		if w.shutdown && w.registry.Len() == 0 {
			return nil
		}
	}
}

// acceptLoop drains the listener's accept queue until EAGAIN.
func (w *Worker) acceptLoop(l Listener) {
	for {
		connFD, sa, err := unix.Accept4(l.FD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if w.log != nil && w.log.Error != nil {
				w.log.Error.WithError(err).Warn("accept failed")
			}
			return
		}

		if w.cfg.MaxConnections > 0 && w.registry.Len() >= w.cfg.MaxConnections {
			unix.Close(connFD)
			continue
		}

		SetTCPNoDelay(connFD)

		c := NewClientConnection(connFD, l.Server)
		c.RemoteAddr = formatSockaddr(sa)
		if err := w.registry.Insert(c); err != nil {
			unix.Close(connFD)
			continue
		}
	}
}

// formatSockaddr renders an accepted peer's address as "ip:port", the
// form access log lines use for the remote field.
func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port))
	default:
		return ""
	}
}

// dispatch routes a readiness event to the connection state machine.
// Upstream-role and client-role sockets are dispatched separately since
// each carries its own State value for its own half of a proxied
// exchange.
func (w *Worker) dispatch(c *Connection, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if c.Role == RoleUpstream {
			w.failProxy(c, 502)
		} else {
			w.registry.Close(c, "socket error")
		}
		return
	}

	if c.Role == RoleUpstream {
		switch c.State {
		case StateConnectingUpstream:
			w.handleConnectReady(c)
		case StateWritingUpstream:
			w.handleUpstreamWritable(c)
		case StateReadingUpstream:
			w.handleUpstreamReadable(c)
		}
		return
	}

	switch c.State {
	case StateReadingRequest, StateReadingBody:
		w.handleReadable(c)
	case StateWritingResponse:
		w.handleWritable(c)
	case StateConnectingUpstream, StateWritingUpstream, StateReadingUpstream:
		w.handleClientDuringProxy(c, events)
	}
}
