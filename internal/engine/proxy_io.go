package engine

import (
	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/config"
)

// proxyTargetCache caches resolved upstream hosts for the whole worker,
// keyed by rule prefix and URL, so repeated requests to the same proxy
// rule reuse the cached resolution instead of re-resolving DNS on every
// request.
var proxyTargetCache = map[string]*proxyTarget{}

func cachedProxyTarget(rule config.ProxyRule) (*proxyTarget, error) {
	if t, ok := proxyTargetCache[rule.Prefix+"|"+rule.URL]; ok {
		return t, nil
	}
	t, err := newProxyTarget(rule)
	if err != nil {
		return nil, err
	}
	proxyTargetCache[rule.Prefix+"|"+rule.URL] = t
	return t, nil
}

// startProxy initiates the non-blocking upstream connect for a proxy
// rule match.
func (w *Worker) startProxy(c *Connection, rule config.ProxyRule) {
	target, err := cachedProxyTarget(rule)
	if err != nil {
		w.respondError(c, 502, c.keepAliveEligible)
		return
	}
	ip, err := target.resolve()
	if err != nil {
		w.respondError(c, 502, c.keepAliveEligible)
		return
	}

	fd, connected, err := dialUpstreamNonBlocking(ip, target.port)
	if err != nil {
		w.respondError(c, 502, c.keepAliveEligible)
		return
	}

	upstream := NewUpstreamConnection(fd, c)
	upstream.writeBuf = buildUpstreamRequest(c, rule, target.host, target.port)
	c.State = StateConnectingUpstream
	w.registry.syncIdleTimer(c)

	if err := w.registry.Insert(upstream); err != nil {
		unix.Close(fd)
		w.respondError(c, 502, c.keepAliveEligible)
		return
	}

	if connected {
		w.beginUpstreamWrite(upstream)
		return
	}
	w.registry.SetInterest(upstream, unix.EPOLLOUT|epollET)
}

// handleConnectReady inspects a non-blocking connect's result once the
// upstream socket reports write-readiness.
func (w *Worker) handleConnectReady(upstream *Connection) {
	if err := PendingConnectError(upstream.Handle); err != nil {
		w.failProxy(upstream, 502)
		return
	}
	w.beginUpstreamWrite(upstream)
}

func (w *Worker) beginUpstreamWrite(upstream *Connection) {
	upstream.State = StateWritingUpstream
	if client := upstream.Paired; client != nil {
		client.State = StateWritingUpstream
	}
	w.registry.SetInterest(upstream, unix.EPOLLOUT|epollET)
	w.handleUpstreamWritable(upstream)
}

// handleUpstreamWritable sends the buffered rewritten request to the
// upstream.
func (w *Worker) handleUpstreamWritable(upstream *Connection) {
	n, wouldBlock, err := writeAvailable(upstream.Handle, upstream.writeBuf[upstream.sent:])
	upstream.sent += int64(n)
	if err != nil {
		w.failProxy(upstream, 502)
		return
	}
	if wouldBlock {
		return
	}
	if int(upstream.sent) < len(upstream.writeBuf) {
		return
	}

	upstream.State = StateReadingUpstream
	if client := upstream.Paired; client != nil {
		client.State = StateReadingUpstream
	}
	w.registry.SetInterest(upstream, unix.EPOLLIN|epollET)
}

// handleUpstreamReadable streams upstream response bytes to the
// paired client as-is — the upstream response is never parsed beyond
// knowing it arrived; bytes are forwarded opaquely until EOF.
func (w *Worker) handleUpstreamReadable(upstream *Connection) {
	data, eof, err := readAvailable(upstream.Handle)
	client := upstream.Paired

	if err != nil {
		w.failProxy(upstream, 502)
		return
	}

	if len(data) > 0 && client != nil {
		w.relayToClient(client, data)
	}

	if eof {
		w.finishProxy(upstream)
	}
}

// relayToClient forwards bytes from the upstream directly to the
// client socket, buffering any portion that would block rather than
// dropping it.
func (w *Worker) relayToClient(client *Connection, data []byte) {
	// A backlog from an earlier chunk must drain before new bytes are
	// written directly, or bytes would be sent out of order.
	if int(client.sent) < len(client.resp.body.mem) {
		client.resp.body.mem = append(client.resp.body.mem, data...)
		return
	}

	n, wouldBlock, err := writeAvailable(client.Handle, data)
	client.bytesSent += int64(n)
	if err != nil {
		w.registry.Close(client, "client write error during relay")
		return
	}
	if wouldBlock && n < len(data) {
		client.resp.body.mem = data[n:]
		client.sent = 0
		client.relaying = true
		client.State = StateWritingResponse
		w.registry.SetInterest(client, unix.EPOLLOUT|epollET)
	}
}

// finishProxy tears down the upstream once it reaches EOF and decides
// whether the client returns to reading-request (keep-alive) or closes.
func (w *Worker) finishProxy(upstream *Connection) {
	client := upstream.Paired
	upstream.Paired = nil
	if client != nil {
		client.Paired = nil
	}
	w.registry.Close(upstream, "normal")

	if client == nil {
		return
	}
	if int(client.sent) < len(client.resp.body.mem) {
		// Pending relay bytes still buffered; handleWritable drains
		// them on the next writable event and calls finishResponse
		// once fully sent.
		return
	}
	w.finishResponse(client)
}

// handleClientDuringProxy services the client side of a connection
// while its paired upstream exchange is in flight. The client is not
// expected to send more bytes mid-proxy, so any readiness event here
// is either a peer close (if the client closes, the upstream is torn
// down too) or a writable event draining a backlogged relay chunk.
func (w *Worker) handleClientDuringProxy(c *Connection, events uint32) {
	if events&unix.EPOLLOUT != 0 && c.relaying {
		w.handleWritable(c)
		if c.State == StateClosed {
			return
		}
	}
	if events&unix.EPOLLIN != 0 {
		data, eof, err := readAvailable(c.Handle)
		if err != nil || (eof && len(data) == 0) {
			if upstream := c.Paired; upstream != nil {
				c.Paired = nil
				upstream.Paired = nil
				w.registry.Close(upstream, "client closed mid-proxy")
			}
			w.registry.Close(c, "normal")
		}
		// Any other bytes received mid-proxy are discarded: pipelining
		// a second request while the first is still being proxied is
		// not supported.
	}
}

// failProxy sends a 502 if no response bytes have reached the client
// yet, otherwise closes the client connection bare with no further
// bytes.
func (w *Worker) failProxy(upstream *Connection, status int) {
	client := upstream.Paired
	upstream.Paired = nil
	if client != nil {
		client.Paired = nil
	}
	w.registry.Close(upstream, "upstream failure")

	if client == nil {
		return
	}
	if client.bytesSent == 0 && len(client.resp.body.mem) == 0 {
		w.respondError(client, status, client.keepAliveEligible)
		return
	}
	w.registry.Close(client, "upstream failed mid-stream")
}
