package engine

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/engine/httpmsg"
	"github.com/yourusername/edgeserve/internal/engine/sendfile"
	"github.com/yourusername/edgeserve/internal/logutil"
)

// workerPID is cached once: every access log line from this process
// carries the same worker field, and os.Getpid() never changes after
// start.
var workerPID = os.Getpid()

const readChunkSize = 16 << 10

// chunkPool recycles the scratch buffer readAvailable drains each
// unix.Read into, keeping the edge-triggered read loop allocation-free
// on the hot path via a real pooling library rather than a hand-rolled
// sync.Pool wrapper.
var chunkPool bytebufferpool.Pool

// readAvailable drains fd until EAGAIN, the mandatory discipline under
// edge-triggered readiness: each read/write must loop until the
// syscall reports would-block, since partial I/O is the expected
// common case.
func readAvailable(fd int) (data []byte, eof bool, err error) {
	tmp := chunkPool.Get()
	tmp.B = tmp.B[:cap(tmp.B)]
	if len(tmp.B) < readChunkSize {
		tmp.B = make([]byte, readChunkSize)
	}
	defer chunkPool.Put(tmp)

	for {
		n, rerr := unix.Read(fd, tmp.B)
		if n > 0 {
			data = append(data, tmp.B[:n]...)
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return data, false, nil
			}
			if rerr == unix.EINTR {
				continue
			}
			return data, false, rerr
		}
		if n == 0 {
			return data, true, nil
		}
	}
}

// writeAvailable writes buf to fd until it would block or the buffer is
// exhausted, returning how many bytes of buf were sent.
func writeAvailable(fd int, buf []byte) (written int, wouldBlock bool, err error) {
	for written < len(buf) {
		n, werr := unix.Write(fd, buf[written:])
		if n > 0 {
			written += n
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return written, true, nil
			}
			if werr == unix.EINTR {
				continue
			}
			return written, false, werr
		}
		if n == 0 {
			return written, false, nil
		}
	}
	return written, false, nil
}

// handleReadable services a client connection in reading-request or
// reading-body state.
func (w *Worker) handleReadable(c *Connection) {
	data, eof, err := readAvailable(c.Handle)
	if err != nil {
		w.registry.Close(c, "read error")
		return
	}

	if c.State == StateReadingRequest {
		if len(data) == 0 && eof {
			w.registry.Close(c, "normal")
			return
		}
		c.readBuf = append(c.readBuf, data...)
		if w.cfg.MaxHeaderBytes > 0 && len(c.readBuf) > w.cfg.MaxHeaderBytes && httpmsg.FindHeaderEnd(c.readBuf) < 0 {
			w.respondError(c, 431, false)
			return
		}
		headerEnd := httpmsg.FindHeaderEnd(c.readBuf)
		if headerEnd < 0 {
			if eof {
				w.registry.Close(c, "truncated request")
			}
			return
		}
		w.onHeadersComplete(c, headerEnd)
		return
	}

	// StateReadingBody
	if len(data) > 0 {
		need := c.bodyWanted - c.bodyRecv
		take := int64(len(data))
		if take > need {
			take = need
		}
		c.req.Body = append(c.req.Body, data[:take]...)
		c.bodyRecv += take
	}
	if eof && c.bodyRecv < c.bodyWanted {
		w.registry.Close(c, "truncated body")
		return
	}
	if c.bodyRecv >= c.bodyWanted {
		w.resolveAndRespond(c)
	}
}

// onHeadersComplete parses the header block once CRLFCRLF is found and
// decides whether a body phase follows.
func (w *Worker) onHeadersComplete(c *Connection, headerEnd int) {
	allowed := allowedMethodSet(c.Server)
	req, statusErr := httpmsg.ParseHeaders(c.readBuf, headerEnd, allowed)
	if statusErr != nil {
		w.respondError(c, statusErr.Status, false)
		return
	}

	if w.cfg.MaxBodyBytes > 0 && req.ContentLength > int64(w.cfg.MaxBodyBytes) {
		w.respondError(c, 413, false)
		return
	}

	c.req = req
	c.requestCount++
	c.keepAliveEligible = req.KeepAlive

	leftover := c.readBuf[headerEnd:]
	if req.ContentLength > 0 && methodMayCarryBody(req.Method) {
		c.bodyWanted = req.ContentLength
		c.req.Body = make([]byte, 0, req.ContentLength)
		take := int64(len(leftover))
		if take > c.bodyWanted {
			take = c.bodyWanted
		}
		c.req.Body = append(c.req.Body, leftover[:take]...)
		c.bodyRecv = take
		if c.bodyRecv >= c.bodyWanted {
			w.resolveAndRespond(c)
			return
		}
		c.State = StateReadingBody
		w.registry.syncIdleTimer(c)
		return
	}

	w.resolveAndRespond(c)
}

func methodMayCarryBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// allowedMethodSet builds the method allow-list for a server block.
// GET is always implicitly permitted by httpmsg.ParseHeaders regardless
// of this set's contents: GET is mandatory, POST and other methods are
// optional-by-config, and anything not in the list is rejected with 405.
func allowedMethodSet(srv *config.Server) map[string]bool {
	set := make(map[string]bool, len(srv.AllowedMethods))
	for _, m := range srv.AllowedMethods {
		set[m] = true
	}
	return set
}

// handleWritable drains a connection's pending response bytes (header
// then body) and decides the next state once fully sent.
func (w *Worker) handleWritable(c *Connection) {
	if c.resp.headerSent < len(c.resp.header) {
		n, wouldBlock, err := writeAvailable(c.Handle, c.resp.header[c.resp.headerSent:])
		c.resp.headerSent += n
		c.bytesSent += int64(n)
		if err != nil {
			w.registry.Close(c, "write error")
			return
		}
		if wouldBlock {
			return
		}
	}

	if !c.resp.body.isFile() {
		body := c.resp.body.mem
		if int(c.sent) < len(body) {
			n, wouldBlock, err := writeAvailable(c.Handle, body[c.sent:])
			c.sent += int64(n)
			c.bytesSent += int64(n)
			if err != nil {
				w.registry.Close(c, "write error")
				return
			}
			if wouldBlock {
				return
			}
		}
	} else if c.resp.body.offset < c.resp.body.size {
		res, err := sendfile.Transfer(c.Handle, c.resp.body.fd, &c.resp.body.offset, c.resp.body.size-c.resp.body.offset)
		c.bytesSent += res.Written
		if err != nil {
			n, cerr := sendfile.CopyFallback(fdWriter{c.Handle}, c.resp.body.file, c.resp.body.offset, c.resp.body.size-c.resp.body.offset)
			c.resp.body.offset += n
			c.bytesSent += n
			if cerr != nil {
				w.registry.Close(c, "sendfile fallback error")
				return
			}
		} else if res.WouldBlock || c.resp.body.offset < c.resp.body.size {
			return
		}
	}

	w.finishResponse(c)
}

// fdWriter adapts a raw fd to io.Writer for the sendfile fallback path.
type fdWriter struct{ fd int }

func (f fdWriter) Write(p []byte) (int, error) {
	n, _, err := writeAvailable(f.fd, p)
	return n, err
}

// finishResponse decides the post-response transition: back to
// reading-request for keep-alive, or closed.
func (w *Worker) finishResponse(c *Connection) {
	if c.relaying {
		// A backlogged proxy-relay chunk just drained; the upstream may
		// still have more to send, so go back to waiting rather than
		// treating this as a finished response.
		c.relaying = false
		c.resp.body.mem = nil
		c.sent = 0
		if c.Paired != nil {
			c.State = StateReadingUpstream
			w.registry.SetInterest(c, unix.EPOLLIN|epollET)
		} else {
			w.registry.Close(c, "normal")
		}
		return
	}

	if c.resp.body.file != nil {
		c.resp.body.file.Close()
	}

	w.logAccess(c)

	maxRequests := 100 // Keep-Alive: max=N supplemented feature
	if c.keepAliveEligible && c.requestCount < maxRequests {
		c.resetForNextRequest()
		w.registry.SetInterest(c, unix.EPOLLIN|epollET)
		w.registry.syncIdleTimer(c)
		return
	}
	w.registry.Close(c, "normal")
}

// logAccess emits one structured access-log line for a completed
// response: remote address, method, path, status, response size, the
// worker process, and the connection's trace ID for cross-referencing
// against error-log entries.
func (w *Worker) logAccess(c *Connection) {
	if w.log == nil || w.log.Access == nil {
		return
	}
	method, path := "-", "-"
	if c.req != nil {
		method = c.req.Method
		path = c.req.Path
	}
	fields := logrus.Fields{
		"remote": c.RemoteAddr,
		"method": method,
		"path":   path,
		"status": c.resp.status,
		"bytes":  c.bytesSent,
		"trace":  c.traceID,
	}
	for k, v := range logutil.WorkerFields(workerPID) {
		fields[k] = v
	}
	w.log.Access.WithFields(fields).Info("request")
}

// respondError builds and queues a status-only error response for a
// client connection, then switches it to writing-response.
func (w *Worker) respondError(c *Connection, status int, keepAlive bool) {
	header := httpmsg.ResponseHeader{
		Status:        status,
		ContentType:   "text/plain; charset=utf-8",
		KeepAlive:     keepAlive,
		KeepAliveMax:  100,
		IdleTimeout:   c.idleTimeout(),
		ContentLength: -1,
	}
	body := httpmsg.ErrorBody(status)
	header.ContentLength = int64(len(body))

	c.resp = respDescriptor{
		status: status,
		header: header.Build(time.Now()),
		body:   responseBody{mem: body},
	}
	c.sent = 0
	c.keepAliveEligible = keepAlive
	c.State = StateWritingResponse
	w.registry.syncIdleTimer(c)
	w.registry.SetInterest(c, unix.EPOLLOUT|epollET)
	w.handleWritable(c)
}
