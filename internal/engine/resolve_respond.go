package engine

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/engine/httpmsg"
)

// resolveAndRespond is the "resolving" state: decide between the
// static-file path and the proxy path, and for static files build the
// response descriptor directly.
func (w *Worker) resolveAndRespond(c *Connection) {
	c.State = StateResolving
	w.registry.syncIdleTimer(c)

	if rule, ok := matchProxyRule(c.Server, c.req.Path); ok {
		w.startProxy(c, rule)
		return
	}

	outcome := resolvePath(c.Server, c.req.Path, c.req.HasTrailingSlash)
	if outcome.redirectTo != "" {
		w.respondRedirect(c, outcome.status, outcome.redirectTo)
		return
	}
	if outcome.status != 0 {
		w.respondError(c, outcome.status, c.keepAliveEligible)
		return
	}

	w.serveFile(c, outcome.filePath)
}

// serveFile opens and stats the resolved file, building a file-backed
// response descriptor.
func (w *Worker) serveFile(c *Connection, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.respondError(c, 404, c.keepAliveEligible)
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		w.respondError(c, 500, c.keepAliveEligible)
		return
	}

	contentType := w.mime.Lookup(extOf(path))
	header := httpmsg.ResponseHeader{
		Status:        200,
		ContentType:   contentType,
		ContentLength: info.Size(),
		LastModified:  info.ModTime(),
		KeepAlive:     c.keepAliveEligible,
		KeepAliveMax:  100,
		IdleTimeout:   c.idleTimeout(),
	}

	c.resp = respDescriptor{
		status: 200,
		header: header.Build(time.Now()),
		body: responseBody{
			file: f,
			fd:   int(f.Fd()),
			size: info.Size(),
		},
	}
	c.sent = 0
	c.State = StateWritingResponse
	w.registry.syncIdleTimer(c)
	w.registry.SetInterest(c, unix.EPOLLOUT|epollET)
	w.handleWritable(c)
}

// respondRedirect builds a Location-bearing redirect response for the
// supplemented per-route return_status/return_url_text feature.
func (w *Worker) respondRedirect(c *Connection, status int, location string) {
	if status == 0 {
		status = 302
	}
	var extra httpmsg.Header
	extra.Set("Location", location)
	header := httpmsg.ResponseHeader{
		Status:        status,
		ContentLength: 0,
		KeepAlive:     c.keepAliveEligible,
		KeepAliveMax:  100,
		IdleTimeout:   c.idleTimeout(),
		Extra:         extra,
	}
	c.resp = respDescriptor{
		status: status,
		header: header.Build(time.Now()),
		body:   responseBody{mem: nil},
	}
	c.sent = 0
	c.State = StateWritingResponse
	w.registry.syncIdleTimer(c)
	w.registry.SetInterest(c, unix.EPOLLOUT|epollET)
	w.handleWritable(c)
}
