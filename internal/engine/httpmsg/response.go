package httpmsg

import (
	"fmt"
	"strconv"
	"time"
)

// statusText maps each status code this server produces to its reason
// phrase, covering the success/redirect codes the static-file resolver
// and proxy client produce alongside the client/server error codes.
var statusText = map[int]string{
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, falling back to
// "Unknown Status" for anything not in the table above.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown Status"
}

// ResponseHeader carries the fields the builder needs to serialize a
// status line and header block in a fixed order: status line, Server,
// Date, Last-Modified (if set), Content-Type, Content-Length, any Extra
// headers, then Connection/Keep-Alive.
type ResponseHeader struct {
	Status        int
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	KeepAlive     bool
	KeepAliveMax  int
	IdleTimeout   time.Duration
	Extra         Header // additional headers written after Content-Length and before Connection (e.g. Location)
}

// Build serializes the status line and header block, terminated by the
// blank line separating headers from body. The caller writes the body
// (or streams it, for static files and proxy responses) separately.
func (r ResponseHeader) Build(now time.Time) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(r.Status), 10)
	buf = append(buf, ' ')
	buf = append(buf, StatusText(r.Status)...)
	buf = append(buf, "\r\n"...)

	buf = append(buf, "Server: edgeserve\r\n"...)
	buf = append(buf, "Date: "...)
	buf = append(buf, now.UTC().Format(time.RFC1123)...)
	buf = buf[:len(buf)-3] // RFC1123 renders "UTC"; replace with "GMT" below
	buf = append(buf, "GMT\r\n"...)

	if !r.LastModified.IsZero() {
		buf = append(buf, "Last-Modified: "...)
		buf = append(buf, r.LastModified.UTC().Format(time.RFC1123)...)
		buf = buf[:len(buf)-3]
		buf = append(buf, "GMT\r\n"...)
	}

	if r.ContentType != "" {
		buf = append(buf, "Content-Type: "...)
		buf = append(buf, r.ContentType...)
		buf = append(buf, "\r\n"...)
	}

	if r.ContentLength >= 0 {
		buf = append(buf, "Content-Length: "...)
		buf = strconv.AppendInt(buf, r.ContentLength, 10)
		buf = append(buf, "\r\n"...)
	}

	for i, k := range r.Extra.keys {
		buf = append(buf, k...)
		buf = append(buf, ": "...)
		buf = append(buf, r.Extra.values[i]...)
		buf = append(buf, "\r\n"...)
	}

	if r.KeepAlive {
		buf = append(buf, "Connection: keep-alive\r\n"...)
		buf = append(buf, fmt.Sprintf("Keep-Alive: timeout=%d, max=%d\r\n",
			int(r.IdleTimeout.Seconds()), r.KeepAliveMax)...)
	} else {
		buf = append(buf, "Connection: close\r\n"...)
	}

	buf = append(buf, "\r\n"...)
	return buf
}

// ErrorBody returns a minimal plain-text body for a status-only error
// response: just the reason phrase, e.g. "Bad Request" for 400.
func ErrorBody(status int) []byte {
	return []byte(StatusText(status))
}

// ErrorResponse builds a complete status+headers+body byte slice for an
// error condition with no further content negotiation, the shape the
// connection state machine needs any time a StatusError cuts a request
// short before the static-file or proxy stage.
func ErrorResponse(status int, keepAlive bool, keepAliveMax int, idleTimeout time.Duration, now time.Time) []byte {
	body := ErrorBody(status)
	hdr := ResponseHeader{
		Status:        status,
		ContentType:   "text/plain; charset=utf-8",
		ContentLength: int64(len(body)),
		KeepAlive:     keepAlive,
		KeepAliveMax:  keepAliveMax,
		IdleTimeout:   idleTimeout,
	}
	out := hdr.Build(now)
	return append(out, body...)
}
