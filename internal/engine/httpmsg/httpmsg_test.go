package httpmsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindHeaderEnd(t *testing.T) {
	assert.Equal(t, -1, FindHeaderEnd([]byte("GET / HTTP/1.1\r\nHost: x")))
	buf := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nbody")
	end := FindHeaderEnd(buf)
	require.NotEqual(t, -1, end)
	assert.Equal(t, "body", string(buf[end:]))
}

func TestParseHeadersBasicGet(t *testing.T) {
	raw := []byte("GET /foo HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	end := FindHeaderEnd(raw)
	req, err := ParseHeaders(raw, end, map[string]bool{})
	require.Nil(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/foo", req.Path)
	assert.Equal(t, "example.com", req.Header.Get("Host"))
	assert.True(t, req.KeepAlive)
}

func TestParseHeadersHTTP10DefaultsToClose(t *testing.T) {
	raw := []byte("GET / HTTP/1.0\r\n\r\n")
	end := FindHeaderEnd(raw)
	req, err := ParseHeaders(raw, end, nil)
	require.Nil(t, err)
	assert.False(t, req.KeepAlive)
}

func TestParseHeadersConnectionHeaderOverrides(t *testing.T) {
	raw := []byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	end := FindHeaderEnd(raw)
	req, err := ParseHeaders(raw, end, nil)
	require.Nil(t, err)
	assert.True(t, req.KeepAlive)

	raw2 := []byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	end2 := FindHeaderEnd(raw2)
	req2, err2 := ParseHeaders(raw2, end2, nil)
	require.Nil(t, err2)
	assert.False(t, req2.KeepAlive)
}

func TestParseHeadersHTTP11RequiresHost(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n\r\n")
	end := FindHeaderEnd(raw)
	_, err := ParseHeaders(raw, end, nil)
	require.NotNil(t, err)
	assert.Equal(t, 400, err.Status)
}

func TestParseHeadersRejectsDisallowedMethod(t *testing.T) {
	raw := []byte("POST / HTTP/1.1\r\nHost: x\r\n\r\n")
	end := FindHeaderEnd(raw)
	_, err := ParseHeaders(raw, end, map[string]bool{})
	require.NotNil(t, err)
	assert.Equal(t, 405, err.Status)

	req, err2 := ParseHeaders(raw, end, map[string]bool{"POST": true})
	require.Nil(t, err2)
	assert.Equal(t, "POST", req.Method)
}

func TestParseHeadersRejectsTransferEncoding(t *testing.T) {
	raw := []byte("POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
	end := FindHeaderEnd(raw)
	_, err := ParseHeaders(raw, end, map[string]bool{"POST": true})
	require.NotNil(t, err)
	assert.Equal(t, 501, err.Status)
}

func TestParseHeadersInvalidContentLength(t *testing.T) {
	raw := []byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: abc\r\n\r\n")
	end := FindHeaderEnd(raw)
	_, err := ParseHeaders(raw, end, map[string]bool{"POST": true})
	require.NotNil(t, err)
	assert.Equal(t, 400, err.Status)
}

func TestParseHeadersSingleValuedKeepsFirst(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: first\r\nHost: second\r\n\r\n")
	end := FindHeaderEnd(raw)
	req, err := ParseHeaders(raw, end, nil)
	require.Nil(t, err)
	assert.Equal(t, "first", req.Header.Get("Host"))
}

func TestParseHeadersListValuedConcatenates(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: x\r\nX-Forwarded-For: a\r\nX-Forwarded-For: b\r\n\r\n")
	end := FindHeaderEnd(raw)
	req, err := ParseHeaders(raw, end, nil)
	require.Nil(t, err)
	assert.Equal(t, "a, b", req.Header.Get("X-Forwarded-For"))
}

func TestNormalizePathResolvesDotSegments(t *testing.T) {
	p, trailing, err := NormalizePath("/a/b/../c")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", p)
	assert.False(t, trailing)

	p, trailing, err = NormalizePath("/a//b/")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/", p)
	assert.True(t, trailing)
}

func TestNormalizePathRejectsEscapingRoot(t *testing.T) {
	_, _, err := NormalizePath("/../etc/passwd")
	assert.Error(t, err)

	_, _, err = NormalizePath("/a/../../etc")
	assert.Error(t, err)
}

func TestNormalizePathDecodesPercentEscapes(t *testing.T) {
	p, _, err := NormalizePath("/a%20b")
	require.NoError(t, err)
	assert.Equal(t, "/a b", p)
}

func TestResponseHeaderBuildIncludesStandardFields(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	hdr := ResponseHeader{
		Status:        200,
		ContentType:   "text/html",
		ContentLength: 5,
		KeepAlive:     true,
		KeepAliveMax:  100,
		IdleTimeout:   5 * time.Second,
	}
	out := string(hdr.Build(now))
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Type: text/html\r\n")
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.Contains(t, out, "Connection: keep-alive\r\n")
	assert.Contains(t, out, "Keep-Alive: timeout=5, max=100\r\n")
	assert.Contains(t, out, "GMT\r\n")
}

func TestErrorResponseContainsBody(t *testing.T) {
	now := time.Now()
	out := string(ErrorResponse(404, false, 0, 0, now))
	assert.Contains(t, out, "HTTP/1.1 404 Not Found\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "\r\n\r\nNot Found")
}
