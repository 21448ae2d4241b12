package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/config"
	"github.com/yourusername/edgeserve/internal/engine/httpmsg"
	"github.com/yourusername/edgeserve/internal/logutil"
	"github.com/yourusername/edgeserve/internal/mimetype"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	log, err := logutil.New("", "")
	require.NoError(t, err)
	mime, err := mimetype.Load("", "text/html")
	require.NoError(t, err)

	w, err := NewWorker(config.Default(), nil, mime, log, NewSharedCounter(new(int64)))
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(w.epollFD) })
	return w
}

func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || n == 0 {
			return out
		}
		require.NoError(t, err)
	}
}

func TestServeFileWritesFileBackedResponse(t *testing.T) {
	w := newTestWorker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html>hi</html>"), 0o644))

	c, peer := newTestSocketPairConn(t, &config.Server{IdleTimeoutSeconds: 5})
	require.NoError(t, w.registry.Insert(c))

	w.serveFile(c, path)

	got := readAll(t, peer)
	text := string(got)
	assert.Contains(t, text, "HTTP/1.1 200")
	assert.Contains(t, text, "<html>hi</html>")
	assert.Equal(t, StateClosed, c.State)
}

func TestRespondRedirectSetsLocationHeader(t *testing.T) {
	w := newTestWorker(t)
	c, peer := newTestSocketPairConn(t, &config.Server{IdleTimeoutSeconds: 5})
	require.NoError(t, w.registry.Insert(c))

	w.respondRedirect(c, 301, "/new-path")

	got := string(readAll(t, peer))
	assert.Contains(t, got, "HTTP/1.1 301")
	assert.Contains(t, got, "Location: /new-path\r\n")
}

func TestResolveAndRespondServesStaticFileForNonProxyPath(t *testing.T) {
	w := newTestWorker(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi\n"), 0o644))

	srv := &config.Server{Root: dir, Index: []string{"index.html"}, IdleTimeoutSeconds: 5}
	c, peer := newTestSocketPairConn(t, srv)
	c.req = &httpmsg.Request{Method: "GET", Path: "/", HasTrailingSlash: true}
	require.NoError(t, w.registry.Insert(c))

	w.resolveAndRespond(c)

	got := string(readAll(t, peer))
	assert.Contains(t, got, "HTTP/1.1 200")
	assert.Contains(t, got, "hi\n")
}
