//go:build linux

package sendfile

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// maxChunk bounds a single sendfile(2) call, since very large counts
// can return short without being an error.
const maxChunk = 1 << 30 // 1GB

// Transfer sends up to count bytes from srcFd starting at *offset to the
// non-blocking socket dstFd, advancing *offset by however much was
// actually written. It returns WouldBlock=true (not an error) when the
// kernel returns EAGAIN, so the caller can leave the connection
// registered for EPOLLOUT and resume later at the updated offset.
func Transfer(dstFd, srcFd int, offset *int64, count int64) (Result, error) {
	var res Result
	remaining := count

	for remaining > 0 {
		chunk := remaining
		if chunk > maxChunk {
			chunk = maxChunk
		}

		n, err := unix.Sendfile(dstFd, srcFd, offset, int(chunk))
		if n > 0 {
			res.Written += int64(n)
			remaining -= int64(n)
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				res.WouldBlock = true
				return res, nil
			}
			return res, err
		}
		if n == 0 {
			break
		}
	}

	res.Done = remaining <= 0
	return res, nil
}

// CopyFallback streams count bytes from srcFile (positioned via
// io.NewSectionReader at offset) to w using ordinary buffered I/O, for
// platforms or error paths where sendfile(2) is unavailable. The engine
// passes a writer over its non-blocking client socket; a short write
// from w ends the copy with an error.
func CopyFallback(w io.Writer, srcFile *os.File, offset, count int64) (int64, error) {
	return io.Copy(w, io.NewSectionReader(srcFile, offset, count))
}

// CanUseSendfile reports whether zero-copy transfer is worth attempting
// for this platform build. The Linux build (this file) always returns
// true; the generic fallback build returns false.
func CanUseSendfile() bool { return true }
