//go:build !linux

package sendfile

import (
	"errors"
	"io"
	"os"
)

var errUnsupported = errors.New("sendfile: unsupported on this platform")

// Transfer always reports unsupported on non-Linux builds; callers fall
// back to CopyFallback, keeping the build-tag split symmetric with the
// Linux implementation.
func Transfer(dstFd, srcFd int, offset *int64, count int64) (Result, error) {
	return Result{}, errUnsupported
}

func CopyFallback(w io.Writer, srcFile *os.File, offset, count int64) (int64, error) {
	return io.Copy(w, io.NewSectionReader(srcFile, offset, count))
}

func CanUseSendfile() bool { return false }
