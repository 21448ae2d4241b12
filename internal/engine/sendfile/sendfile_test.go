//go:build linux

package sendfile

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTransferSendsFileContentsOverSocketPair(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog\n")
	f, err := os.CreateTemp(t.TempDir(), "sendfile-*")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(content)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	serverFd, clientFd := fds[0], fds[1]

	clientFile := os.NewFile(uintptr(clientFd), "client")
	client, err := net.FileConn(clientFile)
	require.NoError(t, err)
	defer client.Close()
	clientFile.Close()

	offset := int64(0)
	res, transferErr := Transfer(serverFd, int(f.Fd()), &offset, int64(len(content)))
	require.NoError(t, transferErr)
	unix.Close(serverFd)
	require.Equal(t, int64(len(content)), res.Written)
	require.True(t, res.Done)

	got := make([]byte, len(content))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
