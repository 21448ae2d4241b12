package engine

import "golang.org/x/sys/unix"

// SetNonblocking marks fd non-blocking, required of every socket the
// engine touches: every read, write, connect and accept is
// non-blocking.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetTCPNoDelay disables Nagle's algorithm on an accepted connection.
func SetTCPNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// SetReuseAddr sets SO_REUSEADDR on a listening socket.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetReusePort sets SO_REUSEPORT when the platform supports it, letting
// every worker bind the same port and share the accept queue via the
// kernel instead of balancing connections in userspace.
func SetReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// PendingConnectError queries SO_ERROR on a socket whose non-blocking
// connect() reported "in progress", resolving whether the
// connecting-upstream state succeeded once the socket reports
// write-readiness.
func PendingConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
