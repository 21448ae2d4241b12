package engine

import (
	"net"
	"strconv"
	"strings"

	"github.com/yourusername/edgeserve/internal/config"
	"golang.org/x/sys/unix"
)

// proxyTarget is a resolved (host, port) pair. Resolution happens
// lazily on first use and the result is cached on the rule so repeated
// requests to the same prefix don't re-resolve DNS.
type proxyTarget struct {
	prefix string
	host   string
	port   string
	addrs  []net.IP
}

func newProxyTarget(rule config.ProxyRule) (*proxyTarget, error) {
	u := strings.TrimPrefix(rule.URL, "http://")
	host, port, err := net.SplitHostPort(u)
	if err != nil {
		host, port = u, "80"
	}
	return &proxyTarget{prefix: rule.Prefix, host: host, port: port}, nil
}

func (t *proxyTarget) resolve() (net.IP, error) {
	if len(t.addrs) > 0 {
		return t.addrs[0], nil
	}
	ips, err := net.LookupIP(t.host)
	if err != nil {
		return nil, err
	}
	t.addrs = ips
	return ips[0], nil
}

// matchProxyRule finds the longest-prefix proxy rule for reqPath,
// mirroring the alias longest-prefix match in resolver.go.
func matchProxyRule(srv *config.Server, reqPath string) (config.ProxyRule, bool) {
	bestLen := -1
	var best config.ProxyRule
	found := false
	for _, p := range srv.Proxies {
		if strings.HasPrefix(reqPath, p.Prefix) && len(p.Prefix) > bestLen {
			bestLen = len(p.Prefix)
			best = p
			found = true
		}
	}
	return best, found
}

// dialUpstreamNonBlocking creates a non-blocking TCP socket and begins
// connect() without waiting for completion: if connect reports
// EINPROGRESS, the caller moves the connection to connecting-upstream
// and registers the socket for write-readiness instead of blocking.
//
// It returns the raw fd and whether the connect is already complete
// (can happen for loopback targets) so the caller can skip straight to
// writing-upstream.
func dialUpstreamNonBlocking(ip net.IP, port string) (fd int, connected bool, err error) {
	portNum, convErr := strconv.Atoi(port)
	if convErr != nil {
		return -1, false, convErr
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		addr := unix.SockaddrInet4{Port: portNum}
		copy(addr.Addr[:], v4)
		sa = &addr
	} else {
		domain = unix.AF_INET6
		addr := unix.SockaddrInet6{Port: portNum}
		copy(addr.Addr[:], ip.To16())
		sa = &addr
	}

	sockFD, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, err
	}
	if err := SetNonblocking(sockFD); err != nil {
		unix.Close(sockFD)
		return -1, false, err
	}

	err = unix.Connect(sockFD, sa)
	if err == nil {
		return sockFD, true, nil
	}
	if err == unix.EINPROGRESS {
		return sockFD, false, nil
	}
	unix.Close(sockFD)
	return -1, false, err
}

// buildUpstreamRequest rewrites the client's request for forwarding,
// preserving method/path/version/headers and replacing Host with the
// upstream authority. It always forwards "Connection: close" to the
// upstream regardless of what the client sent, keeping upstream
// framing simple instead of trying to track two independent
// keep-alive lifetimes across the proxied pair.
func buildUpstreamRequest(c *Connection, rule config.ProxyRule, host, port string) []byte {
	req := c.req
	strippedPath := strings.TrimPrefix(req.Path, rule.Prefix)
	if strippedPath == "" {
		strippedPath = "/"
	}
	if !strings.HasPrefix(strippedPath, "/") {
		strippedPath = "/" + strippedPath
	}

	version := " HTTP/1.1\r\n"
	if req.VersionMajor == 1 && req.VersionMinor == 0 {
		version = " HTTP/1.0\r\n"
	}

	var b []byte
	b = append(b, req.Method...)
	b = append(b, ' ')
	b = append(b, strippedPath...)
	b = append(b, version...)
	b = append(b, "Host: "...)
	b = append(b, host...)
	if port != "" && port != "80" {
		b = append(b, ':')
		b = append(b, port...)
	}
	b = append(b, "\r\n"...)

	for i, k := range req.Header.AllKeys() {
		lk := strings.ToLower(k)
		if lk == "host" || lk == "connection" {
			continue
		}
		b = append(b, k...)
		b = append(b, ": "...)
		b = append(b, req.Header.AllValues()[i]...)
		b = append(b, "\r\n"...)
	}
	b = append(b, "Connection: close\r\n\r\n"...)
	if len(req.Body) > 0 {
		b = append(b, req.Body...)
	}
	return b
}
