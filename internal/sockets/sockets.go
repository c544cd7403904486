// Package sockets exposes TCP listeners and connections as raw descriptors
// so they can share one poll set with the serial device.
package sockets

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Listen binds an IPv4 TCP listener on address:port. An empty address
// binds all interfaces. Port 0 picks an ephemeral port; use LocalPort to
// find it.
func Listen(address string, port, backlog int) (int, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if address != "" {
		ip := net.ParseIP(address).To4()
		if ip == nil {
			return -1, fmt.Errorf("listen: %q is not an IPv4 address", address)
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen port %d: %w", port, err)
	}
	return fd, nil
}

// LocalPort returns the port a listener is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("getsockname: unexpected address %T", sa)
	}
	return in4.Port, nil
}

// Accept takes one pending connection off a listener that polled readable.
// The connection is non-blocking: a write that would block fails with
// EAGAIN instead of stalling the caller.
func Accept(listener int) (*Conn, error) {
	fd, _, err := unix.Accept4(listener, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: fd}, nil
}

// Conn is an accepted TCP connection. It is not safe for concurrent use.
type Conn struct {
	fd     int
	closed bool
}

// Fd returns the descriptor to poll.
func (c *Conn) Fd() int { return c.fd }

// Available returns the number of bytes that can be read without blocking.
// Zero on a readable connection means the peer has closed it.
func (c *Conn) Available() (int, error) {
	return unix.IoctlGetInt(c.fd, unix.TIOCINQ)
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close closes the connection. Subsequent calls are no-ops.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

// IsExpectedCloseError reports whether err is a normal consequence of the
// peer going away: EOF, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// IsWouldBlock reports whether err means the peer is not draining its
// receive buffer and the write was dropped.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
