//go:build linux
// +build linux

// internal/transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux listening socket built directly on socket(2)/bind(2)/listen(2) so the
// backlog is honoured exactly.

package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/ipc"
	"golang.org/x/sys/unix"
)

// Listener is a bound, non-blocking listening TCP socket. It keeps one spare
// descriptor so a connection can still be taken off the queue and dropped
// when the process has run out of descriptors.
type Listener struct {
	fd      int
	addr    *net.TCPAddr
	reserve int
}

// Listen binds addr ("host:port") and starts listening with backlog.
func Listen(addr string, backlog int) (*Listener, error) {
	if backlog <= 0 {
		return nil, fmt.Errorf("listen %s: backlog %d: %w", addr, backlog, api.ErrInvalidArgument)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	domain, sa := toSockaddr(tcpAddr)

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	reserve, err := openReserve()
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("reserve descriptor: %w", err)
	}
	l := &Listener{fd: fd, addr: tcpAddr, reserve: reserve}
	if local, err := unix.Getsockname(fd); err == nil {
		l.addr = fromSockaddr(local)
	}
	return l, nil
}

func toSockaddr(a *net.TCPAddr) (int, unix.Sockaddr) {
	if a.IP == nil || a.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	}
	return &net.TCPAddr{}
}

// FD returns the listening descriptor for reactor registration.
func (l *Listener) FD() int {
	return l.fd
}

// Addr returns the bound address, with the kernel-chosen port when 0 was asked.
func (l *Listener) Addr() *net.TCPAddr {
	return l.addr
}

// Accept takes one queued connection. The returned handle owns the new
// descriptor (non-blocking, close-on-exec). An empty queue yields
// api.ErrWouldBlock.
func (l *Listener) Accept() (*ipc.Handle, error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return ipc.NewHandle(nfd), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil, api.ErrWouldBlock
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// Shed drops one queued connection while the process is out of descriptors:
// the reserve is closed, the connection accepted into its slot and closed,
// and the reserve reopened. It reports whether a connection was dropped; an
// empty queue yields false and a nil error. ErrNoReserve means the reserve
// could not be reopened and nothing more can be shed.
func (l *Listener) Shed() (bool, error) {
	if l.reserve < 0 {
		fd, err := openReserve()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrNoReserve, err)
		}
		l.reserve = fd
	}
	_ = unix.Close(l.reserve)
	l.reserve = -1

	dropped := false
	var aerr error
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == nil {
			_ = unix.Close(nfd)
			dropped = true
		} else if err != unix.EAGAIN && !IsTransientAccept(err) {
			aerr = fmt.Errorf("accept: %w", err)
		}
		break
	}

	fd, err := openReserve()
	if err != nil {
		return dropped, fmt.Errorf("%w: %v", ErrNoReserve, err)
	}
	l.reserve = fd
	return dropped, aerr
}

// Close closes the listening socket and the reserve descriptor.
func (l *Listener) Close() error {
	if l.reserve >= 0 {
		_ = unix.Close(l.reserve)
		l.reserve = -1
	}
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

func openReserve() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// IsTransientAccept reports accept errors that concern only the one connection
// being accepted; the listener can keep draining its queue.
func IsTransientAccept(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EPROTO) || errors.Is(err, unix.EPERM)
}

// IsDescriptorExhausted reports accept errors caused by the process or system
// descriptor limit. The connection stays queued until Shed or a close frees
// a slot.
func IsDescriptorExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}
