//go:build linux
// +build linux

// internal/ipc/channel_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux channel: unix socketpair with SCM_RIGHTS descriptor passing.

package ipc

import (
	"fmt"
	"io"
	"os"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-relay/api"
	"golang.org/x/sys/unix"
)

// MaxHandlesPerRead bounds the descriptors accepted by one Receive. Anything
// beyond it is closed by the kernel and reported as MSG_CTRUNC.
const MaxHandlesPerRead = 8

const readChunk = 4096

var marker = [1]byte{Marker}

// Channel is one endpoint of the orchestrator/worker socketpair. It is not
// safe for concurrent use; it lives on its process's reactor goroutine.
type Channel struct {
	fd      int
	pending *queue.Queue // received descriptors not yet accepted, FIFO
	buf     []byte
	oob     []byte
	closed  bool
}

// Pair creates a connected channel. The parent end is non-blocking and stays
// in this process; the child end is returned as a file suitable for
// exec.Cmd.Stdin.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc socketpair: %w", err)
	}
	parent, err := Open(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return parent, os.NewFile(uintptr(fds[1]), "relay-ipc"), nil
}

// Open wraps an existing socket descriptor (a worker's stdin) and switches it
// to non-blocking mode. The channel takes ownership of fd.
func Open(fd int) (*Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("ipc set nonblock fd %d: %w", fd, err)
	}
	return &Channel{
		fd:      fd,
		pending: queue.New(),
		buf:     make([]byte, readChunk),
		oob:     make([]byte, unix.CmsgSpace(4*MaxHandlesPerRead)),
	}, nil
}

// FromFile duplicates f's descriptor into a new channel and closes f.
func FromFile(f *os.File) (*Channel, error) {
	dup, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc dup: %w", err)
	}
	ch, err := Open(dup)
	if err != nil {
		_ = unix.Close(dup)
		return nil, err
	}
	return ch, nil
}

// FD returns the channel descriptor for reactor registration.
func (c *Channel) FD() int {
	return c.fd
}

// Send writes one message carrying h's descriptor. On success the local
// reference is dropped and h is emptied; on any error h keeps ownership.
// A full channel yields api.ErrWouldBlock.
func (c *Channel) Send(h *Handle) error {
	if c.closed {
		return ErrChannelClosed
	}
	fd := h.FD()
	if fd < 0 {
		return ErrHandleReleased
	}
	rights := unix.UnixRights(fd)
	for {
		_, err := unix.SendmsgN(c.fd, marker[:], rights, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
		switch err {
		case nil:
			moved, _ := h.Release()
			_ = unix.Close(moved)
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return api.ErrWouldBlock
		case unix.EPIPE, unix.ECONNRESET:
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		default:
			return fmt.Errorf("ipc sendmsg: %w", err)
		}
	}
}

// Receive performs one read. Arrived descriptors join the pending queue and
// the number of marker bytes read is returned. End of stream is io.EOF; an
// empty socket is api.ErrWouldBlock.
func (c *Channel) Receive() (int, error) {
	if c.closed {
		return 0, ErrChannelClosed
	}
	for {
		n, oobn, flags, _, err := unix.Recvmsg(c.fd, c.buf, c.oob, unix.MSG_CMSG_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		case unix.ECONNRESET:
			return 0, io.EOF
		default:
			return 0, fmt.Errorf("ipc recvmsg: %w", err)
		}

		if oobn > 0 {
			if perr := c.collectRights(c.oob[:oobn]); perr != nil {
				return n, perr
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return n, fmt.Errorf("%w: control data truncated", ErrProtocolViolation)
		}
		if n == 0 && oobn == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Channel) collectRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(m)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		for _, fd := range fds {
			c.pending.Add(fd)
		}
	}
	return nil
}

// PendingCount returns the number of received, not yet accepted handles.
func (c *Channel) PendingCount() int {
	return c.pending.Length()
}

// Accept pops the oldest pending handle. With nothing pending it returns
// ErrNoPending, which means "not yet", not failure.
func (c *Channel) Accept() (*Handle, error) {
	if c.pending.Length() == 0 {
		return nil, ErrNoPending
	}
	return NewHandle(c.pending.Remove().(int)), nil
}

// Close closes the endpoint and every pending descriptor.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for c.pending.Length() > 0 {
		_ = unix.Close(c.pending.Remove().(int))
	}
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("ipc close: %w", err)
	}
	return nil
}

// VerifyConnection checks that fd is a connected TCP stream socket, the only
// kind of descriptor a worker may adopt.
func VerifyConnection(fd int) error {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return violation(fd, "not a socket", err)
	}
	if typ != unix.SOCK_STREAM {
		return violation(fd, fmt.Sprintf("socket type %d, want stream", typ), nil)
	}
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return violation(fd, "domain", err)
	}
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		return violation(fd, fmt.Sprintf("domain %d, want inet", domain), nil)
	}
	listening, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return violation(fd, "acceptconn", err)
	}
	if listening != 0 {
		return violation(fd, "listening socket", nil)
	}
	return nil
}

// violation reports a handle that is not a connected TCP socket. The result
// carries api.ErrCodeProtocol and wraps ErrProtocolViolation.
func violation(fd int, reason string, cause error) error {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, reason)
	if cause != nil {
		err = fmt.Errorf("%w: %s: %w", ErrProtocolViolation, reason, cause)
	}
	return api.NewError(api.ErrCodeProtocol, "verify handle").Wrap(err).WithContext("fd", fd)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
