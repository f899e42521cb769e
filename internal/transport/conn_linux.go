//go:build linux
// +build linux

// internal/transport/conn_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"io"

	"github.com/momentics/hioload-relay/api"
	"golang.org/x/sys/unix"
)

// Read reads once from fd. Peer shutdown is io.EOF.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch err {
		case nil:
			if n == 0 && len(buf) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("read fd %d: %w", fd, err)
		}
	}
}

// Write writes once to fd without raising SIGPIPE. Short writes are returned
// as-is; the caller keeps the remainder.
func Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("write fd %d: %w", fd, err)
		}
	}
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock fd %d: %w", fd, err)
	}
	return nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}
