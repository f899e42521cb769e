// File: internal/ipc/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ipc

import "errors"

var (
	ErrHandleReleased    = errors.New("ipc: handle released")
	ErrNoPending         = errors.New("ipc: no pending handle")
	ErrProtocolViolation = errors.New("ipc: protocol violation")
	ErrChannelClosed     = errors.New("ipc: channel closed")
)

// Marker is the payload byte of every transfer message.
const Marker byte = '.'

// Handle owns one open descriptor until it is moved (Release, Channel.Send)
// or closed. A zero-owner Handle reports fd -1 and refuses further use.
type Handle struct {
	fd int
}

// NewHandle takes ownership of fd.
func NewHandle(fd int) *Handle {
	return &Handle{fd: fd}
}

// FD returns the owned descriptor, or -1 once released.
func (h *Handle) FD() int {
	if h == nil {
		return -1
	}
	return h.fd
}

// Valid reports whether the handle still owns a descriptor.
func (h *Handle) Valid() bool {
	return h != nil && h.fd >= 0
}

// Release moves the descriptor out of the handle. The caller becomes its
// owner; the handle is left empty.
func (h *Handle) Release() (int, error) {
	if !h.Valid() {
		return -1, ErrHandleReleased
	}
	fd := h.fd
	h.fd = -1
	return fd, nil
}

// Close closes the owned descriptor and empties the handle.
func (h *Handle) Close() error {
	fd, err := h.Release()
	if err != nil {
		return err
	}
	return closeFD(fd)
}
