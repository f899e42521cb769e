//go:build linux
// +build linux

// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the orchestrator's worker
// channel.

package fake

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-relay/internal/ipc"
	"golang.org/x/sys/unix"
)

// Channel is a fake worker channel. Send takes ownership of the handle's
// descriptor and records it instead of writing to a socket.
type Channel struct {
	mu         sync.Mutex
	received   []int
	closed     bool
	sendError  error
	closeError error
}

// NewChannel creates a fake channel that accepts every send.
func NewChannel() *Channel {
	return &Channel{}
}

// FD returns -1; a fake channel is never registered with a reactor.
func (c *Channel) FD() int {
	return -1
}

// Send records h's descriptor and releases the handle, mirroring a
// successful transfer. A configured send error leaves h untouched.
func (c *Channel) Send(h *ipc.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ipc.ErrChannelClosed
	}
	if c.sendError != nil {
		return c.sendError
	}
	fd, err := h.Release()
	if err != nil {
		return fmt.Errorf("fake send: %w", err)
	}
	c.received = append(c.received, fd)
	return nil
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeError
}

// Received returns the descriptors sent so far, in order.
func (c *Channel) Received() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.received))
	copy(out, c.received)
	return out
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetSendError makes subsequent sends fail with err; nil restores success.
func (c *Channel) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendError = err
}

// SetCloseError sets the error returned by Close.
func (c *Channel) SetCloseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeError = err
}

// CloseAll closes every recorded descriptor.
func (c *Channel) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fd := range c.received {
		_ = unix.Close(fd)
	}
	c.received = nil
}
