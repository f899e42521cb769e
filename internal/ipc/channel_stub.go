//go:build !linux
// +build !linux

// internal/ipc/channel_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor passing is only implemented for Linux.

package ipc

import (
	"os"

	"github.com/momentics/hioload-relay/api"
)

// MaxHandlesPerRead bounds the descriptors accepted by one Receive.
const MaxHandlesPerRead = 8

// Channel is unavailable on this platform.
type Channel struct{}

func Pair() (*Channel, *os.File, error) { return nil, nil, api.ErrNotSupported }
func Open(fd int) (*Channel, error) { return nil, api.ErrNotSupported }
func FromFile(f *os.File) (*Channel, error) { return nil, api.ErrNotSupported }
func (c *Channel) FD() int { return -1 }
func (c *Channel) Send(h *Handle) error { return api.ErrNotSupported }
func (c *Channel) Receive() (int, error) { return 0, api.ErrNotSupported }
func (c *Channel) PendingCount() int { return 0 }
func (c *Channel) Accept() (*Handle, error) { return nil, ErrNoPending }
func (c *Channel) Close() error { return nil }
func VerifyConnection(fd int) error { return api.ErrNotSupported }
func closeFD(fd int) error { return api.ErrNotSupported }
