//go:build !linux
// +build !linux

// internal/transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/ipc"
)

// Listener is unavailable on this platform.
type Listener struct{}

func Listen(addr string, backlog int) (*Listener, error) { return nil, api.ErrNotSupported }
func (l *Listener) FD() int { return -1 }
func (l *Listener) Addr() *net.TCPAddr { return &net.TCPAddr{} }
func (l *Listener) Accept() (*ipc.Handle, error) { return nil, api.ErrNotSupported }
func (l *Listener) Shed() (bool, error) { return false, api.ErrNotSupported }
func (l *Listener) Close() error { return nil }
func IsTransientAccept(err error) bool { return false }
func IsDescriptorExhausted(err error) bool { return false }
func Read(fd int, buf []byte) (int, error) { return 0, api.ErrNotSupported }
func Write(fd int, buf []byte) (int, error) { return 0, api.ErrNotSupported }
func SetNonblock(fd int) error { return api.ErrNotSupported }
func Close(fd int) error { return api.ErrNotSupported }
