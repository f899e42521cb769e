// File: internal/worker/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package worker

import (
	"github.com/eapache/queue"
	"github.com/momentics/hioload-relay/api"
)

// State is the lifecycle position of a transferred connection.
type State int

const (
	StateAwaitingTransfer State = iota
	StateAccepted
	StateReading
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingTransfer:
		return "awaiting_transfer"
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// writeReq is one response in flight; off counts bytes already written.
type writeReq struct {
	buf []byte
	off int
}

// Conn is a connection this worker owns exclusively after a transfer.
type Conn struct {
	fd       int
	state    State
	writes   *queue.Queue // *writeReq, FIFO
	eof      bool         // peer is done sending; close once writes drain
	interest api.EventMask
}

func newConn() *Conn {
	return &Conn{
		fd:     -1,
		state:  StateAwaitingTransfer,
		writes: queue.New(),
	}
}
