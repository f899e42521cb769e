// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"os/exec"
	"syscall"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-relay/internal/ipc"
)

// Channel is the orchestrator's end of a worker channel. *ipc.Channel
// implements it; tests substitute fakes.
type Channel interface {
	FD() int
	Send(h *ipc.Handle) error
	Close() error
}

// WorkerRecord is one pooled worker. Fields are owned by the reactor
// goroutine; read them only after Run has returned.
type WorkerRecord struct {
	Index    int
	PID      int
	Exited   bool
	ExitCode int            // -1 when killed by a signal
	Signal   syscall.Signal // terminating signal, 0 if none

	cmd      *exec.Cmd
	ch       Channel
	chClosed bool
	outbox   *queue.Queue  // *ipc.Handle waiting for the channel to drain
	armed    bool          // channel registered for write readiness
	done     chan struct{} // closed once the process is reaped; nil when attached
}

func newWorkerRecord(index, pid int, ch Channel) *WorkerRecord {
	return &WorkerRecord{
		Index:  index,
		PID:    pid,
		ch:     ch,
		outbox: queue.New(),
	}
}

// Queued returns the number of transfers waiting on the outbox.
func (w *WorkerRecord) Queued() int {
	return w.outbox.Length()
}
