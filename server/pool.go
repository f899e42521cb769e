// File: server/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool: spawning, exit reporting and teardown.

package server

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/ipc"
)

// StartPool spawns n workers from cfg.WorkerPath. Each child gets its channel
// end as stdin, /dev/null as stdout and inherits stderr. Any failure tears
// down the workers already started.
func (o *Orchestrator) StartPool(n int) error {
	if n <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "start pool").
			Wrap(fmt.Errorf("pool size %d: %w", n, api.ErrInvalidArgument))
	}
	if len(o.workers) > 0 {
		return fmt.Errorf("start pool: %w", api.ErrAlreadyExists)
	}
	path, err := exec.LookPath(o.cfg.WorkerPath)
	if err != nil {
		return spawnError(0, o.cfg.WorkerPath, err)
	}
	for i := 0; i < n; i++ {
		w, err := o.spawn(i, path)
		if err != nil {
			o.teardown()
			return spawnError(i, path, err)
		}
		o.workers = append(o.workers, w)
		o.log.Info().Int("worker", i).Int("pid", w.PID).Msg("worker started")
	}
	return nil
}

func spawnError(index int, path string, err error) error {
	return api.NewError(api.ErrCodeSpawn, fmt.Sprintf("worker %d: spawn %s", index, path)).
		Wrap(fmt.Errorf("%w: %w", api.ErrStartupAborted, err))
}

func (o *Orchestrator) spawn(index int, path string) (*WorkerRecord, error) {
	parent, child, err := ipc.Pair()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path)
	cmd.Stdin = child
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), o.cfg.WorkerEnv(index)...)
	if err := cmd.Start(); err != nil {
		_ = child.Close()
		_ = parent.Close()
		return nil, err
	}
	// The child has its own copy now.
	_ = child.Close()

	w := newWorkerRecord(index, cmd.Process.Pid, parent)
	w.cmd = cmd
	w.done = make(chan struct{})
	go o.wait(w)
	return w, nil
}

// wait reaps w and posts the exit to the reactor before signalling done, so
// a Poll after done has been observed always sees the exit.
func (o *Orchestrator) wait(w *WorkerRecord) {
	err := w.cmd.Wait()
	state := w.cmd.ProcessState
	if perr := o.reactor.Post(func() { o.onExit(w, state, err) }); perr != nil {
		o.log.Debug().Err(perr).Int("worker", w.Index).Msg("exit not delivered")
	}
	close(w.done)
}

// AttachWorker adds a worker served over ch without spawning a process. It
// must be called before Run.
func (o *Orchestrator) AttachWorker(ch Channel, pid int) *WorkerRecord {
	w := newWorkerRecord(len(o.workers), pid, ch)
	o.workers = append(o.workers, w)
	return w
}

// onExit records and reports a worker's termination. The worker is not
// restarted.
func (o *Orchestrator) onExit(w *WorkerRecord, state *os.ProcessState, waitErr error) {
	if w.Exited {
		return
	}
	w.Exited = true
	if state != nil {
		w.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			w.Signal = ws.Signal()
		}
	}
	o.metrics.Inc("worker_exits")

	ev := o.log.Warn()
	if o.stopping {
		ev = o.log.Info()
	}
	ev = ev.Int("worker", w.Index).Int("pid", w.PID).Int("exit_code", w.ExitCode)
	if w.Signal != 0 {
		ev = ev.Stringer("signal", w.Signal)
	}
	if waitErr != nil && state == nil {
		ev = ev.Err(waitErr)
	}
	ev.Msg("worker exited")

	o.closeChannel(w)
}

// closeChannel closes w's channel and the transfers still queued for it.
func (o *Orchestrator) closeChannel(w *WorkerRecord) {
	if w.chClosed {
		return
	}
	w.chClosed = true
	o.disarm(w)
	if n := o.dropOutbox(w); n > 0 {
		o.log.Warn().Int("worker", w.Index).Int("dropped", n).Msg("queued transfers closed")
	}
	if err := w.ch.Close(); err != nil {
		o.log.Debug().Err(err).Int("worker", w.Index).Msg("channel close")
	}
}

// reapAll waits up to timeout for every spawned child, then kills the rest.
func (o *Orchestrator) reapAll(timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expired := false
	for _, w := range o.workers {
		if w.done == nil {
			continue
		}
		if !expired {
			select {
			case <-w.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-w.done:
		default:
			o.log.Warn().Int("worker", w.Index).Int("pid", w.PID).Msg("worker did not exit, killing")
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	}
}

// teardown stops a partially started pool.
func (o *Orchestrator) teardown() {
	for _, w := range o.workers {
		o.closeChannel(w)
	}
	o.reapAll(o.cfg.ShutdownTimeout)
	_ = o.reactor.Poll(0)
	o.workers = nil
}
