// File: server/forward.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Round-robin forwarding of accepted connections to workers.

package server

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/ipc"
)

// Forward moves h to the worker at the cursor and advances the cursor. It
// returns the chosen pool index. h never owns a descriptor afterwards: it has
// been sent, queued behind a full channel, or closed on failure.
func (o *Orchestrator) Forward(h *ipc.Handle) (int, error) {
	n := len(o.workers)
	if n == 0 {
		_ = h.Close()
		o.metrics.Inc("forward_errors")
		return -1, ErrNoWorkers
	}
	idx := o.cursor
	o.cursor = (o.cursor + 1) % n
	w := o.workers[idx]

	if w.Exited || w.chClosed {
		_ = h.Close()
		o.metrics.Inc("forward_errors")
		return idx, fmt.Errorf("forward to worker %d (pid %d): %w", idx, w.PID, ipc.ErrChannelClosed)
	}
	if w.outbox.Length() > 0 {
		o.enqueue(w, h)
		return idx, nil
	}

	err := w.ch.Send(h)
	switch {
	case err == nil:
		o.countForward(w)
		return idx, nil
	case errors.Is(err, api.ErrWouldBlock):
		o.enqueue(w, h)
		if aerr := o.arm(w); aerr != nil {
			return idx, aerr
		}
		return idx, nil
	default:
		_ = h.Close()
		o.metrics.Inc("forward_errors")
		return idx, fmt.Errorf("forward to worker %d (pid %d): %w", idx, w.PID, err)
	}
}

func (o *Orchestrator) countForward(w *WorkerRecord) {
	o.metrics.Inc("forwarded")
	o.metrics.Inc("forwarded.worker." + strconv.Itoa(w.Index))
}

// enqueue moves h's descriptor onto w's outbox.
func (o *Orchestrator) enqueue(w *WorkerRecord, h *ipc.Handle) {
	fd, err := h.Release()
	if err != nil {
		return
	}
	w.outbox.Add(ipc.NewHandle(fd))
	o.metrics.Inc("queued_transfers")
}

// arm registers w's channel for write readiness so the outbox can drain.
func (o *Orchestrator) arm(w *WorkerRecord) error {
	if w.armed {
		return nil
	}
	if err := o.reactor.Register(w.ch.FD(), api.EventWrite, func(int, api.EventMask) {
		o.flushOutbox(w)
	}); err != nil {
		n := o.dropOutbox(w)
		return fmt.Errorf("arm worker %d channel, %d transfers dropped: %w", w.Index, n, err)
	}
	w.armed = true
	return nil
}

func (o *Orchestrator) disarm(w *WorkerRecord) {
	if !w.armed {
		return
	}
	w.armed = false
	_ = o.reactor.Unregister(w.ch.FD())
}

// flushOutbox sends queued transfers in order until the channel fills again.
func (o *Orchestrator) flushOutbox(w *WorkerRecord) {
	for w.outbox.Length() > 0 {
		h := w.outbox.Peek().(*ipc.Handle)
		err := w.ch.Send(h)
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		w.outbox.Remove()
		if err != nil {
			_ = h.Close()
			o.metrics.Inc("forward_errors")
			o.log.Warn().Err(err).Int("worker", w.Index).Msg("queued forward failed")
			continue
		}
		o.countForward(w)
	}
	o.disarm(w)
}

// dropOutbox closes every queued transfer of w and returns how many there were.
func (o *Orchestrator) dropOutbox(w *WorkerRecord) int {
	n := 0
	for w.outbox.Length() > 0 {
		_ = w.outbox.Remove().(*ipc.Handle).Close()
		o.metrics.Inc("forward_errors")
		n++
	}
	return n
}
