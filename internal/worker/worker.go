// File: internal/worker/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/momentics/hioload-relay/affinity"
	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/ipc"
	"github.com/momentics/hioload-relay/internal/transport"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/rs/zerolog"
)

const defaultReadBuffer = 64 * 1024

// Config tunes a worker.
type Config struct {
	Index        int           // pool slot, informational
	PID          int           // identity in responses; 0 = os.Getpid()
	ReadBuffer   int           // bytes per read; 0 = 64 KiB
	DrainTimeout time.Duration // bound on flushing writes after channel EOF
	PinCPU       int           // CPU to pin the reactor thread to; < 0 disables
}

// Worker adopts transferred connections and answers them.
type Worker struct {
	cfg    Config
	log    zerolog.Logger
	prefix []byte

	reactor *reactor.Reactor
	ch      *ipc.Channel
	conns   map[int]*Conn
	bufs    *pool.BytePool
	reqs    *pool.SyncPool[*writeReq]

	metrics *control.MetricsRegistry
	probes  *control.DebugProbes

	chClosed   bool
	draining   bool
	drainTimer *time.Timer
}

// FormatResponse builds the reply a worker with the given pid sends for payload.
func FormatResponse(pid int, payload []byte) []byte {
	out := make([]byte, 0, 32+len(payload))
	out = append(out, "From worker "...)
	out = strconv.AppendInt(out, int64(pid), 10)
	out = append(out, " => "...)
	return append(out, payload...)
}

// New builds a worker around ch, which it owns from now on.
func New(cfg Config, ch *ipc.Channel, log zerolog.Logger) (*Worker, error) {
	if ch == nil {
		return nil, fmt.Errorf("worker: nil channel: %w", api.ErrInvalidArgument)
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = defaultReadBuffer
	}
	log = log.With().Int("index", cfg.Index).Logger()
	r, err := reactor.New(log)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:     cfg,
		log:     log,
		prefix:  FormatResponse(cfg.PID, nil),
		reactor: r,
		ch:      ch,
		conns:   make(map[int]*Conn),
		bufs:    pool.NewBytePool(cfg.ReadBuffer),
		reqs: pool.NewSyncPool(func() *writeReq { return new(writeReq) }, func(req *writeReq) {
			req.buf = nil
			req.off = 0
		}),
		metrics: control.NewMetricsRegistry(),
		probes:  control.NewDebugProbes(),
	}
	w.probes.RegisterProbe("conns", func() any { return len(w.conns) })
	w.probes.RegisterProbe("pending_handles", func() any { return w.ch.PendingCount() })
	return w, nil
}

// Metrics exposes the worker counters. Safe for concurrent use.
func (w *Worker) Metrics() *control.MetricsRegistry {
	return w.metrics
}

// Run serves until the channel reaches end of stream and every connection is
// closed, or until ctx is done. Channel EOF is a normal exit and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.PinCPU >= 0 {
		if err := affinity.SetAffinity(w.cfg.PinCPU); err != nil {
			w.log.Warn().Err(err).Int("cpu", w.cfg.PinCPU).Msg("cpu pinning failed")
		} else {
			defer runtime.UnlockOSThread()
			w.log.Debug().Int("cpu", w.cfg.PinCPU).Msg("pinned")
		}
	}
	if err := w.reactor.Register(w.ch.FD(), api.EventRead, w.onMessage); err != nil {
		_ = w.ch.Close()
		_ = w.reactor.Close()
		return fmt.Errorf("worker: register channel: %w", err)
	}
	w.log.Info().Int("pid", w.cfg.PID).Msg("worker ready")

	err := w.reactor.Run(ctx)

	w.closeAll()
	w.closeChannel()
	if w.drainTimer != nil {
		w.drainTimer.Stop()
	}
	w.log.Info().Fields(control.Report(w.metrics, w.probes)).Msg("worker stopped")
	if cerr := w.reactor.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

// onMessage drains one read from the channel and adopts every handle that
// arrived with it.
func (w *Worker) onMessage(_ int, _ api.EventMask) {
	n, err := w.ch.Receive()
	switch {
	case err == nil:
	case errors.Is(err, api.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		w.log.Info().Msg("channel closed by orchestrator")
		w.beginShutdown()
		return
	case errors.Is(err, ipc.ErrProtocolViolation):
		w.metrics.Inc("protocol_violations")
		w.log.Warn().Err(err).Msg("malformed transfer")
	default:
		w.log.Error().Err(err).Msg("channel read failed")
		w.beginShutdown()
		return
	}
	if w.ch.PendingCount() == 0 {
		w.log.Debug().Int("bytes", n).Msg("no handle pending yet")
		return
	}
	for w.ch.PendingCount() > 0 {
		h, err := w.ch.Accept()
		if err != nil {
			return
		}
		w.adopt(h)
	}
}

func (w *Worker) adopt(h *ipc.Handle) {
	c := newConn()
	if err := ipc.VerifyConnection(h.FD()); err != nil {
		w.metrics.Inc("protocol_violations")
		w.log.Warn().Err(err).Stringer("code", api.CodeOf(err)).Msg("rejected transferred handle")
		_ = h.Close()
		return
	}
	fd, _ := h.Release()
	c.fd = fd
	c.state = StateAccepted
	w.metrics.Inc("transfers")

	if err := transport.SetNonblock(fd); err != nil {
		w.log.Error().Err(err).Int("fd", fd).Msg("adopt failed")
		_ = transport.Close(fd)
		return
	}
	if err := w.reactor.Register(fd, api.EventRead, w.onConnEvent); err != nil {
		w.log.Error().Err(err).Int("fd", fd).Msg("adopt failed")
		_ = transport.Close(fd)
		return
	}
	c.interest = api.EventRead
	c.state = StateReading
	w.conns[fd] = c
	w.metrics.Set("conns_open", int64(len(w.conns)))
	w.log.Debug().Int("fd", fd).Msg("accepted transferred connection")
}

func (w *Worker) onConnEvent(fd int, events api.EventMask) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}
	if events&(api.EventWrite|api.EventError) != 0 && c.writes.Length() > 0 {
		w.flush(c)
		if c.state == StateClosed {
			return
		}
	}
	if events&(api.EventRead|api.EventError) != 0 && c.state == StateReading && !c.eof {
		w.onReadable(c)
	}
}

func (w *Worker) onReadable(c *Conn) {
	buf := w.bufs.Acquire(w.cfg.ReadBuffer)
	defer w.bufs.Release(buf)

	n, err := transport.Read(c.fd, buf)
	switch {
	case err == nil:
	case errors.Is(err, api.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		w.onEOF(c)
		return
	default:
		w.log.Debug().Err(err).Int("fd", c.fd).Msg("read failed")
		w.closeConn(c)
		return
	}
	w.metrics.Add("bytes_in", int64(n))
	w.onRead(c, buf[:n])
}

// onRead answers one chunk: prefix followed by the bytes exactly as read.
func (w *Worker) onRead(c *Conn, data []byte) {
	resp := w.bufs.Acquire(len(w.prefix) + len(data))
	copy(resp, w.prefix)
	copy(resp[len(w.prefix):], data)

	req := w.reqs.Get()
	req.buf = resp
	c.writes.Add(req)
	if c.writes.Length() == 1 {
		w.flush(c)
	}
}

// flush writes queued responses in order until done or the socket is full.
func (w *Worker) flush(c *Conn) {
	for c.writes.Length() > 0 {
		req := c.writes.Peek().(*writeReq)
		n, err := transport.Write(c.fd, req.buf[req.off:])
		if errors.Is(err, api.ErrWouldBlock) {
			c.state = StateWriting
			w.setInterest(c, api.EventWrite)
			return
		}
		if err != nil {
			w.log.Debug().Err(err).Int("fd", c.fd).Msg("write failed")
			w.closeConn(c)
			return
		}
		req.off += n
		w.metrics.Add("bytes_out", int64(n))
		if req.off < len(req.buf) {
			continue
		}
		c.writes.Remove()
		w.onWriteComplete(req)
	}
	if c.eof {
		w.closeConn(c)
		return
	}
	c.state = StateReading
	w.setInterest(c, api.EventRead)
}

func (w *Worker) onWriteComplete(req *writeReq) {
	w.bufs.Release(req.buf)
	w.reqs.Put(req)
}

// onEOF closes c now, or once its pending writes drain.
func (w *Worker) onEOF(c *Conn) {
	c.eof = true
	if c.writes.Length() == 0 {
		w.closeConn(c)
		return
	}
	c.state = StateWriting
	w.setInterest(c, api.EventWrite)
}

func (w *Worker) setInterest(c *Conn, m api.EventMask) {
	if c.interest == m {
		return
	}
	if err := w.reactor.Modify(c.fd, m); err != nil {
		w.log.Debug().Err(err).Int("fd", c.fd).Msg("modify interest failed")
		w.closeConn(c)
		return
	}
	c.interest = m
}

func (w *Worker) closeConn(c *Conn) {
	if c.state == StateClosed {
		return
	}
	from, unsent := c.state, c.writes.Length()
	_ = w.reactor.Unregister(c.fd)
	_ = transport.Close(c.fd)
	for c.writes.Length() > 0 {
		w.onWriteComplete(c.writes.Remove().(*writeReq))
	}
	delete(w.conns, c.fd)
	c.state = StateClosed
	w.metrics.Inc("conns_closed")
	w.metrics.Set("conns_open", int64(len(w.conns)))
	if unsent > 0 {
		w.metrics.Add("responses_dropped", int64(unsent))
	}
	w.log.Debug().Int("fd", c.fd).Stringer("from", from).Int("unsent", unsent).Msg("connection closed")

	if w.draining && len(w.conns) == 0 {
		w.reactor.Stop()
	}
}

func (w *Worker) closeAll() {
	for _, c := range w.conns {
		w.closeConn(c)
	}
}

func (w *Worker) closeChannel() {
	if w.chClosed {
		return
	}
	w.chClosed = true
	_ = w.reactor.Unregister(w.ch.FD())
	if err := w.ch.Close(); err != nil {
		w.log.Debug().Err(err).Msg("channel close")
	}
}

// beginShutdown stops taking transfers and lets connections with unsent
// responses finish, bounded by the drain timeout.
func (w *Worker) beginShutdown() {
	if w.draining {
		return
	}
	w.draining = true
	w.closeChannel()
	for _, c := range w.conns {
		if c.writes.Length() == 0 {
			w.closeConn(c)
			continue
		}
		c.eof = true
		c.state = StateWriting
		w.setInterest(c, api.EventWrite)
	}
	if len(w.conns) == 0 {
		w.reactor.Stop()
		return
	}
	w.log.Info().Int("conns", len(w.conns)).Dur("timeout", w.cfg.DrainTimeout).Msg("draining")
	w.drainTimer = time.AfterFunc(w.cfg.DrainTimeout, func() {
		_ = w.reactor.Post(func() {
			if len(w.conns) > 0 {
				w.log.Warn().Int("conns", len(w.conns)).Msg("drain timeout, closing")
			}
			w.closeAll()
			w.reactor.Stop()
		})
	})
}
