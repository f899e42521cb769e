// File: server/server.go
// Package server implements relayd: it owns the worker pool and the public
// listener, and forwards every accepted connection to a worker, round robin.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-relay/affinity"
	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/internal/transport"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/rs/zerolog"
)

// acceptBackoff is how long the listener stays off the reactor after an
// accept failure that shedding cannot clear.
const acceptBackoff = 100 * time.Millisecond

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNoWorkers      = errors.New("server has no workers")
)

// Orchestrator is the relayd process state. Everything except Shutdown runs
// on, or before, the reactor goroutine.
type Orchestrator struct {
	cfg      control.Config
	log      zerolog.Logger
	reactor  *reactor.Reactor
	listener *transport.Listener
	workers  []*WorkerRecord
	cursor   int

	acceptLog   zerolog.Logger // sampled; accept failures repeat under load
	acceptTimer *time.Timer    // non-nil while the listener is paused

	metrics *control.MetricsRegistry
	probes  *control.DebugProbes

	running  atomic.Bool
	stopping bool
}

// PoolSize returns the number of workers cfg asks for: the configured count,
// or one per CPU.
func PoolSize(cfg control.Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return affinity.CPUCount()
}

// New builds an orchestrator with its reactor. Workers and the listener are
// added by StartPool/AttachWorker and Listen.
func New(cfg control.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:     cfg,
		log:     logging.New("relayd"),
		metrics: control.NewMetricsRegistry(),
		probes:  control.NewDebugProbes(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.acceptLog = o.log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second})
	r, err := reactor.New(o.log)
	if err != nil {
		return nil, api.NewError(api.ErrCodeInternal, "create reactor").Wrap(err)
	}
	o.reactor = r

	o.probes.RegisterProbe("workers", func() any { return len(o.workers) })
	o.probes.RegisterProbe("workers_alive", func() any { return o.alive() })
	o.probes.RegisterProbe("cursor", func() any { return o.cursor })
	o.probes.RegisterProbe("queued", func() any {
		n := 0
		for _, w := range o.workers {
			n += w.Queued()
		}
		return n
	})
	return o, nil
}

// Metrics exposes the orchestrator counters. Safe for concurrent use.
func (o *Orchestrator) Metrics() *control.MetricsRegistry {
	return o.metrics
}

// Workers returns the pool in round-robin order.
func (o *Orchestrator) Workers() []*WorkerRecord {
	out := make([]*WorkerRecord, len(o.workers))
	copy(out, o.workers)
	return out
}

// Addr returns the bound listener address, nil before Listen.
func (o *Orchestrator) Addr() *net.TCPAddr {
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

// Listen binds the public endpoint and starts accepting on the reactor.
func (o *Orchestrator) Listen() error {
	if o.listener != nil {
		return fmt.Errorf("listen: %w", api.ErrAlreadyExists)
	}
	l, err := transport.Listen(o.cfg.ListenAddr, o.cfg.Backlog)
	if err != nil {
		return api.NewError(api.ErrCodeBind, "listen "+o.cfg.ListenAddr).Wrap(err)
	}
	if err := o.reactor.Register(l.FD(), api.EventRead, o.onConnection); err != nil {
		_ = l.Close()
		return api.NewError(api.ErrCodeInternal, "register listener").Wrap(err)
	}
	o.listener = l
	o.log.Info().
		Str("addr", l.Addr().String()).
		Int("backlog", o.cfg.Backlog).
		Int("workers", len(o.workers)).
		Msg("listening")
	return nil
}

// Run drives the reactor until ctx is done or Shutdown is called, then stops
// the pool: the listener and every channel are closed, children get
// shutdown_timeout to exit before they are killed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.workers) == 0 {
		return ErrNoWorkers
	}
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	stopTicker := o.startMetricsTicker()
	err := o.reactor.Run(ctx)
	stopTicker()

	o.drain()
	return err
}

// Shutdown asks Run to stop. Safe for concurrent use.
func (o *Orchestrator) Shutdown() {
	o.reactor.Stop()
}

// onConnection accepts until the backlog is empty and forwards each
// connection.
func (o *Orchestrator) onConnection(_ int, _ api.EventMask) {
	for {
		h, err := o.listener.Accept()
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		if err != nil {
			o.metrics.Inc("accept_errors")
			switch {
			case transport.IsTransientAccept(err):
				o.log.Debug().Err(err).Msg("accept aborted")
				continue
			case transport.IsDescriptorExhausted(err):
				if o.shed(err) {
					continue
				}
			default:
				o.pauseAccept(err)
			}
			return
		}
		o.metrics.Inc("accepted")
		idx, err := o.Forward(h)
		if err != nil {
			o.log.Warn().Err(err).Int("worker", idx).Msg("forward failed")
			continue
		}
		o.log.Debug().Int("worker", idx).Int("pid", o.workers[idx].PID).Msg("forwarded connection")
	}
}

// shed drops one queued connection while descriptors are exhausted and
// reports whether the accept loop should go on.
func (o *Orchestrator) shed(cause error) bool {
	dropped, err := o.listener.Shed()
	if dropped {
		o.metrics.Inc("accept_shed")
		o.acceptLog.Warn().Err(cause).Msg("out of descriptors, dropped connection")
	}
	if err != nil {
		o.pauseAccept(err)
		return false
	}
	return dropped
}

// pauseAccept takes the listener off the reactor for acceptBackoff. The
// listener is level-triggered and would fire again at once.
func (o *Orchestrator) pauseAccept(cause error) {
	if o.acceptTimer != nil {
		return
	}
	o.metrics.Inc("accept_pauses")
	o.acceptLog.Warn().Err(cause).Dur("retry_in", acceptBackoff).Msg("accept failed, pausing listener")
	if err := o.reactor.Unregister(o.listener.FD()); err != nil {
		o.log.Debug().Err(err).Msg("unregister listener")
	}
	o.acceptTimer = time.AfterFunc(acceptBackoff, func() {
		_ = o.reactor.Post(o.resumeAccept)
	})
}

func (o *Orchestrator) resumeAccept() {
	o.acceptTimer = nil
	if o.stopping || o.listener == nil {
		return
	}
	if err := o.reactor.Register(o.listener.FD(), api.EventRead, o.onConnection); err != nil {
		o.log.Error().Err(err).Msg("resume listener")
	}
}

// drain tears the pool down after the loop has stopped. Exit notifications
// posted by the waiters are run on this goroutine with a final Poll.
func (o *Orchestrator) drain() {
	o.stopping = true
	if o.acceptTimer != nil {
		o.acceptTimer.Stop()
	}
	if o.listener != nil {
		_ = o.reactor.Unregister(o.listener.FD())
		if err := o.listener.Close(); err != nil {
			o.log.Debug().Err(err).Msg("listener close")
		}
	}
	for _, w := range o.workers {
		o.closeChannel(w)
	}
	o.reapAll(o.cfg.ShutdownTimeout)
	if err := o.reactor.Poll(0); err != nil {
		o.log.Debug().Err(err).Msg("final poll")
	}
	o.log.Info().Fields(control.Report(o.metrics, o.probes)).Msg("relayd stopped")
	_ = o.reactor.Close()
}

func (o *Orchestrator) startMetricsTicker() func() {
	if o.cfg.MetricsInterval <= 0 {
		return func() {}
	}
	t := time.NewTicker(o.cfg.MetricsInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				_ = o.reactor.Post(func() {
					o.log.Info().Fields(control.Report(o.metrics, o.probes)).Msg("metrics")
				})
			case <-done:
				return
			}
		}
	}()
	return func() {
		t.Stop()
		close(done)
	}
}

func (o *Orchestrator) alive() int {
	n := 0
	for _, w := range o.workers {
		if !w.Exited {
			n++
		}
	}
	return n
}
