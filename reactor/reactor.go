// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor core: callback table, posted task queue and loop.

package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-relay/api"
	"github.com/rs/zerolog"
)

// maxEvents bounds the readiness batch returned by one wait.
const maxEvents = 128

// readyEvent is one readiness notification translated from the backend.
type readyEvent struct {
	fd     int
	events api.EventMask
}

// poller is the platform readiness backend.
type poller interface {
	add(fd int, events api.EventMask) error
	mod(fd int, events api.EventMask) error
	del(fd int) error
	wait(out []readyEvent, timeoutMs int) (int, error)
	wakeFD() int
	wake() error
	drainWake()
	close() error
}

// Reactor is a level-triggered readiness loop. Callbacks and posted tasks run
// sequentially on the goroutine that calls Poll or Run.
type Reactor struct {
	p        poller
	handlers map[int]api.EventCallback
	ready    []readyEvent

	mu     sync.Mutex // guards tasks, closed and wake
	tasks  *queue.Queue
	closed bool

	stopping atomic.Bool
	log      zerolog.Logger
}

var _ api.Reactor = (*Reactor)(nil)

// New creates a reactor backed by the platform poller.
func New(log zerolog.Logger) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	return &Reactor{
		p:        p,
		handlers: make(map[int]api.EventCallback),
		ready:    make([]readyEvent, maxEvents),
		tasks:    queue.New(),
		log:      log.With().Str("component", "reactor").Logger(),
	}, nil
}

// Register adds fd to the interest list with cb as its callback.
func (r *Reactor) Register(fd int, events api.EventMask, cb api.EventCallback) error {
	if cb == nil || fd < 0 {
		return fmt.Errorf("register fd %d: %w", fd, api.ErrInvalidArgument)
	}
	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("register fd %d: %w", fd, api.ErrAlreadyExists)
	}
	if err := r.p.add(fd, events); err != nil {
		return fmt.Errorf("register fd %d: %w", fd, err)
	}
	r.handlers[fd] = cb
	return nil
}

// Modify replaces the interest set of a registered fd.
func (r *Reactor) Modify(fd int, events api.EventMask) error {
	if _, ok := r.handlers[fd]; !ok {
		return fmt.Errorf("modify fd %d: %w", fd, api.ErrNotFound)
	}
	if err := r.p.mod(fd, events); err != nil {
		return fmt.Errorf("modify fd %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the interest list. Pending events already
// collected for fd in the current batch are dropped.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.handlers[fd]; !ok {
		return fmt.Errorf("unregister fd %d: %w", fd, api.ErrNotFound)
	}
	delete(r.handlers, fd)
	if err := r.p.del(fd); err != nil {
		return fmt.Errorf("unregister fd %d: %w", fd, err)
	}
	return nil
}

// Registered reports whether fd currently has a callback.
func (r *Reactor) Registered(fd int) bool {
	_, ok := r.handlers[fd]
	return ok
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	return len(r.handlers)
}

// Post schedules task on the reactor goroutine. Safe for concurrent use.
func (r *Reactor) Post(task func()) error {
	if task == nil {
		return api.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrClosed
	}
	r.tasks.Add(task)
	return r.p.wake()
}

// Poll waits up to timeoutMs for readiness (negative blocks) and dispatches
// the ready callbacks, then every task posted so far.
func (r *Reactor) Poll(timeoutMs int) error {
	n, err := r.p.wait(r.ready, timeoutMs)
	if err != nil {
		return fmt.Errorf("reactor poll: %w", err)
	}
	wfd := r.p.wakeFD()
	for i := 0; i < n; i++ {
		ev := r.ready[i]
		if ev.fd == wfd {
			r.p.drainWake()
			continue
		}
		cb, ok := r.handlers[ev.fd]
		if !ok {
			continue
		}
		r.dispatch(ev.fd, ev.events, cb)
	}
	r.runTasks()
	return nil
}

// Run polls until Stop is called or ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-done:
		}
	}()
	for !r.stopping.Load() {
		if err := r.Poll(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current dispatch round. Safe for concurrent use.
func (r *Reactor) Stop() {
	r.stopping.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		_ = r.p.wake()
	}
}

// Stopped reports whether Stop has been requested.
func (r *Reactor) Stopped() bool {
	return r.stopping.Load()
}

// Close releases the backend. Registered descriptors are not closed.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.p.close()
}

// dispatch runs one callback, recovering panics so the loop survives.
func (r *Reactor) dispatch(fd int, events api.EventMask, cb api.EventCallback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Int("fd", fd).Interface("panic", rec).Msg("callback panicked")
		}
	}()
	cb(fd, events)
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	n := r.tasks.Length()
	if n == 0 {
		r.mu.Unlock()
		return
	}
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, r.tasks.Remove().(func()))
	}
	r.mu.Unlock()

	for _, task := range batch {
		r.runTask(task)
	}
}

func (r *Reactor) runTask(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("posted task panicked")
		}
	}()
	task()
}
