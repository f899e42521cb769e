//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-relay/api"
	"golang.org/x/sys/unix"
)

// epollPoller implements poller using level-triggered epoll and an eventfd
// for cross-goroutine wakeups.
type epollPoller struct {
	epfd int
	efd  int
	raw  []unix.EpollEvent
}

// newPoller creates the epoll instance and registers the wakeup eventfd.
func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{
		epfd: epfd,
		efd:  efd,
		raw:  make([]unix.EpollEvent, maxEvents),
	}
	if err := p.add(efd, api.EventRead); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func epollMask(events api.EventMask) uint32 {
	var m uint32
	if events&api.EventRead != 0 {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&api.EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) add(fd int, events api.EventMask) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) mod(fd int, events api.EventMask) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (p *epollPoller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// wait blocks for at most timeoutMs (negative means forever).
func (p *epollPoller) wait(out []readyEvent, timeoutMs int) (int, error) {
	limit := len(out)
	if limit > len(p.raw) {
		limit = len(p.raw)
	}
	if timeoutMs < 0 {
		timeoutMs = -1
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:limit], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.raw[i]
		var mask api.EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			mask |= api.EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= api.EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= api.EventError
		}
		out[i] = readyEvent{fd: int(ev.Fd), events: mask}
	}
	return n, nil
}

func (p *epollPoller) wakeFD() int {
	return p.efd
}

func (p *epollPoller) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.efd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.efd, buf[:])
}

func (p *epollPoller) close() error {
	errEfd := unix.Close(p.efd)
	if err := unix.Close(p.epfd); err != nil {
		return fmt.Errorf("epoll close: %w", err)
	}
	return errEfd
}
