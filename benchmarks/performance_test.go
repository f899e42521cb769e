//go:build linux
// +build linux

// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-relay components.

package benchmarks

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/fake"
	"github.com/momentics/hioload-relay/internal/ipc"
	"github.com/momentics/hioload-relay/internal/worker"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/momentics/hioload-relay/server"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// BenchmarkBytePoolAcquire tests slab reuse under parallel load.
func BenchmarkBytePoolAcquire(b *testing.B) {
	bp := pool.NewBytePool(64 * 1024)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := bp.Acquire(4096)
			buf[0] = 1
			bp.Release(buf)
		}
	})
}

// BenchmarkFormatResponse tests building one worker reply.
func BenchmarkFormatResponse(b *testing.B) {
	payload := []byte("Hello\n")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = worker.FormatResponse(4242, payload)
	}
}

// BenchmarkReactorPost tests posting tasks and draining them with Poll.
func BenchmarkReactorPost(b *testing.B) {
	r, err := reactor.New(zerolog.Nop())
	if err != nil {
		b.Fatal(err)
	}
	defer r.Close()

	task := func() {}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Post(task); err != nil {
			b.Fatal(err)
		}
		if err := r.Poll(0); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkForwardRoundRobin tests cursor selection and handle moves.
func BenchmarkForwardRoundRobin(b *testing.B) {
	o, err := server.New(control.DefaultConfig(), server.WithLogger(zerolog.Nop()))
	if err != nil {
		b.Fatal(err)
	}
	chans := make([]*fake.Channel, 4)
	for i := range chans {
		chans[i] = fake.NewChannel()
		o.AttachWorker(chans[i], 100+i)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		b.Fatal(err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fd, err := unix.Dup(p[0])
		if err != nil {
			b.Fatal(err)
		}
		if _, err := o.Forward(ipc.NewHandle(fd)); err != nil {
			b.Fatal(err)
		}
		if i%1024 == 1023 {
			for _, c := range chans {
				c.CloseAll()
			}
		}
	}
	b.StopTimer()
	for _, c := range chans {
		c.CloseAll()
	}
}

// BenchmarkRelayRoundTrip tests one request/response over a connection that
// relayd handed to an in-process worker.
func BenchmarkRelayRoundTrip(b *testing.B) {
	cfg := control.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	o, err := server.New(cfg, server.WithLogger(zerolog.Nop()))
	if err != nil {
		b.Fatal(err)
	}
	parent, childFile, err := ipc.Pair()
	if err != nil {
		b.Fatal(err)
	}
	child, err := ipc.FromFile(childFile)
	if err != nil {
		b.Fatal(err)
	}
	w, err := worker.New(worker.Config{PID: 1, ReadBuffer: 4096, DrainTimeout: time.Second, PinCPU: -1}, child, zerolog.Nop())
	if err != nil {
		b.Fatal(err)
	}
	o.AttachWorker(parent, 1)
	if err := o.Listen(); err != nil {
		b.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wDone := make(chan error, 1)
	oDone := make(chan error, 1)
	go func() { wDone <- w.Run(context.Background()) }()
	go func() { oDone <- o.Run(ctx) }()
	defer func() {
		cancel()
		<-oDone
		<-wDone
	}()

	conn, err := net.Dial("tcp", o.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)
	msg := []byte("ping\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(msg); err != nil {
			b.Fatal(err)
		}
		if _, err := rd.ReadString('\n'); err != nil {
			b.Fatal(err)
		}
	}
}
