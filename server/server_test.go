//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/affinity"
	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/ipc"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/internal/worker"
	"github.com/momentics/hioload-relay/server"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// envHelper switches the test binary into a worker process.
const envHelper = "RELAY_TEST_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(envHelper) {
	case "":
		os.Exit(m.Run())
	case "exit3":
		os.Exit(3)
	default:
		os.Exit(runHelperWorker())
	}
}

func runHelperWorker() int {
	logging.ConfigureRuntime()
	log := logging.New("relay-worker")
	wc, err := control.LoadWorkerEnv()
	if err != nil {
		log.Error().Err(err).Msg("worker environment")
		return 2
	}
	ch, err := ipc.Open(0)
	if err != nil {
		log.Error().Err(err).Msg("open channel")
		return 2
	}
	w, err := worker.New(worker.Config{
		Index:        wc.Index,
		ReadBuffer:   wc.ReadBuffer,
		DrainTimeout: wc.DrainTimeout,
		PinCPU:       -1,
	}, ch, log)
	if err != nil {
		log.Error().Err(err).Msg("create worker")
		return 2
	}
	if err := w.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("worker failed")
		return 1
	}
	return 0
}

func dupFD(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

func testConfig() control.Config {
	cfg := control.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Backlog = 16
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

// runOrchestrator binds o and runs it until the test ends.
func runOrchestrator(t *testing.T, o *server.Orchestrator) (addr string, stop func() error) {
	t.Helper()
	if err := o.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	stopped := false
	var runErr error
	stop = func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("orchestrator did not stop")
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return o.Addr().String(), stop
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	return c
}

// exchange sends one line and returns the pid that answered it.
func exchange(t *testing.T, c net.Conn, line string) int {
	t.Helper()
	if _, err := c.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	head, payload, ok := strings.Cut(resp, " => ")
	if !ok || payload != line || !strings.HasPrefix(head, "From worker ") {
		t.Fatalf("malformed response %q", resp)
	}
	pid, err := strconv.Atoi(strings.TrimPrefix(head, "From worker "))
	if err != nil {
		t.Fatalf("response pid in %q: %v", resp, err)
	}
	return pid
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	var b [1]byte
	if _, err := c.Read(b[:]); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

// attachInProcess serves n workers from goroutines of this process; worker i
// reports pid base+i.
func attachInProcess(t *testing.T, o *server.Orchestrator, n, base int) []chan error {
	t.Helper()
	dones := make([]chan error, n)
	for i := 0; i < n; i++ {
		parent, childFile, err := ipc.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		child, err := ipc.FromFile(childFile)
		if err != nil {
			t.Fatalf("FromFile: %v", err)
		}
		w, err := worker.New(worker.Config{
			Index:        i,
			PID:          base + i,
			ReadBuffer:   4096,
			DrainTimeout: time.Second,
			PinCPU:       -1,
		}, child, zerolog.Nop())
		if err != nil {
			t.Fatalf("worker.New: %v", err)
		}
		o.AttachWorker(parent, base+i)
		done := make(chan error, 1)
		go func() { done <- w.Run(context.Background()) }()
		dones[i] = done
	}
	return dones
}

func TestRoundRobinScenario(t *testing.T) {
	o := newOrchestrator(t, testConfig())
	dones := attachInProcess(t, o, 4, 1000)
	addr, stop := runOrchestrator(t, o)

	var got []int
	var last net.Conn
	for i := 0; i < 5; i++ {
		c := dial(t, addr)
		got = append(got, exchange(t, c, "Hello\n"))
		last = c
	}
	want := []int{1000, 1001, 1002, 1003, 1000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("routing = %v, want %v", got, want)
		}
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, done := range dones {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("worker %d: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("worker %d did not see end of stream", i)
		}
	}
	expectEOF(t, last)

	if n := o.Metrics().Get("forwarded"); n != 5 {
		t.Fatalf("forwarded = %d, want 5", n)
	}
	if n := o.Metrics().Get("accepted"); n != 5 {
		t.Fatalf("accepted = %d, want 5", n)
	}
}

func TestSpawnedPool(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("no executable path: %v", err)
	}
	t.Setenv(envHelper, "worker")
	t.Setenv(logging.EnvLogLevel, "warn")

	cfg := testConfig()
	cfg.WorkerPath = exe
	cfg.Workers = 2
	o := newOrchestrator(t, cfg)
	if err := o.StartPool(server.PoolSize(cfg)); err != nil {
		t.Fatalf("StartPool: %v", err)
	}
	workers := o.Workers()
	if len(workers) != 2 {
		t.Fatalf("pool size %d", len(workers))
	}
	addr, stop := runOrchestrator(t, o)

	for i := 0; i < 3; i++ {
		c := dial(t, addr)
		if pid := exchange(t, c, "Hello\n"); pid != workers[i%2].PID {
			t.Fatalf("connection %d answered by pid %d, want %d", i, pid, workers[i%2].PID)
		}
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, w := range o.Workers() {
		if !w.Exited || w.ExitCode != 0 || w.Signal != 0 {
			t.Fatalf("worker %d: exited=%v code=%d signal=%v", w.Index, w.Exited, w.ExitCode, w.Signal)
		}
	}
	if n := o.Metrics().Get("worker_exits"); n != 2 {
		t.Fatalf("worker_exits = %d", n)
	}
}

func TestDeadWorkerKeepsItsSlot(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("no executable path: %v", err)
	}
	t.Setenv(envHelper, "exit3")

	cfg := testConfig()
	cfg.WorkerPath = exe
	o := newOrchestrator(t, cfg)
	if err := o.StartPool(1); err != nil {
		t.Fatalf("StartPool: %v", err)
	}
	addr, stop := runOrchestrator(t, o)

	deadline := time.Now().Add(10 * time.Second)
	for o.Metrics().Get("worker_exits") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker exit never reported")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := dial(t, addr)
	expectEOF(t, c)

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	w := o.Workers()[0]
	if !w.Exited || w.ExitCode != 3 {
		t.Fatalf("exited=%v code=%d, want exit 3", w.Exited, w.ExitCode)
	}
	if n := o.Metrics().Get("forward_errors"); n != 1 {
		t.Fatalf("forward_errors = %d, want 1", n)
	}
}

func TestStartPoolMissingBinary(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerPath = filepath.Join(t.TempDir(), "no-such-worker")
	o := newOrchestrator(t, cfg)

	err := o.StartPool(2)
	if err == nil {
		t.Fatal("StartPool succeeded without a worker binary")
	}
	if api.CodeOf(err) != api.ErrCodeSpawn {
		t.Fatalf("code = %v, want spawn", api.CodeOf(err))
	}
	if !errors.Is(err, api.ErrStartupAborted) {
		t.Fatalf("error %v does not wrap ErrStartupAborted", err)
	}
	if !strings.Contains(err.Error(), "worker 0: spawn") {
		t.Fatalf("error %q lacks worker index", err)
	}
	if len(o.Workers()) != 0 {
		t.Fatal("failed start left workers behind")
	}
}

func TestPoolSize(t *testing.T) {
	cfg := control.DefaultConfig()
	if got := server.PoolSize(cfg); got != affinity.CPUCount() {
		t.Fatalf("default pool = %d, want CPU count %d", got, affinity.CPUCount())
	}
	cfg.Workers = 3
	if got := server.PoolSize(cfg); got != 3 {
		t.Fatalf("configured pool = %d, want 3", got)
	}
}

func TestListenTwice(t *testing.T) {
	o := newOrchestrator(t, testConfig())
	if err := o.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := o.Listen(); !errors.Is(err, api.ErrAlreadyExists) {
		t.Fatalf("second Listen = %v", err)
	}
}
