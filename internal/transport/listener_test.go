//go:build linux

package transport_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/ipc"
	"github.com/momentics/hioload-relay/internal/transport"
	"golang.org/x/sys/unix"
)

func acceptWithin(t *testing.T, l *transport.Listener, d time.Duration) *ipc.Handle {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		h, err := l.Accept()
		if err == nil {
			return h
		}
		if !errors.Is(err, api.ErrWouldBlock) {
			t.Fatalf("accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no connection accepted within %v", d)
	return nil
}

func TestListenAcceptReadWrite(t *testing.T) {
	l, err := transport.Listen("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if l.Addr().Port == 0 {
		t.Fatalf("expected kernel-assigned port")
	}
	if _, err := l.Accept(); !errors.Is(err, api.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on empty queue, got %v", err)
	}

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	h := acceptWithin(t, l, 2*time.Second)
	defer h.Close()
	if err := ipc.VerifyConnection(h.FD()); err != nil {
		t.Fatalf("accepted fd is not a tcp connection: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := transport.Read(h.FD(), buf); !errors.Is(err, api.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock before client writes, got %v", err)
	}
	if _, err := client.Write([]byte("abc")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		n, err = transport.Read(h.FD(), buf)
		if !errors.Is(err, api.ErrWouldBlock) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}

	if _, err := transport.Write(h.FD(), []byte("xyz")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 3)
	if _, err := io.ReadFull(client, got); err != nil || string(got) != "xyz" {
		t.Fatalf("client read %q, %v", got, err)
	}

	_ = client.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err = transport.Read(h.FD(), buf)
		if !errors.Is(err, api.ErrWouldBlock) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after client close, got %v", err)
	}
}

func TestListenAddressInUse(t *testing.T) {
	l, err := transport.Listen("127.0.0.1:0", 8)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if _, err := transport.Listen(l.Addr().String(), 8); err == nil {
		t.Fatalf("expected bind failure on a port already listening")
	}
}

func TestListenRejectsBadInput(t *testing.T) {
	if _, err := transport.Listen("127.0.0.1:0", 0); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("expected invalid backlog error, got %v", err)
	}
	if _, err := transport.Listen("not-an-address", 8); err == nil {
		t.Fatalf("expected resolve error")
	}
}

func TestShedDropsQueuedConnection(t *testing.T) {
	l, err := transport.Listen("127.0.0.1:0", 8)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	if dropped, err := l.Shed(); dropped || err != nil {
		t.Fatalf("Shed on empty queue = %v, %v", dropped, err)
	}

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		dropped, err := l.Shed()
		if err != nil {
			t.Fatalf("Shed: %v", err)
		}
		if dropped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued connection never shed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := client.Read(b[:]); !errors.Is(err, io.EOF) {
		t.Fatalf("client read after shed: %v, want EOF", err)
	}
	if _, err := l.Accept(); !errors.Is(err, api.ErrWouldBlock) {
		t.Fatalf("Accept after shed = %v, want ErrWouldBlock", err)
	}

	// The reserve is back in place: the listener still accepts normally.
	again, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer again.Close()
	h := acceptWithin(t, l, 2*time.Second)
	_ = h.Close()
}

func TestIsDescriptorExhausted(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE} {
		if !transport.IsDescriptorExhausted(fmt.Errorf("accept: %w", errno)) {
			t.Fatalf("%v not reported as exhaustion", errno)
		}
	}
	for _, err := range []error{unix.ENOBUFS, unix.ECONNABORTED, api.ErrWouldBlock} {
		if transport.IsDescriptorExhausted(err) {
			t.Fatalf("%v reported as exhaustion", err)
		}
	}
}
