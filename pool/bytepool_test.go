package pool_test

import (
	"testing"

	"github.com/momentics/hioload-relay/pool"
)

func TestBytePoolAcquireLength(t *testing.T) {
	bp := pool.NewBytePool(1024)
	buf := bp.Acquire(100)
	if len(buf) != 100 {
		t.Fatalf("expected length 100, got %d", len(buf))
	}
	if cap(buf) != 1024 {
		t.Fatalf("expected slab capacity 1024, got %d", cap(buf))
	}
	bp.Release(buf)
}

func TestBytePoolOversize(t *testing.T) {
	bp := pool.NewBytePool(64)
	buf := bp.Acquire(65)
	if len(buf) != 65 {
		t.Fatalf("expected length 65, got %d", len(buf))
	}
	// oversize buffers are not pooled; Release must tolerate them
	bp.Release(buf)
	if got := bp.Acquire(10); cap(got) != 64 {
		t.Fatalf("expected slab capacity 64, got %d", cap(got))
	}
}

func TestBytePoolDefaultSize(t *testing.T) {
	if got := pool.NewBytePool(0).Size(); got != 4096 {
		t.Fatalf("expected default size 4096, got %d", got)
	}
}

func TestSyncPoolReset(t *testing.T) {
	type req struct{ off int }
	sp := pool.NewSyncPool(func() *req { return &req{} }, func(r *req) { r.off = 0 })
	r := sp.Get()
	r.off = 42
	sp.Put(r)
	if r.off != 0 {
		t.Fatalf("expected reset on put, got %d", r.off)
	}
}
