// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "github.com/momentics/hioload-relay/api"

// BytePool hands out byte slices backed by fixed-size slabs. Requests larger
// than the slab size are served by plain allocation and never pooled.
type BytePool struct {
	size int
	slab *SyncPool[*[]byte]
}

var _ api.BytePool = (*BytePool)(nil)

// NewBytePool returns a pool of size-byte slabs.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = 4096
	}
	return &BytePool{
		size: size,
		slab: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}, nil),
	}
}

// Size returns the slab size.
func (b *BytePool) Size() int {
	return b.size
}

// Acquire returns a slice of length n.
func (b *BytePool) Acquire(n int) []byte {
	if n > b.size {
		return make([]byte, n)
	}
	p := b.slab.Get()
	return (*p)[:n]
}

// Release returns a slab to the pool; foreign slices are left to the GC.
func (b *BytePool) Release(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	full := buf[:b.size]
	b.slab.Put(&full)
}
