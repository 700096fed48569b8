// Package pool provides reusable I/O buffers for the hashing and copy paths of a pass.
//
// A sync.Pool caches allocated but unused buffers between calls. Items are
// dropped on garbage collection, so the pool only smooths allocation spikes
// while a pass walks many files; it never pins memory between passes.
package pool

import (
	"io"
	"sync"
)

// DefaultBufferSize is the chunk size used to stream files through digests and copies.
const DefaultBufferSize = 256 * 1024

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of buffers with the given size in bytes.
// A non-positive size selects DefaultBufferSize.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by the pool.
func (fp *FixedBufferPool) Size() int64 { return fp.size }

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}

// Copy streams src into dst using a pooled buffer and returns the number of bytes copied.
func (fp *FixedBufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := fp.Get()
	defer fp.Put(bufPtr)
	// Always use the full capacity, even if a previous user re-sliced it.
	buf := (*bufPtr)[:cap(*bufPtr)]
	return io.CopyBuffer(dst, src, buf)
}
