// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buffer provides the pooled, reference-counted wire buffers
// and message envelopes that carry records between workers.
package buffer

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/log"
)

// A DataBuffer owns a fixed-capacity byte region. It tracks the
// number of valid bytes written into it. A DataBuffer belongs to
// exactly one in-flight message at a time.
type DataBuffer struct {
	p    []byte
	size int

	// index is the buffer's handle in its pool's arena; -1 for
	// overflow buffers, which are never returned to a pool.
	index int
	pool  *Pool
}

// Bytes returns the valid bytes of the buffer.
func (b *DataBuffer) Bytes() []byte { return b.p[:b.size] }

// Len returns the number of valid bytes in the buffer.
func (b *DataBuffer) Len() int { return b.size }

// Cap returns the buffer's capacity.
func (b *DataBuffer) Cap() int { return len(b.p) }

// Remaining returns the number of bytes that can still be written.
func (b *DataBuffer) Remaining() int { return len(b.p) - b.size }

// Write appends as much of p as fits into the buffer, returning
// the number of bytes written. Write never grows the buffer.
func (b *DataBuffer) Write(p []byte) int {
	n := copy(b.p[b.size:], p)
	b.size += n
	return n
}

// Reset empties the buffer.
func (b *DataBuffer) Reset() { b.size = 0 }

// IsOverflow tells whether the buffer was allocated outside of its
// pool's arena.
func (b *DataBuffer) IsOverflow() bool { return b.index < 0 }

// release returns the buffer to its pool, or drops it if it is an
// overflow buffer.
func (b *DataBuffer) release() {
	if b.pool == nil {
		return
	}
	b.pool.put(b)
}

// A Pool is an arena of fixed-size DataBuffers. Buffers are borrowed
// with Get and returned when the message that owns them is released.
// When the arena is exhausted, Get fails; callers must treat this as
// backpressure and retry after progress has released buffers.
// Pools are safe for concurrent use.
type Pool struct {
	name string
	size int

	mu      sync.Mutex
	arena   []DataBuffer
	free    []int
	nonfree []bool

	overflow int
}

// NewPool returns a pool of n buffers of the given byte size.
func NewPool(name string, n, size int) *Pool {
	if n < 0 || size <= 0 {
		panic(fmt.Sprintf("buffer.NewPool: invalid pool geometry %d x %d", n, size))
	}
	p := &Pool{
		name:    name,
		size:    size,
		arena:   make([]DataBuffer, n),
		free:    make([]int, n),
		nonfree: make([]bool, n),
	}
	// The region is allocated as one block; buffers are slices of it.
	region := make([]byte, n*size)
	for i := range p.arena {
		p.arena[i] = DataBuffer{
			p:     region[i*size : (i+1)*size : (i+1)*size],
			index: i,
			pool:  p,
		}
		p.free[n-1-i] = i
	}
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// BufferSize returns the capacity of each buffer in the pool.
func (p *Pool) BufferSize() int { return p.size }

// Capacity returns the total number of buffers owned by the pool.
func (p *Pool) Capacity() int { return len(p.arena) }

// Free returns the number of buffers currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Overflowed returns the number of overflow buffers currently
// outstanding.
func (p *Pool) Overflowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflow
}

// Get borrows a buffer from the pool. It returns false if the pool
// is exhausted.
func (p *Pool) Get() (*DataBuffer, bool) {
	bufs, ok := p.GetN(1)
	if !ok {
		return nil, false
	}
	return bufs[0], true
}

// GetN borrows n buffers from the pool. Either all n buffers are
// returned, or none are and GetN returns false.
func (p *Pool) GetN(n int) ([]*DataBuffer, bool) {
	return p.getN(n, 0)
}

// getN borrows n buffers, provided that at least reserve buffers
// remain free afterwards.
func (p *Pool) getN(n, reserve int) ([]*DataBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < n+reserve {
		return nil, false
	}
	bufs := make([]*DataBuffer, n)
	for i := range bufs {
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.nonfree[idx] = true
		b := &p.arena[idx]
		b.size = 0
		bufs[i] = b
	}
	return bufs, true
}

// Overflow allocates a buffer outside of the pool's arena. Overflow
// buffers have the pool's buffer size and are dropped on release.
// They are used only when a single message needs more buffers than
// the pool owns in total, so that oversized records cannot stall a
// sender forever.
func (p *Pool) Overflow() *DataBuffer {
	p.mu.Lock()
	p.overflow++
	p.mu.Unlock()
	return &DataBuffer{p: make([]byte, p.size), index: -1, pool: p}
}

func (p *Pool) put(b *DataBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.index < 0 {
		p.overflow--
		return
	}
	if !p.nonfree[b.index] {
		log.Panicf("buffer pool %s: double release of buffer %d", p.name, b.index)
	}
	p.nonfree[b.index] = false
	b.size = 0
	p.free = append(p.free, b.index)
}
