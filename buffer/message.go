// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer

import (
	"sync/atomic"

	"github.com/grailbio/base/log"
)

// A Message is a header together with an ordered sequence of
// buffers. Messages are reference counted: each consumer of a message
// (for example, each hop a message is forwarded to) holds one
// reference, and the message's buffers are returned to their pool
// exactly when the last reference is released.
type Message struct {
	header  Header
	buffers []*DataBuffer
	refs    int32
}

// NewMessage returns a message carrying the given buffers, holding
// refs references.
func NewMessage(h Header, buffers []*DataBuffer, refs int) *Message {
	if refs <= 0 {
		log.Panicf("buffer.NewMessage: invalid reference count %d", refs)
	}
	return &Message{header: h, buffers: buffers, refs: int32(refs)}
}

// Header returns the message header.
func (m *Message) Header() Header { return m.header }

// Buffers returns the message's buffers.
func (m *Message) Buffers() []*DataBuffer { return m.buffers }

// Len returns the number of payload bytes carried by the message.
func (m *Message) Len() int {
	var n int
	for _, b := range m.buffers {
		n += b.Len()
	}
	return n
}

// Payload returns the message payload. When the message is carried
// by a single buffer, the returned slice aliases it and is valid only
// until the message is released.
func (m *Message) Payload() []byte {
	switch len(m.buffers) {
	case 0:
		return nil
	case 1:
		return m.buffers[0].Bytes()
	}
	p := make([]byte, 0, m.Len())
	for _, b := range m.buffers {
		p = append(p, b.Bytes()...)
	}
	return p
}

// Refs returns the current reference count.
func (m *Message) Refs() int { return int(atomic.LoadInt32(&m.refs)) }

// Retain adds n references to the message.
func (m *Message) Retain(n int) {
	if atomic.AddInt32(&m.refs, int32(n)) <= int32(n) {
		log.Panicf("buffer.Message: retain of released message %s", m.header)
	}
}

// Release drops one reference. When no references remain, the
// message's buffers are returned to their pools.
func (m *Message) Release() {
	switch n := atomic.AddInt32(&m.refs, -1); {
	case n > 0:
		return
	case n < 0:
		log.Panicf("buffer.Message: release of unreferenced message %s", m.header)
	}
	for _, b := range m.buffers {
		b.release()
	}
	m.buffers = nil
}

// BuffersFor returns the number of buffers of the given size needed
// to carry n bytes.
func BuffersFor(n, size int) int {
	return (n + size - 1) / size
}

// Encode copies payload into buffers borrowed from pool and returns a
// message with one reference. Encode is all-or-nothing: if the pool
// cannot supply enough buffers it returns false and borrows nothing.
// If allowOverflow is set, a payload that needs more buffers than the
// pool owns in total is carried by overflow buffers for the excess;
// otherwise such a payload can never be encoded and Encode panics.
func Encode(pool *Pool, h Header, payload []byte, allowOverflow bool) (*Message, bool) {
	return encode(pool, h, payload, 0, allowOverflow)
}

// EncodeReserve is like Encode with overflow allowed, except that it
// fails unless reserve of the pool's buffers remain free after the
// payload is copied. A payload larger than the pool is only encoded
// when the pool is entirely free.
func EncodeReserve(pool *Pool, h Header, payload []byte, reserve int) (*Message, bool) {
	if reserve < 0 || reserve >= pool.Capacity() && pool.Capacity() > 0 {
		log.Panicf("buffer.EncodeReserve: invalid reserve %d for pool %s of %d buffers", reserve, pool.Name(), pool.Capacity())
	}
	return encode(pool, h, payload, reserve, true)
}

func encode(pool *Pool, h Header, payload []byte, reserve int, allowOverflow bool) (*Message, bool) {
	need := BuffersFor(len(payload), pool.BufferSize())
	var (
		bufs []*DataBuffer
		ok   bool
	)
	if need > pool.Capacity()-reserve {
		if !allowOverflow {
			log.Panicf("buffer.Encode: %d-byte payload exceeds pool %s (%d x %d)",
				len(payload), pool.Name(), pool.Capacity(), pool.BufferSize())
		}
		if bufs, ok = pool.getN(pool.Capacity()-reserve, reserve); !ok {
			return nil, false
		}
		for len(bufs) < need {
			bufs = append(bufs, pool.Overflow())
		}
	} else if bufs, ok = pool.getN(need, reserve); !ok {
		return nil, false
	}
	for _, b := range bufs {
		n := b.Write(payload)
		payload = payload[n:]
	}
	return NewMessage(h, bufs, 1), true
}
