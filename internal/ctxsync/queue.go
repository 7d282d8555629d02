// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// A Queue is a bounded FIFO queue. Producers block in Put while the
// queue is full; the consumer never blocks. Queues connect goroutines
// doing I/O with a cooperative consumer that polls from a progress
// loop.
type Queue struct {
	limit int

	mu     sync.Mutex
	cond   *Cond
	items  []interface{}
	closed bool
}

// NewQueue returns a queue holding at most limit items.
func NewQueue(limit int) *Queue {
	q := &Queue{limit: limit}
	q.cond = NewCond(&q.mu)
	return q
}

// Put appends v to the queue, waiting while the queue is full. It
// returns false without appending if the queue was closed or ctx is
// done.
func (q *Queue) Put(ctx context.Context, v interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) >= q.limit {
		if q.cond.Wait(ctx) != nil {
			return false
		}
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// TryPut appends v if the queue has room.
func (q *Queue) TryPut(v interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Take removes and returns up to n items from the head of the queue,
// waking producers waiting for room.
func (q *Queue) Take(n int) []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	items := append([]interface{}(nil), q.items[:n]...)
	for i := range q.items[:n] {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	q.cond.Broadcast()
	return items
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close closes the queue, waking blocked producers, and returns the
// items that were still queued.
func (q *Queue) Close() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	q.cond.Broadcast()
	return items
}
