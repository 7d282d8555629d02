// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives
// for the transport layer.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable whose Wait is abandoned when a
// context is done.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a Cond using the locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all waiters. The cond's lock must be held.
func (c *Cond) Broadcast() {
	if c.waitc == nil {
		return
	}
	close(c.waitc)
	c.waitc = nil
}

// Wait releases the cond's lock and waits for the next Broadcast or
// for ctx to be done, reacquiring the lock before returning. It
// returns ctx's error if ctx was done first.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	defer c.l.Lock()
	select {
	case <-waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
