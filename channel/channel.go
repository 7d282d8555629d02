// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package channel defines the point-to-point transport abstraction
// over which collective operations exchange messages between workers.
//
// Channels are progress driven: SendMessage and ReceiveMessage only
// register intent, and all forward progress (transmission, completion
// callbacks, delivery to receivers) happens inside calls to Progress,
// made by the channel's owner. Implementations may use background
// goroutines for I/O, but callbacks are only ever invoked from
// Progress.
package channel

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
)

// A CompleteFunc is called once a sent message has left the sender.
// It owns the reference that was handed to SendMessage.
type CompleteFunc func(msg *buffer.Message)

// A ReceiveFunc is called with each message received on a
// registration. The message carries one reference, which the
// function's owner must eventually release. A non-nil error is fatal
// and is returned by Progress.
type ReceiveFunc func(sourceWorker int, msg *buffer.Message) error

// A Channel connects one worker to its peers.
type Channel interface {
	// SendMessage queues msg for delivery to worker. It never blocks:
	// if the channel cannot accept the message, SendMessage returns
	// false and the caller retains ownership of msg. When it returns
	// true, the channel owns the caller's reference until done is
	// invoked.
	SendMessage(worker int, msg *buffer.Message, done CompleteFunc) bool

	// ReceiveMessage registers fn to receive messages for edge sent
	// by sourceWorker. Received bytes are copied into buffers drawn
	// from pool; when pool is exhausted, delivery waits, which
	// applies backpressure to the sender. Registering the same
	// (edge, sourceWorker) pair twice is an errors.Exists error.
	ReceiveMessage(edge, sourceWorker int, pool *buffer.Pool, fn ReceiveFunc) error

	// Unregister removes every registration for edge.
	Unregister(edge int)

	// Progress drives pending sends and receives. Transport failures
	// are returned as fatal errors; they are never retried.
	Progress() error

	// IsComplete tells whether the channel has no pending sends or
	// undelivered receives.
	IsComplete() bool

	// Close releases the channel's resources. Messages that are still
	// queued are released without invoking their callbacks.
	Close() error
}

// A Key identifies a registration: an edge and the worker sending
// on it.
type Key struct {
	Edge, Source int
}

func (k Key) String() string {
	return fmt.Sprintf("edge %d from worker %d", k.Edge, k.Source)
}

// A Registration is a receive interest registered with
// ReceiveMessage.
type Registration struct {
	Pool *buffer.Pool
	Func ReceiveFunc
}

// A Registry stores receive registrations. It is shared by channel
// implementations. Registries are safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	regs map[Key]Registration
}

// Register adds a registration.
func (r *Registry) Register(edge, source int, pool *buffer.Pool, fn ReceiveFunc) error {
	if pool == nil || fn == nil {
		return errors.E(errors.Invalid, "channel: registration requires a pool and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regs == nil {
		r.regs = make(map[Key]Registration)
	}
	k := Key{edge, source}
	if _, ok := r.regs[k]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("channel: duplicate registration for %s", k))
	}
	r.regs[k] = Registration{pool, fn}
	return nil
}

// Lookup returns the registration for (edge, source).
func (r *Registry) Lookup(edge, source int) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[Key{edge, source}]
	return reg, ok
}

// Unregister removes every registration for edge.
func (r *Registry) Unregister(edge int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.regs {
		if k.Edge == edge {
			delete(r.regs, k)
		}
	}
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}
