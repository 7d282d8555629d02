// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package local implements an in-process channel fabric. Every
// worker attached to a fabric gets an endpoint implementing
// channel.Channel; messages move between endpoints only when the
// endpoints' owners call Progress. The fabric starts no goroutines.
//
// The local fabric is used to embed several workers in one process
// and to test collective operations deterministically.
package local

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
)

// A Fabric connects a set of in-process endpoints.
type Fabric struct {
	outboundLimit, inboxLimit int

	mu        sync.Mutex
	endpoints map[int]*Endpoint
}

// NewFabric returns a new fabric. Each endpoint accepts up to
// outboundLimit queued sends, and holds up to inboxLimit delivered
// but not yet received messages.
func NewFabric(outboundLimit, inboxLimit int) *Fabric {
	if outboundLimit <= 0 || inboxLimit <= 0 {
		panic(fmt.Sprintf("local.NewFabric: invalid limits %d, %d", outboundLimit, inboxLimit))
	}
	return &Fabric{
		outboundLimit: outboundLimit,
		inboxLimit:    inboxLimit,
		endpoints:     make(map[int]*Endpoint),
	}
}

// Endpoint attaches worker to the fabric and returns its channel.
// Each worker may be attached once: replacing the endpoint of a
// worker that is already attached is refused with an errors.Exists
// error.
func (f *Fabric) Endpoint(worker int) (*Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.endpoints[worker]; ok {
		log.Error.Printf("local fabric: refusing to replace endpoint for worker %d", worker)
		return nil, errors.E(errors.Exists, fmt.Sprintf("local fabric: worker %d is already attached", worker))
	}
	e := &Endpoint{
		fabric:   f,
		worker:   worker,
		outbound: make(map[int][]send),
	}
	f.endpoints[worker] = e
	return e, nil
}

type send struct {
	msg  *buffer.Message
	done channel.CompleteFunc
}

type delivery struct {
	source int
	msg    *buffer.Message
	fn     channel.ReceiveFunc
}

// An Endpoint is one worker's attachment to a fabric.
type Endpoint struct {
	fabric *Fabric
	worker int
	regs   channel.Registry

	// The following are guarded by fabric.mu.
	outbound map[int][]send
	dests    []int
	queued   int
	inbox    []delivery
	closed   bool
}

var _ channel.Channel = (*Endpoint)(nil)

// Worker returns the endpoint's worker.
func (e *Endpoint) Worker() int { return e.worker }

// SendMessage implements channel.Channel.
func (e *Endpoint) SendMessage(worker int, msg *buffer.Message, done channel.CompleteFunc) bool {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()
	if e.closed || e.queued >= e.fabric.outboundLimit {
		return false
	}
	if _, ok := e.outbound[worker]; !ok {
		e.dests = append(e.dests, worker)
		sort.Ints(e.dests)
	}
	e.outbound[worker] = append(e.outbound[worker], send{msg, done})
	e.queued++
	return true
}

// ReceiveMessage implements channel.Channel.
func (e *Endpoint) ReceiveMessage(edge, sourceWorker int, pool *buffer.Pool, fn channel.ReceiveFunc) error {
	return e.regs.Register(edge, sourceWorker, pool, fn)
}

// Unregister implements channel.Channel.
func (e *Endpoint) Unregister(edge int) {
	e.regs.Unregister(edge)
}

// Progress implements channel.Channel. It moves queued sends into
// their receivers' inboxes, invokes completion callbacks for the
// sends that were moved, and hands the endpoint's own inbox to its
// registered receive functions.
func (e *Endpoint) Progress() error {
	completed, err := e.transmit()
	for _, s := range completed {
		s.done(s.msg)
	}
	if err != nil {
		return err
	}
	e.fabric.mu.Lock()
	inbox := e.inbox
	e.inbox = nil
	e.fabric.mu.Unlock()
	for i, d := range inbox {
		if err := d.fn(d.source, d.msg); err != nil {
			for _, rest := range inbox[i+1:] {
				rest.msg.Release()
			}
			return err
		}
	}
	return nil
}

// transmit moves as many queued sends as possible. Sends to a
// destination are moved in order; a send that cannot be moved blocks
// the sends queued behind it to the same destination only.
func (e *Endpoint) transmit() (completed []send, err error) {
	f := e.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dest := range e.dests {
		q := e.outbound[dest]
		if len(q) == 0 {
			continue
		}
		r := f.endpoints[dest]
		if r == nil || r.closed {
			return completed, errors.E(errors.Net, errors.Fatal,
				fmt.Sprintf("local fabric: worker %d is unreachable from worker %d", dest, e.worker))
		}
		for len(q) > 0 {
			h := q[0].msg.Header()
			reg, ok := r.regs.Lookup(h.Edge(), e.worker)
			if !ok || len(r.inbox) >= f.inboxLimit {
				break
			}
			m, ok := buffer.Encode(reg.Pool, h, q[0].msg.Payload(), true)
			if !ok {
				break
			}
			r.inbox = append(r.inbox, delivery{e.worker, m, reg.Func})
			completed = append(completed, q[0])
			q[0] = send{}
			q = q[1:]
			e.queued--
		}
		e.outbound[dest] = q
	}
	return completed, nil
}

// IsComplete implements channel.Channel.
func (e *Endpoint) IsComplete() bool {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()
	return e.queued == 0 && len(e.inbox) == 0
}

// Close implements channel.Channel. It detaches the endpoint from
// the fabric.
func (e *Endpoint) Close() error {
	f := e.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, q := range e.outbound {
		for _, s := range q {
			s.msg.Release()
		}
	}
	for _, d := range e.inbox {
		d.msg.Release()
	}
	e.outbound = nil
	e.inbox = nil
	e.queued = 0
	delete(f.endpoints, e.worker)
	return nil
}
