// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package routing

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/stats"
)

// A DeliverFunc hands a message to the local receiver of target. It
// returns false if the receiver cannot accept the message yet, in
// which case the message stays queued and is offered again on a later
// call to Progress. The message remains owned by the router.
type DeliverFunc func(target int, msg *buffer.Message) (bool, error)

// Config configures a Router.
type Config struct {
	// Edge identifies the operation.
	Edge int
	// Worker is the local worker.
	Worker int
	// Plan is the logical plan of the operation.
	Plan *plan.LogicalPlan
	// Targets is the operation's target set.
	Targets plan.Set
	// Topology routes messages.
	Topology Topology
	// Channel carries messages between workers.
	Channel channel.Channel
	// Pool supplies buffers for received messages.
	Pool *buffer.Pool
	// ForwardPool supplies buffers for the copies of received
	// messages that are forwarded to other workers. It is typically
	// the pool of the worker's own sends.
	ForwardPool *buffer.Pool
	// OutboxLimit bounds the number of queued outbound hops of
	// messages sent from this worker.
	OutboxLimit int
	// Deliver receives messages addressed to local targets.
	Deliver DeliverFunc
	// Stats, if not nil, receives traffic counters.
	Stats *stats.Scope
}

type hop struct {
	worker int
	msg    *buffer.Message
}

// A Router is the routing layer of one operation on one worker. It
// sends messages along the operation's topology, forwards messages
// received from peers that are not addressed to local targets, and
// queues messages for local targets until their receiver accepts
// them. Routers are progress driven.
//
// Messages are reference counted by consumer: a message queued for k
// hops and l local targets carries k+l references, each released when
// its hop was transmitted or its target accepted it.
//
// A received message that must be forwarded is copied into the
// forward pool, and its receive buffers are released once its local
// targets accepted it. When the forward pool is exhausted, the router
// stops taking received messages, so that the sender sees
// backpressure. On topologies that forward, messages originating at
// the worker must leave Reserve buffers of the forward pool free:
// forwarded messages can then always make progress, and a ring or
// tree cannot fill up with messages that wait on each other.
type Router struct {
	Config
	localTargets []int
	reserve      int

	mu     sync.Mutex
	outbox []hop
	local  map[int][]*buffer.Message

	// inflight counts hops handed to the channel and not yet
	// completed.
	inflight int32

	inMu    sync.Mutex
	inbound []*buffer.Message
}

// New returns a new router, registering it with its channel to
// receive the operation's messages from every peer.
func New(config Config) (*Router, error) {
	if config.OutboxLimit <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("routing: invalid outbox limit %d", config.OutboxLimit))
	}
	if config.ForwardPool == nil {
		return nil, errors.E(errors.Invalid, "routing: no forward pool")
	}
	r := &Router{
		Config:       config,
		localTargets: config.Plan.Local(config.Worker, config.Targets).Slice(),
		local:        make(map[int][]*buffer.Message),
	}
	if forwards(config.Topology) {
		r.reserve = config.ForwardPool.Capacity() / 2
	}
	for _, peer := range config.Topology.Peers(config.Worker) {
		if err := config.Channel.ReceiveMessage(config.Edge, peer, config.Pool, r.receive); err != nil {
			config.Channel.Unregister(config.Edge)
			return nil, err
		}
	}
	return r, nil
}

// LocalTargets returns the targets owned by the router's worker.
func (r *Router) LocalTargets() []int { return r.localTargets }

// Reserve returns the number of forward pool buffers that messages
// originating at this worker must leave free. See buffer.EncodeReserve.
func (r *Router) Reserve() int { return r.reserve }

func forwards(t Topology) bool {
	switch t.(type) {
	case *ring, *tree:
		return true
	}
	return false
}

// receive is called by the channel. It only queues the message; the
// message is routed by the next call to Progress.
func (r *Router) receive(sourceWorker int, msg *buffer.Message) error {
	r.inMu.Lock()
	r.inbound = append(r.inbound, msg)
	r.inMu.Unlock()
	return nil
}

func (r *Router) complete(msg *buffer.Message) {
	msg.Release()
	atomic.AddInt32(&r.inflight, -1)
}

// Send sends msg, which originates at this worker, to target dest (or
// Broadcast). Send takes ownership of msg's reference if it returns
// true. It returns false if the outbox is full; the caller should
// call Progress and retry.
func (r *Router) Send(dest int, msg *buffer.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hops, targets, err := r.route(r.Worker, dest)
	if err != nil {
		return false, err
	}
	if len(hops) > 0 && len(r.outbox)+len(hops) > r.OutboxLimit {
		r.Stats.Add(stats.SendsRejected, 1)
		return false, nil
	}
	r.enqueue(msg, hops, targets)
	return true, nil
}

func (r *Router) route(origin, dest int) (hops, targets []int, err error) {
	hops, local, err := r.Topology.Route(origin, r.Worker, dest)
	if err != nil || !local {
		return hops, nil, err
	}
	if dest == Broadcast {
		return hops, r.localTargets, nil
	}
	if !r.Targets.Contains(dest) {
		return nil, nil, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("routing: edge %d: unexpected target %d on worker %d", r.Edge, dest, r.Worker))
	}
	return hops, []int{dest}, nil
}

func (r *Router) enqueue(msg *buffer.Message, hops, targets []int) {
	n := len(hops) + len(targets)
	if n == 0 {
		msg.Release()
		return
	}
	if n > 1 {
		msg.Retain(n - 1)
	}
	for _, w := range hops {
		r.outbox = append(r.outbox, hop{w, msg})
	}
	for _, t := range targets {
		r.local[t] = append(r.local[t], msg)
	}
}

// Progress routes received messages, transmits queued hops, and
// offers queued local messages to their targets in order, stopping
// for a target at its first rejected message. It returns true if the
// router has more work to do.
func (r *Router) Progress() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inMu.Lock()
	inbound := r.inbound
	r.inbound = nil
	r.inMu.Unlock()
	var i int
	for ; i < len(inbound); i++ {
		msg := inbound[i]
		h := msg.Header()
		origin, err := r.Plan.MustWorkerOf(h.Source())
		var hops, targets []int
		if err == nil {
			hops, targets, err = r.route(origin, h.Destination())
		}
		if err != nil {
			for _, m := range inbound[i:] {
				m.Release()
			}
			return false, err
		}
		if len(hops) > 0 {
			fwd, ok := buffer.Encode(r.ForwardPool, h, msg.Payload(), true)
			if !ok {
				r.Stats.Add(stats.ForwardsDeferred, 1)
				break
			}
			r.Stats.Add(stats.MessagesForwarded, int64(len(hops)))
			r.enqueue(fwd, hops, nil)
		}
		r.enqueue(msg, nil, targets)
	}
	if i < len(inbound) {
		r.inMu.Lock()
		r.inbound = append(inbound[i:], r.inbound...)
		r.inMu.Unlock()
	}

	var n int
	for _, h := range r.outbox {
		atomic.AddInt32(&r.inflight, 1)
		if !r.Channel.SendMessage(h.worker, h.msg, r.complete) {
			atomic.AddInt32(&r.inflight, -1)
			break
		}
		n++
	}
	if n > 0 {
		for i := 0; i < n; i++ {
			r.outbox[i] = hop{}
		}
		r.outbox = r.outbox[n:]
	}

	for _, t := range r.localTargets {
		q := r.local[t]
		for len(q) > 0 {
			ok, err := r.Deliver(t, q[0])
			if err != nil {
				r.local[t] = q
				return false, err
			}
			if !ok {
				break
			}
			q[0].Release()
			q[0] = nil
			q = q[1:]
			r.Stats.Add(stats.MessagesDelivered, 1)
		}
		r.local[t] = q
	}
	return !r.idle(), nil
}

// Pending returns the number of messages queued for local target.
func (r *Router) Pending(target int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inMu.Lock()
	defer r.inMu.Unlock()
	// Undispatched inbound messages may be for any target.
	return len(r.local[target]) + len(r.inbound)
}

// Idle tells whether the router has no queued or in-flight messages.
func (r *Router) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle()
}

func (r *Router) idle() bool {
	if len(r.outbox) > 0 || atomic.LoadInt32(&r.inflight) > 0 {
		return false
	}
	for _, q := range r.local {
		if len(q) > 0 {
			return false
		}
	}
	r.inMu.Lock()
	defer r.inMu.Unlock()
	return len(r.inbound) == 0
}

// Reset drops every queued message, returning the router to its
// initial state. Hops already handed to the channel complete
// normally.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.outbox {
		h.msg.Release()
	}
	r.outbox = nil
	for t, q := range r.local {
		for _, m := range q {
			m.Release()
		}
		delete(r.local, t)
	}
	r.inMu.Lock()
	for _, m := range r.inbound {
		m.Release()
	}
	r.inbound = nil
	r.inMu.Unlock()
}

// Close resets the router and removes its channel registrations.
func (r *Router) Close() {
	r.Reset()
	r.Channel.Unregister(r.Edge)
	if n := atomic.LoadInt32(&r.inflight); n > 0 {
		log.Debug.Printf("router edge %d worker %d: closed with %d hops in flight", r.Edge, r.Worker, n)
	}
}
