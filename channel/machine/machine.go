// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package machine implements a channel that carries messages between
// bigmachine machines. Each worker runs an Endpoint service on its
// machine; peers deliver wire envelopes to it by RPC.
//
// Sends are executed asynchronously by a bounded pool of goroutines.
// Their completions, and the envelopes delivered to the local
// endpoint, are queued and consumed only by Progress, so that
// callbacks always run on the channel owner's goroutine. Progress
// takes envelopes from the inbox only while its backlog of envelopes
// waiting for receive buffers has room; when a worker's inbox is
// full, the delivering RPC waits, which applies backpressure to the
// remote sender.
//
// The machines started for one set of workers form a Fabric. Inboxes
// are scoped by fabric, so that endpoints of several fabrics may share
// a process. A Channel for a worker must be created in the process
// that runs that worker's Endpoint service.
package machine

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/channel/wire"
	"github.com/grailbio/bigcomm/internal/ctxsync"
	"github.com/grailbio/bigmachine"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultInboxLimit is the number of envelopes an endpoint holds
// before delivering RPCs wait.
const DefaultInboxLimit = 64

type inboxKey struct {
	fabric string
	worker int
}

// inboxes holds the inboxes of the endpoints running in this process.
var inboxes = struct {
	sync.Mutex
	m map[inboxKey]*ctxsync.Queue
}{m: make(map[inboxKey]*ctxsync.Queue)}

func inboxLimit(limit int) int {
	if limit <= 0 {
		return DefaultInboxLimit
	}
	return limit
}

// inbox returns the process-local inbox of worker in fabric, creating
// it if needed.
func inbox(fabric string, worker, limit int) *ctxsync.Queue {
	inboxes.Lock()
	defer inboxes.Unlock()
	k := inboxKey{fabric, worker}
	q := inboxes.m[k]
	if q == nil {
		q = ctxsync.NewQueue(inboxLimit(limit))
		inboxes.m[k] = q
	}
	return q
}

func dropInbox(fabric string, worker int, q *ctxsync.Queue) {
	inboxes.Lock()
	defer inboxes.Unlock()
	k := inboxKey{fabric, worker}
	if inboxes.m[k] == q {
		delete(inboxes.m, k)
	}
}

// Endpoint is the bigmachine service that receives envelopes for a
// worker.
type Endpoint struct {
	// Fabric identifies the fabric of the worker.
	Fabric string
	// Worker is the worker whose envelopes this endpoint receives.
	Worker int
	// InboxLimit bounds the number of envelopes held for the worker.
	InboxLimit int
}

// Init implements bigmachine's service initialization.
func (e *Endpoint) Init(b *bigmachine.B) error {
	inbox(e.Fabric, e.Worker, e.InboxLimit)
	log.Printf("machine transport: fabric %s: endpoint for worker %d ready", e.Fabric, e.Worker)
	return nil
}

// Deliver queues an encoded envelope for the endpoint's worker,
// waiting while the worker's inbox is full.
func (e *Endpoint) Deliver(ctx context.Context, frame []byte, _ *struct{}) error {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeMessage {
		return errors.E(errors.NotSupported, fmt.Sprintf("machine transport: unsupported envelope type %q", env.Type))
	}
	q := inbox(e.Fabric, e.Worker, e.InboxLimit)
	if q.TryPut(env) {
		return nil
	}
	log.Debug.Printf("machine transport: fabric %s: inbox of worker %d is full", e.Fabric, e.Worker)
	if !q.Put(ctx, env) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.E(errors.Unavailable, fmt.Sprintf("machine transport: worker %d is closed", e.Worker))
	}
	return nil
}

// A Fabric is the set of machines, one per worker, that run the
// Endpoint services of one job.
type Fabric struct {
	// ID scopes the inboxes of the fabric's endpoints.
	ID string
	// Peers maps each worker to its machine.
	Peers map[int]*bigmachine.Machine
}

// Start starts one machine per worker, each running the worker's
// Endpoint service, and waits for them to be running.
func Start(ctx context.Context, b *bigmachine.B, workers []int, inboxLimit int, params ...bigmachine.Param) (*Fabric, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.E(errors.Invalid, "machine transport: fabric id", err)
	}
	fabric := &Fabric{ID: id.String(), Peers: make(map[int]*bigmachine.Machine, len(workers))}
	machines := make([]*bigmachine.Machine, len(workers))
	for i, w := range workers {
		ms, err := b.Start(ctx, 1, append([]bigmachine.Param{
			bigmachine.Services{"Endpoint": &Endpoint{Fabric: fabric.ID, Worker: w, InboxLimit: inboxLimit}},
		}, params...)...)
		if err != nil {
			return nil, err
		}
		machines[i] = ms[0]
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Error.Printf("machine %s failed to start: %v", m.Addr, err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, w := range workers {
		fabric.Peers[w] = machines[i]
	}
	return fabric, nil
}

// Options configures a Channel.
type Options struct {
	// SendConcurrency is the number of concurrent delivery RPCs.
	SendConcurrency int
	// OutboundLimit bounds the number of sends in flight.
	OutboundLimit int
	// InboxLimit bounds the local worker's inbox, and the backlog of
	// received envelopes waiting for receive buffers.
	InboxLimit int
}

type completion struct {
	worker int
	msg    *buffer.Message
	done   channel.CompleteFunc
	err    error
}

type outgoing struct {
	frame []byte
	completion
}

type peerQueue struct {
	sends []outgoing
	busy  bool
}

// A Channel is a channel.Channel over bigmachine RPC.
type Channel struct {
	fabric     string
	worker     int
	peers      map[int]*bigmachine.Machine
	limit      int
	inboxLimit int

	ctx    context.Context
	cancel func()

	senders     *ants.Pool
	completions chan completion
	inbox       *ctxsync.Queue
	regs        channel.Registry

	mu     sync.Mutex
	queues map[int]*peerQueue

	// The following are accessed only by the owner.
	pending int
	backlog []wire.Envelope
	closed  bool
}

var _ channel.Channel = (*Channel)(nil)

// New returns a channel for worker, which sends to the peers of
// fabric.
func New(worker int, fabric *Fabric, opts Options) (*Channel, error) {
	if fabric == nil {
		fabric = new(Fabric)
	}
	if opts.SendConcurrency <= 0 {
		opts.SendConcurrency = 4
	}
	if opts.OutboundLimit <= 0 {
		opts.OutboundLimit = 16
	}
	senders, err := ants.NewPool(opts.SendConcurrency,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			log.Error.Printf("machine transport: worker %d: send panicked: %v", worker, v)
		}))
	if err != nil {
		return nil, errors.E(errors.Invalid, "machine transport", err)
	}
	c := &Channel{
		fabric:      fabric.ID,
		worker:      worker,
		peers:       fabric.Peers,
		limit:       opts.OutboundLimit,
		inboxLimit:  inboxLimit(opts.InboxLimit),
		senders:     senders,
		completions: make(chan completion, opts.OutboundLimit),
		inbox:       inbox(fabric.ID, worker, opts.InboxLimit),
		queues:      make(map[int]*peerQueue),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// SendMessage implements channel.Channel. Messages to a peer are
// delivered one at a time, in the order they were sent.
func (c *Channel) SendMessage(worker int, msg *buffer.Message, done channel.CompleteFunc) bool {
	if c.closed || c.pending >= c.limit {
		return false
	}
	m := c.peers[worker]
	env, err := wire.New(wire.TypeMessage, c.worker, wire.EncodeMessage(msg))
	var frame []byte
	if err == nil {
		frame, err = env.Marshal()
	}
	if err == nil && m == nil {
		err = errors.E(errors.NotExist, fmt.Sprintf("no machine for worker %d", worker))
	}
	if err != nil {
		c.pending++
		c.completions <- completion{worker, msg, done, err}
		return true
	}
	c.mu.Lock()
	q := c.queues[worker]
	if q == nil {
		q = new(peerQueue)
		c.queues[worker] = q
	}
	q.sends = append(q.sends, outgoing{frame, completion{worker: worker, msg: msg, done: done}})
	start := !q.busy
	q.busy = true
	c.mu.Unlock()
	if start {
		if err := c.senders.Submit(func() { c.drain(m, q) }); err != nil {
			c.mu.Lock()
			q.busy = false
			q.sends = q.sends[:len(q.sends)-1]
			c.mu.Unlock()
			return false
		}
	}
	c.pending++
	return true
}

// drain delivers a peer's queued sends until the queue is empty.
func (c *Channel) drain(m *bigmachine.Machine, q *peerQueue) {
	for {
		c.mu.Lock()
		if len(q.sends) == 0 {
			q.busy = false
			c.mu.Unlock()
			return
		}
		out := q.sends[0]
		q.sends[0] = outgoing{}
		q.sends = q.sends[1:]
		c.mu.Unlock()
		out.err = m.Call(c.ctx, "Endpoint.Deliver", out.frame, nil)
		c.completions <- out.completion
	}
}

// ReceiveMessage implements channel.Channel.
func (c *Channel) ReceiveMessage(edge, sourceWorker int, pool *buffer.Pool, fn channel.ReceiveFunc) error {
	return c.regs.Register(edge, sourceWorker, pool, fn)
}

// Unregister implements channel.Channel.
func (c *Channel) Unregister(edge int) {
	c.regs.Unregister(edge)
}

// Progress implements channel.Channel.
func (c *Channel) Progress() error {
	var err error
	for more := true; more; {
		select {
		case comp := <-c.completions:
			c.pending--
			if comp.err != nil {
				comp.msg.Release()
				if err == nil {
					err = errors.E(errors.Net, errors.Fatal,
						fmt.Sprintf("machine transport: send from worker %d to worker %d", c.worker, comp.worker), comp.err)
				}
				continue
			}
			comp.done(comp.msg)
		default:
			more = false
		}
	}
	if err != nil {
		return err
	}
	// Envelopes stay in the inbox while the backlog is full, so that
	// delivering RPCs wait.
	for _, v := range c.inbox.Take(c.inboxLimit - len(c.backlog)) {
		c.backlog = append(c.backlog, v.(wire.Envelope))
	}
	// Deliveries for a (edge, sender) pair stay in order; a blocked
	// pair does not hold up the others.
	var (
		blocked map[channel.Key]bool
		rest    = c.backlog[:0]
	)
	for i, env := range c.backlog {
		h, payload, err := wire.DecodeMessage(env.Payload)
		if err != nil {
			c.backlog = append(rest, c.backlog[i+1:]...)
			return errors.E(errors.Net, errors.Fatal, "machine transport: malformed message", err)
		}
		k := channel.Key{Edge: h.Edge(), Source: int(env.Sender)}
		if blocked[k] {
			rest = append(rest, env)
			continue
		}
		var (
			reg channel.Registration
			msg *buffer.Message
			ok  bool
		)
		if reg, ok = c.regs.Lookup(k.Edge, k.Source); ok {
			msg, ok = buffer.Encode(reg.Pool, h, payload, true)
		}
		if !ok {
			if blocked == nil {
				blocked = make(map[channel.Key]bool)
			}
			blocked[k] = true
			rest = append(rest, env)
			continue
		}
		if err := reg.Func(k.Source, msg); err != nil {
			c.backlog = append(rest, c.backlog[i+1:]...)
			return err
		}
	}
	c.backlog = rest
	return nil
}

// IsComplete implements channel.Channel.
func (c *Channel) IsComplete() bool {
	return c.pending == 0 && len(c.backlog) == 0 && c.inbox.Len() == 0
}

// Close implements channel.Channel. It cancels in-flight sends and
// waits for their goroutines to finish.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	for ; c.pending > 0; c.pending-- {
		comp := <-c.completions
		comp.msg.Release()
	}
	c.senders.Release()
	c.inbox.Close()
	dropInbox(c.fabric, c.worker, c.inbox)
	c.backlog = nil
	return nil
}
