// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/routing"
	"github.com/grailbio/bigcomm/selector"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
	"github.com/hashicorp/go-multierror"
)

// sink is the receiving side of an operation: a final receiver,
// addressed by lane tag.
type sink interface {
	onMessage(tag, source, target int, flags buffer.Flag, records []packer.Raw) (bool, error)
	onSync(tag, source, target int) error
	progress(drained func(tag, target int) bool) (bool, error)
	isComplete() bool
	reset() error
	close() error
}

type finalSink struct{ *receiver.Final }

func (s finalSink) onMessage(_, source, target int, flags buffer.Flag, records []packer.Raw) (bool, error) {
	return s.OnMessage(source, target, flags, records)
}
func (s finalSink) onSync(_, source, target int) error { return s.OnSync(source, target) }
func (s finalSink) progress(drained func(tag, target int) bool) (bool, error) {
	return s.Progress(func(target int) bool { return drained(0, target) })
}
func (s finalSink) isComplete() bool { return s.IsComplete() }
func (s finalSink) reset() error     { return s.Reset() }
func (s finalSink) close() error     { return s.Close() }

type joinSink struct{ *receiver.Join }

func (s joinSink) onMessage(tag, source, target int, flags buffer.Flag, records []packer.Raw) (bool, error) {
	return s.OnMessage(tag, source, target, flags, records)
}
func (s joinSink) onSync(tag, source, target int) error { return s.OnSync(tag, source, target) }
func (s joinSink) progress(drained func(tag, target int) bool) (bool, error) {
	return s.Progress(drained)
}
func (s joinSink) isComplete() bool { return s.IsComplete() }
func (s joinSink) reset() error     { return s.Reset() }
func (s joinSink) close() error     { return s.Close() }

// pendingSync is a sync that has not yet been accepted by the router.
type pendingSync struct {
	source, dest int
}

// laneConfig configures a lane.
type laneConfig struct {
	name      string
	edge      int
	tag       int
	sources   []int
	targets   []int
	keys      packer.Packer
	values    packer.Packer
	selector  selector.Selector
	broadcast bool
	// syncTargets returns the targets that source syncs; nil means
	// every target.
	syncTargets func(source int) []int
	topology    func(*plan.LogicalPlan, plan.Set, plan.Set) routing.Topology
}

// A lane is the sending side of an operation on one edge: the
// selector that picks targets, the router that carries messages, and
// the syncs of local sources that finished.
type lane struct {
	laneConfig
	env      *Env
	local    map[int]bool
	finished map[int]bool
	syncs    []pendingSync
	router   *routing.Router
	stats    *stats.Scope
	sink     sink
}

func newLane(env *Env, config laneConfig, sink sink, scope *stats.Scope) (*lane, error) {
	l := &lane{
		laneConfig: config,
		env:        env,
		local:      make(map[int]bool),
		finished:   make(map[int]bool),
		stats:      scope,
		sink:       sink,
	}
	for _, source := range config.sources {
		w, ok := env.Plan.WorkerOf(source)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: source %d is not in the plan", config.name, source))
		}
		if w == env.Worker {
			l.local[source] = true
		}
	}
	for _, target := range config.targets {
		if _, ok := env.Plan.WorkerOf(target); !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: target %d is not in the plan", config.name, target))
		}
	}
	if l.selector != nil {
		if err := l.selector.Prepare(config.sources, config.targets); err != nil {
			return nil, err
		}
	}
	sources, targets := plan.NewSet(config.sources...), plan.NewSet(config.targets...)
	var err error
	l.router, err = routing.New(routing.Config{
		Edge:        config.edge,
		Worker:      env.Worker,
		Plan:        env.Plan,
		Targets:     targets,
		Topology:    config.topology(env.Plan, sources, targets),
		Channel:     env.Channel(),
		Pool:        buffer.NewPool(fmt.Sprintf("%s-e%d-w%d", config.name, config.edge, env.Worker), env.Config.ReceiveBuffers, env.Config.BufferSize),
		ForwardPool: env.Pool,
		OutboxLimit: env.Config.OutboxLimit,
		Deliver:     l.deliver,
		Stats:       scope,
	})
	return l, err
}

// send sends (key, value) from source. It returns false if the
// message could not be queued.
func (l *lane) send(source int, key, value interface{}, flags buffer.Flag) (bool, error) {
	if !l.local[source] {
		return false, errors.E(errors.Invalid, fmt.Sprintf("%s: %d is not a source on worker %d", l.name, source, l.env.Worker))
	}
	if l.finished[source] {
		log.Panicf("%s: send from source %d after finish", l.name, source)
	}
	if flags.Has(buffer.FlagSyncEmpty) {
		return false, errors.E(errors.Invalid, fmt.Sprintf("%s: reserved flag %s", l.name, buffer.FlagSyncEmpty))
	}
	dest := routing.Broadcast
	if !l.broadcast {
		var err error
		if dest, err = l.selector.Next(source, key, value); err != nil {
			return false, err
		}
	}
	var (
		packedKey []byte
		keyed     = l.keys != nil
		err       error
	)
	if keyed {
		if packedKey, err = l.keys.Pack(key); err != nil {
			return false, err
		}
	}
	packedValue, err := l.values.Pack(value)
	if err != nil {
		return false, err
	}
	payload := packer.AppendRecord(nil, packedKey, packedValue, keyed)
	h := buffer.NewHeader(source, l.edge).NumTuples(1).Destination(dest).Flags(flags).Build()
	msg, ok := buffer.EncodeReserve(l.env.Pool, h, payload, l.router.Reserve())
	if !ok {
		l.stats.Add(stats.SendsRejected, 1)
		return false, nil
	}
	if ok, err = l.router.Send(dest, msg); !ok || err != nil {
		msg.Release()
		return false, err
	}
	if l.selector != nil {
		l.selector.Commit(source, dest)
	}
	l.stats.Add(stats.MessagesSent, 1)
	return true, nil
}

// finish queues the syncs of source.
func (l *lane) finish(source int) error {
	if !l.local[source] {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: %d is not a source on worker %d", l.name, source, l.env.Worker))
	}
	if l.finished[source] {
		log.Error.Printf("%s: source %d finished twice", l.name, source)
		return nil
	}
	l.finished[source] = true
	switch {
	case l.broadcast:
		l.syncs = append(l.syncs, pendingSync{source, routing.Broadcast})
	case l.syncTargets != nil:
		for _, target := range l.syncTargets(source) {
			l.syncs = append(l.syncs, pendingSync{source, target})
		}
	default:
		for _, target := range l.targets {
			l.syncs = append(l.syncs, pendingSync{source, target})
		}
	}
	return l.flushSyncs()
}

// flushSyncs hands queued syncs to the router, in order, until the
// router rejects one.
func (l *lane) flushSyncs() error {
	var n int
	for _, s := range l.syncs {
		h := buffer.NewHeader(s.source, l.edge).Destination(s.dest).Flags(buffer.FlagSyncEmpty).Build()
		msg, _ := buffer.Encode(l.env.Pool, h, nil, true)
		ok, err := l.router.Send(s.dest, msg)
		if err != nil {
			msg.Release()
			return err
		}
		if !ok {
			msg.Release()
			break
		}
		l.stats.Add(stats.SyncsSent, 1)
		n++
	}
	l.syncs = l.syncs[n:]
	return nil
}

// deliver is the router's delivery function.
func (l *lane) deliver(target int, msg *buffer.Message) (bool, error) {
	h := msg.Header()
	if h.IsSync() {
		return true, l.sink.onSync(l.tag, h.Source(), target)
	}
	records, err := packer.ReadRecords(msg.Payload(), l.keys != nil)
	if err != nil {
		return false, err
	}
	ok, err := l.sink.onMessage(l.tag, h.Source(), target, h.Flags(), records)
	if err != nil {
		return false, err
	}
	if !ok {
		l.stats.Add(stats.MessagesDropped, 1)
		log.Error.Printf("%s: dropped message from source %d to target %d received after all syncs", l.name, h.Source(), target)
	}
	return true, nil
}

func (l *lane) progress() (bool, error) {
	if err := l.flushSyncs(); err != nil {
		return false, err
	}
	return l.router.Progress()
}

// done tells whether every local source finished and every message
// left the lane.
func (l *lane) done() bool {
	return len(l.finished) == len(l.local) && len(l.syncs) == 0 && l.router.Idle()
}

func (l *lane) reset() error {
	l.router.Reset()
	l.syncs = nil
	for source := range l.finished {
		delete(l.finished, source)
	}
	if l.selector != nil {
		return l.selector.Prepare(l.sources, l.targets)
	}
	return nil
}

// An operation is a set of lanes feeding one sink.
type operation struct {
	env    *Env
	name   string
	lanes  []*lane
	sink   sink
	closed bool
}

func (o *operation) drained(tag, target int) bool {
	return o.lanes[tag].router.Pending(target) == 0
}

// Progress drives the operation: it progresses the environment's
// channel, the operation's routers, and its receiver. It returns true
// if the operation needs more progress.
func (o *operation) Progress() (bool, error) {
	if err := o.env.Progress(); err != nil {
		return false, err
	}
	var more bool
	for _, l := range o.lanes {
		m, err := l.progress()
		if err != nil {
			return false, err
		}
		more = more || m
	}
	pending := make(map[[2]int]bool)
	for tag, l := range o.lanes {
		for _, target := range l.router.LocalTargets() {
			pending[[2]int{tag, target}] = !o.drained(tag, target)
		}
	}
	m, err := o.sink.progress(func(tag, target int) bool { return !pending[[2]int{tag, target}] })
	if err != nil {
		return false, err
	}
	return more || m || !o.IsComplete(), nil
}

// IsComplete tells whether every local target delivered its result
// and every local source finished and flushed its messages.
func (o *operation) IsComplete() bool {
	for _, l := range o.lanes {
		if !l.done() {
			return false
		}
	}
	return o.sink.isComplete()
}

// Reset returns the operation to its initial state so that it may be
// run again.
func (o *operation) Reset() {
	var err *multierror.Error
	for _, l := range o.lanes {
		if e := l.reset(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	if e := o.sink.reset(); e != nil {
		err = multierror.Append(err, e)
	}
	if e := err.ErrorOrNil(); e != nil {
		log.Error.Printf("%s: reset: %v", o.name, e)
	}
}

// Close releases the operation's resources.
func (o *operation) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	for _, l := range o.lanes {
		l.router.Close()
	}
	log.Debug.Printf("%s: closed", o.name)
	return o.sink.close()
}

func (o *operation) checkOpen() error {
	if o.closed {
		return errors.E(errors.Precondition, fmt.Sprintf("%s: operation closed", o.name))
	}
	return nil
}

// send sends a value on lane tag; keyed lanes require a record.Tuple.
func (o *operation) send(tag, source int, data interface{}, flags buffer.Flag) (bool, error) {
	if err := o.checkOpen(); err != nil {
		return false, err
	}
	l := o.lanes[tag]
	if l.keys == nil {
		return l.send(source, nil, data, flags)
	}
	t, ok := data.(record.Tuple)
	if !ok {
		return false, errors.E(errors.Invalid, fmt.Sprintf("%s: keyed operations send record.Tuple, not %T", o.name, data))
	}
	return l.send(source, t.Key, t.Value, flags)
}

func (o *operation) finish(tag, source int) {
	if err := o.lanes[tag].finish(source); err != nil {
		log.Panicf("%s: finish: %v", o.name, err)
	}
}

// Send sends data from source. Keyed operations send record.Tuple
// values. Send returns false when the operation cannot accept the
// message yet; the caller should call Progress and retry.
func (o *operation) Send(source int, data interface{}, flags buffer.Flag) (bool, error) {
	return o.send(0, source, data, flags)
}

// Finish signals that source has no more data. Every local source
// must finish exactly once per run.
func (o *operation) Finish(source int) {
	o.finish(0, source)
}

// build creates the operation's lanes.
func (o *operation) build(configs []laneConfig, scope *stats.Scope) error {
	for _, c := range configs {
		l, err := newLane(o.env, c, o.sink, scope)
		if err != nil {
			for _, l := range o.lanes {
				l.router.Close()
			}
			o.sink.close()
			return err
		}
		o.lanes = append(o.lanes, l)
	}
	log.Debug.Printf("%s: created on worker %d", o.name, o.env.Worker)
	return nil
}

// expected returns, for each of targets owned by the local worker, the
// sources that it expects syncs from.
func expected(env *Env, sources, targets []int, pairs map[int]int) map[int]plan.Set {
	all := plan.NewSet(sources...)
	m := make(map[int]plan.Set)
	for _, target := range env.Plan.Local(env.Worker, plan.NewSet(targets...)).Slice() {
		if pairs != nil {
			m[target] = plan.NewSet(pairs[target])
		} else {
			m[target] = all
		}
	}
	return m
}

func shuffleOptions(env *Env, o options, name string) shuffle.Options {
	return shuffle.Options{
		Dirs:      env.Config.ShuffleDirs,
		Name:      name,
		Threshold: o.threshold,
	}
}

func allToAll(o options) func(*plan.LogicalPlan, plan.Set, plan.Set) routing.Topology {
	if o.allToAll == AllToAllRing {
		return routing.Ring
	}
	return routing.Simple
}
