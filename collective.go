// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/selector"
)

// A relay is a two-phase collective: an operation that collects its
// sources' values at a middle target, followed by a broadcast, on the
// next edge, of the collected result from the middle target to every
// target.
type relay struct {
	name      string
	mid       int
	collect   *operation
	broadcast *operation

	mu     sync.Mutex
	ready  bool
	sent   bool
	ok     bool
	result interface{}
}

// collected records the middle target's result; ok is false if there
// is nothing to broadcast.
func (r *relay) collected(value interface{}, ok bool) {
	r.mu.Lock()
	r.ready, r.result, r.ok = true, value, ok
	r.mu.Unlock()
}

// Send sends data from source.
func (r *relay) Send(source int, data interface{}, flags buffer.Flag) (bool, error) {
	return r.collect.Send(source, data, flags)
}

// Finish signals that source has no more data.
func (r *relay) Finish(source int) {
	r.collect.Finish(source)
}

// Progress drives both phases of the collective.
func (r *relay) Progress() (bool, error) {
	more, err := r.collect.Progress()
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	ready, sent, ok, result := r.ready, r.sent, r.ok, r.result
	r.mu.Unlock()
	if ready && !sent {
		done := true
		if ok {
			if done, err = r.broadcast.Send(r.mid, result, 0); err != nil {
				return false, err
			}
		}
		if done {
			r.broadcast.Finish(r.mid)
			r.mu.Lock()
			r.sent = true
			r.mu.Unlock()
		}
	}
	m, err := r.broadcast.Progress()
	if err != nil {
		return false, err
	}
	return more || m || !r.IsComplete(), nil
}

// IsComplete tells whether both phases completed on this worker.
func (r *relay) IsComplete() bool {
	r.mu.Lock()
	pending := r.ready && !r.sent
	r.mu.Unlock()
	return !pending && r.collect.IsComplete() && r.broadcast.IsComplete()
}

// Reset returns both phases to their initial state.
func (r *relay) Reset() {
	r.collect.Reset()
	r.broadcast.Reset()
	r.mu.Lock()
	r.ready, r.sent, r.ok, r.result = false, false, false, nil
	r.mu.Unlock()
}

// Close releases the resources of both phases.
func (r *relay) Close() error {
	err := r.collect.Close()
	if e := r.broadcast.Close(); err == nil {
		err = e
	}
	return err
}

func middle(targets []int) (int, error) {
	if len(targets) == 0 {
		return 0, errors.E(errors.Invalid, "bigcomm: collective requires targets")
	}
	return targets[len(targets)/2], nil
}

// AllReduce reduces the values sent by its sources and delivers the
// result to every target. The values are reduced at the middle target
// on edge, and the result is broadcast on edge+1.
type AllReduce struct{ *relay }

// NewAllReduce returns a new all-reduce operation. It uses edges edge
// and edge+1.
func NewAllReduce(env *Env, edge int, sources, targets []int, values packer.Packer, reduce ReduceFunc, fn ValueFunc, opts ...Option) (*AllReduce, error) {
	mid, err := middle(targets)
	if err != nil {
		return nil, err
	}
	o := makeOptions(env, opts)
	name := o.name
	if name == "" {
		name = fmt.Sprintf("allreduce-e%d", edge)
	}
	r := &relay{name: name, mid: mid}
	r.collect, err = newFinalOp(env, finalOp{
		kind:     receiver.Reduce,
		edge:     edge,
		sources:  sources,
		targets:  []int{mid},
		values:   values,
		reduce:   reduce,
		onValue:  func(_ int, value interface{}, ok bool) { r.collected(value, ok) },
		selector: first(),
	}, append(opts, Name(name+"-reduce")))
	if err != nil {
		return nil, err
	}
	r.broadcast, err = newFinalOp(env, finalOp{
		kind:    receiver.Broadcast,
		edge:    edge + 1,
		sources: []int{mid},
		targets: targets,
		values:  values,
		onValues: func(target int, values record.Iterator) {
			if values.Next() {
				fn(target, values.Value(), true)
			} else {
				fn(target, nil, false)
			}
		},
		broadcast: true,
	}, append(opts, Name(name+"-broadcast")))
	if err != nil {
		r.collect.Close()
		return nil, err
	}
	return &AllReduce{r}, nil
}

// AllGather collects the values sent by its sources and delivers all
// of them to every target as record.Tuples keyed by source. The values
// are gathered at the middle target on edge, and the gathered list is
// broadcast on edge+1.
type AllGather struct{ *relay }

// NewAllGather returns a new all-gather operation. It uses edges edge
// and edge+1.
func NewAllGather(env *Env, edge int, sources, targets []int, values packer.Packer, fn ValuesFunc, opts ...Option) (*AllGather, error) {
	mid, err := middle(targets)
	if err != nil {
		return nil, err
	}
	o := makeOptions(env, opts)
	name := o.name
	if name == "" {
		name = fmt.Sprintf("allgather-e%d", edge)
	}
	r := &relay{name: name, mid: mid}
	r.collect, err = newFinalOp(env, finalOp{
		kind:    receiver.Gather,
		edge:    edge,
		sources: sources,
		targets: []int{mid},
		values:  values,
		onValues: func(_ int, gathered record.Iterator) {
			var recs []packer.Raw
			for gathered.Next() {
				t := gathered.Value().(record.Tuple)
				key, err := packer.Int.Pack(t.Key)
				if err != nil {
					log.Panicf("%s: pack source %v: %v", name, t.Key, err)
				}
				value, err := values.Pack(t.Value)
				if err != nil {
					log.Panicf("%s: repack gathered value: %v", name, err)
				}
				recs = append(recs, packer.Raw{Key: key, Value: value})
			}
			r.collected(packer.EncodeTuples(recs, true), true)
		},
		selector: first(),
	}, append(opts, Name(name+"-gather")))
	if err != nil {
		return nil, err
	}
	r.broadcast, err = newFinalOp(env, finalOp{
		kind:    receiver.Broadcast,
		edge:    edge + 1,
		sources: []int{mid},
		targets: targets,
		values:  packer.Bytes,
		onValues: func(target int, lists record.Iterator) {
			var tuples []interface{}
			for lists.Next() {
				recs, err := packer.DecodeTuples(lists.Value().([]byte), true)
				if err != nil {
					log.Panicf("%s: %v", name, err)
				}
				for _, rec := range recs {
					source, err := packer.Int.Unpack(rec.Key)
					if err != nil {
						log.Panicf("%s: %v", name, err)
					}
					value, err := values.Unpack(rec.Value)
					if err != nil {
						log.Panicf("%s: %v", name, err)
					}
					tuples = append(tuples, record.Tuple{Key: source, Value: value})
				}
			}
			fn(target, record.NewSliceIterator(tuples))
		},
		broadcast: true,
	}, append(opts, Name(name+"-broadcast")))
	if err != nil {
		r.collect.Close()
		return nil, err
	}
	return &AllGather{r}, nil
}

// Join joins the record.Tuples of its left and right sources by key.
// Left tuples travel on edge and right tuples on edge+1, each hashed
// by key to the target that joins them. Each target receives the
// record.JoinedTuples of its keys.
type Join struct{ *operation }

// NewJoin returns a new join operation. It uses edges edge and
// edge+1. The join type and algorithm are set by the JoinType and
// JoinAlgorithm options; by default joins are inner joins computed
// with the environment's default algorithm. Both sides are always
// partitioned by the hash of their keys, so WithSelector has no
// effect.
func NewJoin(env *Env, edge int, leftSources, rightSources, targets []int, keys, left, right packer.Packer, fn JoinFunc, opts ...Option) (*Join, error) {
	o := makeOptions(env, opts)
	name := o.name
	if name == "" {
		name = fmt.Sprintf("join-e%d", edge)
	}
	if len(leftSources) == 0 || len(rightSources) == 0 || len(targets) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: join requires sources on both sides and targets", name))
	}
	scope := env.Stats.Scope(name)
	j, err := receiver.NewJoin(receiver.JoinConfig{
		Name:        name,
		Left:        expected(env, leftSources, targets, nil),
		Right:       expected(env, rightSources, targets, nil),
		Keys:        keys,
		LeftValues:  left,
		RightValues: right,
		Compare:     o.compare,
		Type:        o.joinType,
		Algorithm:   *o.algorithm,
		Disk:        o.disk,
		Shuffle:     shuffleOptions(env, o, name),
		OnJoin:      fn,
		Stats:       scope,
	})
	if err != nil {
		return nil, err
	}
	op := &operation{env: env, name: name, sink: joinSink{j}}
	var lanes []laneConfig
	for tag, side := range []struct {
		sources []int
		values  packer.Packer
	}{
		receiver.Left:  {leftSources, left},
		receiver.Right: {rightSources, right},
	} {
		lanes = append(lanes, laneConfig{
			name:     name,
			edge:     edge + tag,
			tag:      tag,
			sources:  side.sources,
			targets:  targets,
			keys:     keys,
			values:   side.values,
			selector: selector.Hash(keys),
			topology: allToAll(o),
		})
	}
	if err := op.build(lanes, scope); err != nil {
		return nil, err
	}
	log.Debug.Printf("%s: %s join by %s of %s with %s on %s", name, o.joinType, *o.algorithm, plan.NewSet(leftSources...), plan.NewSet(rightSources...), plan.NewSet(targets...))
	return &Join{op}, nil
}

func (j *Join) checkTag(tag int) error {
	if tag != receiver.Left && tag != receiver.Right {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("%s: unsupported join tag %d", j.name, tag))
	}
	return nil
}

// SendTagged sends a record.Tuple from source on the side given by
// tag: receiver.Left or receiver.Right. Send sends on the left side.
func (j *Join) SendTagged(tag, source int, data interface{}, flags buffer.Flag) (bool, error) {
	if err := j.checkTag(tag); err != nil {
		return false, err
	}
	return j.send(tag, source, data, flags)
}

// FinishTagged signals that source has no more data for the side
// given by tag.
func (j *Join) FinishTagged(tag, source int) {
	if err := j.checkTag(tag); err != nil {
		log.Panicf("%v", err)
	}
	j.finish(tag, source)
}
