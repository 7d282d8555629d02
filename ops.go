// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/routing"
	"github.com/grailbio/bigcomm/selector"
)

type (
	// ValuesFunc receives the result of a target: an iterator that is
	// valid only for the duration of the call.
	ValuesFunc = receiver.ValuesFunc
	// ValueFunc receives the reduced value of a target. Ok is false if
	// no value was sent to the target.
	ValueFunc = receiver.ValueFunc
	// ReduceFunc combines two values. It must be commutative and
	// associative.
	ReduceFunc = receiver.ReduceFunc
	// JoinFunc receives the record.JoinedTuples of a target.
	JoinFunc = receiver.JoinFunc
)

// finalOp describes an operation with a single lane that feeds a
// final receiver.
type finalOp struct {
	kind             receiver.Kind
	edge             int
	sources, targets []int
	keys, values     packer.Packer
	reduce           ReduceFunc
	onValues         ValuesFunc
	onValue          ValueFunc
	selector         selector.Selector
	broadcast        bool
}

func newFinalOp(env *Env, f finalOp, opts []Option) (*operation, error) {
	o := makeOptions(env, opts)
	name := o.name
	if name == "" {
		name = fmt.Sprintf("%s-e%d", f.kind, f.edge)
	}
	if len(f.sources) == 0 || len(f.targets) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: operation requires sources and targets", name))
	}
	var (
		pairs       map[int]int
		syncTargets func(int) []int
	)
	if f.kind == receiver.Direct {
		if len(f.sources) != len(f.targets) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: %d sources, %d targets", name, len(f.sources), len(f.targets)))
		}
		pairs = make(map[int]int)
		targetOf := make(map[int]int)
		for i, source := range f.sources {
			pairs[f.targets[i]] = source
			targetOf[source] = f.targets[i]
		}
		syncTargets = func(source int) []int { return []int{targetOf[source]} }
	}
	scope := env.Stats.Scope(name)
	final, err := receiver.NewFinal(receiver.Config{
		Kind:     f.kind,
		Name:     name,
		Expected: expected(env, f.sources, f.targets, pairs),
		Keys:     f.keys,
		Values:   f.values,
		Compare:  o.compare,
		Sorted:   o.sorted,
		Reduce:   f.reduce,
		Disk:     o.disk,
		Shuffle:  shuffleOptions(env, o, name),
		OnValues: f.onValues,
		OnValue:  f.onValue,
		Stats:    scope,
	})
	if err != nil {
		return nil, err
	}
	c := laneConfig{
		name:        name,
		edge:        f.edge,
		sources:     f.sources,
		targets:     f.targets,
		keys:        f.keys,
		values:      f.values,
		syncTargets: syncTargets,
		topology:    allToAll(o),
	}
	switch {
	case f.broadcast:
		c.broadcast = true
		c.topology = routing.Tree
	case o.selector != nil:
		c.selector = o.selector
	default:
		c.selector = f.selector
	}
	op := &operation{env: env, name: name, sink: finalSink{final}}
	if err := op.build([]laneConfig{c}, scope); err != nil {
		return nil, err
	}
	return op, nil
}

// first returns a partitioner that sends every record to the first
// target.
func first() selector.Selector {
	return selector.Func(func(_ int, _, _ interface{}, targets []int) int { return targets[0] })
}

// Direct sends the values of the i'th source to the i'th target.
type Direct struct{ *operation }

// NewDirect returns a new direct operation. Sources and targets must
// have the same length.
func NewDirect(env *Env, edge int, sources, targets []int, values packer.Packer, fn ValuesFunc, opts ...Option) (*Direct, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.Direct,
		edge:     edge,
		sources:  sources,
		targets:  targets,
		values:   values,
		onValues: fn,
		selector: selector.Direct(),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Direct{op}, nil
}

// Broadcast sends the values of one source to every target, along a
// binomial tree of the workers that host them.
type Broadcast struct{ *operation }

// NewBroadcast returns a new broadcast operation.
func NewBroadcast(env *Env, edge, source int, targets []int, values packer.Packer, fn ValuesFunc, opts ...Option) (*Broadcast, error) {
	op, err := newFinalOp(env, finalOp{
		kind:      receiver.Broadcast,
		edge:      edge,
		sources:   []int{source},
		targets:   targets,
		values:    values,
		onValues:  fn,
		broadcast: true,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Broadcast{op}, nil
}

// Partition spreads the values of its sources across its targets.
// By default values are balanced round-robin; WithSelector overrides
// the choice.
type Partition struct{ *operation }

// NewPartition returns a new partition operation.
func NewPartition(env *Env, edge int, sources, targets []int, values packer.Packer, fn ValuesFunc, opts ...Option) (*Partition, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.Partition,
		edge:     edge,
		sources:  sources,
		targets:  targets,
		values:   values,
		onValues: fn,
		selector: selector.LoadBalance(),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Partition{op}, nil
}

// KeyedPartition sends record.Tuples to the target chosen by the hash
// of their keys. Each target receives record.Tuples, ordered by key
// when SortBy is given.
type KeyedPartition struct{ *operation }

// NewKeyedPartition returns a new keyed partition operation.
func NewKeyedPartition(env *Env, edge int, sources, targets []int, keys, values packer.Packer, fn ValuesFunc, opts ...Option) (*KeyedPartition, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.KeyedPartition,
		edge:     edge,
		sources:  sources,
		targets:  targets,
		keys:     keys,
		values:   values,
		onValues: fn,
		selector: selector.Hash(keys),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &KeyedPartition{op}, nil
}

// Reduce combines every value sent by its sources into one value at
// its target.
type Reduce struct{ *operation }

// NewReduce returns a new reduce operation.
func NewReduce(env *Env, edge int, sources []int, target int, values packer.Packer, reduce ReduceFunc, fn ValueFunc, opts ...Option) (*Reduce, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.Reduce,
		edge:     edge,
		sources:  sources,
		targets:  []int{target},
		values:   values,
		reduce:   reduce,
		onValue:  fn,
		selector: first(),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Reduce{op}, nil
}

// Gather collects every value sent by its sources at its target, which
// receives record.Tuples keyed by source.
type Gather struct{ *operation }

// NewGather returns a new gather operation.
func NewGather(env *Env, edge int, sources []int, target int, values packer.Packer, fn ValuesFunc, opts ...Option) (*Gather, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.Gather,
		edge:     edge,
		sources:  sources,
		targets:  []int{target},
		values:   values,
		onValues: fn,
		selector: first(),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Gather{op}, nil
}

// KeyedReduce reduces the values of each key at the target that owns
// the key. Each target receives a record.Tuple of (key, reduced value)
// per key.
type KeyedReduce struct{ *operation }

// NewKeyedReduce returns a new keyed reduce operation.
func NewKeyedReduce(env *Env, edge int, sources, targets []int, keys, values packer.Packer, reduce ReduceFunc, fn ValuesFunc, opts ...Option) (*KeyedReduce, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.KeyedReduce,
		edge:     edge,
		sources:  sources,
		targets:  targets,
		keys:     keys,
		values:   values,
		reduce:   reduce,
		onValues: fn,
		selector: selector.Hash(keys),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &KeyedReduce{op}, nil
}

// KeyedGather groups the values of each key at the target that owns
// the key. Each target receives a record.Tuple of (key,
// []interface{}) per key.
type KeyedGather struct{ *operation }

// NewKeyedGather returns a new keyed gather operation.
func NewKeyedGather(env *Env, edge int, sources, targets []int, keys, values packer.Packer, fn ValuesFunc, opts ...Option) (*KeyedGather, error) {
	op, err := newFinalOp(env, finalOp{
		kind:     receiver.KeyedGather,
		edge:     edge,
		sources:  sources,
		targets:  targets,
		keys:     keys,
		values:   values,
		onValues: fn,
		selector: selector.Hash(keys),
	}, opts)
	if err != nil {
		return nil, err
	}
	return &KeyedGather{op}, nil
}
