// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"github.com/grailbio/bigcomm/join"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/selector"
)

type options struct {
	name      string
	selector  selector.Selector
	disk      bool
	compare   record.Comparator
	sorted    bool
	allToAll  string
	algorithm *join.Algorithm
	joinType  join.Type
	threshold int
}

// An Option overrides the environment's configuration for one
// operation.
type Option func(o *options)

// Name names the operation in logs, counters, and run files.
func Name(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithSelector sets the operation's destination selector.
func WithSelector(s selector.Selector) Option {
	return func(o *options) {
		o.selector = s
	}
}

// Disk accumulates the operation's records in shuffles that spill to
// the environment's shuffle directories.
var Disk Option = func(o *options) {
	o.disk = true
}

// SortBy orders the keys of keyed operations with cmp. Keyed
// partitions deliver their records sorted by key.
func SortBy(cmp record.Comparator) Option {
	return func(o *options) {
		o.compare = cmp
		o.sorted = true
	}
}

// Ring routes an all-to-all operation around a ring of workers.
var Ring Option = func(o *options) {
	o.allToAll = AllToAllRing
}

// SimpleAllToAll routes an all-to-all operation directly from
// sources to targets.
var SimpleAllToAll Option = func(o *options) {
	o.allToAll = AllToAllSimple
}

// JoinAlgorithm sets the algorithm of a join.
func JoinAlgorithm(a join.Algorithm) Option {
	return func(o *options) {
		o.algorithm = &a
	}
}

// JoinType sets the type of a join.
func JoinType(t join.Type) Option {
	return func(o *options) {
		o.joinType = t
	}
}

// ShuffleThreshold sets the in-memory size beyond which a disk-backed
// operation spills.
func ShuffleThreshold(n int) Option {
	return func(o *options) {
		o.threshold = n
	}
}

func makeOptions(env *Env, opts []Option) options {
	o := options{
		allToAll:  env.Config.AllToAll,
		threshold: env.Config.ShuffleThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.algorithm == nil {
		// Validated by Config.Validate.
		a, _ := join.ParseAlgorithm(env.Config.Join)
		o.algorithm = &a
	}
	return o
}
