// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
	"github.com/hashicorp/go-multierror"
)

// Kind is the kind of operation a final receiver serves. The kind
// determines how records are accumulated and how a target's result is
// presented.
type Kind int

const (
	// Direct delivers the values sent by a target's paired source.
	Direct Kind = iota
	// Partition delivers the values sent to a target.
	Partition
	// KeyedPartition delivers the (key, value) tuples sent to a
	// target, ordered by key if sorting is requested.
	KeyedPartition
	// Broadcast delivers the values broadcast to every target.
	Broadcast
	// Gather delivers (source, value) tuples.
	Gather
	// Reduce delivers the reduction of every value sent to a target.
	Reduce
	// KeyedReduce delivers a (key, reduced value) tuple per key.
	KeyedReduce
	// KeyedGather delivers a (key, []value) tuple per key.
	KeyedGather
)

var kindNames = [...]string{
	Direct:         "direct",
	Partition:      "partition",
	KeyedPartition: "keyed-partition",
	Broadcast:      "broadcast",
	Gather:         "gather",
	Reduce:         "reduce",
	KeyedReduce:    "keyed-reduce",
	KeyedGather:    "keyed-gather",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) keyed() bool {
	return k == KeyedPartition || k == KeyedReduce || k == KeyedGather
}

func (k Kind) grouped() bool {
	return k == KeyedReduce || k == KeyedGather
}

// A ReduceFunc combines two values. It must be commutative and
// associative: results do not depend on arrival order.
type ReduceFunc func(a, b interface{}) interface{}

// A ValuesFunc receives the result of a target. The iterator is valid
// only for the duration of the call.
type ValuesFunc func(target int, values record.Iterator)

// A ValueFunc receives the result of a Reduce target. Ok is false if
// no values were sent to the target.
type ValueFunc func(target int, value interface{}, ok bool)

// Config configures a Final receiver.
type Config struct {
	// Kind is the kind of operation.
	Kind Kind
	// Name names the operation in logs and run files.
	Name string
	// Expected maps each local target to the sources it expects
	// syncs from.
	Expected map[int]plan.Set
	// Keys packs the keys of keyed kinds.
	Keys packer.Packer
	// Values packs values.
	Values packer.Packer
	// Compare, if not nil, orders keys. Otherwise keys are ordered by
	// their packed bytes.
	Compare record.Comparator
	// Sorted requests that KeyedPartition results be ordered by key.
	Sorted bool
	// Reduce combines values of the Reduce and KeyedReduce kinds.
	Reduce ReduceFunc
	// Disk requests that records be accumulated in a shuffle.
	Disk bool
	// Shuffle configures the shuffles of a disk-backed receiver.
	// Target, Sorted, Grouped, and Compare are set by the receiver.
	Shuffle shuffle.Options
	// OnValues receives the results of every kind except Reduce.
	OnValues ValuesFunc
	// OnValue receives the results of Reduce.
	OnValue ValueFunc
	// Stats, if not nil, receives counters.
	Stats *stats.Scope
}

func (c *Config) layout() *layout {
	l := &layout{
		kind:    c.Kind,
		keys:    c.Keys,
		values:  c.Values,
		compare: c.Compare,
		sorted:  c.Sorted,
		reduce:  c.Reduce,
		disk:    c.Disk,
		shuffle: c.Shuffle,
	}
	if l.shuffle.Name == "" {
		l.shuffle.Name = c.Name
	}
	return l
}

func (c *Config) validate() error {
	switch {
	case c.Values == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("receiver %s: no value packer", c.Name))
	case c.Kind.keyed() && c.Keys == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("receiver %s: %s requires a key packer", c.Name, c.Kind))
	case (c.Kind == Reduce || c.Kind == KeyedReduce) && c.Reduce == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("receiver %s: %s requires a reduce function", c.Name, c.Kind))
	case c.Kind == Reduce && c.OnValue == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("receiver %s: no value callback", c.Name))
	case c.Kind != Reduce && c.OnValues == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("receiver %s: no values callback", c.Name))
	}
	return nil
}

// A Final is the final receiver of one operation on one worker. It
// holds the state of every local target of the operation.
//
// OnMessage and OnSync are called as messages are delivered by the
// routing layer; Progress performs spill steps and delivers the
// targets that are ready. Progress does not wait for a concurrent
// caller: if the receiver is busy, Progress skips the cycle and
// reports that more progress is needed, so the work is retried by
// the next call.
type Final struct {
	Config

	mu      sync.Mutex
	tracker *Tracker
	accs    map[int]*accumulator
}

// NewFinal returns a new final receiver.
func NewFinal(config Config) (*Final, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	f := &Final{
		Config:  config,
		tracker: NewTracker(config.Name, config.Expected, config.Stats),
		accs:    make(map[int]*accumulator),
	}
	l := config.layout()
	for _, target := range f.tracker.Targets() {
		a, err := newAccumulator(l, target)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.accs[target] = a
	}
	return f, nil
}

// OnMessage accumulates the records in a data message sent by source
// to target. It returns false if the target already received every
// sync, in which case the records are not accumulated.
func (f *Final) OnMessage(source, target int, flags buffer.Flag, records []packer.Raw) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok, err := f.tracker.OnData(target); !ok || err != nil {
		return false, err
	}
	a := f.accs[target]
	for _, r := range records {
		if err := a.add(source, r); err != nil {
			return false, err
		}
	}
	return true, nil
}

// OnSync records that source has no more data for target.
func (f *Final) OnSync(source, target int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.OnSync(source, target)
}

// State returns the state of target.
func (f *Final) State(target int) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.State(target)
}

// Progress runs a spill step for every target and delivers each
// target that has received all of its syncs and for which drained
// reports that no messages are queued upstream. It returns true if
// some target is not yet synced.
func (f *Final) Progress(drained func(target int) bool) (bool, error) {
	if !f.mu.TryLock() {
		return true, nil
	}
	defer f.mu.Unlock()
	for _, target := range f.tracker.Targets() {
		a := f.accs[target]
		if err := a.run(f.Stats); err != nil {
			return false, err
		}
		if !f.tracker.Ready(target) || (drained != nil && !drained(target)) {
			continue
		}
		if err := f.deliver(a); err != nil {
			return false, err
		}
		f.tracker.MarkSynced(target)
		f.Stats.Add(stats.TargetsSynced, 1)
	}
	return !f.tracker.IsComplete(), nil
}

func (f *Final) deliver(a *accumulator) error {
	log.Debug.Printf("receiver %s: delivering target %d", f.Name, a.target)
	if f.Kind == Reduce {
		value, ok, err := a.reduced()
		if err != nil {
			return err
		}
		f.OnValue(a.target, value, ok)
		return a.clear()
	}
	it, release, err := a.iterator()
	if err != nil {
		return err
	}
	f.OnValues(a.target, it)
	err = it.Err()
	if e := release(); err == nil {
		err = e
	}
	if e := a.clear(); err == nil {
		err = e
	}
	return err
}

// IsComplete tells whether every target was delivered.
func (f *Final) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.IsComplete()
}

// Reset returns the receiver to its initial state, discarding any
// accumulated records.
func (f *Final) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracker.Reset()
	var err *multierror.Error
	for _, a := range f.accs {
		if e := a.reset(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err.ErrorOrNil()
}

// Close discards accumulated records and deletes run files.
func (f *Final) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err *multierror.Error
	for _, a := range f.accs {
		if e := a.clear(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err.ErrorOrNil()
}
