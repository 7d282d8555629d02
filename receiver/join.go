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
	"github.com/grailbio/bigcomm/join"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
	"github.com/hashicorp/go-multierror"
)

// Join tags.
const (
	Left  = 0
	Right = 1
)

// A JoinFunc receives the joined tuples (record.JoinedTuple) of a
// target. The iterator is valid only for the duration of the call.
type JoinFunc func(target int, joined record.Iterator)

// JoinConfig configures a Join receiver.
type JoinConfig struct {
	// Name names the operation in logs and run files.
	Name string
	// Left and Right map each local target to the sources of each
	// side that it expects syncs from.
	Left, Right map[int]plan.Set
	// Keys packs join keys.
	Keys packer.Packer
	// LeftValues and RightValues pack the values of each side.
	LeftValues, RightValues packer.Packer
	// Compare, if not nil, orders keys. Otherwise keys are ordered by
	// their packed bytes.
	Compare record.Comparator
	// Type is the join type.
	Type join.Type
	// Algorithm selects the join algorithm.
	Algorithm join.Algorithm
	// Disk requests that both sides be accumulated in shuffles.
	Disk bool
	// Shuffle configures the shuffles of a disk-backed receiver.
	Shuffle shuffle.Options
	// OnJoin receives the joined tuples of each target.
	OnJoin JoinFunc
	// Stats, if not nil, receives counters.
	Stats *stats.Scope
}

type side struct {
	tracker *Tracker
	accs    map[int]*accumulator
}

// A Join is the final receiver of a join. Each side of the join has
// its own accumulation path and completion state; a target is joined
// once both of its sides received every sync.
type Join struct {
	JoinConfig

	mu    sync.Mutex
	sides [2]side
}

// NewJoin returns a new join receiver.
func NewJoin(config JoinConfig) (*Join, error) {
	if config.Keys == nil || config.LeftValues == nil || config.RightValues == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("receiver %s: join requires key and value packers", config.Name))
	}
	if config.OnJoin == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("receiver %s: no join callback", config.Name))
	}
	j := &Join{JoinConfig: config}
	for tag, expected := range [2]map[int]plan.Set{config.Left, config.Right} {
		name := fmt.Sprintf("%s-%s", config.Name, tagName(tag))
		l := &layout{
			kind:    KeyedPartition,
			keys:    config.Keys,
			values:  config.LeftValues,
			compare: config.Compare,
			sorted:  config.Algorithm == join.SortMerge,
			disk:    config.Disk,
			shuffle: config.Shuffle,
		}
		if tag == Right {
			l.values = config.RightValues
		}
		l.shuffle.Name = name
		s := side{
			tracker: NewTracker(name, expected, config.Stats),
			accs:    make(map[int]*accumulator),
		}
		for _, target := range s.tracker.Targets() {
			a, err := newAccumulator(l, target)
			if err != nil {
				j.sides[tag] = s
				j.Close()
				return nil, err
			}
			s.accs[target] = a
		}
		j.sides[tag] = s
	}
	return j, nil
}

func tagName(tag int) string {
	if tag == Left {
		return "left"
	}
	return "right"
}

func (j *Join) sideOf(tag int) (*side, error) {
	if tag != Left && tag != Right {
		return nil, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("receiver %s: unsupported join tag %d", j.Name, tag))
	}
	return &j.sides[tag], nil
}

// OnMessage accumulates the records sent by source to target on the
// side given by tag. Tags other than Left and Right are fatal.
func (j *Join) OnMessage(tag, source, target int, flags buffer.Flag, records []packer.Raw) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, err := j.sideOf(tag)
	if err != nil {
		return false, err
	}
	if ok, err := s.tracker.OnData(target); !ok || err != nil {
		return false, err
	}
	a := s.accs[target]
	for _, r := range records {
		if err := a.add(source, r); err != nil {
			return false, err
		}
	}
	return true, nil
}

// OnSync records that source has no more data for target on the side
// given by tag.
func (j *Join) OnSync(tag, source, target int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, err := j.sideOf(tag)
	if err != nil {
		return err
	}
	return s.tracker.OnSync(source, target)
}

// State returns the state of target on the side given by tag.
func (j *Join) State(tag, target int) State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sides[tag].tracker.State(target)
}

// Progress runs spill steps and joins each target whose sides both
// received every sync and for which drained reports no queued
// messages on either side. It returns true if some target is not yet
// synced.
func (j *Join) Progress(drained func(tag, target int) bool) (bool, error) {
	if !j.mu.TryLock() {
		return true, nil
	}
	defer j.mu.Unlock()
	left, right := &j.sides[Left], &j.sides[Right]
	for _, s := range []*side{left, right} {
		for _, a := range s.accs {
			if err := a.run(j.Stats); err != nil {
				return false, err
			}
		}
	}
	for _, target := range left.tracker.Targets() {
		if !left.tracker.Ready(target) || !right.tracker.Ready(target) {
			continue
		}
		if drained != nil && (!drained(Left, target) || !drained(Right, target)) {
			continue
		}
		if err := j.deliver(target, left.accs[target], right.accs[target]); err != nil {
			return false, err
		}
		left.tracker.MarkSynced(target)
		right.tracker.MarkSynced(target)
		j.Stats.Add(stats.TargetsSynced, 1)
	}
	return !j.isComplete(), nil
}

func (j *Join) deliver(target int, l, r *accumulator) (err error) {
	log.Debug.Printf("receiver %s: joining target %d with %s join", j.Name, target, j.Algorithm)
	lit, lrelease, err := l.iterator()
	if err != nil {
		return err
	}
	rit, rrelease, err := r.iterator()
	if err != nil {
		lrelease()
		return err
	}
	defer func() {
		for _, e := range []error{lrelease(), rrelease(), l.clear(), r.clear()} {
			if err == nil {
				err = e
			}
		}
	}()
	var it record.Iterator
	switch j.Algorithm {
	case join.SortMerge:
		it = join.NewSortMergeIterator(lit, rit, j.comparator(), j.Type)
	case join.Hash:
		// Only the side with fewer records is held in memory; the
		// other streams from its accumulator.
		buildIt, stream, buildLeft := lit, rit, true
		if r.n < l.n {
			buildIt, stream, buildLeft = rit, lit, false
		}
		var build []record.Tuple
		if build, err = tuples(buildIt); err != nil {
			return err
		}
		if it, err = join.NewHashIterator(build, buildLeft, stream, j.Type, j.hashKey); err != nil {
			return err
		}
	default:
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("receiver %s: unknown join algorithm %s", j.Name, j.Algorithm))
	}
	j.OnJoin(target, it)
	return it.Err()
}

// comparator returns the comparator that orders the keys of the
// sorted sides.
func (j *Join) comparator() record.Comparator {
	if j.Compare != nil {
		return j.Compare
	}
	return record.ComparatorFunc(func(a, b interface{}) int {
		pa, erra := j.Keys.Pack(a)
		pb, errb := j.Keys.Pack(b)
		if erra != nil || errb != nil {
			log.Panicf("receiver %s: unpacked key does not repack: %v %v", j.Name, erra, errb)
		}
		return record.Bytes.Compare(pa, pb)
	})
}

func (j *Join) hashKey(key interface{}) (interface{}, error) {
	p, err := j.Keys.Pack(key)
	if err != nil {
		return nil, err
	}
	return string(p), nil
}

func tuples(it record.Iterator) ([]record.Tuple, error) {
	var ts []record.Tuple
	for it.Next() {
		ts = append(ts, it.Value().(record.Tuple))
	}
	return ts, it.Err()
}

func (j *Join) isComplete() bool {
	return j.sides[Left].tracker.IsComplete() && j.sides[Right].tracker.IsComplete()
}

// IsComplete tells whether every target was joined.
func (j *Join) IsComplete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.isComplete()
}

// Reset returns the receiver to its initial state, discarding any
// accumulated records.
func (j *Join) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err *multierror.Error
	for i := range j.sides {
		s := &j.sides[i]
		s.tracker.Reset()
		for _, a := range s.accs {
			if e := a.reset(); e != nil {
				err = multierror.Append(err, e)
			}
		}
	}
	return err.ErrorOrNil()
}

// Close discards accumulated records and deletes run files.
func (j *Join) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err *multierror.Error
	for i := range j.sides {
		for _, a := range j.sides[i].accs {
			if e := a.clear(); e != nil {
				err = multierror.Append(err, e)
			}
		}
	}
	return err.ErrorOrNil()
}
