// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"sort"

	"github.com/google/btree"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
)

// btreeDegree is the degree of the trees that group keyed records in
// memory.
const btreeDegree = 32

// layout describes how an accumulator stores and presents records.
type layout struct {
	kind    Kind
	keys    packer.Packer
	values  packer.Packer
	compare record.Comparator
	sorted  bool
	reduce  ReduceFunc
	disk    bool
	shuffle shuffle.Options
}

// comparePacked orders keys by the configured comparator over
// unpacked keys, or else by their packed bytes.
func (l *layout) comparePacked(a, b []byte, ka, kb interface{}) int {
	if l.compare != nil {
		return l.compare.Compare(ka, kb)
	}
	return bytes.Compare(a, b)
}

// shuffleCompare is the comparator used by disk-backed accumulators.
func (l *layout) shuffleCompare() func(a, b []byte) int {
	if l.compare == nil {
		return bytes.Compare
	}
	return func(a, b []byte) int {
		ka, erra := l.keys.Unpack(a)
		kb, errb := l.keys.Unpack(b)
		if erra != nil || errb != nil {
			// Corrupt keys surface when the records are read.
			return bytes.Compare(a, b)
		}
		return l.compare.Compare(ka, kb)
	}
}

// entry is a record held in memory.
type entry struct {
	packed []byte
	key    interface{}
	value  interface{}
}

// group is the in-memory state of one key of a keyed reduce or
// gather.
type group struct {
	layout *layout
	entry
	values []interface{}
}

func (g *group) Less(than btree.Item) bool {
	o := than.(*group)
	return g.layout.comparePacked(g.packed, o.packed, g.key, o.key) < 0
}

// accumulator holds the records of one target.
type accumulator struct {
	*layout
	target int

	entries []entry
	acc     interface{}
	ok      bool
	groups  *btree.BTree
	shuffle *shuffle.Shuffle
	// n counts the records added since the last clear.
	n int
}

func newAccumulator(l *layout, target int) (*accumulator, error) {
	a := &accumulator{layout: l, target: target}
	if !l.disk {
		if l.kind.grouped() {
			a.groups = btree.New(btreeDegree)
		}
		return a, nil
	}
	opts := l.shuffle
	opts.Target = target
	opts.Grouped = l.kind.grouped()
	if l.kind.keyed() {
		opts.Sorted = l.sorted || opts.Grouped
		opts.Compare = l.shuffleCompare()
	}
	var err error
	a.shuffle, err = shuffle.New(opts)
	return a, err
}

// add adds a record sent by source.
func (a *accumulator) add(source int, r packer.Raw) error {
	a.n++
	if a.shuffle != nil {
		key := r.Key
		if a.kind == Gather {
			key, _ = packer.Int.Pack(source)
		}
		return a.shuffle.Add(key, r.Value)
	}
	value, err := a.values.Unpack(r.Value)
	if err != nil {
		return err
	}
	var key interface{}
	if a.kind.keyed() {
		if key, err = a.keys.Unpack(r.Key); err != nil {
			return err
		}
	}
	switch a.kind {
	case Reduce:
		if a.ok {
			a.acc = a.reduce(a.acc, value)
		} else {
			a.acc, a.ok = value, true
		}
	case KeyedReduce, KeyedGather:
		cand := &group{layout: a.layout, entry: entry{packed: r.Key, key: key}}
		item := a.groups.Get(cand)
		if item == nil {
			cand.packed = append([]byte{}, r.Key...)
			item = cand
			a.groups.ReplaceOrInsert(item)
			cand.value = value
			if a.kind == KeyedGather {
				cand.values = []interface{}{value}
			}
			return nil
		}
		g := item.(*group)
		if a.kind == KeyedReduce {
			g.value = a.reduce(g.value, value)
		} else {
			g.values = append(g.values, value)
		}
	case Gather:
		a.entries = append(a.entries, entry{key: source, value: value})
	case KeyedPartition:
		a.entries = append(a.entries, entry{packed: append([]byte{}, r.Key...), key: key, value: value})
	default:
		a.entries = append(a.entries, entry{value: value})
	}
	return nil
}

// run performs a spill step.
func (a *accumulator) run(s *stats.Scope) error {
	if a.shuffle == nil {
		return nil
	}
	spills, n := a.shuffle.Spills(), a.shuffle.SpilledBytes()
	if err := a.shuffle.Run(); err != nil {
		return err
	}
	s.Add(stats.Spills, int64(a.shuffle.Spills()-spills))
	s.Add(stats.SpillBytes, a.shuffle.SpilledBytes()-n)
	return nil
}

// reduced returns the reduction of every value of a Reduce target.
func (a *accumulator) reduced() (value interface{}, ok bool, err error) {
	if a.shuffle == nil {
		return a.acc, a.ok, nil
	}
	if err := a.shuffle.SwitchToReading(); err != nil {
		return nil, false, err
	}
	it, err := a.shuffle.ReadIterator()
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	for it.Next() {
		v, err := a.values.Unpack(it.Record().Value)
		if err != nil {
			return nil, false, err
		}
		if ok {
			value = a.reduce(value, v)
		} else {
			value, ok = v, true
		}
	}
	return value, ok, it.Err()
}

// iterator returns an iterator over the target's result, and a
// function that releases it.
func (a *accumulator) iterator() (record.Iterator, func() error, error) {
	if a.shuffle != nil {
		return a.diskIterator()
	}
	nop := func() error { return nil }
	var values []interface{}
	switch a.kind {
	case KeyedReduce, KeyedGather:
		values = make([]interface{}, 0, a.groups.Len())
		a.groups.Ascend(func(item btree.Item) bool {
			g := item.(*group)
			if a.kind == KeyedReduce {
				values = append(values, record.Tuple{Key: g.key, Value: g.value})
			} else {
				values = append(values, record.Tuple{Key: g.key, Value: g.values})
			}
			return true
		})
		return record.NewSliceIterator(values), nop, nil
	case KeyedPartition:
		if a.sorted {
			sort.SliceStable(a.entries, func(i, j int) bool {
				x, y := a.entries[i], a.entries[j]
				return a.comparePacked(x.packed, y.packed, x.key, y.key) < 0
			})
		}
		fallthrough
	case Gather:
		values = make([]interface{}, len(a.entries))
		for i, e := range a.entries {
			values[i] = record.Tuple{Key: e.key, Value: e.value}
		}
	default:
		values = make([]interface{}, len(a.entries))
		for i, e := range a.entries {
			values[i] = e.value
		}
	}
	return record.NewSliceIterator(values), nop, nil
}

func (a *accumulator) diskIterator() (record.Iterator, func() error, error) {
	if err := a.shuffle.SwitchToReading(); err != nil {
		return nil, nil, err
	}
	if a.kind.grouped() {
		it, err := a.shuffle.GroupIterator()
		if err != nil {
			return nil, nil, err
		}
		return &groupIterator{accumulator: a, it: it}, it.Close, nil
	}
	it, err := a.shuffle.ReadIterator()
	if err != nil {
		return nil, nil, err
	}
	return &readIterator{accumulator: a, it: it}, it.Close, nil
}

// clear drops the target's records after delivery.
func (a *accumulator) clear() error {
	a.n = 0
	a.entries = nil
	a.acc, a.ok = nil, false
	if a.groups != nil {
		a.groups.Clear(false)
	}
	if a.shuffle != nil {
		return a.shuffle.Clean()
	}
	return nil
}

// reset clears the accumulator for a new run of the operation.
func (a *accumulator) reset() error {
	err := a.clear()
	if a.shuffle != nil {
		a.shuffle.Refresh()
	}
	return err
}

// readIterator unpacks the records of a disk-backed target.
type readIterator struct {
	*accumulator
	it    shuffle.Iterator
	value interface{}
	err   error
}

func (r *readIterator) Next() bool {
	if r.err != nil || !r.it.Next() {
		return false
	}
	raw := r.it.Record()
	value, err := r.values.Unpack(raw.Value)
	if err != nil {
		r.err = err
		return false
	}
	switch r.kind {
	case Gather:
		source, err := packer.Int.Unpack(raw.Key)
		if err != nil {
			r.err = err
			return false
		}
		r.value = record.Tuple{Key: source, Value: value}
	case KeyedPartition:
		key, err := r.keys.Unpack(raw.Key)
		if err != nil {
			r.err = err
			return false
		}
		r.value = record.Tuple{Key: key, Value: value}
	default:
		r.value = value
	}
	return true
}

func (r *readIterator) Value() interface{} { return r.value }

func (r *readIterator) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.it.Err()
}

// groupIterator reduces or gathers the groups of a disk-backed keyed
// target.
type groupIterator struct {
	*accumulator
	it    *shuffle.GroupIterator
	value interface{}
	err   error
}

func (g *groupIterator) Next() bool {
	if g.err != nil || !g.it.Next() {
		return false
	}
	key, err := g.keys.Unpack(g.it.Key())
	if err != nil {
		g.err = err
		return false
	}
	var (
		values []interface{}
		acc    interface{}
	)
	for i, p := range g.it.Values() {
		v, err := g.values.Unpack(p)
		if err != nil {
			g.err = err
			return false
		}
		switch {
		case g.kind == KeyedGather:
			values = append(values, v)
		case i == 0:
			acc = v
		default:
			acc = g.reduce(acc, v)
		}
	}
	if g.kind == KeyedGather {
		g.value = record.Tuple{Key: key, Value: values}
	} else {
		g.value = record.Tuple{Key: key, Value: acc}
	}
	return true
}

func (g *groupIterator) Value() interface{} { return g.value }

func (g *groupIterator) Err() error {
	if g.err != nil {
		return g.err
	}
	return g.it.Err()
}
