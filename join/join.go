// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package join implements the algorithms that join the left and
// right inputs of a join target: a sort-merge join over key-sorted
// inputs, and a hash join that builds a table from one input and
// looks up each record of the other in it. Both are available as
// iterators that produce joined tuples on demand. For the same inputs both
// algorithms produce the same multiset of joined tuples, for every
// join type.
package join

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/record"
)

// Type is the type of a join.
type Type int

const (
	// Inner joins emit only keys present on both sides.
	Inner Type = iota
	// LeftOuter joins also emit left tuples with no right match.
	LeftOuter
	// RightOuter joins also emit right tuples with no left match.
	RightOuter
	// FullOuter joins emit unmatched tuples of either side.
	FullOuter
)

func (t Type) String() string {
	switch t {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left"
	case RightOuter:
		return "right"
	case FullOuter:
		return "full"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses a join type name as returned by Type.String.
func ParseType(s string) (Type, error) {
	for t := Inner; t <= FullOuter; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("join: unknown join type %q", s))
}

func (t Type) keepLeft() bool  { return t == LeftOuter || t == FullOuter }
func (t Type) keepRight() bool { return t == RightOuter || t == FullOuter }

// Algorithm selects the join algorithm.
type Algorithm int

const (
	// SortMerge merges key-sorted inputs.
	SortMerge Algorithm = iota
	// Hash builds a table from the smaller input and looks up
	// the other input in it.
	Hash
)

func (a Algorithm) String() string {
	switch a {
	case SortMerge:
		return "sort"
	case Hash:
		return "hash"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm parses an algorithm name as returned by
// Algorithm.String.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "sort":
		return SortMerge, nil
	case "hash":
		return Hash, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("join: unknown join algorithm %q", s))
}

// An EmitFunc receives joined tuples.
type EmitFunc func(record.JoinedTuple) error

// group reads runs of tuples with equal keys from a sorted iterator.
type group struct {
	it     record.Iterator
	cmp    record.Comparator
	next   *record.Tuple
	key    interface{}
	values []interface{}
}

func newGroup(it record.Iterator, cmp record.Comparator) *group {
	g := &group{it: it, cmp: cmp}
	g.peek()
	return g
}

func (g *group) peek() {
	g.next = nil
	if g.it.Next() {
		t := g.it.Value().(record.Tuple)
		g.next = &t
	}
}

// advance reads the next group, returning false at the end of input.
func (g *group) advance() bool {
	if g.next == nil {
		return false
	}
	g.key = g.next.Key
	g.values = append(g.values[:0], g.next.Value)
	for g.peek(); g.next != nil && g.cmp.Compare(g.next.Key, g.key) == 0; g.peek() {
		g.values = append(g.values, g.next.Value)
	}
	return true
}

// missing stands for the absent side of an outer-joined tuple.
var missing = []interface{}{nil}

// product iterates over the cross product of the left and right
// values of one key.
type product struct {
	key         interface{}
	left, right []interface{}
	i, j        int
}

func (p *product) set(key interface{}, left, right []interface{}) {
	p.key, p.left, p.right, p.i, p.j = key, left, right, 0, 0
}

func (p *product) next(t *record.JoinedTuple) bool {
	if p.j == len(p.right) {
		p.i, p.j = p.i+1, 0
	}
	if p.i >= len(p.left) || len(p.right) == 0 {
		return false
	}
	*t = record.JoinedTuple{Key: p.key, Left: p.left[p.i], Right: p.right[p.j]}
	p.j++
	return true
}

// A SortMergeIterator joins two iterators of record.Tuple, each
// sorted by key, producing record.JoinedTuples in key order. Only the
// tuples of the current key of each input are held in memory.
type SortMergeIterator struct {
	left, right record.Iterator
	cmp         record.Comparator
	typ         Type

	lg, rg     *group
	lok, rok   bool
	advL, advR bool
	out        product
	cur        record.JoinedTuple
	done       bool
	err        error
}

// NewSortMergeIterator returns an iterator over the join of left and
// right, which must be sorted by key according to cmp.
func NewSortMergeIterator(left, right record.Iterator, cmp record.Comparator, typ Type) *SortMergeIterator {
	m := &SortMergeIterator{left: left, right: right, cmp: cmp, typ: typ}
	m.lg, m.rg = newGroup(left, cmp), newGroup(right, cmp)
	m.lok, m.rok = m.lg.advance(), m.rg.advance()
	return m
}

// Next implements record.Iterator.
func (m *SortMergeIterator) Next() bool {
	for !m.done {
		if m.out.next(&m.cur) {
			return true
		}
		// The current key's groups are consumed only once their
		// product was produced, since advancing reuses their values.
		if m.advL {
			m.lok, m.advL = m.lg.advance(), false
		}
		if m.advR {
			m.rok, m.advR = m.rg.advance(), false
		}
		if !m.lok && !m.rok {
			m.done = true
			if m.err = m.left.Err(); m.err == nil {
				m.err = m.right.Err()
			}
			break
		}
		var c int
		switch {
		case !m.rok:
			c = -1
		case !m.lok:
			c = 1
		default:
			c = m.cmp.Compare(m.lg.key, m.rg.key)
		}
		switch {
		case c < 0:
			m.advL = true
			if m.typ.keepLeft() {
				m.out.set(m.lg.key, m.lg.values, missing)
			}
		case c > 0:
			m.advR = true
			if m.typ.keepRight() {
				m.out.set(m.rg.key, missing, m.rg.values)
			}
		default:
			m.advL, m.advR = true, true
			m.out.set(m.lg.key, m.lg.values, m.rg.values)
		}
	}
	return false
}

// Value implements record.Iterator. It returns a record.JoinedTuple.
func (m *SortMergeIterator) Value() interface{} { return m.cur }

// Err implements record.Iterator.
func (m *SortMergeIterator) Err() error { return m.err }

// SortMergeJoin joins two iterators of record.Tuple, each sorted by
// key according to cmp, emitting tuples in key order.
func SortMergeJoin(left, right record.Iterator, cmp record.Comparator, typ Type, emit EmitFunc) error {
	return drain(NewSortMergeIterator(left, right, cmp, typ), emit)
}

func drain(it record.Iterator, emit EmitFunc) error {
	for it.Next() {
		if err := emit(it.Value().(record.JoinedTuple)); err != nil {
			return err
		}
	}
	return it.Err()
}

// A KeyFunc maps a tuple key to a comparable value usable as a map
// key.
type KeyFunc func(key interface{}) (interface{}, error)

type entry struct {
	key     interface{}
	values  []interface{}
	matched bool
}

// A HashIterator joins a materialized build side with a streamed
// side. The build side is held in a table keyed by KeyFunc; the other
// side is read one tuple at a time. Joined tuples are produced in
// stream order, followed, for outer joins that keep the build side, by
// the unmatched build tuples.
type HashIterator struct {
	stream     record.Iterator
	keyOf      KeyFunc
	buildLeft  bool
	keepStream bool
	keepBuild  bool

	table map[interface{}]*entry
	order []*entry
	// unmatched is the position in order of the build tuples
	// produced after the stream side is exhausted.
	unmatched int
	streamed  bool
	streamVal []interface{}
	out       product
	cur       record.JoinedTuple
	err       error
}

// NewHashIterator returns an iterator over the join of build and
// stream. BuildLeft tells whether build holds the left side of the
// join.
func NewHashIterator(build []record.Tuple, buildLeft bool, stream record.Iterator, typ Type, keyOf KeyFunc) (*HashIterator, error) {
	h := &HashIterator{
		stream:     stream,
		keyOf:      keyOf,
		buildLeft:  buildLeft,
		keepStream: typ.keepRight(),
		keepBuild:  typ.keepLeft(),
		table:      make(map[interface{}]*entry),
		streamVal:  make([]interface{}, 1),
	}
	if !buildLeft {
		h.keepStream, h.keepBuild = h.keepBuild, h.keepStream
	}
	for _, t := range build {
		k, err := keyOf(t.Key)
		if err != nil {
			return nil, err
		}
		e := h.table[k]
		if e == nil {
			e = &entry{key: t.Key}
			h.table[k] = e
			h.order = append(h.order, e)
		}
		e.values = append(e.values, t.Value)
	}
	return h, nil
}

// set arranges the build and stream values of key as left and right.
func (h *HashIterator) set(key interface{}, build, stream []interface{}) {
	if h.buildLeft {
		h.out.set(key, build, stream)
	} else {
		h.out.set(key, stream, build)
	}
}

// Next implements record.Iterator.
func (h *HashIterator) Next() bool {
	for h.err == nil {
		if h.out.next(&h.cur) {
			return true
		}
		if !h.streamed {
			if !h.stream.Next() {
				h.streamed = true
				h.err = h.stream.Err()
				continue
			}
			t := h.stream.Value().(record.Tuple)
			k, err := h.keyOf(t.Key)
			if err != nil {
				h.err = err
				break
			}
			h.streamVal[0] = t.Value
			if e := h.table[k]; e != nil {
				e.matched = true
				h.set(t.Key, e.values, h.streamVal)
			} else if h.keepStream {
				h.set(t.Key, missing, h.streamVal)
			}
			continue
		}
		if !h.keepBuild {
			return false
		}
		for h.unmatched < len(h.order) && h.order[h.unmatched].matched {
			h.unmatched++
		}
		if h.unmatched == len(h.order) {
			return false
		}
		e := h.order[h.unmatched]
		h.unmatched++
		h.set(e.key, e.values, missing)
	}
	return false
}

// Value implements record.Iterator. It returns a record.JoinedTuple.
func (h *HashIterator) Value() interface{} { return h.cur }

// Err implements record.Iterator.
func (h *HashIterator) Err() error { return h.err }

// HashJoin joins two materialized slices of tuples. The smaller side
// is built into a table keyed by keyOf and the larger side is looked
// up in it.
func HashJoin(left, right []record.Tuple, typ Type, keyOf KeyFunc, emit EmitFunc) error {
	build, stream, buildLeft := left, right, true
	if len(right) < len(left) {
		build, stream, buildLeft = right, left, false
	}
	values := make([]interface{}, len(stream))
	for i, t := range stream {
		values[i] = t
	}
	h, err := NewHashIterator(build, buildLeft, record.NewSliceIterator(values), typ, keyOf)
	if err != nil {
		return err
	}
	return drain(h, emit)
}
