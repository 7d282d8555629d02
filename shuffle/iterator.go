// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/packer"
	"github.com/hashicorp/go-multierror"
	"github.com/pierrec/lz4"
)

// An Iterator is a cursor over shuffled records. Records returned by
// Record are valid until the next call to Next.
type Iterator interface {
	Next() bool
	Record() packer.Raw
	Err() error
	Close() error
}

func writeRun(path string, recs []packer.Raw) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	zw := lz4.NewWriter(f)
	var buf []byte
	for _, r := range recs {
		buf = packer.AppendRecord(buf[:0], r.Key, r.Value, true)
		if _, err := zw.Write(buf); err != nil {
			f.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return 0, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return 0, err
	}
	return size, f.Close()
}

type runIterator struct {
	path string
	f    *os.File
	r    *bufio.Reader
	rec  packer.Raw
	err  error
}

func openRun(path string) (*runIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &runIterator{path: path, f: f, r: bufio.NewReader(lz4.NewReader(f))}, nil
}

func (it *runIterator) readField(dst []byte) ([]byte, error) {
	n, err := binary.ReadUvarint(it.r)
	if err != nil {
		return nil, err
	}
	if uint64(cap(dst)) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	_, err = io.ReadFull(it.r, dst)
	return dst, err
}

func (it *runIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var err error
	// Fresh slices: records may be retained by a merge while the next
	// record is read.
	if it.rec.Key, err = it.readField(nil); err != nil {
		if err != io.EOF {
			it.err = errors.E(errors.Integrity, "shuffle: corrupt run file "+it.path, err)
		} else {
			it.err = io.EOF
		}
		return false
	}
	if it.rec.Value, err = it.readField(nil); err != nil {
		it.err = errors.E(errors.Integrity, "shuffle: truncated run file "+it.path, err)
		return false
	}
	return true
}

func (it *runIterator) Record() packer.Raw { return it.rec }

func (it *runIterator) Err() error {
	if it.err == io.EOF {
		return nil
	}
	return it.err
}

func (it *runIterator) Close() error {
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	return err
}

type memIterator struct {
	recs []packer.Raw
	i    int
}

func (it *memIterator) Next() bool {
	if it.i+1 >= len(it.recs) {
		it.i = len(it.recs)
		return false
	}
	it.i++
	return true
}

func (it *memIterator) Record() packer.Raw { return it.recs[it.i] }
func (*memIterator) Err() error            { return nil }
func (*memIterator) Close() error          { return nil }

type concatIterator struct {
	its []Iterator
	err error
}

func (c *concatIterator) Next() bool {
	for len(c.its) > 0 {
		if c.its[0].Next() {
			return true
		}
		if err := c.its[0].Err(); err != nil {
			c.err = err
			return false
		}
		c.its[0].Close()
		c.its = c.its[1:]
	}
	return false
}

func (c *concatIterator) Record() packer.Raw { return c.its[0].Record() }
func (c *concatIterator) Err() error         { return c.err }

func (c *concatIterator) Close() error {
	var err *multierror.Error
	for _, it := range c.its {
		if e := it.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	c.its = nil
	return err.ErrorOrNil()
}

// runHeap is a heap of iterators ordered by their current record's
// key. Ties are broken by run order so that merges are stable.
type runHeap struct {
	its   []Iterator
	order []int
	cmp   func(a, b []byte) int
}

func (h *runHeap) Len() int { return len(h.its) }
func (h *runHeap) Less(i, j int) bool {
	if c := h.cmp(h.its[i].Record().Key, h.its[j].Record().Key); c != 0 {
		return c < 0
	}
	return h.order[i] < h.order[j]
}
func (h *runHeap) Swap(i, j int) {
	h.its[i], h.its[j] = h.its[j], h.its[i]
	h.order[i], h.order[j] = h.order[j], h.order[i]
}
func (h *runHeap) Push(x interface{}) { panic("runHeap.Push") }
func (h *runHeap) Pop() interface{} {
	n := len(h.its)
	it := h.its[n-1]
	h.its = h.its[:n-1]
	h.order = h.order[:n-1]
	return it
}

// mergeIterator performs a k-way merge of sorted iterators.
type mergeIterator struct {
	heap    *runHeap
	all     []Iterator
	rec     packer.Raw
	started bool
	err     error
}

func newMergeIterator(its []Iterator, cmp func(a, b []byte) int) (*mergeIterator, error) {
	m := &mergeIterator{heap: &runHeap{cmp: cmp}, all: its}
	for i, it := range its {
		if it.Next() {
			m.heap.its = append(m.heap.its, it)
			m.heap.order = append(m.heap.order, i)
			continue
		}
		if err := it.Err(); err != nil {
			m.Close()
			return nil, err
		}
	}
	heap.Init(m.heap)
	return m, nil
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if m.started && m.heap.Len() > 0 {
		// Advance the iterator whose record was returned last.
		top := m.heap.its[0]
		if top.Next() {
			heap.Fix(m.heap, 0)
		} else if err := top.Err(); err != nil {
			m.err = err
			return false
		} else {
			heap.Pop(m.heap)
		}
	}
	m.started = true
	if m.heap.Len() == 0 {
		return false
	}
	m.rec = m.heap.its[0].Record()
	return true
}

func (m *mergeIterator) Record() packer.Raw { return m.rec }
func (m *mergeIterator) Err() error         { return m.err }

func (m *mergeIterator) Close() error {
	var err *multierror.Error
	for _, it := range m.all {
		if e := it.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	m.all = nil
	return err.ErrorOrNil()
}

// A GroupIterator iterates over groups of adjacent records with equal
// keys.
type GroupIterator struct {
	it     Iterator
	cmp    func(a, b []byte) int
	key    []byte
	values [][]byte
	peeked bool
	done   bool
}

// Next advances to the next group.
func (g *GroupIterator) Next() bool {
	if g.done {
		return false
	}
	if !g.peeked && !g.it.Next() {
		g.done = true
		return false
	}
	r := g.it.Record()
	g.key = r.Key
	g.values = [][]byte{r.Value}
	g.peeked = false
	for g.it.Next() {
		r := g.it.Record()
		if g.cmp(r.Key, g.key) != 0 {
			g.peeked = true
			return true
		}
		g.values = append(g.values, r.Value)
	}
	g.done = true
	return true
}

// Key returns the current group's key.
func (g *GroupIterator) Key() []byte { return g.key }

// Values returns the current group's values.
func (g *GroupIterator) Values() [][]byte { return g.values }

// Err returns the error, if any, that stopped iteration.
func (g *GroupIterator) Err() error { return g.it.Err() }

// Close closes the underlying iterator.
func (g *GroupIterator) Close() error { return g.it.Close() }
