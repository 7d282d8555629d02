// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package join

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigcomm/record"
)

func tuples(seed int64, n, keys int) []record.Tuple {
	fz := fuzz.NewWithSeed(seed)
	ts := make([]record.Tuple, n)
	for i := range ts {
		var k uint
		fz.Fuzz(&k)
		ts[i] = record.Tuple{Key: int(k % uint(keys)), Value: fmt.Sprintf("%d:%d", seed, i)}
	}
	return ts
}

func sorted(ts []record.Tuple) record.Iterator {
	ts = append([]record.Tuple{}, ts...)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Key.(int) < ts[j].Key.(int) })
	values := make([]interface{}, len(ts))
	for i := range ts {
		values[i] = ts[i]
	}
	return record.NewSliceIterator(values)
}

func identity(k interface{}) (interface{}, error) { return k, nil }

func collect(t *testing.T, run func(EmitFunc) error) []string {
	t.Helper()
	var out []string
	err := run(func(jt record.JoinedTuple) error {
		out = append(out, jt.String())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

func TestAlgorithmsAgree(t *testing.T) {
	for _, sizes := range [][2]int{{0, 0}, {0, 10}, {10, 0}, {50, 20}, {20, 50}, {200, 200}} {
		left, right := tuples(1, sizes[0], 15), tuples(2, sizes[1], 20)
		for _, typ := range []Type{Inner, LeftOuter, RightOuter, FullOuter} {
			merged := collect(t, func(emit EmitFunc) error {
				return SortMergeJoin(sorted(left), sorted(right), record.Ints, typ, emit)
			})
			hashed := collect(t, func(emit EmitFunc) error {
				return HashJoin(left, right, typ, identity, emit)
			})
			if !reflect.DeepEqual(merged, hashed) {
				t.Errorf("%v %s: sort-merge and hash joins differ:\n%v\n%v", sizes, typ, merged, hashed)
			}
		}
	}
}

func TestJoinTypes(t *testing.T) {
	left := []record.Tuple{{Key: 1, Value: "a"}, {Key: 2, Value: "b"}, {Key: 2, Value: "c"}}
	right := []record.Tuple{{Key: 2, Value: "x"}, {Key: 3, Value: "y"}}
	for _, c := range []struct {
		typ  Type
		want []string
	}{
		{Inner, []string{"(2, b, x)", "(2, c, x)"}},
		{LeftOuter, []string{"(1, a, <nil>)", "(2, b, x)", "(2, c, x)"}},
		{RightOuter, []string{"(2, b, x)", "(2, c, x)", "(3, <nil>, y)"}},
		{FullOuter, []string{"(1, a, <nil>)", "(2, b, x)", "(2, c, x)", "(3, <nil>, y)"}},
	} {
		for _, algo := range []Algorithm{SortMerge, Hash} {
			got := collect(t, func(emit EmitFunc) error {
				if algo == Hash {
					return HashJoin(left, right, c.typ, identity, emit)
				}
				return SortMergeJoin(sorted(left), sorted(right), record.Ints, c.typ, emit)
			})
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("%s %s: got %v, want %v", algo, c.typ, got, c.want)
			}
		}
	}
}

func TestSortMergeOrder(t *testing.T) {
	left, right := tuples(3, 100, 10), tuples(4, 100, 10)
	last := -1
	err := SortMergeJoin(sorted(left), sorted(right), record.Ints, FullOuter, func(jt record.JoinedTuple) error {
		if k := jt.Key.(int); k < last {
			t.Errorf("key %d after %d", k, last)
		} else {
			last = k
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEmitError(t *testing.T) {
	left := []record.Tuple{{Key: 1, Value: "a"}}
	stop := fmt.Errorf("stop")
	emit := func(record.JoinedTuple) error { return stop }
	if got, want := HashJoin(left, left, Inner, identity, emit), stop; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := SortMergeJoin(sorted(left), sorted(left), record.Ints, Inner, emit), stop; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParse(t *testing.T) {
	for _, typ := range []Type{Inner, LeftOuter, RightOuter, FullOuter} {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != typ {
			t.Errorf("got %v, want %v", got, typ)
		}
	}
	if _, err := ParseType("cross"); err == nil {
		t.Error("expected error")
	}
	if got, err := ParseAlgorithm("hash"); err != nil || got != Hash {
		t.Errorf("got %v %v, want hash", got, err)
	}
	if _, err := ParseAlgorithm("nested"); err == nil {
		t.Error("expected error")
	}
}

// countingIterator counts the values read from an iterator, and fails
// after a given number of values if fail is set.
type countingIterator struct {
	record.Iterator
	n, fail int
	err     error
}

func (c *countingIterator) Next() bool {
	if c.fail > 0 && c.n == c.fail {
		c.err = fmt.Errorf("read %d values", c.n)
		return false
	}
	if !c.Iterator.Next() {
		return false
	}
	c.n++
	return true
}

func (c *countingIterator) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.Iterator.Err()
}

func TestSortMergeIteratorStreams(t *testing.T) {
	var left, right []record.Tuple
	for k := 0; k < 100; k++ {
		left = append(left, record.Tuple{Key: k, Value: "l"})
		right = append(right, record.Tuple{Key: k, Value: "r"}, record.Tuple{Key: k, Value: "s"})
	}
	lit, rit := &countingIterator{Iterator: sorted(left)}, &countingIterator{Iterator: sorted(right)}
	it := NewSortMergeIterator(lit, rit, record.Ints, Inner)
	for i := 0; i < 4; i++ {
		if !it.Next() {
			t.Fatal("early end of join")
		}
	}
	if got, want := it.Value(), (record.JoinedTuple{Key: 1, Left: "l", Right: "s"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Only the groups of the current key and the next tuple of each
	// side have been read.
	if lit.n > 3 || rit.n > 5 {
		t.Errorf("read %d left and %d right tuples to produce 4", lit.n, rit.n)
	}
	n := 4
	for it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if got, want := n, 200; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHashIteratorSides(t *testing.T) {
	left, right := tuples(5, 30, 8), tuples(6, 60, 12)
	values := func(ts []record.Tuple) record.Iterator {
		vs := make([]interface{}, len(ts))
		for i, t := range ts {
			vs[i] = t
		}
		return record.NewSliceIterator(vs)
	}
	for _, typ := range []Type{Inner, LeftOuter, RightOuter, FullOuter} {
		want := collect(t, func(emit EmitFunc) error {
			return SortMergeJoin(sorted(left), sorted(right), record.Ints, typ, emit)
		})
		for _, buildLeft := range []bool{true, false} {
			build, stream := left, right
			if !buildLeft {
				build, stream = right, left
			}
			got := collect(t, func(emit EmitFunc) error {
				it, err := NewHashIterator(build, buildLeft, values(stream), typ, identity)
				if err != nil {
					return err
				}
				return drain(it, emit)
			})
			if !reflect.DeepEqual(got, want) {
				t.Errorf("%s buildLeft=%v: got %v, want %v", typ, buildLeft, got, want)
			}
		}
	}
}

func TestIteratorErrors(t *testing.T) {
	left, right := tuples(7, 20, 5), tuples(8, 20, 5)
	lit := &countingIterator{Iterator: sorted(left), fail: 10}
	it := NewSortMergeIterator(lit, sorted(right), record.Ints, FullOuter)
	for it.Next() {
	}
	if it.Err() == nil {
		t.Error("expected sort-merge error")
	}
	h, err := NewHashIterator(right, false, &countingIterator{Iterator: sorted(left), fail: 10}, Inner, identity)
	if err != nil {
		t.Fatal(err)
	}
	for h.Next() {
	}
	if h.Err() == nil {
		t.Error("expected hash error")
	}
}
