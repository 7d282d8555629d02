// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package record

import (
	"reflect"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestSliceIterator(t *testing.T) {
	values := []interface{}{1, "two", 3.0}
	got, err := Collect(NewSliceIterator(values))
	if err != nil {
		t.Fatal(err)
	}
	if want := values; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	it := NewSliceIterator(nil)
	if it.Next() {
		t.Error("expected empty iterator")
	}
	if it.Next() {
		t.Error("expected exhausted iterator to stay exhausted")
	}
}

func TestComparators(t *testing.T) {
	for _, c := range []struct {
		cmp  Comparator
		a, b interface{}
		want int
	}{
		{Ints, 1, 2, -1},
		{Ints, 2, 2, 0},
		{Int32s, int32(5), int32(-5), 1},
		{Int64s, int64(-1), int64(1), -1},
		{Float64s, 1.5, 1.25, 1},
		{Strings, "a", "b", -1},
		{Bytes, []byte("b"), []byte("ab"), 1},
	} {
		if got := c.cmp.Compare(c.a, c.b); got != c.want {
			t.Errorf("compare(%v, %v): got %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIntsSort(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	var ints []int
	fz.NumElements(100, 100)
	fz.Fuzz(&ints)
	sort.Slice(ints, func(i, j int) bool { return Ints.Compare(ints[i], ints[j]) < 0 })
	if !sort.IntsAreSorted(ints) {
		t.Error("not sorted")
	}
}
