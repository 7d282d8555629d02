// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package record defines the values exchanged by collective
// operations: keyed tuples, joined tuples, iterators over them, and
// the comparators used to order keys.
package record

import (
	"bytes"
	"fmt"
)

// A Tuple is a keyed value.
type Tuple struct {
	Key, Value interface{}
}

func (t Tuple) String() string {
	return fmt.Sprintf("(%v, %v)", t.Key, t.Value)
}

// A JoinedTuple is the result of joining a left and a right tuple on
// Key. In outer joins, the missing side is nil.
type JoinedTuple struct {
	Key         interface{}
	Left, Right interface{}
}

func (t JoinedTuple) String() string {
	return fmt.Sprintf("(%v, %v, %v)", t.Key, t.Left, t.Right)
}

// An Iterator is a cursor over a sequence of values. Iterators handed
// to callbacks are valid only for the duration of the callback.
type Iterator interface {
	// Next advances the iterator, returning false when the sequence
	// is exhausted or an error occurred.
	Next() bool
	// Value returns the current value.
	Value() interface{}
	// Err returns the error, if any, that stopped iteration.
	Err() error
}

// SliceIterator iterates over a slice of values.
type SliceIterator struct {
	values []interface{}
	i      int
}

// NewSliceIterator returns an iterator over the given values.
func NewSliceIterator(values []interface{}) *SliceIterator {
	return &SliceIterator{values: values, i: -1}
}

// Next implements Iterator.
func (s *SliceIterator) Next() bool {
	if s.i+1 >= len(s.values) {
		s.i = len(s.values)
		return false
	}
	s.i++
	return true
}

// Value implements Iterator.
func (s *SliceIterator) Value() interface{} { return s.values[s.i] }

// Err implements Iterator.
func (*SliceIterator) Err() error { return nil }

// Empty is an iterator over no values.
var Empty Iterator = NewSliceIterator(nil)

// Collect drains an iterator into a slice.
func Collect(it Iterator) ([]interface{}, error) {
	var values []interface{}
	for it.Next() {
		values = append(values, it.Value())
	}
	return values, it.Err()
}

// A Comparator orders keys. Compare returns a negative number when
// a < b, zero when they are equal, and a positive number otherwise.
type Comparator interface {
	Compare(a, b interface{}) int
}

// ComparatorFunc adapts a function to a Comparator.
type ComparatorFunc func(a, b interface{}) int

// Compare implements Comparator.
func (f ComparatorFunc) Compare(a, b interface{}) int { return f(a, b) }

// Comparators for the built-in key types.
var (
	Ints = ComparatorFunc(func(a, b interface{}) int {
		return compareInt64(int64(a.(int)), int64(b.(int)))
	})
	Int32s = ComparatorFunc(func(a, b interface{}) int {
		return compareInt64(int64(a.(int32)), int64(b.(int32)))
	})
	Int64s = ComparatorFunc(func(a, b interface{}) int {
		return compareInt64(a.(int64), b.(int64))
	})
	Float64s = ComparatorFunc(func(a, b interface{}) int {
		x, y := a.(float64), b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	Strings = ComparatorFunc(func(a, b interface{}) int {
		x, y := a.(string), b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	Bytes = ComparatorFunc(func(a, b interface{}) int {
		return bytes.Compare(a.([]byte), b.([]byte))
	})
)

func compareInt64(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
