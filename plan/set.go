// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/grailbio/base/log"
)

// A Set is an immutable set of logical task ids.
type Set struct {
	bm *roaring.Bitmap
}

// NewSet returns a set containing the given task ids. Task ids must
// be non-negative.
func NewSet(ids ...int) Set {
	bm := roaring.New()
	for _, id := range ids {
		if id < 0 {
			log.Panicf("plan.NewSet: negative task id %d", id)
		}
		bm.Add(uint32(id))
	}
	return Set{bm}
}

func (s Set) bitmap() *roaring.Bitmap {
	if s.bm == nil {
		return roaring.New()
	}
	return s.bm
}

// Contains tells whether id is in the set.
func (s Set) Contains(id int) bool {
	return id >= 0 && s.bm != nil && s.bm.Contains(uint32(id))
}

// Len returns the number of ids in the set.
func (s Set) Len() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// Slice returns the ids in the set in ascending order.
func (s Set) Slice() []int {
	if s.bm == nil {
		return nil
	}
	ids := make([]int, 0, s.Len())
	it := s.bm.Iterator()
	for it.HasNext() {
		ids = append(ids, int(it.Next()))
	}
	return ids
}

// Union returns the union of s and t.
func (s Set) Union(t Set) Set {
	return Set{roaring.Or(s.bitmap(), t.bitmap())}
}

// Equal tells whether s and t contain the same ids.
func (s Set) Equal(t Set) bool {
	return s.bitmap().Equals(t.bitmap())
}

// Subset tells whether every id of s is in t.
func (s Set) Subset(t Set) bool {
	return roaring.AndNot(s.bitmap(), t.bitmap()).IsEmpty()
}

func (s Set) String() string {
	ids := s.Slice()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprint(id)
	}
	return "{" + strings.Join(strs, ",") + "}"
}

// A Tracker is a mutable set of task ids, used to record which
// sources have finished.
type Tracker struct {
	bm *roaring.Bitmap
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{roaring.New()}
}

// Add adds id to the tracker, returning false if it was already
// present.
func (t *Tracker) Add(id int) bool {
	return t.bm.CheckedAdd(uint32(id))
}

// Contains tells whether id has been added.
func (t *Tracker) Contains(id int) bool {
	return t.bm.Contains(uint32(id))
}

// Len returns the number of ids added.
func (t *Tracker) Len() int { return int(t.bm.GetCardinality()) }

// Covers tells whether every id in s has been added.
func (t *Tracker) Covers(s Set) bool {
	return roaring.AndNot(s.bitmap(), t.bm).IsEmpty()
}

// Clear empties the tracker.
func (t *Tracker) Clear() { t.bm.Clear() }

// Set returns an immutable snapshot of the tracker.
func (t *Tracker) Set() Set { return Set{t.bm.Clone()} }
