// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"reflect"
	"testing"
)

func TestSet(t *testing.T) {
	s := NewSet(5, 1, 3, 1)
	if got, want := s.Len(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Slice(), []int{1, 3, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !s.Contains(3) || s.Contains(2) || s.Contains(-1) {
		t.Error("bad membership")
	}
	u := s.Union(NewSet(2))
	if got, want := u.String(), "{1,2,3,5}"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Len(), 3; got != want {
		t.Errorf("union mutated receiver: got %v, want %v", got, want)
	}
	if !s.Subset(u) || u.Subset(s) {
		t.Error("bad subset")
	}
	var empty Set
	if empty.Len() != 0 || empty.Contains(0) || !empty.Equal(NewSet()) {
		t.Error("bad zero set")
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	if !tr.Add(1) {
		t.Error("expected first add")
	}
	if tr.Add(1) {
		t.Error("expected duplicate add to report false")
	}
	if tr.Covers(NewSet(1, 2)) {
		t.Error("unexpected cover")
	}
	tr.Add(2)
	if !tr.Covers(NewSet(1, 2)) {
		t.Error("expected cover")
	}
	snap := tr.Set()
	tr.Clear()
	if got, want := tr.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap.Len(), 2; got != want {
		t.Errorf("snapshot mutated: got %v, want %v", got, want)
	}
}

func TestLogicalPlan(t *testing.T) {
	p := New()
	for task := 0; task < 6; task++ {
		if err := p.Add(task, task%3); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Add(0, 0); err != nil {
		t.Errorf("idempotent placement: %v", err)
	}
	if err := p.Add(0, 1); err == nil {
		t.Error("expected error placing task on two workers")
	}
	if w, ok := p.WorkerOf(4); !ok || w != 1 {
		t.Errorf("got %v, want 1", w)
	}
	if _, ok := p.WorkerOf(7); ok {
		t.Error("unexpected owner")
	}
	if _, err := p.MustWorkerOf(7); err == nil {
		t.Error("expected error")
	}
	if got, want := p.TasksOn(2).Slice(), []int{2, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Workers(NewSet(0, 3, 5)), []int{0, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.AllWorkers(), []int{0, 1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Local(1, NewSet(0, 1, 2, 4)).Slice(), []int{1, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
