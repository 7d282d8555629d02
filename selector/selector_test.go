// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package selector

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigcomm/packer"
)

func TestHash(t *testing.T) {
	s := Hash(packer.Int)
	targets := []int{10, 11, 12}
	if err := s.Prepare([]int{0, 1}, targets); err != nil {
		t.Fatal(err)
	}
	fz := fuzz.NewWithSeed(7)
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		var key int
		fz.Fuzz(&key)
		t1, err := s.Next(0, key, nil)
		if err != nil {
			t.Fatal(err)
		}
		t2, err := s.Next(1, key, "other")
		if err != nil {
			t.Fatal(err)
		}
		if t1 != t2 {
			t.Fatalf("key %d: sources disagree: %d != %d", key, t1, t2)
		}
		counts[t1]++
	}
	for _, target := range targets {
		if counts[target] == 0 {
			t.Errorf("target %d never selected", target)
		}
	}
	if got, err := s.Next(0, nil, 1); err != nil || got != 10 {
		t.Errorf("nil key: got %v, %v", got, err)
	}
	if _, err := s.Next(0, "not an int", 1); err == nil {
		t.Error("expected pack error")
	}
}

func TestLoadBalanceCommit(t *testing.T) {
	s := LoadBalance()
	if err := s.Prepare([]int{0}, []int{4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Next(0, nil, 1)
	// An uncommitted selection does not advance the cursor.
	if again, _ := s.Next(0, nil, 1); again != first {
		t.Errorf("got %v, want %v", again, first)
	}
	var seq []int
	for i := 0; i < 6; i++ {
		target, _ := s.Next(0, nil, i)
		s.Commit(0, target)
		seq = append(seq, target)
	}
	for i := 0; i < 3; i++ {
		if seq[i] != seq[i+3] {
			t.Errorf("not round robin: %v", seq)
		}
	}
	if seq[0] == seq[1] || seq[1] == seq[2] {
		t.Errorf("not round robin: %v", seq)
	}
}

func TestFunc(t *testing.T) {
	s := Func(func(source int, key, value interface{}, targets []int) int {
		return targets[value.(int)%len(targets)]
	})
	if err := s.Prepare([]int{0}, []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Next(0, nil, 3); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
	bad := Func(func(int, interface{}, interface{}, []int) int { return 99 })
	bad.Prepare([]int{0}, []int{1})
	if _, err := bad.Next(0, nil, 0); err == nil {
		t.Error("expected error")
	}
}

func TestDirect(t *testing.T) {
	s := Direct()
	if err := s.Prepare([]int{0, 1}, []int{2}); err == nil {
		t.Error("expected error")
	}
	if err := s.Prepare([]int{0, 1}, []int{3, 2}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Next(1, nil, nil); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
	if _, err := s.Next(5, nil, nil); err == nil {
		t.Error("expected error")
	}
}
