// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package selector implements destination selectors, which choose
// the target task that receives each outgoing record.
//
// Selectors follow a prepare/next/commit protocol: Prepare is called
// once per operation with its source and target sets; Next proposes a
// target for a record; and Commit is called only when the record was
// actually accepted for sending. A rejected send never calls Commit,
// so retrying it sees the same selector state.
package selector

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/packer"
	"github.com/spaolacci/murmur3"
)

// A Selector chooses targets for outgoing records.
type Selector interface {
	// Prepare initializes the selector for the given sources and
	// targets.
	Prepare(sources, targets []int) error
	// Next returns the target for the record (key, value) sent by
	// source. Key is nil for unkeyed records.
	Next(source int, key, value interface{}) (int, error)
	// Commit records that source's record was accepted for target.
	Commit(source, target int)
}

// HashSeed is the murmur3 seed used by hash selectors.
const HashSeed = 0

type hashSelector struct {
	keys    packer.Packer
	targets []int
}

// Hash returns a selector that assigns records to
// targets[murmur3(packed key) mod len(targets)]. Records with a nil
// key go to the first target. Hash selectors are stateless across
// sends, so Commit is a no-op.
func Hash(keys packer.Packer) Selector {
	return &hashSelector{keys: keys}
}

func (h *hashSelector) Prepare(sources, targets []int) error {
	if len(targets) == 0 {
		return errors.E(errors.Invalid, "selector: no targets")
	}
	h.targets = targets
	return nil
}

func (h *hashSelector) Next(source int, key, value interface{}) (int, error) {
	if key == nil {
		return h.targets[0], nil
	}
	p, err := h.keys.Pack(key)
	if err != nil {
		return 0, err
	}
	return h.targets[HashIndex(p, len(h.targets))], nil
}

func (*hashSelector) Commit(source, target int) {}

// HashIndex returns the index in [0, n) that a packed key hashes to.
func HashIndex(packed []byte, n int) int {
	return int(murmur3.Sum32WithSeed(packed, HashSeed) % uint32(n))
}

type loadBalanceSelector struct {
	targets []int
	cursor  map[int]int
}

// LoadBalance returns a selector that assigns each source's records
// to the targets in round-robin order, ignoring keys. The cursor of a
// source advances only when a send is committed.
func LoadBalance() Selector {
	return &loadBalanceSelector{}
}

func (l *loadBalanceSelector) Prepare(sources, targets []int) error {
	if len(targets) == 0 {
		return errors.E(errors.Invalid, "selector: no targets")
	}
	l.targets = targets
	l.cursor = make(map[int]int, len(sources))
	for i, source := range sources {
		// Stagger the starting target so that sources do not all
		// begin with the same target.
		l.cursor[source] = i % len(targets)
	}
	return nil
}

func (l *loadBalanceSelector) Next(source int, key, value interface{}) (int, error) {
	return l.targets[l.cursor[source]], nil
}

func (l *loadBalanceSelector) Commit(source, target int) {
	l.cursor[source] = (l.cursor[source] + 1) % len(l.targets)
}

// A PartitionFunc chooses a target among targets for a record.
type PartitionFunc func(source int, key, value interface{}, targets []int) int

type funcSelector struct {
	fn      PartitionFunc
	targets []int
	valid   map[int]bool
}

// Func returns a selector that delegates to a user partitioner. The
// partitioner must return one of the targets it is given.
func Func(fn PartitionFunc) Selector {
	return &funcSelector{fn: fn}
}

func (f *funcSelector) Prepare(sources, targets []int) error {
	if len(targets) == 0 {
		return errors.E(errors.Invalid, "selector: no targets")
	}
	f.targets = targets
	f.valid = make(map[int]bool, len(targets))
	for _, t := range targets {
		f.valid[t] = true
	}
	return nil
}

func (f *funcSelector) Next(source int, key, value interface{}) (int, error) {
	target := f.fn(source, key, value, f.targets)
	if !f.valid[target] {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("selector: partitioner chose %d, which is not a target", target))
	}
	return target, nil
}

func (*funcSelector) Commit(source, target int) {}

type directSelector struct {
	pair map[int]int
}

// Direct returns a selector that pairs the i'th source with the i'th
// target. Sources and targets must have the same length.
func Direct() Selector {
	return &directSelector{}
}

func (d *directSelector) Prepare(sources, targets []int) error {
	if len(sources) != len(targets) {
		return errors.E(errors.Invalid, fmt.Sprintf("selector: direct pairing of %d sources with %d targets", len(sources), len(targets)))
	}
	d.pair = make(map[int]int, len(sources))
	for i, source := range sources {
		d.pair[source] = targets[i]
	}
	return nil
}

func (d *directSelector) Next(source int, key, value interface{}) (int, error) {
	target, ok := d.pair[source]
	if !ok {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("selector: %d is not a source", source))
	}
	return target, nil
}

func (*directSelector) Commit(source, target int) {}
