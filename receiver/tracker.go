// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package receiver implements final receivers: the components that
// accumulate the records addressed to each local target of an
// operation until every expected source has signalled completion for
// that target, and then deliver the aggregated result to the user
// exactly once.
//
// Every receiver shares the same per-target state machine, driven by
// a Tracker:
//
//	Init -> Receiving -> AllSyncsReceived -> Synced
//
// A target moves to Receiving with its first data message and to
// AllSyncsReceived once every expected source sent a sync for it.
// The receiver delivers the target's result during the first
// Progress call that finds the target in AllSyncsReceived with no
// messages still queued upstream, after which the target is Synced.
package receiver

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/stats"
)

// State is the completion state of one target.
type State int

const (
	// Init is the state of a target that has seen no messages.
	Init State = iota
	// Receiving is the state of a target that has received data but
	// not every sync.
	Receiving
	// AllSyncsReceived is the state of a target whose expected
	// sources have all sent their sync, and whose result has not yet
	// been delivered.
	AllSyncsReceived
	// Synced is the state of a target whose result was delivered.
	Synced
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Receiving:
		return "RECEIVING"
	case AllSyncsReceived:
		return "ALL_SYNCS_RECEIVED"
	case Synced:
		return "SYNCED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Tracker maintains the completion state of a set of targets. Each
// target expects syncs from a fixed set of sources. Trackers are not
// safe for concurrent use.
type Tracker struct {
	name     string
	targets  []int
	expected map[int]plan.Set
	states   map[int]State
	finished map[int]*plan.Tracker
	stats    *stats.Scope
}

// NewTracker returns a tracker for the targets in expected, each of
// which expects syncs from the sources it maps to.
func NewTracker(name string, expected map[int]plan.Set, s *stats.Scope) *Tracker {
	t := &Tracker{
		name:     name,
		expected: expected,
		states:   make(map[int]State),
		finished: make(map[int]*plan.Tracker),
		stats:    s,
	}
	for target := range expected {
		t.targets = append(t.targets, target)
		t.finished[target] = plan.NewTracker()
	}
	sort.Ints(t.targets)
	t.Reset()
	return t
}

// Targets returns the tracked targets in increasing order.
func (t *Tracker) Targets() []int { return t.targets }

// Expected returns the sources that target expects syncs from.
func (t *Tracker) Expected(target int) plan.Set { return t.expected[target] }

// State returns the state of target.
func (t *Tracker) State(target int) State { return t.states[target] }

func (t *Tracker) check(target int) error {
	if _, ok := t.expected[target]; !ok {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("receiver %s: unexpected target %d", t.name, target))
	}
	return nil
}

// OnData records the arrival of a data message for target. It
// returns false if the target no longer accepts data because every
// sync for it was received.
func (t *Tracker) OnData(target int) (bool, error) {
	if err := t.check(target); err != nil {
		return false, err
	}
	switch t.states[target] {
	case Init:
		t.states[target] = Receiving
	case AllSyncsReceived, Synced:
		return false, nil
	}
	return true, nil
}

// OnSync records a sync from source for target. Duplicate syncs are
// logged and otherwise ignored.
func (t *Tracker) OnSync(source, target int) error {
	if err := t.check(target); err != nil {
		return err
	}
	if !t.expected[target].Contains(source) {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("receiver %s: sync for target %d from unexpected source %d", t.name, target, source))
	}
	t.stats.Add(stats.SyncsReceived, 1)
	if !t.finished[target].Add(source) {
		t.stats.Add(stats.SyncsDuplicate, 1)
		log.Error.Printf("receiver %s: duplicate sync from source %d for target %d", t.name, source, target)
		return nil
	}
	if t.states[target] < AllSyncsReceived && t.finished[target].Covers(t.expected[target]) {
		t.states[target] = AllSyncsReceived
	}
	return nil
}

// Ready tells whether target has received every sync and has not yet
// been delivered.
func (t *Tracker) Ready(target int) bool {
	return t.states[target] == AllSyncsReceived
}

// MarkSynced records the delivery of target.
func (t *Tracker) MarkSynced(target int) {
	if t.states[target] != AllSyncsReceived {
		log.Panicf("receiver %s: target %d synced in state %s", t.name, target, t.states[target])
	}
	t.states[target] = Synced
}

// IsComplete tells whether every target is synced.
func (t *Tracker) IsComplete() bool {
	for _, target := range t.targets {
		if t.states[target] != Synced {
			return false
		}
	}
	return true
}

// Reset returns every target to its initial state. Targets that
// expect no sources start out with all of their syncs received.
func (t *Tracker) Reset() {
	for _, target := range t.targets {
		t.finished[target].Clear()
		if t.expected[target].Len() == 0 {
			t.states[target] = AllSyncsReceived
		} else {
			t.states[target] = Init
		}
	}
}
