// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counters that collective operations
// maintain about their traffic. Counters live in a Map, one per
// worker environment; operations record into named scopes of the map,
// and a Snapshot aggregates them.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Names of the counters maintained by collective operations.
const (
	MessagesSent      = "messages.sent"
	MessagesForwarded = "messages.forwarded"
	ForwardsDeferred  = "forwards.deferred"
	MessagesDelivered = "messages.delivered"
	MessagesDropped   = "messages.dropped"
	SyncsSent         = "syncs.sent"
	SyncsReceived     = "syncs.received"
	SyncsDuplicate    = "syncs.duplicate"
	SendsRejected     = "sends.rejected"
	TargetsSynced     = "targets.synced"
	Spills            = "shuffle.spills"
	SpillBytes        = "shuffle.spillbytes"
)

// Values is a snapshot of counter values.
type Values map[string]int64

// String returns the values sorted by name.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. A nil *Map is valid and
// discards every update.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the named counter, creating it if needed.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Scope returns a view of m whose counters are named
// "<scope>.<name>", and are also added to m's unscoped totals.
func (m *Map) Scope(scope string) *Scope {
	return &Scope{m: m, prefix: scope + "."}
}

// Snapshot returns the current value of every counter.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	return vals
}

// A Scope records counters for one operation.
type Scope struct {
	m      *Map
	prefix string
}

// Add adds delta to the scope's counter name and to the map's total.
func (s *Scope) Add(name string, delta int64) {
	if s == nil || s.m == nil {
		return
	}
	s.m.Int(name).Add(delta)
	s.m.Int(s.prefix + name).Add(delta)
}

// Get returns the scope's value of counter name.
func (s *Scope) Get(name string) int64 {
	if s == nil {
		return 0
	}
	return s.m.Int(s.prefix + name).Get()
}

// An Int is an atomic counter. A nil *Int discards updates.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the counter's value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
