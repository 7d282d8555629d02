// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestScopes(t *testing.T) {
	m := NewMap()
	a, b := m.Scope("reduce"), m.Scope("gather")
	a.Add(MessagesSent, 3)
	b.Add(MessagesSent, 4)
	a.Add(SyncsSent, 1)
	if got, want := a.Get(MessagesSent), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := m.Snapshot()
	if got, want := vals[MessagesSent], int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["gather."+MessagesSent], int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals.String(), "gather.messages.sent:4 messages.sent:7 reduce.messages.sent:3 reduce.syncs.sent:1 syncs.sent:1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNil(t *testing.T) {
	var m *Map
	s := m.Scope("x")
	s.Add(MessagesSent, 1)
	if got, want := s.Get(MessagesSent), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
