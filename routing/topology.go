// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package routing implements the topologies over which collective
// operations move messages between workers, and the per-worker router
// that forwards messages along them and queues messages for local
// targets.
package routing

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/plan"
)

// Broadcast is the destination of messages addressed to every target
// of an operation.
const Broadcast = -1

// A Topology decides how messages travel between workers.
type Topology interface {
	// Route returns, for a message originating at worker origin,
	// currently at worker at, and addressed to target dest (or
	// Broadcast), the workers it must be forwarded to next and
	// whether it should be delivered to the local targets of worker
	// at.
	Route(origin, at, dest int) (hops []int, local bool, err error)
	// Peers returns the workers that may send messages to worker.
	Peers(worker int) []int
	// Name returns the topology's name.
	Name() string
}

func owner(p *plan.LogicalPlan, dest int) (int, error) {
	w, ok := p.WorkerOf(dest)
	if !ok {
		return 0, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("routing: unexpected target %d", dest))
	}
	return w, nil
}

func without(workers []int, w int) []int {
	var peers []int
	for _, x := range workers {
		if x != w {
			peers = append(peers, x)
		}
	}
	return peers
}

// participants returns the sorted distinct workers owning any task in
// sets.
func participants(p *plan.LogicalPlan, sets ...plan.Set) []int {
	var all plan.Set
	for _, s := range sets {
		all = all.Union(s)
	}
	return p.Workers(all)
}

type simple struct {
	plan    *plan.LogicalPlan
	workers []int
}

// Simple returns the direct M-to-N topology: every message travels
// from its origin straight to the worker owning its target.
func Simple(p *plan.LogicalPlan, sources, targets plan.Set) Topology {
	return &simple{p, participants(p, sources, targets)}
}

func (s *simple) Name() string { return "simple" }

func (s *simple) Route(origin, at, dest int) ([]int, bool, error) {
	if dest == Broadcast {
		if at != origin {
			return nil, true, nil
		}
		return without(s.workers, at), true, nil
	}
	w, err := owner(s.plan, dest)
	if err != nil {
		return nil, false, err
	}
	if w == at {
		return nil, true, nil
	}
	return []int{w}, false, nil
}

func (s *simple) Peers(worker int) []int { return without(s.workers, worker) }

type ring struct {
	plan    *plan.LogicalPlan
	workers []int
	index   map[int]int
}

// Ring returns the ring M-to-N topology. Participating workers form a
// ring in ascending order; each worker forwards messages for targets
// it does not own to its successor, so that every worker talks to at
// most one peer.
func Ring(p *plan.LogicalPlan, sources, targets plan.Set) Topology {
	r := &ring{plan: p, workers: participants(p, sources, targets), index: make(map[int]int)}
	for i, w := range r.workers {
		r.index[w] = i
	}
	return r
}

func (r *ring) Name() string { return "ring" }

func (r *ring) successor(w int) int {
	return r.workers[(r.index[w]+1)%len(r.workers)]
}

func (r *ring) Route(origin, at, dest int) ([]int, bool, error) {
	if _, ok := r.index[at]; !ok {
		return nil, false, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("routing: worker %d is not on the ring", at))
	}
	if dest == Broadcast {
		// Broadcasts travel once around the ring.
		next := r.successor(at)
		if next == origin {
			return nil, true, nil
		}
		return []int{next}, true, nil
	}
	w, err := owner(r.plan, dest)
	if err != nil {
		return nil, false, err
	}
	if w == at {
		return nil, true, nil
	}
	return []int{r.successor(at)}, false, nil
}

func (r *ring) Peers(worker int) []int {
	if len(r.workers) < 2 {
		return nil
	}
	i := r.index[worker]
	return []int{r.workers[(i+len(r.workers)-1)%len(r.workers)]}
}

type tree struct {
	plan    *plan.LogicalPlan
	workers []int
	index   map[int]int
}

// Tree returns the binomial tree topology used for broadcasts.
// Participating workers are ranked in ascending order, relative to
// the origin of each message: the node of relative rank r forwards to
// ranks r+2^k for every 2^k > r, so that a message reaches n workers
// in O(log n) hops. Every node delivers to its own targets. Messages
// addressed to a single target travel directly.
func Tree(p *plan.LogicalPlan, sources, targets plan.Set) Topology {
	t := &tree{plan: p, workers: participants(p, sources, targets), index: make(map[int]int)}
	for i, w := range t.workers {
		t.index[w] = i
	}
	return t
}

func (t *tree) Name() string { return "tree" }

func (t *tree) Route(origin, at, dest int) ([]int, bool, error) {
	if dest != Broadcast {
		w, err := owner(t.plan, dest)
		if err != nil {
			return nil, false, err
		}
		if w == at {
			return nil, true, nil
		}
		return []int{w}, false, nil
	}
	oi, ok := t.index[origin]
	if !ok {
		return nil, false, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("routing: origin worker %d is not in the tree", origin))
	}
	ai, ok := t.index[at]
	if !ok {
		return nil, false, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("routing: worker %d is not in the tree", at))
	}
	n := len(t.workers)
	rel := (ai - oi + n) % n
	var hops []int
	for step := 1; rel+step < n; step <<= 1 {
		if step > rel {
			hops = append(hops, t.workers[(oi+rel+step)%n])
		}
	}
	return hops, true, nil
}

func (t *tree) Peers(worker int) []int { return without(t.workers, worker) }
