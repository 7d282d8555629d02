// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plan implements the logical plan consumed by collective
// operations: the static mapping of logical task ids to the workers
// that own them.
package plan

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/grailbio/base/errors"
)

// A LogicalPlan maps logical task ids to their owning workers. Each
// task belongs to exactly one worker; many tasks may share a worker.
// A plan is built once, before any operation uses it, and is not
// modified afterwards.
type LogicalPlan struct {
	owner  map[int]int
	tasks  map[int]*roaring.Bitmap
	sorted []int
}

// New returns an empty logical plan.
func New() *LogicalPlan {
	return &LogicalPlan{
		owner: make(map[int]int),
		tasks: make(map[int]*roaring.Bitmap),
	}
}

// Add places task on worker. Placing a task on a second worker is
// an error.
func (p *LogicalPlan) Add(task, worker int) error {
	if task < 0 || worker < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("plan: invalid placement of task %d on worker %d", task, worker))
	}
	if w, ok := p.owner[task]; ok {
		if w == worker {
			return nil
		}
		return errors.E(errors.Invalid, fmt.Sprintf("plan: task %d already placed on worker %d", task, w))
	}
	p.owner[task] = worker
	bm := p.tasks[worker]
	if bm == nil {
		bm = roaring.New()
		p.tasks[worker] = bm
		p.sorted = append(p.sorted, worker)
		sort.Ints(p.sorted)
	}
	bm.Add(uint32(task))
	return nil
}

// WorkerOf returns the worker that owns task.
func (p *LogicalPlan) WorkerOf(task int) (int, bool) {
	w, ok := p.owner[task]
	return w, ok
}

// MustWorkerOf returns the worker that owns task, or an error if the
// task is not placed.
func (p *LogicalPlan) MustWorkerOf(task int) (int, error) {
	w, ok := p.owner[task]
	if !ok {
		return 0, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("plan: task %d is not placed on any worker", task))
	}
	return w, nil
}

// TasksOn returns the set of tasks owned by worker.
func (p *LogicalPlan) TasksOn(worker int) Set {
	bm := p.tasks[worker]
	if bm == nil {
		return Set{}
	}
	return Set{bm.Clone()}
}

// Workers returns the sorted, distinct workers owning the given
// tasks. Tasks without an owner are ignored.
func (p *LogicalPlan) Workers(tasks Set) []int {
	var workers []int
	for _, w := range p.sorted {
		if p.tasks[w].Intersects(tasks.bitmap()) {
			workers = append(workers, w)
		}
	}
	return workers
}

// AllWorkers returns every worker that owns at least one task, in
// ascending order.
func (p *LogicalPlan) AllWorkers() []int {
	return append([]int(nil), p.sorted...)
}

// Local returns the subset of tasks owned by worker.
func (p *LogicalPlan) Local(worker int, tasks Set) Set {
	bm := p.tasks[worker]
	if bm == nil {
		return Set{}
	}
	return Set{roaring.And(bm, tasks.bitmap())}
}

func (p *LogicalPlan) String() string {
	s := "plan{"
	for i, w := range p.sorted {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d:%s", w, Set{p.tasks[w]})
	}
	return s + "}"
}
