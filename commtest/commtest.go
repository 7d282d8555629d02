// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commtest provides utilities for testing collective
// operations. A Cluster embeds several workers in one process,
// connected by a local fabric, and Run drives their operations to
// completion deterministically. The utilities here are strictly
// intended for unit testing.
package commtest

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel/local"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/record"
)

// MaxSteps bounds the number of progress rounds of Run and Send.
var MaxSteps = 100000

// A Cluster is a set of in-process workers that share a logical plan.
type Cluster struct {
	// Plan places task i on worker i%len(Envs).
	Plan *plan.LogicalPlan
	// Envs holds the environment of each worker.
	Envs []*bigcomm.Env
	// Tasks lists every task of the plan.
	Tasks []int
}

// NewCluster returns a cluster of workers with tasksPerWorker tasks
// each. Errors are reported as fatal to t. The cluster's environments
// are closed when the test completes.
func NewCluster(t testing.TB, workers, tasksPerWorker int, config bigcomm.Config) *Cluster {
	t.Helper()
	c := &Cluster{Plan: plan.New()}
	for task := 0; task < workers*tasksPerWorker; task++ {
		if err := c.Plan.Add(task, task%workers); err != nil {
			t.Fatal(err)
		}
		c.Tasks = append(c.Tasks, task)
	}
	fabric := local.NewFabric(config.OutboxLimit, config.ReceiveBuffers)
	for w := 0; w < workers; w++ {
		ch, err := fabric.Endpoint(w)
		if err != nil {
			t.Fatal(err)
		}
		env, err := bigcomm.NewEnv(w, c.Plan, ch, config)
		if err != nil {
			t.Fatal(err)
		}
		c.Envs = append(c.Envs, env)
	}
	t.Cleanup(func() {
		for _, env := range c.Envs {
			if err := env.Close(); err != nil {
				t.Error(err)
			}
		}
	})
	return c
}

// Local returns the tasks among tasks that are placed on worker.
func (c *Cluster) Local(worker int, tasks []int) []int {
	return c.Plan.Local(worker, plan.NewSet(tasks...)).Slice()
}

// An Op is an operation that can be driven by Run.
type Op interface {
	Progress() (bool, error)
	IsComplete() bool
}

// A Sender is an operation that accepts data.
type Sender interface {
	Op
	Send(source int, data interface{}, flags buffer.Flag) (bool, error)
}

// Step calls Progress once on every op. Errors are reported as fatal
// to t.
func Step(t testing.TB, ops ...Op) {
	t.Helper()
	for _, op := range ops {
		if _, err := op.Progress(); err != nil {
			t.Fatal(err)
		}
	}
}

// Run drives ops round-robin until every op is complete. It fails the
// test if an op returns an error or if the ops do not complete within
// MaxSteps rounds.
func Run(t testing.TB, ops ...Op) {
	t.Helper()
	for step := 0; step < MaxSteps; step++ {
		Step(t, ops...)
		if complete(ops) {
			return
		}
	}
	t.Fatalf("operations did not complete after %d steps", MaxSteps)
}

func complete(ops []Op) bool {
	for _, op := range ops {
		if !op.IsComplete() {
			return false
		}
	}
	return true
}

// Send sends data from source with op, driving ops while op refuses
// the send. Errors are reported as fatal to t.
func Send(t testing.TB, op Sender, source int, data interface{}, ops ...Op) {
	t.Helper()
	for step := 0; step < MaxSteps; step++ {
		ok, err := op.Send(source, data, 0)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			return
		}
		Step(t, ops...)
	}
	t.Fatalf("send from %d was not accepted after %d steps", source, MaxSteps)
}

// Results records the values delivered to each target. Its methods
// may be used as delivery callbacks.
type Results struct {
	mu     sync.Mutex
	values map[int][]interface{}
	calls  map[int]int
}

// NewResults returns an empty result set.
func NewResults() *Results {
	return &Results{
		values: make(map[int][]interface{}),
		calls:  make(map[int]int),
	}
}

// Values records the values delivered to target.
func (r *Results) Values(target int, it record.Iterator) {
	values, err := record.Collect(it)
	if err != nil {
		panic(fmt.Sprintf("target %d: %v", target, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[target] = append(r.values[target], values...)
	r.calls[target]++
}

// Value records the reduced value delivered to target. Targets that
// received no value record nothing beyond the call.
func (r *Results) Value(target int, value interface{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.values[target] = append(r.values[target], value)
	}
	r.calls[target]++
}

// Get returns the values delivered to target.
func (r *Results) Get(target int) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[target]
}

// Calls returns the number of deliveries to target.
func (r *Results) Calls(target int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[target]
}

// Targets returns the targets that received a delivery, in order.
func (r *Results) Targets() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]int, 0, len(r.calls))
	for target := range r.calls {
		targets = append(targets, target)
	}
	sort.Ints(targets)
	return targets
}

// Strings returns the delivered values of target formatted with
// fmt.Sprint, sorted.
func (r *Results) Strings(target int) []string {
	values := r.Get(target)
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	sort.Strings(strs)
	return strs
}
