// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel/local"
	"github.com/grailbio/bigcomm/join"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/stats"
	"golang.org/x/sync/errgroup"
)

// A job describes one commbench run.
type job struct {
	// Op is the operation to run.
	Op string `toml:"op"`
	// Workers is the number of in-process workers.
	Workers int `toml:"workers"`
	// Tasks is the number of tasks per worker.
	Tasks int `toml:"tasks"`
	// Records is the number of records sent by each source.
	Records int `toml:"records"`
	// Keys is the number of distinct keys of keyed operations.
	Keys int `toml:"keys"`
	// Disk accumulates records in spilling shuffles.
	Disk bool `toml:"disk"`
	// AllToAll overrides the configured all-to-all routing.
	AllToAll string `toml:"alltoall"`
	// Join selects the join algorithm (sort or hash) and JoinType the
	// join type (inner, left, right, full).
	Join     string `toml:"join"`
	JoinType string `toml:"join_type"`
}

func (j *job) validate() error {
	if j.Workers <= 0 || j.Tasks <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("commbench: invalid cluster %d workers x %d tasks", j.Workers, j.Tasks))
	}
	if j.Keys <= 0 {
		j.Keys = 1
	}
	if _, ok := builders[j.Op]; !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("commbench: unknown operation %q", j.Op))
	}
	return nil
}

func (j *job) options() ([]bigcomm.Option, error) {
	opts := []bigcomm.Option{bigcomm.Name(j.Op)}
	if j.Disk {
		opts = append(opts, bigcomm.Disk)
	}
	switch j.AllToAll {
	case "":
	case bigcomm.AllToAllRing:
		opts = append(opts, bigcomm.Ring)
	case bigcomm.AllToAllSimple:
		opts = append(opts, bigcomm.SimpleAllToAll)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("commbench: unknown all-to-all algorithm %q", j.AllToAll))
	}
	if j.Join != "" {
		a, err := join.ParseAlgorithm(j.Join)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bigcomm.JoinAlgorithm(a))
	}
	if j.JoinType != "" {
		t, err := join.ParseType(j.JoinType)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bigcomm.JoinType(t))
	}
	return opts, nil
}

// An op is the part of an operation that commbench drives.
type op interface {
	Send(source int, data interface{}, flags buffer.Flag) (bool, error)
	Finish(source int)
	Progress() (bool, error)
	IsComplete() bool
	Close() error
}

// A joinOp is an operation with two sides.
type joinOp interface {
	op
	SendTagged(tag, source int, data interface{}, flags buffer.Flag) (bool, error)
	FinishTagged(tag, source int)
}

// summary accumulates the results of the run.
type summary struct {
	mu        sync.Mutex
	summaries map[int]string
	stats     []stats.Values
}

func (s *summary) values(target int, it record.Iterator) {
	var n int
	for it.Next() {
		n++
	}
	s.mu.Lock()
	s.summaries[target] = fmt.Sprintf("%d values", n)
	s.mu.Unlock()
}

func (s *summary) value(target int, value interface{}, ok bool) {
	s.mu.Lock()
	if ok {
		s.summaries[target] = fmt.Sprint(value)
	} else {
		s.summaries[target] = "no value"
	}
	s.mu.Unlock()
}

func sum(a, b interface{}) interface{} { return a.(int) + b.(int) }

// A builder creates the operation of one worker. Sources and targets
// are every task of the cluster.
type builder func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error)

var builders = map[string]builder{
	"partition": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewPartition(env, 0, tasks, tasks, packer.Int, s.values, opts...)
	},
	"keyed-partition": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewKeyedPartition(env, 0, tasks, tasks, packer.Int, packer.Int, s.values, opts...)
	},
	"keyed-reduce": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewKeyedReduce(env, 0, tasks, tasks, packer.Int, packer.Int, sum, s.values, opts...)
	},
	"keyed-gather": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewKeyedGather(env, 0, tasks, tasks, packer.Int, packer.Int, s.values, opts...)
	},
	"broadcast": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewBroadcast(env, 0, tasks[0], tasks, packer.Int, s.values, opts...)
	},
	"reduce": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewReduce(env, 0, tasks, tasks[0], packer.Int, sum, s.value, opts...)
	},
	"allreduce": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewAllReduce(env, 0, tasks, tasks, packer.Int, sum, s.value, opts...)
	},
	"gather": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewGather(env, 0, tasks, tasks[0], packer.Int, s.values, opts...)
	},
	"allgather": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		return bigcomm.NewAllGather(env, 0, tasks, tasks, packer.Int, s.values, opts...)
	},
	"join": func(env *bigcomm.Env, tasks []int, s *summary, opts []bigcomm.Option) (op, error) {
		joined := func(target int, it record.Iterator) { s.values(target, it) }
		return bigcomm.NewJoin(env, 0, tasks, tasks, tasks, packer.Int, packer.Int, packer.Int, joined, opts...)
	},
}

// keyed tells whether op sends record.Tuples.
func keyed(op string) bool {
	switch op {
	case "keyed-partition", "keyed-reduce", "keyed-gather", "join":
		return true
	}
	return false
}

// run runs j. Each worker is driven by its own goroutine.
func run(config bigcomm.Config, j job) (*summary, error) {
	opts, err := j.options()
	if err != nil {
		return nil, err
	}
	p := plan.New()
	var tasks []int
	for task := 0; task < j.Workers*j.Tasks; task++ {
		if err := p.Add(task, task%j.Workers); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	fabric := local.NewFabric(config.OutboxLimit, config.ReceiveBuffers)
	s := &summary{
		summaries: make(map[int]string),
		stats:     make([]stats.Values, j.Workers),
	}
	envs := make([]*bigcomm.Env, j.Workers)
	for w := range envs {
		ch, err := fabric.Endpoint(w)
		if err != nil {
			return nil, err
		}
		if envs[w], err = bigcomm.NewEnv(w, p, ch, config); err != nil {
			return nil, err
		}
		defer envs[w].Close()
	}
	// Operations register with the fabric before any worker sends.
	ops := make([]op, j.Workers)
	for w, env := range envs {
		if ops[w], err = builders[j.Op](env, tasks, s, opts); err != nil {
			return nil, err
		}
		defer ops[w].Close()
	}
	var g errgroup.Group
	for w := range envs {
		w := w
		g.Go(func() error {
			if err := drive(j, ops[w], p.TasksOn(w).Slice()); err != nil {
				return err
			}
			s.mu.Lock()
			s.stats[w] = envs[w].Stats.Snapshot()
			s.mu.Unlock()
			log.Debug.Printf("commbench: worker %d complete", w)
			return nil
		})
	}
	return s, g.Wait()
}

// drive sends the records of the worker's sources and progresses op
// until it completes.
func drive(j job, o op, sources []int) error {
	send := func(tag, source int, data interface{}) error {
		for {
			var (
				ok  bool
				err error
			)
			if jo, isJoin := o.(joinOp); isJoin {
				ok, err = jo.SendTagged(tag, source, data, 0)
			} else {
				ok, err = o.Send(source, data, 0)
			}
			if ok || err != nil {
				return err
			}
			if _, err := o.Progress(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
	tags := []int{receiver.Left}
	if j.Op == "join" {
		tags = append(tags, receiver.Right)
	}
	for _, source := range sources {
		if j.Op == "broadcast" && source != 0 {
			continue
		}
		for _, tag := range tags {
			for i := 0; i < j.Records; i++ {
				var data interface{} = source*j.Records + i
				if keyed(j.Op) {
					data = record.Tuple{Key: i % j.Keys, Value: 1}
				}
				if err := send(tag, source, data); err != nil {
					return err
				}
			}
			if jo, isJoin := o.(joinOp); isJoin {
				jo.FinishTagged(tag, source)
			} else {
				o.Finish(source)
			}
		}
	}
	for !o.IsComplete() {
		more, err := o.Progress()
		if err != nil {
			return err
		}
		if !more {
			runtime.Gosched()
		}
	}
	return nil
}
