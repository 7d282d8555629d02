// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/stats"
)

// An Env is the communication environment of one worker: its identity,
// the logical plan of its operations, the channel that connects it to
// its peers, and the send pool shared by its operations. An Env is
// constructed once per worker and passed to every operation.
type Env struct {
	// Worker is the local worker.
	Worker int
	// Plan places the logical tasks of every operation.
	Plan *plan.LogicalPlan
	// Pool supplies the buffers of sent messages.
	Pool *buffer.Pool
	// Config holds the environment's settings.
	Config Config
	// Stats holds the counters of the environment's operations.
	Stats *stats.Map

	channel *lockedChannel
}

// NewEnv returns a new environment for worker. The environment takes
// ownership of ch.
func NewEnv(worker int, p *plan.LogicalPlan, ch channel.Channel, config Config) (*Env, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ch == nil || p == nil {
		return nil, errors.E(errors.Invalid, "bigcomm: environment requires a plan and a channel")
	}
	log.Debug.Printf("bigcomm: worker %d: environment with %d tasks", worker, p.TasksOn(worker).Len())
	return &Env{
		Worker:  worker,
		Plan:    p,
		Pool:    buffer.NewPool(fmt.Sprintf("send-w%d", worker), config.SendBuffers, config.BufferSize),
		Config:  config,
		Stats:   stats.NewMap(),
		channel: &lockedChannel{ch: ch},
	}, nil
}

// Channel returns the environment's channel. Calls to the returned
// channel are serialized, so it may be shared by the environment's
// operations.
func (e *Env) Channel() channel.Channel { return e.channel }

// Progress drives the environment's channel.
func (e *Env) Progress() error {
	return e.channel.Progress()
}

// Close closes the environment's channel.
func (e *Env) Close() error {
	return e.channel.Close()
}

// lockedChannel serializes access to a channel. Callbacks invoked by
// the underlying channel's Progress must not call back into the
// channel.
type lockedChannel struct {
	mu sync.Mutex
	ch channel.Channel
}

func (c *lockedChannel) SendMessage(worker int, msg *buffer.Message, done channel.CompleteFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.SendMessage(worker, msg, done)
}

func (c *lockedChannel) ReceiveMessage(edge, sourceWorker int, pool *buffer.Pool, fn channel.ReceiveFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.ReceiveMessage(edge, sourceWorker, pool, fn)
}

func (c *lockedChannel) Unregister(edge int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch.Unregister(edge)
}

func (c *lockedChannel) Progress() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Progress()
}

func (c *lockedChannel) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.IsComplete()
}

func (c *lockedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Close()
}
