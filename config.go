// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/join"
	"github.com/grailbio/bigcomm/shuffle"
)

// All-to-all routing algorithms.
const (
	AllToAllSimple = "simple"
	AllToAllRing   = "ring"
)

// Config holds the settings shared by the operations of an Env.
type Config struct {
	// BufferSize is the capacity of each pooled buffer.
	BufferSize int
	// SendBuffers is the number of buffers in the send pool shared by
	// an Env's operations.
	SendBuffers int
	// ReceiveBuffers is the number of buffers in each operation's
	// receive pool.
	ReceiveBuffers int
	// OutboxLimit bounds the number of queued outbound hops per
	// operation.
	OutboxLimit int
	// ShuffleDirs lists the directories used by disk-backed
	// operations.
	ShuffleDirs []string
	// ShuffleThreshold is the in-memory size beyond which disk-backed
	// operations spill.
	ShuffleThreshold int
	// AllToAll selects the routing of all-to-all operations: simple
	// or ring.
	AllToAll string
	// Join selects the default join algorithm: sort or hash.
	Join string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:       32 << 10,
		SendBuffers:      256,
		ReceiveBuffers:   256,
		OutboxLimit:      128,
		ShuffleThreshold: shuffle.DefaultThreshold,
		AllToAll:         AllToAllSimple,
		Join:             join.Hash.String(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.BufferSize <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigcomm: invalid buffer size %d", c.BufferSize))
	case c.SendBuffers <= 0 || c.ReceiveBuffers <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigcomm: invalid buffer counts %d, %d", c.SendBuffers, c.ReceiveBuffers))
	case c.OutboxLimit <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigcomm: invalid outbox limit %d", c.OutboxLimit))
	case c.AllToAll != AllToAllSimple && c.AllToAll != AllToAllRing:
		return errors.E(errors.Invalid, fmt.Sprintf("bigcomm: unknown all-to-all algorithm %q", c.AllToAll))
	}
	_, err := join.ParseAlgorithm(c.Join)
	return err
}

func init() {
	config.Register("bigcomm", func(inst *config.Constructor) {
		cfg := DefaultConfig()
		var dirs string
		inst.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "capacity of pooled message buffers")
		inst.IntVar(&cfg.SendBuffers, "send-buffers", cfg.SendBuffers, "number of buffers in each worker's send pool")
		inst.IntVar(&cfg.ReceiveBuffers, "receive-buffers", cfg.ReceiveBuffers, "number of buffers in each operation's receive pool")
		inst.IntVar(&cfg.OutboxLimit, "outbox-limit", cfg.OutboxLimit, "maximum number of queued outbound hops per operation")
		inst.StringVar(&dirs, "shuffle-dirs", "", "comma-separated list of directories for shuffle run files")
		inst.IntVar(&cfg.ShuffleThreshold, "shuffle-threshold", cfg.ShuffleThreshold, "in-memory bytes per target before shuffles spill")
		inst.StringVar(&cfg.AllToAll, "alltoall", cfg.AllToAll, "all-to-all routing algorithm (simple or ring)")
		inst.StringVar(&cfg.Join, "join", cfg.Join, "default join algorithm (sort or hash)")
		inst.Doc = "bigcomm configures collective communication operations"
		inst.New = func() (interface{}, error) {
			if dirs != "" {
				cfg.ShuffleDirs = strings.Split(dirs, ",")
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
	})
}
