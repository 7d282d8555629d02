// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigcomm implements collective communication for distributed
	dataflow programs. Tasks of a logical plan are placed on workers;
	an operation moves the records of its source tasks to its target
	tasks, and delivers each target's result exactly once, after every
	source has signalled that it is done.

	Bigcomm provides point-to-point (Direct), partitioning (Partition,
	KeyedPartition), one-to-all (Broadcast), all-to-one (Reduce, Gather),
	all-to-all (AllReduce, AllGather, KeyedReduce, KeyedGather), and
	Join operations. Keyed operations send record.Tuples; joins deliver
	record.JoinedTuples.

	Every worker constructs one Env, which holds the worker's identity,
	the plan, and the channel that connects it to its peers, and then
	constructs the same operations, on the same edges, as every other
	worker. Operations are progress driven: no call blocks, and no
	operation starts a goroutine. Send returns false when buffers or
	queues are exhausted; the caller then calls Progress and retries.
	Finish signals that a source has no more data. An operation is
	complete on a worker when IsComplete returns true.

	A typical worker loop is:

		op, err := bigcomm.NewKeyedReduce(env, edge, sources, targets,
			packer.String, packer.Int, sum, deliver)
		...
		for _, source := range localSources {
			for _, tuple := range input[source] {
				for {
					ok, err := op.Send(source, tuple, 0)
					...
					if ok {
						break
					}
					op.Progress()
				}
			}
			op.Finish(source)
		}
		for !op.IsComplete() {
			if _, err := op.Progress(); err != nil {
				...
			}
		}

	Messages travel through the channel (package channel) along a
	routing topology (package routing): direct, ring, or binomial tree.
	Receivers (package receiver) accumulate records in memory or, with
	the Disk option, in shuffles (package shuffle) that spill to run
	files.
*/
package bigcomm
