// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Commbench runs a collective operation over in-process workers
// connected by a local fabric, and reports per-target results and
// counters.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcomm/commconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: commbench -job job.toml

Command commbench runs one collective operation, described by a TOML
job file, over a number of in-process workers. A job file looks like:

	op = "keyed-reduce"
	workers = 4
	tasks = 2
	records = 10000
	keys = 100

Available operations are:

	partition, keyed-partition, keyed-reduce, keyed-gather,
	broadcast, reduce, allreduce, gather, allgather, join
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	jobPath := flag.String("job", "", "path of the TOML job file")
	config := commconfig.Parse()
	if *jobPath == "" {
		flag.Usage()
	}
	var j job
	_, err := toml.DecodeFile(*jobPath, &j)
	must.Nil(err, *jobPath)
	must.Nil(j.validate(), *jobPath)

	start := time.Now()
	res, err := run(config, j)
	must.Nil(err, j.Op)
	log.Printf("commbench: %s over %d workers took %s", j.Op, j.Workers, time.Since(start))

	targets := make([]int, 0, len(res.summaries))
	for target := range res.summaries {
		targets = append(targets, target)
	}
	sort.Ints(targets)
	for _, target := range targets {
		fmt.Printf("target %d: %s\n", target, res.summaries[target])
	}
	for w, values := range res.stats {
		fmt.Printf("worker %d: %s\n", w, values)
	}
}
