// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements the external sort-merge engine used by
// receivers that accumulate more data than fits in memory.
//
// A Shuffle accumulates the records of one target. Records are added
// to an in-memory buffer; Run, called on every progress step, spills
// the buffer to a new immutable run file once it exceeds a byte
// threshold, sorting it first if the shuffle is sorted. After
// SwitchToReading seals the shuffle, ReadIterator merges the run
// files with the residual in-memory records. Clean deletes the run
// files so that the shuffle can be reused.
package shuffle

import (
	"bytes"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/packer"
	"github.com/hashicorp/go-multierror"
)

var (
	shuffleSpills     = expvar.NewInt("shufflespills")
	shuffleSpillBytes = expvar.NewInt("shufflespillbytes")
	shuffleRecords    = expvar.NewInt("shufflerecords")
)

// DefaultThreshold is the in-memory size beyond which records are
// spilled when no threshold is configured.
const DefaultThreshold = 64 << 20

// Options configures a Shuffle.
type Options struct {
	// Dirs lists the directories that hold run files. The directory
	// of a target is Dirs[xxhash(target) mod len(Dirs)]. If empty,
	// the system's temporary directory is used.
	Dirs []string
	// Name names the operation, and prefixes run file names.
	Name string
	// Target is the target whose records are shuffled.
	Target int
	// Refresh is the initial refresh counter.
	Refresh int
	// Threshold is the in-memory byte size beyond which Run spills.
	Threshold int
	// Sorted requests that records be read in key order.
	Sorted bool
	// Grouped requests that records with equal keys be adjacent.
	// Grouped implies Sorted.
	Grouped bool
	// Compare orders packed keys. It defaults to bytes.Compare.
	Compare func(a, b []byte) int
}

// A Shuffle is the run set of one target.
type Shuffle struct {
	opts Options
	dir  string

	mem      []packer.Raw
	memBytes int
	runs     []string
	seq      int
	refresh  int
	reading  bool
	spilled  int64
}

// New returns a new shuffle. The target's run directory is created if
// it does not exist.
func New(opts Options) (*Shuffle, error) {
	if len(opts.Dirs) == 0 {
		opts.Dirs = []string{os.TempDir()}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Grouped {
		opts.Sorted = true
	}
	if opts.Compare == nil {
		opts.Compare = bytes.Compare
	}
	if opts.Name == "" {
		opts.Name = "shuffle"
	}
	s := &Shuffle{
		opts:    opts,
		dir:     Dir(opts.Dirs, opts.Target),
		refresh: opts.Refresh,
	}
	if err := os.MkdirAll(s.dir, 0777); err != nil {
		return nil, errors.E(errors.Invalid, "shuffle: run directory", err)
	}
	return s, nil
}

// Dir returns the directory among dirs that holds the runs of
// target.
func Dir(dirs []string, target int) string {
	h := xxhash.Sum64String(strconv.Itoa(target))
	return dirs[h%uint64(len(dirs))]
}

// Target returns the shuffle's target.
func (s *Shuffle) Target() int { return s.opts.Target }

// Add appends a record. The key and value are copied. Add fails once
// the shuffle has switched to reading.
func (s *Shuffle) Add(key, value []byte) error {
	if s.reading {
		return errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: add after switch to reading", s.name()))
	}
	r := packer.Raw{Value: append([]byte{}, value...)}
	if key != nil {
		r.Key = append([]byte{}, key...)
	}
	s.mem = append(s.mem, r)
	s.memBytes += r.Size(true)
	shuffleRecords.Add(1)
	return nil
}

// Len returns the number of records held in memory.
func (s *Shuffle) Len() int { return len(s.mem) }

// Run performs one cooperative step: if the in-memory records exceed
// the threshold, they are spilled to a new run file.
func (s *Shuffle) Run() error {
	if s.reading || s.memBytes < s.opts.Threshold {
		return nil
	}
	return s.spill()
}

func (s *Shuffle) name() string {
	return fmt.Sprintf("%s-t%d", s.opts.Name, s.opts.Target)
}

func (s *Shuffle) sortMem() {
	if !s.opts.Sorted {
		return
	}
	cmp := s.opts.Compare
	sort.SliceStable(s.mem, func(i, j int) bool {
		return cmp(s.mem[i].Key, s.mem[j].Key) < 0
	})
}

func (s *Shuffle) spill() error {
	s.sortMem()
	path := filepath.Join(s.dir, fmt.Sprintf("%s-r%d-%d.run", s.name(), s.refresh, s.seq))
	n, err := writeRun(path, s.mem)
	if err != nil {
		log.Error.Printf("shuffle %s: failed to spill to disk: %v", s.name(), err)
		os.Remove(path)
		return err
	}
	log.Debug.Printf("shuffle %s: spilled %d records (%s) to %s", s.name(), len(s.mem), data.Size(n), path)
	shuffleSpills.Add(1)
	shuffleSpillBytes.Add(n)
	s.spilled += n
	s.seq++
	s.runs = append(s.runs, path)
	s.mem = nil
	s.memBytes = 0
	return nil
}

// SwitchToReading seals the shuffle. No records may be added until
// the shuffle is cleaned.
func (s *Shuffle) SwitchToReading() error {
	if s.reading {
		return nil
	}
	s.reading = true
	s.sortMem()
	return nil
}

// Spills returns the number of run files written since the last
// Clean.
func (s *Shuffle) Spills() int { return len(s.runs) }

// SpilledBytes returns the number of bytes written to run files since
// the last Clean.
func (s *Shuffle) SpilledBytes() int64 { return s.spilled }

// ReadIterator returns an iterator over every record in the shuffle,
// in key order if the shuffle is sorted, and otherwise in the order
// of run files followed by the in-memory records. The shuffle must
// have switched to reading. The iterator must be closed.
func (s *Shuffle) ReadIterator() (Iterator, error) {
	if !s.reading {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: read before switch to reading", s.name()))
	}
	var (
		sources  = make([]Iterator, 0, len(s.runs)+1)
		closeAll = func() {
			for _, it := range sources {
				it.Close()
			}
		}
	)
	for _, path := range s.runs {
		it, err := openRun(path)
		if err != nil {
			closeAll()
			return nil, err
		}
		sources = append(sources, it)
	}
	sources = append(sources, &memIterator{recs: s.mem, i: -1})
	if !s.opts.Sorted {
		return &concatIterator{its: sources}, nil
	}
	m, err := newMergeIterator(sources, s.opts.Compare)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GroupIterator returns an iterator over groups of records with equal
// keys. The shuffle must be grouped and have switched to reading.
func (s *Shuffle) GroupIterator() (*GroupIterator, error) {
	if !s.opts.Grouped {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: not grouped", s.name()))
	}
	it, err := s.ReadIterator()
	if err != nil {
		return nil, err
	}
	return &GroupIterator{it: it, cmp: s.opts.Compare}, nil
}

// Clean deletes the shuffle's run files and empties it, so that it
// accepts records again.
func (s *Shuffle) Clean() error {
	var err *multierror.Error
	for _, path := range s.runs {
		if e := os.Remove(path); e != nil && !os.IsNotExist(e) {
			err = multierror.Append(err, e)
		}
	}
	s.runs = nil
	s.mem = nil
	s.memBytes = 0
	s.reading = false
	s.seq = 0
	s.spilled = 0
	if e := err.ErrorOrNil(); e != nil {
		log.Error.Printf("shuffle %s: clean: %v", s.name(), e)
		return e
	}
	return nil
}

// Refresh increments the refresh counter, so that the run files of a
// re-execution do not collide with those of a previous one.
func (s *Shuffle) Refresh() {
	s.refresh++
}
