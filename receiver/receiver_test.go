// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/join"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/record"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
	"github.com/grailbio/testutil"
)

func expect(targets []int, sources ...int) map[int]plan.Set {
	m := make(map[int]plan.Set)
	for _, t := range targets {
		m[t] = plan.NewSet(sources...)
	}
	return m
}

func TestTracker(t *testing.T) {
	m := stats.NewMap()
	tr := NewTracker("test", expect([]int{5}, 1, 2), m.Scope("test"))
	if got, want := tr.State(5), Init; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if ok, err := tr.OnData(5); !ok || err != nil {
		t.Fatalf("OnData: %v %v", ok, err)
	}
	if got, want := tr.State(5), Receiving; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := tr.OnSync(1, 5); err != nil {
		t.Fatal(err)
	}
	if err := tr.OnSync(1, 5); err != nil {
		t.Fatalf("duplicate sync: %v", err)
	}
	if got, want := m.Snapshot()[stats.SyncsDuplicate], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if tr.Ready(5) {
		t.Error("ready before all syncs")
	}
	if err := tr.OnSync(2, 5); err != nil {
		t.Fatal(err)
	}
	if got, want := tr.State(5), AllSyncsReceived; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if ok, err := tr.OnData(5); ok || err != nil {
		t.Errorf("data after all syncs: %v %v", ok, err)
	}
	tr.MarkSynced(5)
	if !tr.IsComplete() {
		t.Error("expected complete")
	}
	tr.Reset()
	if got, want := tr.State(5), Init; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := tr.OnData(6); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if err := tr.OnSync(3, 5); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		Init: "INIT", Receiving: "RECEIVING", AllSyncsReceived: "ALL_SYNCS_RECEIVED", Synced: "SYNCED",
	} {
		if got := state.String(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func raw(t *testing.T, key, value interface{}, keys, values packer.Packer) packer.Raw {
	t.Helper()
	var r packer.Raw
	var err error
	if key != nil {
		if r.Key, err = keys.Pack(key); err != nil {
			t.Fatal(err)
		}
	}
	if r.Value, err = values.Pack(value); err != nil {
		t.Fatal(err)
	}
	return r
}

// results collects delivered values per target.
type results map[int][]interface{}

func (r results) values(target int, it record.Iterator) {
	if _, ok := r[target]; ok {
		panic(fmt.Sprintf("target %d delivered twice", target))
	}
	vals, err := record.Collect(it)
	if err != nil {
		panic(err)
	}
	if vals == nil {
		vals = []interface{}{}
	}
	r[target] = vals
}

func feed(t *testing.T, f *Final, sources []int, target int, keyed bool, n int) {
	t.Helper()
	for _, s := range sources {
		for i := 0; i < n; i++ {
			var r packer.Raw
			if keyed {
				r = raw(t, i%3, s*100+i, packer.Int, packer.Int)
			} else {
				r = raw(t, nil, s*100+i, nil, packer.Int)
			}
			if ok, err := f.OnMessage(s, target, 0, []packer.Raw{r}); !ok || err != nil {
				t.Fatalf("OnMessage: %v %v", ok, err)
			}
			if _, err := f.Progress(nil); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func finish(t *testing.T, f *Final, sources []int, target int) {
	t.Helper()
	for _, s := range sources {
		if err := f.OnSync(s, target); err != nil {
			t.Fatal(err)
		}
	}
}

// order orders the results of unkeyed kinds, whose delivery order
// follows arrival.
func order(v interface{}) int {
	if t, ok := v.(record.Tuple); ok {
		return t.Key.(int)*1000 + t.Value.(int)
	}
	return v.(int)
}

func sum(a, b interface{}) interface{} { return a.(int) + b.(int) }

func TestFinalKinds(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "receiver")
	defer cleanup()
	sources := []int{0, 1}
	for _, disk := range []bool{false, true} {
		for _, c := range []struct {
			kind Kind
			want []interface{}
		}{
			{Partition, []interface{}{0, 1, 2, 100, 101, 102}},
			{Gather, []interface{}{
				record.Tuple{Key: 0, Value: 0}, record.Tuple{Key: 0, Value: 1}, record.Tuple{Key: 0, Value: 2},
				record.Tuple{Key: 1, Value: 100}, record.Tuple{Key: 1, Value: 101}, record.Tuple{Key: 1, Value: 102},
			}},
			{KeyedPartition, []interface{}{
				record.Tuple{Key: 0, Value: 0}, record.Tuple{Key: 0, Value: 100},
				record.Tuple{Key: 1, Value: 1}, record.Tuple{Key: 1, Value: 101},
				record.Tuple{Key: 2, Value: 2}, record.Tuple{Key: 2, Value: 102},
			}},
			{KeyedReduce, []interface{}{
				record.Tuple{Key: 0, Value: 100}, record.Tuple{Key: 1, Value: 102}, record.Tuple{Key: 2, Value: 104},
			}},
			{KeyedGather, []interface{}{
				record.Tuple{Key: 0, Value: []interface{}{0, 100}},
				record.Tuple{Key: 1, Value: []interface{}{1, 101}},
				record.Tuple{Key: 2, Value: []interface{}{2, 102}},
			}},
		} {
			res := make(results)
			f, err := NewFinal(Config{
				Kind:     c.kind,
				Name:     fmt.Sprintf("%s-%v", c.kind, disk),
				Expected: expect([]int{7}, sources...),
				Keys:     packer.Int,
				Values:   packer.Int,
				Sorted:   true,
				Reduce:   sum,
				Disk:     disk,
				Shuffle:  shuffle.Options{Dirs: []string{dir}, Threshold: 16},
				OnValues: res.values,
			})
			if err != nil {
				t.Fatal(err)
			}
			feed(t, f, sources, 7, c.kind.keyed(), 3)
			if more, err := f.Progress(nil); err != nil || !more {
				t.Fatalf("%s: progress before syncs: %v %v", c.kind, more, err)
			}
			finish(t, f, sources, 7)
			if more, err := f.Progress(func(int) bool { return false }); err != nil || !more {
				t.Fatalf("%s: progress while undrained: %v %v", c.kind, more, err)
			}
			if _, ok := res[7]; ok {
				t.Fatalf("%s: delivered while undrained", c.kind)
			}
			if more, err := f.Progress(nil); err != nil || more {
				t.Fatalf("%s: %v %v", c.kind, more, err)
			}
			got := res[7]
			if c.kind == Partition || c.kind == Gather {
				sort.SliceStable(got, func(i, j int) bool { return order(got[i]) < order(got[j]) })
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("%s disk=%v: got %v, want %v", c.kind, disk, got, c.want)
			}
			if got, want := f.State(7), Synced; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			// Further progress does not deliver again.
			if _, err := f.Progress(nil); err != nil {
				t.Fatal(err)
			}
			if err := f.Close(); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestFinalReduce(t *testing.T) {
	var (
		value interface{}
		ok    bool
		calls int
	)
	f, err := NewFinal(Config{
		Kind:     Reduce,
		Name:     "reduce",
		Expected: expect([]int{0}, 1, 2, 3),
		Values:   packer.Int,
		Reduce:   sum,
		OnValue: func(target int, v interface{}, k bool) {
			value, ok = v, k
			calls++
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	feed(t, f, []int{1, 2, 3}, 0, false, 4)
	finish(t, f, []int{1, 2, 3}, 0)
	if _, err := f.Progress(nil); err != nil {
		t.Fatal(err)
	}
	if got, want := value, (100+101+102+103)+(200+201+202+203)+(300+301+302+303); !ok || got != want {
		t.Errorf("got %v (%v), want %v", got, ok, want)
	}
	// A run with no data reports no value.
	if err := f.Reset(); err != nil {
		t.Fatal(err)
	}
	finish(t, f, []int{1, 2, 3}, 0)
	if _, err := f.Progress(nil); err != nil {
		t.Fatal(err)
	}
	if ok || value != nil {
		t.Errorf("got %v (%v), want no value", value, ok)
	}
	if got, want := calls, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFinalReset(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "receiver")
	defer cleanup()
	for _, disk := range []bool{false, true} {
		var runs [][]interface{}
		f, err := NewFinal(Config{
			Kind:     KeyedReduce,
			Name:     "reset",
			Expected: expect([]int{0, 1}, 0),
			Keys:     packer.Int,
			Values:   packer.Int,
			Reduce:   sum,
			Disk:     disk,
			Shuffle:  shuffle.Options{Dirs: []string{dir}, Threshold: 1},
			OnValues: func(target int, it record.Iterator) {
				vals, _ := record.Collect(it)
				runs = append(runs, vals)
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		for run := 0; run < 2; run++ {
			feed(t, f, []int{0}, 0, true, 6)
			finish(t, f, []int{0}, 0)
			finish(t, f, []int{0}, 1)
			if more, err := f.Progress(nil); err != nil || more {
				t.Fatalf("run %d: %v %v", run, more, err)
			}
			if !f.IsComplete() {
				t.Fatalf("run %d: not complete", run)
			}
			if err := f.Reset(); err != nil {
				t.Fatal(err)
			}
			for _, target := range []int{0, 1} {
				if got, want := f.State(target), Init; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
			}
		}
		if got, want := len(runs), 4; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if !reflect.DeepEqual(runs[0], runs[2]) || !reflect.DeepEqual(runs[1], runs[3]) {
			t.Errorf("runs differ: %v", runs)
		}
		if got, want := len(runs[1]), 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		f.Close()
	}
}

func TestFinalConfig(t *testing.T) {
	nop := func(int, record.Iterator) {}
	for _, c := range []Config{
		{Kind: Partition, OnValues: nop},
		{Kind: KeyedGather, Values: packer.Int, OnValues: nop},
		{Kind: KeyedReduce, Keys: packer.Int, Values: packer.Int, OnValues: nop},
		{Kind: Reduce, Values: packer.Int, Reduce: sum},
		{Kind: Broadcast, Values: packer.Int},
	} {
		if _, err := NewFinal(c); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", c.Kind, err)
		}
	}
}

func TestFinalUnpackError(t *testing.T) {
	f, err := NewFinal(Config{
		Kind:     Partition,
		Expected: expect([]int{0}, 0),
		Values:   packer.Int,
		OnValues: func(int, record.Iterator) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.OnMessage(0, 0, 0, []packer.Raw{{Value: []byte("short")}})
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity", err)
	}
}

func newJoin(t *testing.T, algo join.Algorithm, disk bool, dir string, out map[int][]string) *Join {
	t.Helper()
	j, err := NewJoin(JoinConfig{
		Name:        "join",
		Left:        expect([]int{0}, 10, 11),
		Right:       expect([]int{0}, 20),
		Keys:        packer.Int,
		LeftValues:  packer.String,
		RightValues: packer.Int,
		Type:        join.FullOuter,
		Algorithm:   algo,
		Disk:        disk,
		Shuffle:     shuffle.Options{Dirs: []string{dir}, Threshold: 8},
		OnJoin: func(target int, it record.Iterator) {
			for it.Next() {
				out[target] = append(out[target], it.Value().(record.JoinedTuple).String())
			}
			sort.Strings(out[target])
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJoin(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "join")
	defer cleanup()
	var outputs [][]string
	for _, algo := range []join.Algorithm{join.SortMerge, join.Hash} {
		for _, disk := range []bool{false, true} {
			out := make(map[int][]string)
			j := newJoin(t, algo, disk, dir, out)
			send := func(tag, source int, key, value interface{}, values packer.Packer) {
				r := raw(t, key, value, packer.Int, values)
				if ok, err := j.OnMessage(tag, source, 0, 0, []packer.Raw{r}); !ok || err != nil {
					t.Fatalf("OnMessage: %v %v", ok, err)
				}
			}
			send(Left, 10, 1, "a", packer.String)
			send(Left, 11, 2, "b", packer.String)
			send(Left, 11, 2, "c", packer.String)
			send(Right, 20, 2, 200, packer.Int)
			send(Right, 20, 3, 300, packer.Int)
			for _, s := range []int{10, 11} {
				if err := j.OnSync(Left, s, 0); err != nil {
					t.Fatal(err)
				}
			}
			if more, err := j.Progress(nil); err != nil || !more {
				t.Fatalf("joined with one side incomplete: %v %v", more, err)
			}
			if err := j.OnSync(Right, 20, 0); err != nil {
				t.Fatal(err)
			}
			if more, err := j.Progress(nil); err != nil || more {
				t.Fatalf("%v %v", more, err)
			}
			if !j.IsComplete() {
				t.Error("expected complete")
			}
			outputs = append(outputs, out[0])
			if err := j.Close(); err != nil {
				t.Fatal(err)
			}
		}
	}
	want := []string{"(1, a, <nil>)", "(2, b, 200)", "(2, c, 200)", "(3, <nil>, 300)"}
	for i, got := range outputs {
		if !reflect.DeepEqual(got, want) {
			t.Errorf("output %d: got %v, want %v", i, got, want)
		}
	}
}

func TestJoinTag(t *testing.T) {
	j := newJoin(t, join.Hash, false, "", make(map[int][]string))
	if _, err := j.OnMessage(2, 10, 0, 0, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if err := j.OnSync(-1, 10, 0); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestHashJoinSides(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "hashjoin")
	defer cleanup()
	// The table is built from whichever side received fewer records.
	for _, leftSmaller := range []bool{false, true} {
		out := make(map[int][]string)
		j := newJoin(t, join.Hash, true, dir, out)
		send := func(tag, source int, key, value interface{}, values packer.Packer) {
			if ok, err := j.OnMessage(tag, source, 0, 0, []packer.Raw{raw(t, key, value, packer.Int, values)}); !ok || err != nil {
				t.Fatalf("OnMessage: %v %v", ok, err)
			}
		}
		send(Left, 10, 1, "a", packer.String)
		send(Right, 20, 1, 100, packer.Int)
		want := []string{"(1, a, 100)"}
		for k := 2; k < 6; k++ {
			if leftSmaller {
				send(Right, 20, k, k*100, packer.Int)
				want = append(want, fmt.Sprintf("(%d, <nil>, %d)", k, k*100))
			} else {
				send(Left, 11, k, "x", packer.String)
				want = append(want, fmt.Sprintf("(%d, x, <nil>)", k))
			}
		}
		for _, s := range []int{10, 11} {
			if err := j.OnSync(Left, s, 0); err != nil {
				t.Fatal(err)
			}
		}
		if err := j.OnSync(Right, 20, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := j.Progress(nil); err != nil {
			t.Fatal(err)
		}
		sort.Strings(want)
		if got := out[0]; !reflect.DeepEqual(got, want) {
			t.Errorf("leftSmaller=%v: got %v, want %v", leftSmaller, got, want)
		}
		if err := j.Close(); err != nil {
			t.Fatal(err)
		}
	}
}
