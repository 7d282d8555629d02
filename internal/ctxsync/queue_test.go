// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	if !q.TryPut(1) || !q.TryPut(2) {
		t.Fatal("expected room")
	}
	if q.TryPut(3) {
		t.Fatal("expected full queue")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if q.Put(ctx, 3) {
		t.Fatal("expected put to time out")
	}
	putc := make(chan bool)
	go func() { putc <- q.Put(context.Background(), 3) }()
	if got, want := q.Take(1), []interface{}{1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !<-putc {
		t.Error("expected blocked put to succeed")
	}
	if got, want := q.Take(5), []interface{}{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if q.Take(1) != nil {
		t.Error("take from empty queue")
	}
	if !q.TryPut(4) {
		t.Fatal("expected room")
	}
	if got, want := q.Len(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(q.Close()), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if q.Put(context.Background(), 5) {
		t.Error("put on closed queue")
	}
}
