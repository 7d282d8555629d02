// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package local

import (
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMessage(t *testing.T, pool *buffer.Pool, edge int, payload string) *buffer.Message {
	t.Helper()
	m, ok := buffer.Encode(pool, buffer.NewHeader(0, edge).Build(), []byte(payload), false)
	if !ok {
		t.Fatal("encode failed")
	}
	return m
}

func TestFabric(t *testing.T) {
	f := NewFabric(8, 8)
	a, err := f.Endpoint(0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Endpoint(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Endpoint(1); !errors.Is(errors.Exists, err) {
		t.Fatalf("got %v, want exists error", err)
	}
	var (
		sendPool = buffer.NewPool("send", 4, 16)
		recvPool = buffer.NewPool("recv", 4, 16)
		got      []string
		done     int
	)
	err = b.ReceiveMessage(7, 0, recvPool, func(source int, msg *buffer.Message) error {
		if source != 0 {
			t.Errorf("got source %d, want 0", source)
		}
		got = append(got, string(msg.Payload()))
		msg.Release()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ReceiveMessage(7, 0, recvPool, func(int, *buffer.Message) error { return nil }); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists error", err)
	}
	for i := 0; i < 3; i++ {
		m := newMessage(t, sendPool, 7, fmt.Sprint("msg", i))
		ok := a.SendMessage(1, m, func(m *buffer.Message) {
			done++
			m.Release()
		})
		if !ok {
			t.Fatal("send rejected")
		}
	}
	if a.IsComplete() {
		t.Error("sender complete with queued sends")
	}
	if err := a.Progress(); err != nil {
		t.Fatal(err)
	}
	if got, want := done, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sendPool.Free(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if len(got) != 0 {
		t.Error("delivered before receiver progress")
	}
	if err := b.Progress(); err != nil {
		t.Fatal(err)
	}
	if got, want := fmt.Sprint(got), "[msg0 msg1 msg2]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !a.IsComplete() || !b.IsComplete() {
		t.Error("expected complete endpoints")
	}
	if got, want := recvPool.Free(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.Close()
	b.Close()
}

func TestFabricBackpressure(t *testing.T) {
	f := NewFabric(2, 8)
	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)
	defer a.Close()
	defer b.Close()
	var (
		sendPool = buffer.NewPool("send", 8, 16)
		recvPool = buffer.NewPool("recv", 1, 16)
		held     []*buffer.Message
	)
	b.ReceiveMessage(0, 0, recvPool, func(source int, msg *buffer.Message) error {
		held = append(held, msg)
		return nil
	})
	release := func(m *buffer.Message) { m.Release() }
	if !a.SendMessage(1, newMessage(t, sendPool, 0, "a"), release) {
		t.Fatal("send rejected")
	}
	if !a.SendMessage(1, newMessage(t, sendPool, 0, "b"), release) {
		t.Fatal("send rejected")
	}
	m := newMessage(t, sendPool, 0, "c")
	if a.SendMessage(1, m, release) {
		t.Fatal("expected outbound limit to reject send")
	}
	m.Release()
	for i := 0; i < 3; i++ {
		if err := a.Progress(); err != nil {
			t.Fatal(err)
		}
		if err := b.Progress(); err != nil {
			t.Fatal(err)
		}
	}
	// The receiver holds its only buffer, so the second message waits.
	if got, want := len(held), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if a.IsComplete() {
		t.Error("expected pending send")
	}
	held[0].Release()
	a.Progress()
	b.Progress()
	if got, want := len(held), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := string(held[1].Payload()), "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	held[1].Release()
}

func TestFabricUnreachable(t *testing.T) {
	f := NewFabric(2, 2)
	a, _ := f.Endpoint(0)
	defer a.Close()
	pool := buffer.NewPool("send", 1, 16)
	if !a.SendMessage(3, newMessage(t, pool, 0, "x"), func(m *buffer.Message) { m.Release() }) {
		t.Fatal("send rejected")
	}
	if err := a.Progress(); !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want net error", err)
	}
}
