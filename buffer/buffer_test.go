// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestPool(t *testing.T) {
	p := NewPool("test", 2, 8)
	b1, ok := p.Get()
	if !ok {
		t.Fatal("expected buffer")
	}
	b2, ok := p.Get()
	if !ok {
		t.Fatal("expected buffer")
	}
	if _, ok := p.Get(); ok {
		t.Fatal("expected exhausted pool")
	}
	if got, want := p.Free(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b1.Write([]byte("0123456789")), 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b1.Remaining(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b1.release()
	b2.release()
	if got, want := p.Free(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b, _ := p.Get()
	if got, want := b.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPoolGetN(t *testing.T) {
	p := NewPool("test", 3, 4)
	if _, ok := p.GetN(4); ok {
		t.Fatal("expected failure")
	}
	if got, want := p.Free(), 3; got != want {
		t.Fatalf("partial allocation: got %v, want %v", got, want)
	}
	bufs, ok := p.GetN(3)
	if !ok {
		t.Fatal("expected success")
	}
	seen := make(map[int]bool)
	for _, b := range bufs {
		if seen[b.index] {
			t.Errorf("buffer %d handed out twice", b.index)
		}
		seen[b.index] = true
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	p := NewPool("test", 1, 4)
	b, _ := p.Get()
	b.release()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b.release()
}

func TestHeader(t *testing.T) {
	h := NewHeader(3, 7).NumTuples(12).Destination(-1).Flags(FlagSyncEmpty | FlagUser).Build()
	p, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(p), HeaderSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	h2, err := UnmarshalHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := h2, h; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !h2.IsSync() {
		t.Error("expected sync header")
	}
	if _, err := UnmarshalHeader(p[:10]); err == nil {
		t.Error("expected error")
	}
}

func TestFlagString(t *testing.T) {
	for _, c := range []struct {
		f    Flag
		want string
	}{
		{0, "0"},
		{FlagSyncEmpty, "SYNC_EMPTY"},
		{FlagSyncEmpty | FlagLast, "SYNC_EMPTY|LAST"},
		{FlagUser << 1, "user(0x200)"},
	} {
		if got := c.f.String(); got != c.want {
			t.Errorf("%d: got %v, want %v", int32(c.f), got, c.want)
		}
	}
}

func TestMessageRefs(t *testing.T) {
	p := NewPool("test", 4, 4)
	m, ok := Encode(p, NewHeader(0, 0).Build(), []byte("hello, world"), false)
	if !ok {
		t.Fatal("encode failed")
	}
	if got, want := p.Free(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := string(m.Payload()), "hello, world"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m.Retain(2)
	m.Release()
	m.Release()
	if got, want := p.Free(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m.Release()
	if got, want := p.Free(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	m.Release()
}

func TestEncodeBackpressure(t *testing.T) {
	p := NewPool("test", 2, 16)
	var msgs []*Message
	for i := 0; i < 5; i++ {
		m, ok := Encode(p, NewHeader(0, 0).Build(), []byte("x"), false)
		if got, want := ok, i < 2; got != want {
			t.Errorf("send %d: got %v, want %v", i, got, want)
		}
		if ok {
			msgs = append(msgs, m)
		}
	}
	msgs[0].Release()
	if _, ok := Encode(p, NewHeader(0, 0).Build(), []byte("x"), false); !ok {
		t.Error("expected encode to succeed after release")
	}
}

func TestEncodeOverflow(t *testing.T) {
	var (
		fz      = fuzz.NewWithSeed(31)
		payload []byte
	)
	fz.NumElements(100, 200)
	fz.Fuzz(&payload)
	p := NewPool("test", 2, 16)
	m, ok := Encode(p, NewHeader(0, 0).Build(), payload, true)
	if !ok {
		t.Fatal("encode failed")
	}
	if got, want := p.Overflowed(), BuffersFor(len(payload), 16)-2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !bytes.Equal(m.Payload(), payload) {
		t.Error("payload mismatch")
	}
	m.Release()
	if got, want := p.Overflowed(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Free(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// When pool buffers are in use, an oversized payload waits.
	b, _ := p.Get()
	if _, ok := Encode(p, NewHeader(0, 0).Build(), payload, true); ok {
		t.Error("expected backpressure")
	}
	b.release()
}

func TestEncodeReserve(t *testing.T) {
	p := NewPool("test", 4, 16)
	h := NewHeader(0, 0).Build()
	var msgs []*Message
	for i := 0; i < 3; i++ {
		m, ok := EncodeReserve(p, h, []byte("x"), 2)
		if got, want := ok, i < 2; got != want {
			t.Errorf("encode %d: got %v, want %v", i, got, want)
		}
		if ok {
			msgs = append(msgs, m)
		}
	}
	// Unreserved encodes may use the reserve.
	m, ok := Encode(p, h, []byte("x"), false)
	if !ok {
		t.Fatal("expected unreserved encode to succeed")
	}
	msgs = append(msgs, m)
	if got, want := p.Free(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, m := range msgs {
		m.Release()
	}

	// Oversized payloads need the whole pool, less the reserve.
	big := make([]byte, 5*16)
	m, ok = EncodeReserve(p, h, big, 1)
	if !ok {
		t.Fatal("encode failed")
	}
	if got, want := p.Free(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Overflowed(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !bytes.Equal(m.Payload(), big) {
		t.Error("payload mismatch")
	}
	m.Release()
	if got, want := p.Free(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
