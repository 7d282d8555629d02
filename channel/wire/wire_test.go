// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigcomm/buffer"
)

func TestEnvelope(t *testing.T) {
	var payload []byte
	fz := fuzz.NewWithSeed(5)
	fz.NumElements(1, 100)
	fz.Fuzz(&payload)
	e, err := New(TypeMessage, 3, payload)
	if err != nil {
		t.Fatal(err)
	}
	p, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(p), 16+2+len(TypeMessage)+4+len(payload); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d, err := Unmarshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.ID, e.ID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Type, TypeMessage; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Sender, int32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !bytes.Equal(d.Payload, payload) {
		t.Error("payload mismatch")
	}
	for _, n := range []int{0, 10, 19} {
		if _, err := Unmarshal(p[:n]); err == nil {
			t.Errorf("%d: expected error", n)
		}
	}
}

func TestMessage(t *testing.T) {
	pool := buffer.NewPool("test", 4, 4)
	h := buffer.NewHeader(2, 9).NumTuples(1).Destination(5).Flags(buffer.FlagLast).Build()
	m, _ := buffer.Encode(pool, h, []byte("0123456789"), false)
	defer m.Release()
	h2, p, err := DecodeMessage(EncodeMessage(m))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := h2, h; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := string(p), "0123456789"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
