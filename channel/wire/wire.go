// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the transport-agnostic envelope in which
// messages travel between worker processes. An envelope is laid out
// as:
//
//	[16-byte correlation id][uint16 type length][type][int32 sender][payload]
//
// All integers are big-endian.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
)

// TypeMessage is the envelope type of collective messages. Its
// payload is an encoded buffer.Header followed by the message bytes.
const TypeMessage = "msg"

// An Envelope is a framed transport message.
type Envelope struct {
	ID      uuid.UUID
	Type    string
	Sender  int32
	Payload []byte
}

// New returns an envelope with a fresh correlation id.
func New(typ string, sender int, payload []byte) (Envelope, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Envelope{}, errors.E(errors.Unavailable, "wire: correlation id", err)
	}
	return Envelope{ID: id, Type: typ, Sender: int32(sender), Payload: payload}, nil
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	if len(e.Type) > 1<<16-1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("wire: type name of %d bytes is too long", len(e.Type)))
	}
	p := make([]byte, 0, uuid.Size+2+len(e.Type)+4+len(e.Payload))
	p = append(p, e.ID.Bytes()...)
	var b [4]byte
	binary.BigEndian.PutUint16(b[:2], uint16(len(e.Type)))
	p = append(p, b[:2]...)
	p = append(p, e.Type...)
	binary.BigEndian.PutUint32(b[:], uint32(e.Sender))
	p = append(p, b[:]...)
	return append(p, e.Payload...), nil
}

// Unmarshal decodes an envelope. The returned payload aliases p.
func Unmarshal(p []byte) (Envelope, error) {
	var e Envelope
	if len(p) < uuid.Size+2 {
		return e, errors.E(errors.Integrity, "wire: short envelope")
	}
	id, err := uuid.FromBytes(p[:uuid.Size])
	if err != nil {
		return e, errors.E(errors.Integrity, "wire: bad correlation id", err)
	}
	e.ID = id
	p = p[uuid.Size:]
	n := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if len(p) < n+4 {
		return e, errors.E(errors.Integrity, "wire: truncated envelope")
	}
	e.Type = string(p[:n])
	e.Sender = int32(binary.BigEndian.Uint32(p[n:]))
	e.Payload = p[n+4:]
	return e, nil
}

// EncodeMessage returns the envelope payload of a collective message.
func EncodeMessage(m *buffer.Message) []byte {
	p := make([]byte, 0, buffer.HeaderSize+m.Len())
	p = m.Header().AppendBinary(p)
	for _, b := range m.Buffers() {
		p = append(p, b.Bytes()...)
	}
	return p
}

// DecodeMessage splits an envelope payload produced by EncodeMessage
// into its header and message bytes.
func DecodeMessage(p []byte) (buffer.Header, []byte, error) {
	h, err := buffer.UnmarshalHeader(p)
	if err != nil {
		return h, nil, err
	}
	return h, p[buffer.HeaderSize:], nil
}
