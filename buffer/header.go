// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Flag is a bit in a message header's flag field.
type Flag int32

const (
	// FlagSyncEmpty marks a message that carries no payload and
	// signals that its source has no more data for its destination.
	FlagSyncEmpty Flag = 1 << iota
	// FlagLast may be set by users on the last record sent by a
	// source. It is carried to receivers but does not affect
	// completion.
	FlagLast

	// FlagUser is the first bit available to user code. All bits at
	// and above FlagUser are passed through unchanged.
	FlagUser Flag = 1 << 8
)

// Has tells whether all bits in g are set in f.
func (f Flag) Has(g Flag) bool { return f&g == g }

// String returns a readable rendering of the flag set.
func (f Flag) String() string {
	var names []string
	if f.Has(FlagSyncEmpty) {
		names = append(names, "SYNC_EMPTY")
	}
	if f.Has(FlagLast) {
		names = append(names, "LAST")
	}
	if user := f &^ (FlagUser - 1); user != 0 {
		names = append(names, fmt.Sprintf("user(%#x)", int32(user)))
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// HeaderSize is the encoded size of a Header.
const HeaderSize = 20

// A Header describes a message. Headers are immutable once built.
type Header struct {
	source      int32
	edge        int32
	numTuples   int32
	destination int32
	flags       Flag
}

// Source returns the logical id of the task that originated the
// message.
func (h Header) Source() int { return int(h.source) }

// Edge returns the identifier of the operation the message belongs to.
func (h Header) Edge() int { return int(h.edge) }

// NumTuples returns the number of records in the message payload.
func (h Header) NumTuples() int { return int(h.numTuples) }

// Destination returns the logical id of the target, or a negative
// value for fan-out messages.
func (h Header) Destination() int { return int(h.destination) }

// Flags returns the header's flag set.
func (h Header) Flags() Flag { return h.flags }

// IsSync tells whether the message is a completion signal.
func (h Header) IsSync() bool { return h.flags.Has(FlagSyncEmpty) }

func (h Header) String() string {
	return fmt.Sprintf("header{src:%d edge:%d n:%d dst:%d flags:%s}",
		h.source, h.edge, h.numTuples, h.destination, h.flags)
}

// MarshalBinary encodes the header in its 20-byte big-endian wire
// layout: source, edge, number of tuples, destination, flags.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize)), nil
}

// AppendBinary appends the header's wire encoding to p.
func (h Header) AppendBinary(p []byte) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[0:], uint32(h.source))
	binary.BigEndian.PutUint32(b[4:], uint32(h.edge))
	binary.BigEndian.PutUint32(b[8:], uint32(h.numTuples))
	binary.BigEndian.PutUint32(b[12:], uint32(h.destination))
	binary.BigEndian.PutUint32(b[16:], uint32(h.flags))
	return append(p, b[:]...)
}

// UnmarshalHeader decodes a header from the start of p.
func UnmarshalHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("short header: %d bytes", len(p)))
	}
	return Header{
		source:      int32(binary.BigEndian.Uint32(p[0:])),
		edge:        int32(binary.BigEndian.Uint32(p[4:])),
		numTuples:   int32(binary.BigEndian.Uint32(p[8:])),
		destination: int32(binary.BigEndian.Uint32(p[12:])),
		flags:       Flag(binary.BigEndian.Uint32(p[16:])),
	}, nil
}

// A HeaderBuilder builds Headers.
type HeaderBuilder struct {
	h Header
}

// NewHeader returns a builder for a header from the given source on
// the given edge.
func NewHeader(source, edge int) *HeaderBuilder {
	return &HeaderBuilder{h: Header{source: int32(source), edge: int32(edge)}}
}

// NumTuples sets the number of records.
func (b *HeaderBuilder) NumTuples(n int) *HeaderBuilder {
	b.h.numTuples = int32(n)
	return b
}

// Destination sets the destination.
func (b *HeaderBuilder) Destination(dest int) *HeaderBuilder {
	b.h.destination = int32(dest)
	return b
}

// Flags sets the flag field.
func (b *HeaderBuilder) Flags(f Flag) *HeaderBuilder {
	b.h.flags = f
	return b
}

// Build returns the header.
func (b *HeaderBuilder) Build() Header {
	return b.h
}
