// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package packer implements the typed data packers used to serialize
// record keys and values into message payloads, and the framing used
// to lay out records within a payload.
package packer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"reflect"

	"github.com/grailbio/base/errors"
	"google.golang.org/protobuf/proto"
)

// A Packer serializes values of one type to bytes and back.
type Packer interface {
	// Name returns a name for the packed type, used in diagnostics.
	Name() string
	// Pack serializes v. Pack fails with an errors.Invalid error if v
	// is not of the packer's type.
	Pack(v interface{}) ([]byte, error)
	// Unpack deserializes a value produced by Pack. Malformed input
	// fails with an errors.Integrity error.
	Unpack(p []byte) (interface{}, error)
	// Ordered tells whether the byte order of packed values matches
	// the natural order of the values, so that packed keys may be
	// compared with bytes.Compare.
	Ordered() bool
}

func typeError(p Packer, v interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("packer %s: cannot pack value of type %T", p.Name(), v))
}

func sizeError(p Packer, want, got int) error {
	return errors.E(errors.Integrity, fmt.Sprintf("packer %s: expected %d bytes, got %d", p.Name(), want, got))
}

type intPacker struct {
	name  string
	size  int
	value func(v interface{}) (int64, bool)
	make  func(int64) interface{}
}

// Int packs int values.
var Int Packer = intPacker{
	name: "int",
	size: 8,
	value: func(v interface{}) (int64, bool) {
		x, ok := v.(int)
		return int64(x), ok
	},
	make: func(x int64) interface{} { return int(x) },
}

// Int32 packs int32 values.
var Int32 Packer = intPacker{
	name: "int32",
	size: 4,
	value: func(v interface{}) (int64, bool) {
		x, ok := v.(int32)
		return int64(x), ok
	},
	make: func(x int64) interface{} { return int32(x) },
}

// Int64 packs int64 values.
var Int64 Packer = intPacker{
	name: "int64",
	size: 8,
	value: func(v interface{}) (int64, bool) {
		x, ok := v.(int64)
		return x, ok
	},
	make: func(x int64) interface{} { return x },
}

func (p intPacker) Name() string  { return p.name }
func (p intPacker) Ordered() bool { return true }

// Integers are stored big-endian with the sign bit flipped, so that
// the unsigned byte order matches the signed numeric order.
func (p intPacker) Pack(v interface{}) ([]byte, error) {
	x, ok := p.value(v)
	if !ok {
		return nil, typeError(p, v)
	}
	b := make([]byte, p.size)
	switch p.size {
	case 4:
		binary.BigEndian.PutUint32(b, uint32(int32(x))^(1<<31))
	case 8:
		binary.BigEndian.PutUint64(b, uint64(x)^(1<<63))
	}
	return b, nil
}

func (p intPacker) Unpack(b []byte) (interface{}, error) {
	if len(b) != p.size {
		return nil, sizeError(p, p.size, len(b))
	}
	switch p.size {
	case 4:
		return p.make(int64(int32(binary.BigEndian.Uint32(b) ^ (1 << 31)))), nil
	default:
		return p.make(int64(binary.BigEndian.Uint64(b) ^ (1 << 63))), nil
	}
}

type float64Packer struct{}

// Float64 packs float64 values in an order-preserving encoding.
var Float64 Packer = float64Packer{}

func (float64Packer) Name() string  { return "float64" }
func (float64Packer) Ordered() bool { return true }

func (p float64Packer) Pack(v interface{}) ([]byte, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, typeError(p, v)
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b, nil
}

func (p float64Packer) Unpack(b []byte) (interface{}, error) {
	if len(b) != 8 {
		return nil, sizeError(p, 8, len(b))
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

type stringPacker struct{}

// String packs string values.
var String Packer = stringPacker{}

func (stringPacker) Name() string  { return "string" }
func (stringPacker) Ordered() bool { return true }

func (p stringPacker) Pack(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeError(p, v)
	}
	return []byte(s), nil
}

func (stringPacker) Unpack(b []byte) (interface{}, error) { return string(b), nil }

type bytesPacker struct{}

// Bytes packs []byte values.
var Bytes Packer = bytesPacker{}

func (bytesPacker) Name() string  { return "bytes" }
func (bytesPacker) Ordered() bool { return true }

func (p bytesPacker) Pack(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, typeError(p, v)
	}
	return b, nil
}

func (bytesPacker) Unpack(b []byte) (interface{}, error) {
	return append([]byte(nil), b...), nil
}

type gobPacker struct {
	typ reflect.Type
}

// Gob returns a packer that gob-encodes values of the same type as
// proto.
func Gob(proto interface{}) Packer {
	return gobPacker{reflect.TypeOf(proto)}
}

func (p gobPacker) Name() string  { return "gob:" + p.typ.String() }
func (p gobPacker) Ordered() bool { return false }

func (p gobPacker) Pack(v interface{}) ([]byte, error) {
	if reflect.TypeOf(v) != p.typ {
		return nil, typeError(p, v)
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, errors.E(errors.Invalid, "packer "+p.Name(), err)
	}
	return b.Bytes(), nil
}

func (p gobPacker) Unpack(b []byte) (interface{}, error) {
	ptr := reflect.New(p.typ)
	if err := gob.NewDecoder(bytes.NewReader(b)).DecodeValue(ptr); err != nil {
		return nil, errors.E(errors.Integrity, "packer "+p.Name(), err)
	}
	return ptr.Elem().Interface(), nil
}

type protoPacker struct {
	new  func() proto.Message
	name string
}

// Proto returns a packer for protocol buffer messages. New must
// return a fresh, empty message of the packed type.
func Proto(new func() proto.Message) Packer {
	return protoPacker{new, string(proto.MessageName(new()))}
}

func (p protoPacker) Name() string  { return "proto:" + p.name }
func (p protoPacker) Ordered() bool { return false }

func (p protoPacker) Pack(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok || string(proto.MessageName(m)) != p.name {
		return nil, typeError(p, v)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, errors.E(errors.Invalid, "packer "+p.Name(), err)
	}
	return b, nil
}

func (p protoPacker) Unpack(b []byte) (interface{}, error) {
	m := p.new()
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, errors.E(errors.Integrity, "packer "+p.Name(), err)
	}
	return m, nil
}
