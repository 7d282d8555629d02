// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packer

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Raw is a packed record: a packed key (nil for unkeyed records)
// and a packed value.
type Raw struct {
	Key, Value []byte
}

// Size returns the number of bytes the record occupies when framed.
func (r Raw) Size(keyed bool) int {
	n := uvarintLen(len(r.Value)) + len(r.Value)
	if keyed {
		n += uvarintLen(len(r.Key)) + len(r.Key)
	}
	return n
}

func uvarintLen(n int) int {
	var b [binary.MaxVarintLen64]byte
	return binary.PutUvarint(b[:], uint64(n))
}

// AppendRecord appends a framed record to dst. Keyed records are laid
// out as [uvarint key length][key][uvarint value length][value];
// unkeyed records omit the key.
func AppendRecord(dst, key, value []byte, keyed bool) []byte {
	if keyed {
		dst = appendBytes(dst, key)
	}
	return appendBytes(dst, value)
}

func appendBytes(dst, p []byte) []byte {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], uint64(len(p)))
	dst = append(dst, b[:n]...)
	return append(dst, p...)
}

func readBytes(p []byte) (field, rest []byte, err error) {
	n, m := binary.Uvarint(p)
	if m <= 0 {
		return nil, nil, errors.E(errors.Integrity, "corrupt record length")
	}
	p = p[m:]
	if uint64(len(p)) < n {
		return nil, nil, errors.E(errors.Integrity,
			fmt.Sprintf("truncated record: need %d bytes, have %d", n, len(p)))
	}
	return p[:n:n], p[n:], nil
}

// ReadRecord reads one framed record from the start of p, returning
// the record and the remainder of p. The returned record aliases p.
func ReadRecord(p []byte, keyed bool) (r Raw, rest []byte, err error) {
	if keyed {
		if r.Key, p, err = readBytes(p); err != nil {
			return
		}
	}
	r.Value, rest, err = readBytes(p)
	return
}

// ReadRecords reads every framed record in payload. The returned
// records alias payload.
func ReadRecords(payload []byte, keyed bool) ([]Raw, error) {
	var recs []Raw
	for len(payload) > 0 {
		r, rest, err := ReadRecord(payload, keyed)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
		payload = rest
	}
	return recs, nil
}

// EncodeTuples frames a list of records into a single value, so that
// a gathered list can travel as one record.
func EncodeTuples(recs []Raw, keyed bool) []byte {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], uint64(len(recs)))
	p := append([]byte(nil), b[:n]...)
	for _, r := range recs {
		p = AppendRecord(p, r.Key, r.Value, keyed)
	}
	return p
}

// DecodeTuples decodes a list produced by EncodeTuples.
func DecodeTuples(p []byte, keyed bool) ([]Raw, error) {
	count, m := binary.Uvarint(p)
	if m <= 0 {
		return nil, errors.E(errors.Integrity, "corrupt tuple list")
	}
	recs, err := ReadRecords(p[m:], keyed)
	if err != nil {
		return nil, err
	}
	if uint64(len(recs)) != count {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("tuple list: expected %d records, got %d", count, len(recs)))
	}
	return recs, nil
}
