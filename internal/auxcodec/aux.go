// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package auxcodec encodes the auxiliary stream: per-read lengths as
// zigzag-varint deltas behind the general-purpose back-end. Blocks whose
// reads share one length carry no aux stream at all; the shared length
// lives in the block header.
package auxcodec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/backend"
	"github.com/fqzip/fqzip/internal/base"
)

// Encode returns the uniform read length (0 when lengths vary), the
// logical stream bytes (the varint-delta encoding, empty when uniform),
// and the back-end-compressed payload.
func Encode(lengths []uint32, level int) (uniform uint32, logical, payload []byte, err error) {
	if len(lengths) == 0 {
		return 0, nil, nil, nil
	}
	uniform = lengths[0]
	for _, l := range lengths {
		if l == 0 {
			return 0, nil, nil, base.CodecErrorf("zero-length read")
		}
		if l != uniform {
			uniform = 0
			break
		}
	}
	if uniform != 0 {
		return uniform, nil, nil, nil
	}
	var tmp [binary.MaxVarintLen64]byte
	logical = make([]byte, 0, len(lengths)*2)
	prev := int64(0)
	for _, l := range lengths {
		delta := int64(l) - prev
		n := binary.PutUvarint(tmp[:], zigzag(delta))
		logical = append(logical, tmp[:n]...)
		prev = int64(l)
	}
	payload, err = backend.ZstdCompress(logical, level)
	if err != nil {
		return 0, nil, nil, err
	}
	return 0, logical, payload, nil
}

// Decode reverses Encode for a variable-length block. It returns the
// lengths and the logical stream bytes, and verifies the reconstructed
// count equals count.
func Decode(payload []byte, count int) (lengths []uint32, logical []byte, err error) {
	logical, err = backend.ZstdDecompress(payload)
	if err != nil {
		return nil, nil, err
	}
	lengths = make([]uint32, 0, count)
	b := logical
	prev := int64(0)
	for len(b) > 0 {
		u, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, nil, base.FormatErrorf("aux stream: malformed varint at entry %d", errors.Safe(len(lengths)))
		}
		b = b[n:]
		v := prev + unzigzag(u)
		if v <= 0 || v > 1<<31 {
			return nil, nil, base.FormatErrorf("aux stream: read length %d out of range", errors.Safe(v))
		}
		lengths = append(lengths, uint32(v))
		prev = v
	}
	if len(lengths) != count {
		return nil, nil, base.FormatErrorf("aux stream: decoded %d lengths, block has %d reads",
			errors.Safe(len(lengths)), errors.Safe(count))
	}
	return lengths, logical, nil
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
