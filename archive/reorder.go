// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

const (
	reorderHeaderLen = 4 + 4 + 8 + 8 + 8
	reorderVersion   = 1
)

// ReorderMap is a pair of inverse permutations between original input order
// and archive order. Either side may be nil; when both are present they
// must be exact inverses.
type ReorderMap struct {
	// Forward maps original id -> archive id.
	Forward []uint64
	// Reverse maps archive id -> original id.
	Reverse []uint64
}

// Invert builds the inverse of a permutation.
func Invert(perm []uint64) []uint64 {
	inv := make([]uint64, len(perm))
	for i, v := range perm {
		inv[v] = uint64(i)
	}
	return inv
}

// encodePerm writes perm[0] as a raw unsigned varint, then the zigzag of
// each successive delta.
func encodePerm(buf []byte, perm []uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	prev := uint64(0)
	for i, v := range perm {
		var u uint64
		if i == 0 {
			u = v
		} else {
			u = zigzag(int64(v) - int64(prev))
		}
		n := binary.PutUvarint(tmp[:], u)
		buf = append(buf, tmp[:n]...)
		prev = v
	}
	return buf
}

func decodePerm(b []byte, n uint64) ([]uint64, error) {
	perm := make([]uint64, n)
	prev := int64(0)
	for i := range perm {
		u, m := binary.Uvarint(b)
		if m <= 0 {
			return nil, base.FormatErrorf("reorder map truncated at entry %d", errors.Safe(i))
		}
		b = b[m:]
		var v int64
		if i == 0 {
			v = int64(u)
		} else {
			v = prev + unzigzag(u)
		}
		if v < 0 || uint64(v) >= n {
			return nil, base.FormatErrorf("reorder map entry %d out of range", errors.Safe(i))
		}
		perm[i] = uint64(v)
		prev = v
	}
	if len(b) != 0 {
		return nil, base.FormatErrorf("reorder map has %d trailing bytes", errors.Safe(len(b)))
	}
	return perm, nil
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

// Encode appends the reorder-map section to buf.
func (m *ReorderMap) Encode(buf []byte) []byte {
	fwd := encodePerm(nil, m.Forward)
	rev := encodePerm(nil, m.Reverse)
	buf = append(buf, make([]byte, reorderHeaderLen)...)
	b := buf[len(buf)-reorderHeaderLen:]
	binary.LittleEndian.PutUint32(b[0:], reorderHeaderLen)
	binary.LittleEndian.PutUint32(b[4:], reorderVersion)
	n := uint64(len(m.Forward))
	if n == 0 {
		n = uint64(len(m.Reverse))
	}
	binary.LittleEndian.PutUint64(b[8:], n)
	binary.LittleEndian.PutUint64(b[16:], uint64(len(fwd)))
	binary.LittleEndian.PutUint64(b[24:], uint64(len(rev)))
	buf = append(buf, fwd...)
	return append(buf, rev...)
}

// DecodeReorderMap parses a reorder-map section and validates that the two
// maps, when both present, are exact inverses.
func DecodeReorderMap(b []byte) (ReorderMap, error) {
	var m ReorderMap
	if len(b) < reorderHeaderLen {
		return m, base.FormatErrorf("reorder map truncated: %d bytes", errors.Safe(len(b)))
	}
	hdrSize := int(binary.LittleEndian.Uint32(b[0:]))
	if hdrSize < reorderHeaderLen || hdrSize > len(b) {
		return m, base.FormatErrorf("invalid reorder map header size %d", errors.Safe(hdrSize))
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != reorderVersion {
		return m, base.FormatErrorf("unknown reorder map version %d", errors.Safe(v))
	}
	total := binary.LittleEndian.Uint64(b[8:])
	fwdSize := binary.LittleEndian.Uint64(b[16:])
	revSize := binary.LittleEndian.Uint64(b[24:])
	body := b[hdrSize:]
	if uint64(len(body)) < fwdSize+revSize {
		return m, base.FormatErrorf("reorder map body truncated")
	}
	var err error
	if fwdSize > 0 {
		if m.Forward, err = decodePerm(body[:fwdSize], total); err != nil {
			return m, err
		}
	}
	if revSize > 0 {
		if m.Reverse, err = decodePerm(body[fwdSize:fwdSize+revSize], total); err != nil {
			return m, err
		}
	}
	if m.Forward != nil && m.Reverse != nil {
		for i, v := range m.Forward {
			if m.Reverse[v] != uint64(i) {
				return m, base.FormatErrorf("reorder maps are not inverses at original id %d", errors.Safe(i))
			}
		}
	}
	return m, nil
}
