// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

// BlockHeaderLen is the exact on-disk size of a block header.
const BlockHeaderLen = 104

// Stream indices into BlockHeader.Streams, in payload order.
const (
	StreamIDs = iota
	StreamSeq
	StreamQual
	StreamAux
	NumStreams
)

// StreamExtent locates one compressed stream within a block payload.
type StreamExtent struct {
	Offset uint64 // relative to the payload start
	Size   uint64
}

// BlockHeader precedes each block payload.
type BlockHeader struct {
	BlockID      uint32
	ChecksumType uint8
	Codecs       [NumStreams]CodecTag
	// Checksum is an xxHash64 over the uncompressed logical streams,
	// ids || seq || qual || aux.
	Checksum uint64
	// UncompressedCount is the number of reads in the block.
	UncompressedCount uint32
	// UniformReadLength is the shared read length, or 0 when lengths vary
	// and the aux stream carries them.
	UniformReadLength uint32
	// CompressedSize is the total payload length following the header.
	CompressedSize uint64
	Streams        [NumStreams]StreamExtent
}

// Encode appends the 104-byte header to buf.
func (h *BlockHeader) Encode(buf []byte) []byte {
	buf = append(buf, make([]byte, BlockHeaderLen)...)
	b := buf[len(buf)-BlockHeaderLen:]
	binary.LittleEndian.PutUint32(b[0:], BlockHeaderLen)
	binary.LittleEndian.PutUint32(b[4:], h.BlockID)
	b[8] = h.ChecksumType
	for i, tag := range h.Codecs {
		b[9+i] = uint8(tag)
	}
	b[13] = 0                               // reserved1
	binary.LittleEndian.PutUint16(b[14:], 0) // reserved2
	binary.LittleEndian.PutUint64(b[16:], h.Checksum)
	binary.LittleEndian.PutUint32(b[24:], h.UncompressedCount)
	binary.LittleEndian.PutUint32(b[28:], h.UniformReadLength)
	binary.LittleEndian.PutUint64(b[32:], h.CompressedSize)
	off := 40
	for _, s := range h.Streams {
		binary.LittleEndian.PutUint64(b[off:], s.Offset)
		binary.LittleEndian.PutUint64(b[off+8:], s.Size)
		off += 16
	}
	return buf
}

// DecodeBlockHeader parses and validates a block header.
func DecodeBlockHeader(b []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(b) < BlockHeaderLen {
		return h, base.FormatErrorf("block header truncated: %d bytes", errors.Safe(len(b)))
	}
	if size := binary.LittleEndian.Uint32(b[0:]); size != BlockHeaderLen {
		return h, base.FormatErrorf("block header size %d, want %d", errors.Safe(size), errors.Safe(BlockHeaderLen))
	}
	h.BlockID = binary.LittleEndian.Uint32(b[4:])
	h.ChecksumType = b[8]
	if h.ChecksumType != ChecksumXXHash64 {
		return h, base.FormatErrorf("block %d: unknown checksum algorithm %d",
			errors.Safe(h.BlockID), errors.Safe(h.ChecksumType))
	}
	for i := range h.Codecs {
		h.Codecs[i] = CodecTag(b[9+i])
		if !h.Codecs[i].Valid() {
			return h, errors.Mark(
				base.FormatErrorf("block %d: unknown codec family %d",
					errors.Safe(h.BlockID), errors.Safe(uint8(h.Codecs[i].Family()))),
				base.ErrUnsupported)
		}
	}
	if b[13] != 0 || binary.LittleEndian.Uint16(b[14:]) != 0 {
		return h, base.FormatErrorf("block %d: reserved bits non-zero", errors.Safe(h.BlockID))
	}
	h.Checksum = binary.LittleEndian.Uint64(b[16:])
	h.UncompressedCount = binary.LittleEndian.Uint32(b[24:])
	h.UniformReadLength = binary.LittleEndian.Uint32(b[28:])
	h.CompressedSize = binary.LittleEndian.Uint64(b[32:])
	off := 40
	for i := range h.Streams {
		h.Streams[i].Offset = binary.LittleEndian.Uint64(b[off:])
		h.Streams[i].Size = binary.LittleEndian.Uint64(b[off+8:])
		off += 16
	}
	if h.UniformReadLength == 0 && h.Streams[StreamAux].Size == 0 && h.UncompressedCount > 0 {
		return h, base.FormatErrorf("block %d: variable-length block with empty aux stream", errors.Safe(h.BlockID))
	}
	var total uint64
	for i, s := range h.Streams {
		if s.Offset != total {
			return h, base.FormatErrorf("block %d: stream %d offset %d, want %d",
				errors.Safe(h.BlockID), errors.Safe(i), errors.Safe(s.Offset), errors.Safe(total))
		}
		total += s.Size
	}
	if total != h.CompressedSize {
		return h, base.FormatErrorf("block %d: stream sizes sum to %d, header says %d",
			errors.Safe(h.BlockID), errors.Safe(total), errors.Safe(h.CompressedSize))
	}
	return h, nil
}

// BlockChecksum computes the block checksum over the uncompressed logical
// streams in ids || seq || qual || aux order.
func BlockChecksum(ids, seq, qual, aux []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(ids)
	_, _ = d.Write(seq)
	_, _ = d.Write(qual)
	_, _ = d.Write(aux)
	return d.Sum64()
}
