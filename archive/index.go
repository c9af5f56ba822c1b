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
	indexHeaderLen = 4 + 4 + 8
	// IndexEntryLen is the nominal index entry size. Readers skip trailing
	// bytes of larger entries and reject smaller ones.
	IndexEntryLen = 8 + 8 + 8 + 4
)

// IndexEntry locates one block.
type IndexEntry struct {
	// Offset is the absolute file offset of the block header.
	Offset uint64
	// CompressedSize is the block payload size, excluding the header.
	CompressedSize uint64
	// ArchiveIDStart is the archive id of the block's first read.
	ArchiveIDStart uint64
	// ReadCount is the number of reads in the block.
	ReadCount uint32
}

// ArchiveIDEnd returns one past the block's last archive id.
func (e IndexEntry) ArchiveIDEnd() uint64 {
	return e.ArchiveIDStart + uint64(e.ReadCount)
}

// EncodeIndex appends the block index section to buf.
func EncodeIndex(buf []byte, entries []IndexEntry) []byte {
	size := indexHeaderLen + len(entries)*IndexEntryLen
	buf = append(buf, make([]byte, size)...)
	b := buf[len(buf)-size:]
	binary.LittleEndian.PutUint32(b[0:], indexHeaderLen)
	binary.LittleEndian.PutUint32(b[4:], IndexEntryLen)
	binary.LittleEndian.PutUint64(b[8:], uint64(len(entries)))
	off := indexHeaderLen
	for _, e := range entries {
		binary.LittleEndian.PutUint64(b[off:], e.Offset)
		binary.LittleEndian.PutUint64(b[off+8:], e.CompressedSize)
		binary.LittleEndian.PutUint64(b[off+16:], e.ArchiveIDStart)
		binary.LittleEndian.PutUint32(b[off+24:], e.ReadCount)
		off += IndexEntryLen
	}
	return buf
}

// DecodeIndex parses a block index. Entries larger than IndexEntryLen have
// their trailing bytes skipped; smaller entries are a format error.
func DecodeIndex(b []byte) ([]IndexEntry, error) {
	if len(b) < indexHeaderLen {
		return nil, base.FormatErrorf("block index truncated: %d bytes", errors.Safe(len(b)))
	}
	hdrSize := int(binary.LittleEndian.Uint32(b[0:]))
	entrySize := int(binary.LittleEndian.Uint32(b[4:]))
	numBlocks := binary.LittleEndian.Uint64(b[8:])
	if hdrSize < indexHeaderLen {
		return nil, base.FormatErrorf("block index header size %d below minimum", errors.Safe(hdrSize))
	}
	if entrySize < IndexEntryLen {
		return nil, base.FormatErrorf("block index entry size %d below minimum %d",
			errors.Safe(entrySize), errors.Safe(IndexEntryLen))
	}
	need := uint64(hdrSize) + numBlocks*uint64(entrySize)
	if uint64(len(b)) < need {
		return nil, base.FormatErrorf("block index truncated: have %d bytes, need %d",
			errors.Safe(len(b)), errors.Safe(need))
	}
	entries := make([]IndexEntry, numBlocks)
	off := hdrSize
	for i := range entries {
		entries[i] = IndexEntry{
			Offset:         binary.LittleEndian.Uint64(b[off:]),
			CompressedSize: binary.LittleEndian.Uint64(b[off+8:]),
			ArchiveIDStart: binary.LittleEndian.Uint64(b[off+16:]),
			ReadCount:      binary.LittleEndian.Uint32(b[off+24:]),
		}
		off += entrySize
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ArchiveIDStart != entries[i-1].ArchiveIDEnd() {
			return nil, base.FormatErrorf("block index: archive ids discontinuous at block %d", errors.Safe(i))
		}
	}
	return entries, nil
}

// FindBlock returns the index of the block containing archive id, or -1.
func FindBlock(entries []IndexEntry, archiveID uint64) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].ArchiveIDEnd() <= archiveID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && entries[lo].ArchiveIDStart <= archiveID {
		return lo
	}
	return -1
}
