// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

// Reader provides random access to a finished archive. It loads the
// footer, block index, and reorder map eagerly; block payloads are fetched
// on demand. Methods that fetch blocks may be called concurrently.
type Reader struct {
	f    *os.File
	size int64

	VersionMajor uint8
	VersionMinor uint8
	Header       GlobalHeader
	Footer       Footer
	Index        []IndexEntry
	Reorder      *ReorderMap
}

// Open opens an archive and validates its framing: magic, global header,
// footer sentinel, block index, and reorder map when present. The global
// checksum is not validated here; see VerifyGlobalChecksum.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, base.MarkIO(errors.Wrapf(err, "opening %s", path))
	}
	r := &Reader{f: f}
	if err := r.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	st, err := r.f.Stat()
	if err != nil {
		return base.MarkIO(err)
	}
	r.size = st.Size()
	if r.size < MagicLen+FooterLen {
		return base.FormatErrorf("file size %d below minimum archive size", errors.Safe(r.size))
	}

	var magicBuf [MagicLen]byte
	if _, err := r.f.ReadAt(magicBuf[:], 0); err != nil {
		return base.MarkIO(err)
	}
	if r.VersionMajor, r.VersionMinor, err = DecodeMagic(magicBuf[:]); err != nil {
		return err
	}

	var footBuf [FooterLen]byte
	if _, err := r.f.ReadAt(footBuf[:], r.size-FooterLen); err != nil {
		return base.MarkIO(err)
	}
	if r.Footer, err = DecodeFooter(footBuf[:]); err != nil {
		return err
	}

	// Global header: read its size prefix, then the whole header.
	var sizeBuf [4]byte
	if _, err := r.f.ReadAt(sizeBuf[:], MagicLen); err != nil {
		return base.MarkIO(err)
	}
	hdrSize := int64(uint32(sizeBuf[0]) | uint32(sizeBuf[1])<<8 | uint32(sizeBuf[2])<<16 | uint32(sizeBuf[3])<<24)
	if hdrSize <= 0 || MagicLen+hdrSize > r.size-FooterLen {
		return base.FormatErrorf("invalid global header size %d", errors.Safe(hdrSize))
	}
	hdrBuf := make([]byte, hdrSize)
	if _, err := r.f.ReadAt(hdrBuf, MagicLen); err != nil {
		return base.MarkIO(err)
	}
	if r.Header, _, err = DecodeGlobalHeader(hdrBuf); err != nil {
		return err
	}

	footerStart := uint64(r.size - FooterLen)
	if r.Footer.IndexOffset >= footerStart {
		return base.FormatErrorf("index offset %d beyond footer", errors.Safe(r.Footer.IndexOffset))
	}
	idxBuf := make([]byte, footerStart-r.Footer.IndexOffset)
	if _, err := r.f.ReadAt(idxBuf, int64(r.Footer.IndexOffset)); err != nil {
		return base.MarkIO(err)
	}
	if r.Index, err = DecodeIndex(idxBuf); err != nil {
		return err
	}

	var total uint64
	for _, e := range r.Index {
		total += uint64(e.ReadCount)
	}
	if total != r.Header.TotalReadCount {
		return base.FormatErrorf("index read count %d, global header says %d",
			errors.Safe(total), errors.Safe(r.Header.TotalReadCount))
	}

	if r.Header.Flags.HasReorderMap() != (r.Footer.ReorderMapOffset != 0) {
		return base.FormatErrorf("reorder-map flag and footer offset disagree")
	}
	if r.Footer.ReorderMapOffset != 0 {
		if r.Footer.ReorderMapOffset >= r.Footer.IndexOffset {
			return base.FormatErrorf("reorder map offset %d beyond index", errors.Safe(r.Footer.ReorderMapOffset))
		}
		mapBuf := make([]byte, r.Footer.IndexOffset-r.Footer.ReorderMapOffset)
		if _, err := r.f.ReadAt(mapBuf, int64(r.Footer.ReorderMapOffset)); err != nil {
			return base.MarkIO(err)
		}
		m, err := DecodeReorderMap(mapBuf)
		if err != nil {
			return err
		}
		r.Reorder = &m
	}
	return nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return base.MarkIO(r.f.Close())
}

// NumBlocks returns the number of blocks in the archive.
func (r *Reader) NumBlocks() int { return len(r.Index) }

// TotalReads returns the archive's total read count.
func (r *Reader) TotalReads() uint64 { return r.Header.TotalReadCount }

// ReadBlock fetches block i's header and compressed payload.
func (r *Reader) ReadBlock(i int) (BlockHeader, []byte, error) {
	if i < 0 || i >= len(r.Index) {
		return BlockHeader{}, nil, errors.AssertionFailedf("block %d out of range", i)
	}
	e := r.Index[i]
	buf := make([]byte, BlockHeaderLen+int(e.CompressedSize))
	if _, err := r.f.ReadAt(buf, int64(e.Offset)); err != nil {
		return BlockHeader{}, nil, base.MarkIO(errors.Wrapf(err, "reading block %d", i))
	}
	hdr, err := DecodeBlockHeader(buf[:BlockHeaderLen])
	if err != nil {
		return BlockHeader{}, nil, err
	}
	if hdr.CompressedSize != e.CompressedSize {
		return BlockHeader{}, nil, base.FormatErrorf("block %d: header payload size %d, index says %d",
			errors.Safe(i), errors.Safe(hdr.CompressedSize), errors.Safe(e.CompressedSize))
	}
	return hdr, buf[BlockHeaderLen:], nil
}

// ReadBlockHeader fetches only block i's header.
func (r *Reader) ReadBlockHeader(i int) (BlockHeader, error) {
	if i < 0 || i >= len(r.Index) {
		return BlockHeader{}, errors.AssertionFailedf("block %d out of range", i)
	}
	var buf [BlockHeaderLen]byte
	if _, err := r.f.ReadAt(buf[:], int64(r.Index[i].Offset)); err != nil {
		return BlockHeader{}, base.MarkIO(errors.Wrapf(err, "reading block %d header", i))
	}
	return DecodeBlockHeader(buf[:])
}

// BlocksForRange returns the half-open range of block indices whose
// archive ids intersect [start, end). Blocks outside the range are never
// touched by a range decompression.
func (r *Reader) BlocksForRange(start, end uint64) (lo, hi int) {
	lo = len(r.Index)
	for i, e := range r.Index {
		if e.ArchiveIDEnd() > start {
			lo = i
			break
		}
	}
	hi = lo
	for hi < len(r.Index) && r.Index[hi].ArchiveIDStart < end {
		hi++
	}
	return lo, hi
}

// VerifyGlobalChecksum streams the file prefix preceding the footer
// through xxHash64 and compares it against the footer's checksum.
func (r *Reader) VerifyGlobalChecksum() error {
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(r.f, 0, r.size-FooterLen)); err != nil {
		return base.MarkIO(err)
	}
	if sum := d.Sum64(); sum != r.Footer.GlobalChecksum {
		return base.ChecksumErrorf("global checksum mismatch: computed %x, footer has %x",
			errors.Safe(sum), errors.Safe(r.Footer.GlobalChecksum))
	}
	return nil
}
