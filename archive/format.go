// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package archive implements readers and writers of fqc archives.
//
// An archive is created for writing or opened for reading but not both. A
// Reader can be used concurrently: multiple goroutines may fetch different
// blocks at the same time. A Writer accepts blocks in strictly ascending
// block-id order and cannot be used concurrently.
package archive // import "github.com/fqzip/fqzip/archive"

/*
The archive file format looks like:

<start_of_file>
[magic header]       9 bytes
[global header]      >= 34 bytes, self-sizing
[block 0]
[block 1]
...
[block N-1]
[reorder map]        optional
[block index]
[footer]             32 bytes
<end_of_file>

A Reader loads the footer first (seek to end-32, validate the sentinel),
then the block index and, if present, the reorder map, because the data in
those sections is needed before any block can be addressed. Blocks are
independently decodable: every codec resets its model state at block
boundaries, so random access by archive-id range touches only the blocks
whose id ranges intersect the query.

Each block is a fixed 104-byte header followed by four compressed streams
(ids, sequence, quality, auxiliary) laid out contiguously; the header holds
per-stream offsets and sizes relative to the payload start, plus an
xxHash64 over the uncompressed logical streams. The writer maintains a
second, running xxHash64 over every byte written before the footer; the
footer records it as the global checksum.

All integers are little-endian. All checksums are xxHash64 with seed 0.
*/

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

// Magic is the eight identifying bytes opening every fqc archive. The
// 0x89 prefix and CR LF SUB LF suffix follow the PNG convention: they
// catch 7-bit strippers and DOS/Unix newline translation.
var Magic = [8]byte{0x89, 'F', 'Q', 'C', 0x0D, 0x0A, 0x1A, 0x0A}

// MagicLen is the magic header length: the magic bytes plus one version
// byte packed (major<<4)|minor.
const MagicLen = 9

// Current format version.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Checksum algorithm identifiers.
const (
	ChecksumNone     uint8 = 0
	ChecksumXXHash64 uint8 = 1
)

// CodecFamily identifies a per-stream compression algorithm family. The
// family occupies the high nibble of a codec tag; the low nibble is the
// family-specific version.
type CodecFamily uint8

const (
	// CodecRaw stores bytes verbatim; paired with size 0 it means the
	// stream was discarded.
	CodecRaw CodecFamily = 0
	// CodecABC is the assembly-based sequence codec for short reads.
	CodecABC CodecFamily = 1
	// CodecSCM is the order-2 statistical context-mix quality codec.
	CodecSCM CodecFamily = 2
	// CodecDeltaLZMA is tokenised+delta identifiers over an LZMA back-end.
	CodecDeltaLZMA CodecFamily = 3
	// CodecDeltaZstd is tokenised+delta identifiers over a zstd back-end.
	CodecDeltaZstd CodecFamily = 4
	// CodecZstdPlain is length-prefixed sequence concatenation over zstd,
	// used for medium and long reads.
	CodecZstdPlain CodecFamily = 5
	// CodecDeltaVarint is zigzag-varint integer deltas (aux lengths).
	CodecDeltaVarint CodecFamily = 6
	// CodecSCMOrder1 is the order-1 quality context mix.
	CodecSCMOrder1 CodecFamily = 7

	numCodecFamilies = 8
)

// String implements fmt.Stringer.
func (f CodecFamily) String() string {
	switch f {
	case CodecRaw:
		return "RAW"
	case CodecABC:
		return "ABC_V1"
	case CodecSCM:
		return "SCM_V1"
	case CodecDeltaLZMA:
		return "DELTA_LZMA"
	case CodecDeltaZstd:
		return "DELTA_ZSTD"
	case CodecZstdPlain:
		return "ZSTD_PLAIN"
	case CodecDeltaVarint:
		return "DELTA_VARINT"
	case CodecSCMOrder1:
		return "SCM_ORDER1"
	default:
		return "UNKNOWN"
	}
}

// CodecTag packs a family and version into one byte.
type CodecTag uint8

// MakeCodecTag builds a tag from a family and version.
func MakeCodecTag(f CodecFamily, version uint8) CodecTag {
	return CodecTag(uint8(f)<<4 | version&0xF)
}

// Family returns the tag's codec family (high nibble).
func (t CodecTag) Family() CodecFamily { return CodecFamily(t >> 4) }

// Version returns the tag's family-specific version (low nibble).
func (t CodecTag) Version() uint8 { return uint8(t) & 0xF }

// Valid reports whether the family is known to this implementation.
func (t CodecTag) Valid() bool { return t.Family() < numCodecFamilies }

// QualityMode selects the quality-stream transform.
type QualityMode uint8

const (
	QualityLossless QualityMode = 0
	QualityIllumina QualityMode = 1
	QualityQVZ      QualityMode = 2
	QualityDiscard  QualityMode = 3
)

// IDMode selects the identifier-stream treatment.
type IDMode uint8

const (
	IDExact    IDMode = 0
	IDTokenise IDMode = 1
	IDDiscard  IDMode = 2
)

// PELayout describes how paired-end mates are laid out.
type PELayout uint8

const (
	PEInterleaved PELayout = 0
	PEConsecutive PELayout = 1
)

// LengthClass is the read-length regime chosen by the analyser.
type LengthClass uint8

const (
	LengthShort  LengthClass = 0
	LengthMedium LengthClass = 1
	LengthLong   LengthClass = 2
)

// String implements fmt.Stringer.
func (c LengthClass) String() string {
	switch c {
	case LengthShort:
		return "short"
	case LengthMedium:
		return "medium"
	case LengthLong:
		return "long"
	default:
		return "unknown"
	}
}

// Flags is the global header flag word.
//
//	bit 0     paired-end
//	bit 1     preserve order
//	bit 2     legacy long-read (reserved, must be 0)
//	bits 3-4  quality mode
//	bits 5-6  id mode
//	bit 7     reorder map present
//	bits 8-9  paired-end layout
//	bits 10-11 read-length class
//	bit 12    streaming mode
type Flags uint64

const (
	flagPaired      Flags = 1 << 0
	flagPreserve    Flags = 1 << 1
	flagLegacyLong  Flags = 1 << 2
	flagReorderMap  Flags = 1 << 7
	flagStreaming   Flags = 1 << 12
	qualModeShift         = 3
	idModeShift           = 5
	peLayoutShift         = 8
	lenClassShift         = 10
	twoBitMask      Flags = 0x3
	knownFlagsMask  Flags = 1<<13 - 1
)

// Paired reports the paired-end bit.
func (f Flags) Paired() bool { return f&flagPaired != 0 }

// PreserveOrder reports the preserve-order bit.
func (f Flags) PreserveOrder() bool { return f&flagPreserve != 0 }

// HasReorderMap reports the reorder-map-present bit.
func (f Flags) HasReorderMap() bool { return f&flagReorderMap != 0 }

// Streaming reports the streaming-mode bit.
func (f Flags) Streaming() bool { return f&flagStreaming != 0 }

// QualityMode decodes bits 3-4.
func (f Flags) QualityMode() QualityMode { return QualityMode(f >> qualModeShift & twoBitMask) }

// IDMode decodes bits 5-6.
func (f Flags) IDMode() IDMode { return IDMode(f >> idModeShift & twoBitMask) }

// PELayout decodes bits 8-9.
func (f Flags) PELayout() PELayout { return PELayout(f >> peLayoutShift & twoBitMask) }

// LengthClass decodes bits 10-11.
func (f Flags) LengthClass() LengthClass { return LengthClass(f >> lenClassShift & twoBitMask) }

// MakeFlags assembles a flag word.
func MakeFlags(
	paired, preserveOrder, hasReorderMap, streaming bool,
	qm QualityMode, im IDMode, layout PELayout, class LengthClass,
) Flags {
	var f Flags
	if paired {
		f |= flagPaired
	}
	if preserveOrder {
		f |= flagPreserve
	}
	if hasReorderMap {
		f |= flagReorderMap
	}
	if streaming {
		f |= flagStreaming
	}
	f |= Flags(qm) & twoBitMask << qualModeShift
	f |= Flags(im) & twoBitMask << idModeShift
	f |= Flags(layout) & twoBitMask << peLayoutShift
	f |= Flags(class) & twoBitMask << lenClassShift
	return f
}

// Validate checks the structural flag constraints.
func (f Flags) Validate() error {
	if f&flagLegacyLong != 0 {
		return base.FormatErrorf("reserved legacy long-read flag bit is set")
	}
	if f.Streaming() && (!f.PreserveOrder() || f.HasReorderMap()) {
		return base.FormatErrorf("streaming mode requires preserve-order and no reorder map")
	}
	if f.IDMode() > IDDiscard {
		return base.FormatErrorf("invalid id mode %d", errors.Safe(uint8(f.IDMode())))
	}
	if f.LengthClass() > LengthLong {
		return base.FormatErrorf("invalid read-length class %d", errors.Safe(uint8(f.LengthClass())))
	}
	return nil
}

// globalHeaderFixedLen is the fixed prefix of the global header:
// header_size, flags, compression_algo, checksum_type, reserved,
// total_read_count, original_filename_len.
const globalHeaderFixedLen = 4 + 8 + 1 + 1 + 2 + 8 + 2

// paramsTerminator closes the codec-parameters blob in the global header
// tail.
const paramsTerminator = 0xFF

// GlobalHeader describes the archive as a whole.
type GlobalHeader struct {
	Flags            Flags
	CompressionAlgo  CodecFamily // primary family, for quick introspection
	ChecksumType     uint8
	TotalReadCount   uint64
	OriginalFilename string
	Timestamp        time.Time // stored as Unix seconds
	CodecParams      []byte    // opaque codec-parameters blob
}

// EncodedLen returns the encoded size of the header.
func (h *GlobalHeader) EncodedLen() int {
	return globalHeaderFixedLen + len(h.OriginalFilename) + 8 + len(h.CodecParams) + 1
}

// Encode appends the encoded header to buf and returns the result.
func (h *GlobalHeader) Encode(buf []byte) []byte {
	size := h.EncodedLen()
	buf = append(buf, make([]byte, size)...)
	b := buf[len(buf)-size:]
	binary.LittleEndian.PutUint32(b[0:], uint32(size))
	binary.LittleEndian.PutUint64(b[4:], uint64(h.Flags))
	b[12] = uint8(h.CompressionAlgo)
	b[13] = h.ChecksumType
	binary.LittleEndian.PutUint16(b[14:], 0) // reserved
	binary.LittleEndian.PutUint64(b[16:], h.TotalReadCount)
	binary.LittleEndian.PutUint16(b[24:], uint16(len(h.OriginalFilename)))
	n := copy(b[globalHeaderFixedLen:], h.OriginalFilename)
	off := globalHeaderFixedLen + n
	binary.LittleEndian.PutUint64(b[off:], uint64(h.Timestamp.Unix()))
	off += 8
	off += copy(b[off:], h.CodecParams)
	b[off] = paramsTerminator
	return buf
}

// DecodeGlobalHeader parses a global header from b, which must contain at
// least the whole header. It returns the header and its encoded length.
// Extension bytes between the params terminator and header_size are
// skipped, which is how headers written by newer minor versions remain
// readable.
func DecodeGlobalHeader(b []byte) (GlobalHeader, int, error) {
	var h GlobalHeader
	if len(b) < globalHeaderFixedLen {
		return h, 0, base.FormatErrorf("global header truncated: %d bytes", errors.Safe(len(b)))
	}
	size := int(binary.LittleEndian.Uint32(b[0:]))
	if size < globalHeaderFixedLen+8+1 || size > len(b) {
		return h, 0, base.FormatErrorf("invalid global header size %d", errors.Safe(size))
	}
	if reserved := binary.LittleEndian.Uint16(b[14:]); reserved != 0 {
		return h, 0, base.FormatErrorf("global header reserved field is %d, want 0", errors.Safe(reserved))
	}
	h.Flags = Flags(binary.LittleEndian.Uint64(b[4:]))
	if err := h.Flags.Validate(); err != nil {
		return h, 0, err
	}
	h.CompressionAlgo = CodecFamily(b[12])
	h.ChecksumType = b[13]
	if h.ChecksumType != ChecksumXXHash64 {
		return h, 0, base.FormatErrorf("unknown checksum algorithm %d", errors.Safe(h.ChecksumType))
	}
	h.TotalReadCount = binary.LittleEndian.Uint64(b[16:])
	fnLen := int(binary.LittleEndian.Uint16(b[24:]))
	off := globalHeaderFixedLen
	if off+fnLen+8+1 > size {
		return h, 0, base.FormatErrorf("global header tail truncated")
	}
	h.OriginalFilename = string(b[off : off+fnLen])
	off += fnLen
	h.Timestamp = time.Unix(int64(binary.LittleEndian.Uint64(b[off:])), 0).UTC()
	off += 8
	end := off
	for end < size && b[end] != paramsTerminator {
		end++
	}
	if end == size {
		return h, 0, base.FormatErrorf("global header params blob missing terminator")
	}
	if end > off {
		h.CodecParams = append([]byte(nil), b[off:end]...)
	}
	return h, size, nil
}

// EncodeMagic appends the magic header, including the packed version byte.
func EncodeMagic(buf []byte) []byte {
	buf = append(buf, Magic[:]...)
	return append(buf, VersionMajor<<4|VersionMinor)
}

// DecodeMagic validates the magic header and returns the major and minor
// version. Readers fail with a format error when the major version exceeds
// what they understand.
func DecodeMagic(b []byte) (major, minor uint8, err error) {
	if len(b) < MagicLen {
		return 0, 0, base.FormatErrorf("file too small for magic header")
	}
	for i, c := range Magic {
		if b[i] != c {
			return 0, 0, base.FormatErrorf("bad magic number: 0x%x", errors.Safe(b[:8]))
		}
	}
	major, minor = b[8]>>4, b[8]&0xF
	if major > VersionMajor {
		return 0, 0, base.FormatErrorf("archive version %d.%d is newer than supported %d.%d",
			errors.Safe(major), errors.Safe(minor), errors.Safe(VersionMajor), errors.Safe(VersionMinor))
	}
	return major, minor, nil
}
