// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/fqzip/fqzip/internal/base"
	"github.com/stretchr/testify/require"
)

func TestMagicRoundTrip(t *testing.T) {
	buf := EncodeMagic(nil)
	require.Len(t, buf, MagicLen)
	major, minor, err := DecodeMagic(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(VersionMajor), major)
	require.Equal(t, uint8(VersionMinor), minor)
}

func TestMagicRejectsCorruption(t *testing.T) {
	buf := EncodeMagic(nil)
	buf[0] ^= 0x01
	_, _, err := DecodeMagic(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestMagicRejectsNewerMajor(t *testing.T) {
	buf := EncodeMagic(nil)
	buf[8] = 2<<4 | 0
	_, _, err := DecodeMagic(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestFlagsRoundTrip(t *testing.T) {
	f := MakeFlags(true, false, true, false, QualityIllumina, IDTokenise, PEConsecutive, LengthShort)
	require.True(t, f.Paired())
	require.False(t, f.PreserveOrder())
	require.True(t, f.HasReorderMap())
	require.False(t, f.Streaming())
	require.Equal(t, QualityIllumina, f.QualityMode())
	require.Equal(t, IDTokenise, f.IDMode())
	require.Equal(t, PEConsecutive, f.PELayout())
	require.Equal(t, LengthShort, f.LengthClass())
	require.NoError(t, f.Validate())
}

func TestFlagsStreamingConstraint(t *testing.T) {
	// streaming implies preserve-order and no reorder map
	f := MakeFlags(false, false, false, true, QualityLossless, IDExact, PEInterleaved, LengthMedium)
	require.Error(t, f.Validate())
	f = MakeFlags(false, true, true, true, QualityLossless, IDExact, PEInterleaved, LengthMedium)
	require.Error(t, f.Validate())
	f = MakeFlags(false, true, false, true, QualityLossless, IDExact, PEInterleaved, LengthMedium)
	require.NoError(t, f.Validate())
}

func TestGlobalHeaderRoundTrip(t *testing.T) {
	h := GlobalHeader{
		Flags:            MakeFlags(false, true, false, false, QualityLossless, IDTokenise, PEInterleaved, LengthShort),
		CompressionAlgo:  CodecABC,
		ChecksumType:     ChecksumXXHash64,
		TotalReadCount:   123456,
		OriginalFilename: "sample.fastq",
		Timestamp:        time.Unix(1700000000, 0).UTC(),
		CodecParams:      []byte{0x01, 16, 0x03, 15},
	}
	buf := h.Encode(nil)
	got, n, err := DecodeGlobalHeader(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, h, got)
}

func TestGlobalHeaderEmptyFilename(t *testing.T) {
	h := GlobalHeader{
		ChecksumType: ChecksumXXHash64,
		Timestamp:    time.Unix(0, 0).UTC(),
	}
	buf := h.Encode(nil)
	got, _, err := DecodeGlobalHeader(buf)
	require.NoError(t, err)
	require.Empty(t, got.OriginalFilename)
	require.Nil(t, got.CodecParams)
}

func TestGlobalHeaderSkipsExtensionBytes(t *testing.T) {
	h := GlobalHeader{
		ChecksumType:   ChecksumXXHash64,
		TotalReadCount: 7,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}
	buf := h.Encode(nil)
	// Append zero extension bytes after the params terminator and grow
	// header_size accordingly.
	ext := append(append([]byte(nil), buf...), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(ext[0:], uint32(len(ext)))
	got, n, err := DecodeGlobalHeader(ext)
	require.NoError(t, err)
	require.Equal(t, len(ext), n)
	require.Equal(t, uint64(7), got.TotalReadCount)
}

func TestGlobalHeaderRejectsReserved(t *testing.T) {
	h := GlobalHeader{ChecksumType: ChecksumXXHash64, Timestamp: time.Unix(0, 0)}
	buf := h.Encode(nil)
	binary.LittleEndian.PutUint16(buf[14:], 1)
	_, _, err := DecodeGlobalHeader(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestGlobalHeaderRejectsUnknownChecksum(t *testing.T) {
	h := GlobalHeader{ChecksumType: ChecksumXXHash64, Timestamp: time.Unix(0, 0)}
	buf := h.Encode(nil)
	buf[13] = 9
	_, _, err := DecodeGlobalHeader(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestCodecTag(t *testing.T) {
	tag := MakeCodecTag(CodecSCM, 1)
	require.Equal(t, CodecSCM, tag.Family())
	require.Equal(t, uint8(1), tag.Version())
	require.True(t, tag.Valid())
	require.False(t, CodecTag(0xF1).Valid())
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := BlockHeader{
		BlockID:           3,
		ChecksumType:      ChecksumXXHash64,
		Checksum:          0xdeadbeefcafe,
		UncompressedCount: 100,
		UniformReadLength: 151,
		CompressedSize:    100,
		Codecs: [NumStreams]CodecTag{
			MakeCodecTag(CodecDeltaZstd, 1),
			MakeCodecTag(CodecABC, 1),
			MakeCodecTag(CodecSCM, 1),
			MakeCodecTag(CodecDeltaVarint, 1),
		},
	}
	h.Streams = [NumStreams]StreamExtent{
		{Offset: 0, Size: 10},
		{Offset: 10, Size: 50},
		{Offset: 60, Size: 40},
		{Offset: 100, Size: 0},
	}
	buf := h.Encode(nil)
	require.Len(t, buf, BlockHeaderLen)
	got, err := DecodeBlockHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestBlockHeaderRejects(t *testing.T) {
	valid := func() BlockHeader {
		h := BlockHeader{
			BlockID:           0,
			ChecksumType:      ChecksumXXHash64,
			UncompressedCount: 1,
			UniformReadLength: 4,
		}
		h.Codecs = [NumStreams]CodecTag{
			MakeCodecTag(CodecZstdPlain, 1),
			MakeCodecTag(CodecABC, 1),
			MakeCodecTag(CodecSCM, 1),
			MakeCodecTag(CodecDeltaVarint, 1),
		}
		return h
	}

	t.Run("reserved bits", func(t *testing.T) {
		buf := valid().Encode(nil)
		buf[13] = 1
		_, err := DecodeBlockHeader(buf)
		require.ErrorIs(t, err, base.ErrFormat)
	})
	t.Run("unknown codec family", func(t *testing.T) {
		h := valid()
		h.Codecs[StreamSeq] = CodecTag(0xE1)
		buf := h.Encode(nil)
		_, err := DecodeBlockHeader(buf)
		require.ErrorIs(t, err, base.ErrUnsupported)
	})
	t.Run("variable length with empty aux", func(t *testing.T) {
		h := valid()
		h.UniformReadLength = 0
		buf := h.Encode(nil)
		_, err := DecodeBlockHeader(buf)
		require.ErrorIs(t, err, base.ErrFormat)
	})
	t.Run("discontiguous streams", func(t *testing.T) {
		h := valid()
		h.Streams[StreamSeq].Offset = 5
		buf := h.Encode(nil)
		_, err := DecodeBlockHeader(buf)
		require.ErrorIs(t, err, base.ErrFormat)
	})
}

func TestIndexRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{Offset: 43, CompressedSize: 100, ArchiveIDStart: 0, ReadCount: 10},
		{Offset: 247, CompressedSize: 200, ArchiveIDStart: 10, ReadCount: 20},
		{Offset: 551, CompressedSize: 50, ArchiveIDStart: 30, ReadCount: 5},
	}
	buf := EncodeIndex(nil, entries)
	got, err := DecodeIndex(buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestIndexEntrySizeForwardCompat(t *testing.T) {
	entries := []IndexEntry{{Offset: 43, CompressedSize: 10, ReadCount: 1}}
	// Re-encode with a larger entry size and zero extension bytes.
	const bigEntry = IndexEntryLen + 4
	buf := make([]byte, indexHeaderLen+bigEntry)
	binary.LittleEndian.PutUint32(buf[0:], indexHeaderLen)
	binary.LittleEndian.PutUint32(buf[4:], bigEntry)
	binary.LittleEndian.PutUint64(buf[8:], 1)
	binary.LittleEndian.PutUint64(buf[16:], entries[0].Offset)
	binary.LittleEndian.PutUint64(buf[24:], entries[0].CompressedSize)
	binary.LittleEndian.PutUint64(buf[32:], entries[0].ArchiveIDStart)
	binary.LittleEndian.PutUint32(buf[40:], entries[0].ReadCount)
	got, err := DecodeIndex(buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestIndexEntrySizeTooSmall(t *testing.T) {
	buf := EncodeIndex(nil, []IndexEntry{{ReadCount: 1}})
	binary.LittleEndian.PutUint32(buf[4:], IndexEntryLen-1)
	_, err := DecodeIndex(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestIndexRejectsDiscontinuousIDs(t *testing.T) {
	entries := []IndexEntry{
		{ArchiveIDStart: 0, ReadCount: 10},
		{ArchiveIDStart: 11, ReadCount: 5},
	}
	buf := EncodeIndex(nil, entries)
	_, err := DecodeIndex(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestFindBlock(t *testing.T) {
	entries := []IndexEntry{
		{ArchiveIDStart: 0, ReadCount: 10},
		{ArchiveIDStart: 10, ReadCount: 10},
		{ArchiveIDStart: 20, ReadCount: 5},
	}
	require.Equal(t, 0, FindBlock(entries, 0))
	require.Equal(t, 0, FindBlock(entries, 9))
	require.Equal(t, 1, FindBlock(entries, 10))
	require.Equal(t, 2, FindBlock(entries, 24))
	require.Equal(t, -1, FindBlock(entries, 25))
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{IndexOffset: 1000, ReorderMapOffset: 900, GlobalChecksum: 0xabcdef}
	buf := f.Encode(nil)
	require.Len(t, buf, FooterLen)
	got, err := DecodeFooter(buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFooterRejectsMissingSentinel(t *testing.T) {
	buf := Footer{}.Encode(nil)
	buf[31] = 'X'
	_, err := DecodeFooter(buf)
	require.ErrorIs(t, err, base.ErrFormat)
	require.Equal(t, base.ExitFormat, base.ExitCode(err))
}

func TestReorderMapRoundTrip(t *testing.T) {
	fwd := []uint64{3, 1, 4, 0, 2}
	m := ReorderMap{Forward: fwd, Reverse: Invert(fwd)}
	buf := m.Encode(nil)
	got, err := DecodeReorderMap(buf)
	require.NoError(t, err)
	require.Equal(t, m.Forward, got.Forward)
	require.Equal(t, m.Reverse, got.Reverse)
}

func TestReorderMapRejectsNonInverse(t *testing.T) {
	m := ReorderMap{Forward: []uint64{1, 0, 2}, Reverse: []uint64{0, 1, 2}}
	buf := m.Encode(nil)
	_, err := DecodeReorderMap(buf)
	require.ErrorIs(t, err, base.ErrFormat)
}

func TestReorderMapIdentityLarge(t *testing.T) {
	n := 10000
	fwd := make([]uint64, n)
	for i := range fwd {
		fwd[i] = uint64(i)
	}
	m := ReorderMap{Forward: fwd, Reverse: Invert(fwd)}
	buf := m.Encode(nil)
	// Identity deltas are all +1: two varint bytes per entry at most.
	require.Less(t, len(buf), reorderHeaderLen+4*n)
	got, err := DecodeReorderMap(buf)
	require.NoError(t, err)
	require.Equal(t, fwd, got.Forward)
}

func TestInvertIsBijective(t *testing.T) {
	perm := []uint64{5, 3, 0, 1, 4, 2}
	inv := Invert(perm)
	for i, v := range perm {
		require.Equal(t, uint64(i), inv[v])
	}
}
