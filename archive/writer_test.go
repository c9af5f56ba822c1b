// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fqzip/fqzip/internal/base"
	"github.com/stretchr/testify/require"
)

func testGlobalHeader(totalReads uint64, hasMap bool) *GlobalHeader {
	return &GlobalHeader{
		Flags:           MakeFlags(false, !hasMap, hasMap, false, QualityLossless, IDExact, PEInterleaved, LengthShort),
		CompressionAlgo: CodecABC,
		ChecksumType:    ChecksumXXHash64,
		TotalReadCount:  totalReads,
		Timestamp:       time.Unix(1700000000, 0).UTC(),
	}
}

// testBlock builds a consistent header+payload pair carrying payload in the
// ids stream.
func testBlock(id uint32, reads uint32, payload []byte) (*BlockHeader, []byte) {
	h := &BlockHeader{
		BlockID:           id,
		ChecksumType:      ChecksumXXHash64,
		Checksum:          BlockChecksum(payload, nil, nil, nil),
		UncompressedCount: reads,
		UniformReadLength: 4,
		CompressedSize:    uint64(len(payload)),
	}
	h.Codecs = [NumStreams]CodecTag{
		MakeCodecTag(CodecRaw, 1),
		MakeCodecTag(CodecZstdPlain, 1),
		MakeCodecTag(CodecRaw, 1),
		MakeCodecTag(CodecDeltaVarint, 1),
	}
	h.Streams = [NumStreams]StreamExtent{
		{Offset: 0, Size: uint64(len(payload))},
		{Offset: uint64(len(payload))},
		{Offset: uint64(len(payload))},
		{Offset: uint64(len(payload))},
	}
	return h, payload
}

func TestWriterEmptyArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(0, false)))
	require.NoError(t, w.Finish())

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file must be renamed away")

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.Equal(t, 0, r.NumBlocks())
	require.Equal(t, uint64(0), r.TotalReads())
	require.Nil(t, r.Reorder)
	require.NoError(t, r.VerifyGlobalChecksum())
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(30, true)))

	payloads := [][]byte{
		[]byte("first block payload"),
		[]byte("second"),
		[]byte("third block payload bytes"),
	}
	for i, p := range payloads {
		h, payload := testBlock(uint32(i), 10, p)
		require.NoError(t, w.WriteBlock(h, payload))
	}
	fwd := make([]uint64, 30)
	for i := range fwd {
		fwd[i] = uint64(29 - i)
	}
	require.NoError(t, w.WriteReorderMap(&ReorderMap{Forward: fwd, Reverse: Invert(fwd)}))
	require.NoError(t, w.Finish())

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.NoError(t, r.VerifyGlobalChecksum())
	require.Equal(t, 3, r.NumBlocks())
	require.NotNil(t, r.Reorder)
	require.Equal(t, fwd, r.Reorder.Forward)

	// Index consistency: offsets accumulate header+payload sizes after
	// the magic and global header.
	expectOffset := uint64(MagicLen + testGlobalHeader(30, true).EncodedLen())
	for i, e := range r.Index {
		require.Equal(t, expectOffset, e.Offset, "block %d", i)
		expectOffset += BlockHeaderLen + e.CompressedSize
		hdr, payload, err := r.ReadBlock(i)
		require.NoError(t, err)
		require.Equal(t, uint32(i), hdr.BlockID)
		require.Equal(t, payloads[i], payload)
	}
	// Archive ids are globally continuous.
	for i := 1; i < len(r.Index); i++ {
		require.Equal(t, r.Index[i-1].ArchiveIDEnd(), r.Index[i].ArchiveIDStart)
	}
}

func TestWriterRejectsOutOfOrderBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	defer w.Abort()
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(10, false)))
	h, payload := testBlock(5, 10, []byte("x"))
	require.Error(t, w.WriteBlock(h, payload))
}

func TestWriterAbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(0, false)))
	w.Abort()
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestWriterPatchTotalReadCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(0, false)))
	h, payload := testBlock(0, 10, []byte("payload"))
	require.NoError(t, w.WriteBlock(h, payload))
	require.NoError(t, w.PatchTotalReadCount(10))
	require.NoError(t, w.Finish())

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.Equal(t, uint64(10), r.TotalReads())
	require.NoError(t, r.VerifyGlobalChecksum())
}

func TestOpenTruncatedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(10, false)))
	h, payload := testBlock(0, 10, []byte("payload"))
	require.NoError(t, w.WriteBlock(h, payload))
	require.NoError(t, w.Finish())

	full, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, cut := range []int{32, 33} {
		trunc := filepath.Join(t.TempDir(), "trunc.fqc")
		require.NoError(t, os.WriteFile(trunc, full[:len(full)-cut], 0o644))
		_, err := Open(trunc)
		require.ErrorIs(t, err, base.ErrFormat, "cut %d bytes", cut)
	}
}

func TestGlobalChecksumDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.fqc")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteGlobalHeader(testGlobalHeader(10, false)))
	h, payload := testBlock(0, 10, []byte("some block payload here"))
	require.NoError(t, w.WriteBlock(h, payload))
	require.NoError(t, w.Finish())

	full, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip one block-payload byte between magic and footer.
	payloadOff := MagicLen + testGlobalHeader(10, false).EncodedLen() + BlockHeaderLen + 2
	full[payloadOff] ^= 0xFF
	corrupt := filepath.Join(t.TempDir(), "corrupt.fqc")
	require.NoError(t, os.WriteFile(corrupt, full, 0o644))

	r, err := Open(corrupt)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	err = r.VerifyGlobalChecksum()
	require.ErrorIs(t, err, base.ErrChecksum)
	require.Equal(t, base.ExitChecksum, base.ExitCode(err))
}
