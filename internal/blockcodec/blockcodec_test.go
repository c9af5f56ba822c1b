// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blockcodec

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/fastq"
	"github.com/stretchr/testify/require"
)

func genRecords(rng *rand.Rand, n, readLen int, uniform bool) []fastq.Record {
	bases := []byte("ACGT")
	recs := make([]fastq.Record, n)
	for i := range recs {
		l := readLen
		if !uniform {
			l = 30 + rng.Intn(readLen)
		}
		seq := make([]byte, l)
		qual := make([]byte, l)
		for p := range seq {
			seq[p] = bases[rng.Intn(4)]
			qual[p] = byte('!' + 20 + rng.Intn(20))
		}
		recs[i] = fastq.Record{
			ID:   fmt.Sprintf("inst:4:17:%d:%d/1", i+1, 1000+7*i),
			Seq:  seq,
			Qual: qual,
		}
	}
	return recs
}

func shortOpts() Options {
	return Options{
		Level:       3,
		LengthClass: archive.LengthShort,
		IDMode:      archive.IDTokenise,
	}
}

func roundTripBlock(t *testing.T, opts Options, recs []fastq.Record) []fastq.Record {
	t.Helper()
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(7, recs, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(7), hdr.BlockID)
	require.Equal(t, uint32(len(recs)), hdr.UncompressedCount)
	require.Equal(t, uint64(len(payload)), hdr.CompressedSize)

	// The header must survive its own serialisation before decoding.
	decoded, err := archive.DecodeBlockHeader(hdr.Encode(nil))
	require.NoError(t, err)
	got, err := Decompress(opts, decoded, payload, 0)
	require.NoError(t, err)
	return got
}

func TestRoundTripShortUniform(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	recs := genRecords(rng, 100, 100, true)
	got := roundTripBlock(t, shortOpts(), recs)
	require.Equal(t, recs, got)
}

func TestRoundTripShortVariable(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	recs := genRecords(rng, 80, 120, false)
	got := roundTripBlock(t, shortOpts(), recs)
	require.Equal(t, recs, got)
}

func TestRoundTripMediumPlain(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	recs := genRecords(rng, 20, 900, false)
	opts := shortOpts()
	opts.LengthClass = archive.LengthMedium
	got := roundTripBlock(t, opts, recs)
	require.Equal(t, recs, got)
}

func TestRoundTripLongUsesOrder1(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	recs := genRecords(rng, 5, 12000, false)
	opts := shortOpts()
	opts.LengthClass = archive.LengthLong
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, archive.CodecSCMOrder1, hdr.Codecs[archive.StreamQual].Family())
	require.Equal(t, archive.CodecZstdPlain, hdr.Codecs[archive.StreamSeq].Family())
	got, err := Decompress(opts, hdr, payload, 0)
	require.NoError(t, err)
	require.Equal(t, recs, got)
}

func TestShortBlockWithOverlongReadFallsBackToPlain(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	recs := genRecords(rng, 10, 100, true)
	long := genRecords(rng, 1, 100, true)[0]
	long.Seq = append(long.Seq, long.Seq...)
	long.Seq = append(long.Seq, long.Seq...)
	long.Seq = append(long.Seq, long.Seq...) // 800bp
	long.Qual = make([]byte, len(long.Seq))
	for i := range long.Qual {
		long.Qual[i] = 'I'
	}
	recs = append(recs, long)
	c := NewCompressor(shortOpts())
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, archive.CodecZstdPlain, hdr.Codecs[archive.StreamSeq].Family())
	got, err := Decompress(shortOpts(), hdr, payload, 0)
	require.NoError(t, err)
	require.Equal(t, recs, got)
}

func TestUniformLengthOmitsAux(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	recs := genRecords(rng, 50, 75, true)
	c := NewCompressor(shortOpts())
	hdr, _, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(75), hdr.UniformReadLength)
	require.Zero(t, hdr.Streams[archive.StreamAux].Size)
}

func TestVariableLengthCarriesAux(t *testing.T) {
	recs := []fastq.Record{
		{ID: "a", Seq: make([]byte, 100), Qual: make([]byte, 100)},
		{ID: "b", Seq: make([]byte, 120), Qual: make([]byte, 120)},
	}
	for i := range recs {
		for j := range recs[i].Seq {
			recs[i].Seq[j] = 'A'
			recs[i].Qual[j] = 'I'
		}
	}
	c := NewCompressor(shortOpts())
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Zero(t, hdr.UniformReadLength)
	require.NotZero(t, hdr.Streams[archive.StreamAux].Size)
	got, err := Decompress(shortOpts(), hdr, payload, 0)
	require.NoError(t, err)
	require.Equal(t, recs, got)
}

func TestQualityDiscard(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	recs := genRecords(rng, 30, 60, true)
	opts := shortOpts()
	opts.QualMode = archive.QualityDiscard
	opts.PlaceholderQual = '!'
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, archive.CodecRaw, hdr.Codecs[archive.StreamQual].Family())
	require.Zero(t, hdr.Streams[archive.StreamQual].Size)
	got, err := Decompress(opts, hdr, payload, 0)
	require.NoError(t, err)
	for i := range got {
		require.Equal(t, recs[i].Seq, got[i].Seq)
		for _, q := range got[i].Qual {
			require.Equal(t, byte('!'), q)
		}
	}
}

func TestQualityIllumina8(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	recs := genRecords(rng, 30, 60, true)
	opts := shortOpts()
	opts.QualMode = archive.QualityIllumina
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	got, err := Decompress(opts, hdr, payload, 0)
	require.NoError(t, err)
	reps := map[byte]bool{}
	for _, r := range [8]byte{0, 6, 15, 22, 27, 33, 37, 40} {
		reps[r+'!'] = true
	}
	for i := range got {
		require.Equal(t, recs[i].Seq, got[i].Seq)
		for _, q := range got[i].Qual {
			require.True(t, reps[q], "quality %c is not a bin representative", q)
		}
	}
}

func TestIDDiscardSynthesises(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	recs := genRecords(rng, 4, 50, true)
	opts := shortOpts()
	opts.IDMode = archive.IDDiscard
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, archive.CodecRaw, hdr.Codecs[archive.StreamIDs].Family())
	require.Zero(t, hdr.Streams[archive.StreamIDs].Size)
	got, err := Decompress(opts, hdr, payload, 100)
	require.NoError(t, err)
	require.Equal(t, "101", got[0].ID)
	require.Equal(t, "104", got[3].ID)
}

func TestIDDiscardPairedInterleaved(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	recs := genRecords(rng, 4, 50, true)
	opts := shortOpts()
	opts.IDMode = archive.IDDiscard
	opts.Paired = true
	opts.Interleaved = true
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	got, err := Decompress(opts, hdr, payload, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"1/1", "1/2", "2/1", "2/2"},
		[]string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
}

func TestChecksumMismatchDetected(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	recs := genRecords(rng, 20, 80, true)
	c := NewCompressor(shortOpts())
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	hdr.Checksum ^= 1
	_, err = Decompress(shortOpts(), hdr, payload, 0)
	require.ErrorIs(t, err, base.ErrChecksum)
}

func TestRejectsZeroLengthRead(t *testing.T) {
	recs := []fastq.Record{{ID: "x", Seq: nil, Qual: nil}}
	c := NewCompressor(shortOpts())
	_, _, err := c.Compress(0, recs, nil)
	require.ErrorIs(t, err, base.ErrCodec)
}

func TestExactIDMode(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	recs := genRecords(rng, 25, 70, true)
	opts := shortOpts()
	opts.IDMode = archive.IDExact
	got := roundTripBlock(t, opts, recs)
	require.Equal(t, recs, got)
}

func TestLZMAIDsAtHighLevel(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	recs := genRecords(rng, 50, 70, true)
	opts := shortOpts()
	opts.Level = 8
	c := NewCompressor(opts)
	hdr, payload, err := c.Compress(0, recs, nil)
	require.NoError(t, err)
	require.Equal(t, archive.CodecDeltaLZMA, hdr.Codecs[archive.StreamIDs].Family())
	got, err := Decompress(opts, hdr, payload, 0)
	require.NoError(t, err)
	require.Equal(t, recs, got)
}
