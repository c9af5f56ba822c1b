// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"runtime"

	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/abc"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/idcodec"
	"github.com/fqzip/fqzip/internal/metrics"
	"github.com/fqzip/fqzip/internal/scm"
)

// DefaultMaxInFlightBlocks caps concurrently compressing blocks; it also
// bounds peak memory regardless of thread count.
const DefaultMaxInFlightBlocks = 8

// DefaultMemoryLimitMB is the analyser's budget when none is configured.
const DefaultMemoryLimitMB = 4096

// DefaultCompressionLevel balances the zstd back-end's speed and density.
const DefaultCompressionLevel = 5

// Options configure compression. The zero value is not usable; call
// EnsureDefaults.
type Options struct {
	// Threads is the worker parallelism. The effective worker count is
	// min(Threads, MaxInFlightBlocks).
	Threads int
	// MemoryLimitMB bounds analyser plus pipeline memory; exceeding it
	// switches the analyser to divide-and-conquer chunking. A limit too
	// small to hold even the pipeline's fixed buffers plus one block of
	// records cannot be met by chunking and fails with a memory error.
	MemoryLimitMB int
	// BlockSize overrides the per-class default reads per block.
	BlockSize int
	// Level is the back-end compression level, 1..9.
	Level int
	// MaxInFlightBlocks bounds in-flight pipeline tokens.
	MaxInFlightBlocks int

	QualityMode archive.QualityMode
	IDMode      archive.IDMode
	// Reorder enables similarity reordering for short reads.
	Reorder bool
	// Streaming marks unseekable input; forces preserve-order and
	// disables reordering.
	Streaming bool
	Paired    bool
	PELayout  archive.PELayout

	// QualPosBins is the quality model's position-bin count.
	QualPosBins int
	// QualBaseContext folds the DNA base into the quality context.
	QualBaseContext bool
	// IDDelimiters overrides the tokeniser delimiter set.
	IDDelimiters string

	// Metrics, when set, receives per-block statistics.
	Metrics *metrics.Collector
}

// EnsureDefaults fills unset fields with defaults and returns opts.
func (o *Options) EnsureDefaults() *Options {
	if o.Threads == 0 {
		o.Threads = runtime.GOMAXPROCS(0)
	}
	if o.MemoryLimitMB == 0 {
		o.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if o.Level == 0 {
		o.Level = DefaultCompressionLevel
	}
	if o.MaxInFlightBlocks == 0 {
		o.MaxInFlightBlocks = DefaultMaxInFlightBlocks
	}
	if o.QualPosBins == 0 {
		o.QualPosBins = scm.DefaultPosBins
	}
	if o.IDDelimiters == "" {
		o.IDDelimiters = idcodec.DefaultDelimiters
	}
	return o
}

// Validate rejects unusable configurations.
func (o *Options) Validate() error {
	if o.Threads <= 0 {
		return base.UsageErrorf("thread count must be positive, got %d", o.Threads)
	}
	if o.Level < 1 || o.Level > 9 {
		return base.UsageErrorf("compression level must be in 1..9, got %d", o.Level)
	}
	if o.BlockSize < 0 {
		return base.UsageErrorf("block size must be non-negative, got %d", o.BlockSize)
	}
	if o.MemoryLimitMB < 0 {
		return base.UsageErrorf("memory limit must be non-negative, got %d", o.MemoryLimitMB)
	}
	if o.MaxInFlightBlocks <= 0 {
		return base.UsageErrorf("max in-flight blocks must be positive, got %d", o.MaxInFlightBlocks)
	}
	if o.QualityMode > archive.QualityDiscard {
		return base.UsageErrorf("invalid quality mode %d", o.QualityMode)
	}
	if o.IDMode > archive.IDDiscard {
		return base.UsageErrorf("invalid id mode %d", o.IDMode)
	}
	if o.PELayout > archive.PEConsecutive {
		return base.UsageErrorf("invalid paired-end layout %d", o.PELayout)
	}
	if o.QualPosBins < 1 || o.QualPosBins > 64 {
		return base.UsageErrorf("quality position bins must be in 1..64, got %d", o.QualPosBins)
	}
	return nil
}

// workers returns the effective worker count.
func (o *Options) workers() int {
	if o.Threads < o.MaxInFlightBlocks {
		return o.Threads
	}
	return o.MaxInFlightBlocks
}

// Codec-parameter blob tags. The blob rides the global header so decoders
// reconstruct the exact model configuration.
const (
	paramQualPosBins = 0x01
	paramQualBaseCtx = 0x02
	paramABCMaxShift = 0x03
	paramABCHamming  = 0x04
)

func encodeCodecParams(o *Options) []byte {
	p := abc.DefaultParams()
	blob := []byte{
		paramQualPosBins, byte(o.QualPosBins),
		paramABCMaxShift, byte(p.MaxShift),
		paramABCHamming, byte(p.HammingThreshold),
	}
	if o.QualBaseContext {
		blob = append(blob, paramQualBaseCtx, 1)
	}
	return blob
}

// decodedParams is the decode-side model configuration recovered from the
// archive.
type decodedParams struct {
	scm scm.Config
	abc abc.Params
}

func decodeCodecParams(blob []byte) decodedParams {
	d := decodedParams{
		scm: scm.Config{PosBins: scm.DefaultPosBins},
		abc: abc.DefaultParams(),
	}
	for i := 0; i+1 < len(blob); i += 2 {
		switch blob[i] {
		case paramQualPosBins:
			d.scm.PosBins = int(blob[i+1])
		case paramQualBaseCtx:
			d.scm.UseBaseCtx = blob[i+1] != 0
		case paramABCMaxShift:
			d.abc.MaxShift = int(blob[i+1])
		case paramABCHamming:
			d.abc.HammingThreshold = int(blob[i+1])
		}
	}
	return d
}
