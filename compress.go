// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/abc"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/blockcodec"
	"github.com/fqzip/fqzip/internal/fastq"
	"github.com/fqzip/fqzip/internal/reorder"
	"github.com/fqzip/fqzip/internal/scm"
)

// Compress compresses the FASTQ file at inputPath into an archive at
// outputPath. inputPath "-" reads stdin and implies streaming mode.
//
// The two-phase shape: a global analysis pass picks the length regime and,
// for short reads, a similarity ordering; the pipeline pass compresses
// blocks in parallel and writes them in order. When the analyser's memory
// estimate exceeds the configured limit the input is chunked and each
// chunk runs the full two-phase pipeline independently, with archive ids
// and block ids continuing across chunks.
func Compress(ctx context.Context, inputPath, outputPath string, opts *Options) error {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}
	streaming := opts.Streaming || inputPath == "-"

	var stats fastq.Stats
	var class archive.LengthClass
	if !streaming {
		var err error
		stats, err = fastq.ScanStats(inputPath, reorder.SampleSize)
		if err != nil {
			return err
		}
		class = reorder.Classify(stats.SampleLengths)
	}

	in, closer, err := fastq.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	// Streaming classification uses the first records, which are buffered
	// and re-emitted ahead of the rest of the stream.
	var pending []fastq.Record
	if streaming {
		var err error
		pending, err = in.ReadBatch(reorder.SampleSize)
		if err != nil && err != io.EOF {
			return err
		}
		lens := make([]int, len(pending))
		for i := range pending {
			lens[i] = pending[i].Len()
		}
		class = reorder.Classify(lens)
		if class == archive.LengthShort {
			// An unseekable stream cannot be pre-scanned; the sample may
			// miss longer reads, so stay conservative.
			class = archive.LengthMedium
		}
	}

	reorderOn := opts.Reorder && !streaming && class == archive.LengthShort && stats.TotalReads > 0
	readsPerBlock := opts.BlockSize
	if readsPerBlock == 0 {
		readsPerBlock = reorder.DefaultReadsPerBlock(class)
	}

	flags := archive.MakeFlags(
		opts.Paired,
		!reorderOn, // preserve order unless reordering
		reorderOn,
		streaming,
		opts.QualityMode, opts.IDMode, opts.PELayout, class,
	)
	primary := archive.CodecZstdPlain
	if class == archive.LengthShort {
		primary = archive.CodecABC
	}
	originalName := ""
	if inputPath != "-" {
		originalName = filepath.Base(inputPath)
	}
	ghdr := &archive.GlobalHeader{
		Flags:            flags,
		CompressionAlgo:  primary,
		ChecksumType:     archive.ChecksumXXHash64,
		TotalReadCount:   stats.TotalReads,
		OriginalFilename: originalName,
		Timestamp:        time.Now().UTC(),
		CodecParams:      encodeCodecParams(opts),
	}

	w, err := archive.NewWriter(outputPath)
	if err != nil {
		return err
	}
	defer w.Abort() // no-op once finished
	if err := w.WriteGlobalHeader(ghdr); err != nil {
		return err
	}

	copts := blockcodec.Options{
		Level:       opts.Level,
		LengthClass: class,
		QualMode:    opts.QualityMode,
		IDMode:      opts.IDMode,
		SCM:         scm.Config{Order: 2, PosBins: opts.QualPosBins, UseBaseCtx: opts.QualBaseContext},
		ABC:         abc.DefaultParams(),
		IDDelims:    opts.IDDelimiters,
		Paired:      opts.Paired,
		Interleaved: opts.PELayout == archive.PEInterleaved,
	}

	if reorderOn {
		err = compressReordered(ctx, opts, copts, w, in, stats, readsPerBlock)
	} else {
		err = compressSequential(ctx, opts, copts, w, in, pending, readsPerBlock)
	}
	if err != nil {
		return err
	}

	if streaming {
		if err := w.PatchTotalReadCount(w.ReadsWritten()); err != nil {
			return err
		}
	} else if w.ReadsWritten() != stats.TotalReads {
		return base.MarkIO(errors.Newf(
			"input changed between passes: scanned %d reads, compressed %d",
			stats.TotalReads, w.ReadsWritten()))
	}
	return w.Finish()
}

// compressSequential streams blocks in input order. pending records, if
// any, are emitted before the reader's remainder.
func compressSequential(
	ctx context.Context,
	opts *Options,
	copts blockcodec.Options,
	w *archive.Writer,
	in *fastq.Reader,
	pending []fastq.Record,
	readsPerBlock int,
) error {
	return opts.runPipeline(ctx, w, copts, func(emit func([]fastq.Record) error) error {
		batch := make([]fastq.Record, 0, readsPerBlock)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			out := make([]fastq.Record, len(batch))
			copy(out, batch)
			batch = batch[:0]
			return emit(out)
		}
		for _, rec := range pending {
			batch = append(batch, rec)
			if len(batch) == readsPerBlock {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		for {
			recs, err := in.ReadBatch(readsPerBlock - len(batch))
			batch = append(batch, recs...)
			if len(batch) == readsPerBlock {
				if ferr := flush(); ferr != nil {
					return ferr
				}
			}
			if err == io.EOF {
				return flush()
			}
			if err != nil {
				return err
			}
		}
	})
}

// compressReordered runs the full two-phase pipeline, chunking the input
// when the analyser's memory estimate exceeds the configured limit. Chunk
// k's archive ids begin at the running sum of prior chunk sizes, and each
// chunk's reorder maps are shifted by that base before concatenation.
func compressReordered(
	ctx context.Context,
	opts *Options,
	copts blockcodec.Options,
	w *archive.Writer,
	in *fastq.Reader,
	stats fastq.Stats,
	readsPerBlock int,
) error {
	total := stats.TotalReads
	chunkSize, err := planChunkSize(opts, stats, readsPerBlock)
	if err != nil {
		return err
	}

	cancel := &atomic.Bool{}
	stop := context.AfterFunc(ctx, func() { cancel.Store(true) })
	defer stop()

	fwd := make([]uint64, total)
	rev := make([]uint64, total)
	for chunkBase := uint64(0); chunkBase < total; {
		n := chunkSize
		if rest := total - chunkBase; rest < n {
			n = rest
		}
		recs, err := in.ReadBatch(int(n))
		if err != nil && err != io.EOF {
			return err
		}
		if uint64(len(recs)) != n {
			return base.MarkIO(errors.Newf(
				"input changed between passes: expected %d more reads, got %d", n, len(recs)))
		}
		seqs := make([][]byte, len(recs))
		for i := range recs {
			seqs[i] = recs[i].Seq
		}
		order, err := reorder.Order(seqs, cancel)
		if err != nil {
			return err
		}
		reordered := make([]fastq.Record, len(recs))
		for a, orig := range order {
			reordered[a] = recs[orig]
			rev[chunkBase+uint64(a)] = chunkBase + uint64(orig)
			fwd[chunkBase+uint64(orig)] = chunkBase + uint64(a)
		}
		err = opts.runPipeline(ctx, w, copts, func(emit func([]fastq.Record) error) error {
			off := 0
			for _, count := range reorder.Boundaries(n, readsPerBlock) {
				if err := emit(reordered[off : off+int(count)]); err != nil {
					return err
				}
				off += int(count)
			}
			return nil
		})
		if err != nil {
			return err
		}
		chunkBase += n
	}
	return w.WriteReorderMap(&archive.ReorderMap{Forward: fwd, Reverse: rev})
}

// planChunkSize bounds a chunk so that held records plus the analyser's
// phase-1 index plus the pipeline's phase-2 buffers fit the memory limit.
// A chunk is never smaller than one block, so a limit that cannot hold the
// pipeline's fixed buffers plus one block of records is unsatisfiable by
// chunking and reported as a memory error.
func planChunkSize(opts *Options, stats fastq.Stats, readsPerBlock int) (uint64, error) {
	memLimit := uint64(opts.MemoryLimitMB) << 20
	phase2 := reorder.Phase2Bytes(readsPerBlock, opts.MaxInFlightBlocks)
	avgLen := 150
	if len(stats.SampleLengths) > 0 {
		sum := 0
		for _, l := range stats.SampleLengths {
			sum += l
		}
		avgLen = sum / len(stats.SampleLengths)
	}
	// Record bytes (seq+qual+id+overhead), phase-1 index, and both maps.
	perRead := uint64(2*avgLen+64) + reorder.Phase1Bytes(1) + 16
	floor := phase2 + uint64(readsPerBlock)*perRead
	if memLimit < floor {
		return 0, errors.Mark(errors.Newf(
			"memory limit %d MB below the %d MB needed for %d in-flight blocks of %d reads; raise --memory-limit or lower --block-size",
			opts.MemoryLimitMB, (floor+1<<20-1)>>20, opts.MaxInFlightBlocks, readsPerBlock),
			base.ErrMemory)
	}
	budget := (memLimit - phase2) / perRead
	if budget > stats.TotalReads {
		budget = stats.TotalReads
	}
	return budget, nil
}
