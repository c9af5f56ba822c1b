// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/blockcodec"
	"github.com/fqzip/fqzip/internal/bufpool"
	"github.com/fqzip/fqzip/internal/fastq"
	"golang.org/x/sync/errgroup"
)

// blockJob is a reader-stage token: one block's records, tagged with its
// archive-wide block id.
type blockJob struct {
	id   uint32
	recs []fastq.Record
}

// blockResult is a compressor-stage token.
type blockResult struct {
	id       uint32
	hdr      archive.BlockHeader
	payload  []byte
	reads    int
	rawBytes uint64
	elapsed  time.Duration
}

// runPipeline drives one produce -> compress -> write pass. The producer
// emits jobs in strictly ascending block id starting at the writer's next
// id; workers compress in any order; the single writer re-establishes id
// order before appending. In-flight tokens are capped by
// MaxInFlightBlocks, which provides back-pressure and bounds peak memory
// regardless of worker count.
func (o *Options) runPipeline(
	ctx context.Context,
	w *archive.Writer,
	copts blockcodec.Options,
	produce func(emit func([]fastq.Record) error) error,
) error {
	startID := uint32(w.BlocksWritten())
	inFlight := make(chan struct{}, o.MaxInFlightBlocks)
	jobs := make(chan blockJob)
	results := make(chan blockResult, o.MaxInFlightBlocks)
	// Worker-private payload buffers: acquired per block, released by
	// the writer once the payload is on disk.
	pool := bufpool.New(1<<20, 0)

	g, ctx := errgroup.WithContext(ctx)

	// Reader stage: serial, ascending block ids.
	g.Go(func() error {
		defer close(jobs)
		next := startID
		return produce(func(recs []fastq.Record) error {
			select {
			case inFlight <- struct{}{}:
			case <-ctx.Done():
				return errors.Mark(ctx.Err(), base.ErrCancelled)
			}
			job := blockJob{id: next, recs: recs}
			next++
			select {
			case jobs <- job:
				return nil
			case <-ctx.Done():
				return errors.Mark(ctx.Err(), base.ErrCancelled)
			}
		})
	})

	// Compressor stage: each worker owns its Compressor exclusively;
	// state is reused across blocks but never shared across workers.
	workers := o.workers()
	var workerGroup errgroup.Group
	for i := 0; i < workers; i++ {
		workerGroup.Go(func() error {
			bc := blockcodec.NewCompressor(copts)
			for job := range jobs {
				start := time.Now()
				hdr, payload, err := bc.Compress(job.id, job.recs, pool.Get())
				if err != nil {
					return err
				}
				var raw uint64
				for i := range job.recs {
					raw += uint64(len(job.recs[i].ID) + 2*job.recs[i].Len())
				}
				res := blockResult{
					id:       job.id,
					hdr:      hdr,
					payload:  payload,
					reads:    len(job.recs),
					rawBytes: raw,
					elapsed:  time.Since(start),
				}
				select {
				case results <- res:
				case <-ctx.Done():
					return errors.Mark(ctx.Err(), base.ErrCancelled)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(results)
		return workerGroup.Wait()
	})

	// Writer stage: serial, re-sorts by block id using the pipeline's
	// ordering guarantee (ids are dense from startID).
	g.Go(func() error {
		pending := make(map[uint32]blockResult, o.MaxInFlightBlocks)
		next := startID
		for res := range results {
			pending[res.id] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err := w.WriteBlock(&r.hdr, r.payload); err != nil {
					return err
				}
				pool.Put(r.payload)
				if o.Metrics != nil {
					var streams [4]uint64
					for i, s := range r.hdr.Streams {
						streams[i] = s.Size
					}
					o.Metrics.RecordBlock(r.reads, r.rawBytes, r.hdr.CompressedSize, streams, r.elapsed)
				}
				<-inFlight
				next++
			}
		}
		if len(pending) != 0 {
			return errors.AssertionFailedf("pipeline finished with %d unwritten blocks", len(pending))
		}
		return nil
	})

	return g.Wait()
}
