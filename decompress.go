// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/blockcodec"
	"github.com/fqzip/fqzip/internal/fastq"
	"github.com/fqzip/fqzip/internal/idcodec"
	"github.com/golang/snappy"
)

// StreamSet selects which archive streams feed the output; omitted
// streams are synthesised so the output stays well-formed FASTQ.
type StreamSet struct {
	IDs  bool
	Seq  bool
	Qual bool
}

// AllStreams selects everything.
func AllStreams() StreamSet { return StreamSet{IDs: true, Seq: true, Qual: true} }

// DecompressOptions configure decompression.
type DecompressOptions struct {
	// RangeStart/RangeEnd select archive ids, 1-based inclusive. Zero
	// means unbounded on that side; both zero means the whole archive.
	RangeStart, RangeEnd uint64
	// OriginalOrder emits records in original input order using the
	// archive's reorder map.
	OriginalOrder bool
	Streams       StreamSet
	// PlaceholderQual substitutes for discarded qualities (default '!').
	PlaceholderQual byte
	// IDPrefix prefixes synthesised identifiers.
	IDPrefix string
	// SkipCorrupted replaces a block whose checksum fails with
	// placeholder reads instead of aborting.
	SkipCorrupted bool
	// MemoryLimitMB bounds the decoded-block cache; beyond it decoded
	// blocks spill to a compressed temporary file.
	MemoryLimitMB int
}

func (o *DecompressOptions) ensureDefaults() {
	if o.Streams == (StreamSet{}) {
		o.Streams = AllStreams()
	}
	if o.PlaceholderQual == 0 {
		o.PlaceholderQual = '!'
	}
	if o.MemoryLimitMB == 0 {
		o.MemoryLimitMB = DefaultMemoryLimitMB
	}
}

// DecompressResult reports what a decompression pass did.
type DecompressResult struct {
	ReadsOut      uint64
	SkippedBlocks int
}

// Decompress writes FASTQ for the selected archive-id range to out.
func Decompress(ctx context.Context, archivePath string, out io.Writer, opts *DecompressOptions) (DecompressResult, error) {
	var res DecompressResult
	opts.ensureDefaults()
	r, err := archive.Open(archivePath)
	if err != nil {
		return res, err
	}
	defer func() { _ = r.Close() }()

	start, end, err := resolveRange(opts.RangeStart, opts.RangeEnd, r.TotalReads())
	if err != nil {
		return res, err
	}
	copts := decodeOptions(r, opts)
	fw := fastq.NewWriter(out)

	d := &decompressor{
		r:     r,
		opts:  opts,
		copts: copts,
		ctx:   ctx,
	}
	defer d.cleanup()

	useOriginal := opts.OriginalOrder && r.Reorder != nil && r.Reorder.Forward != nil
	if useOriginal {
		err = d.emitOriginalOrder(fw, start, end, &res)
	} else {
		err = d.emitArchiveOrder(fw, start, end, &res)
	}
	if err != nil {
		return res, err
	}
	return res, fw.Flush()
}

// resolveRange converts a 1-based inclusive CLI range to [start, end)
// archive ids.
func resolveRange(a, b, total uint64) (uint64, uint64, error) {
	explicit := a != 0 || b != 0
	if a == 0 {
		a = 1
	}
	if b == 0 {
		b = total
	}
	if total == 0 {
		if explicit {
			return 0, 0, base.UsageErrorf("invalid range %d:%d for an empty archive", a, b)
		}
		return 0, 0, nil
	}
	if a > b || b > total {
		return 0, 0, base.UsageErrorf("invalid range %d:%d for %d reads", a, b, total)
	}
	return a - 1, b, nil
}

func decodeOptions(r *archive.Reader, opts *DecompressOptions) blockcodec.Options {
	params := decodeCodecParams(r.Header.CodecParams)
	return blockcodec.Options{
		SCM:             params.scm,
		ABC:             params.abc,
		PlaceholderQual: opts.PlaceholderQual,
		IDPrefix:        opts.IDPrefix,
		Paired:          r.Header.Flags.Paired(),
		Interleaved:     r.Header.Flags.PELayout() == archive.PEInterleaved,
	}
}

type decompressor struct {
	r     *archive.Reader
	opts  *DecompressOptions
	copts blockcodec.Options
	ctx   context.Context

	// Decoded-block cache for original-order emission.
	ram   map[int][]fastq.Record
	spill *blockSpill
	lru   []int
	lruM  map[int][]fastq.Record
}

func (d *decompressor) cleanup() {
	if d.spill != nil {
		d.spill.close()
	}
}

// decodeBlock fetches and decodes block i, honouring SkipCorrupted.
func (d *decompressor) decodeBlock(i int, res *DecompressResult) ([]fastq.Record, error) {
	hdr, payload, err := d.r.ReadBlock(i)
	var recs []fastq.Record
	if err == nil {
		recs, err = blockcodec.Decompress(d.copts, hdr, payload, d.r.Index[i].ArchiveIDStart)
	}
	if err != nil {
		if d.opts.SkipCorrupted && errors.Is(err, base.ErrChecksum) {
			res.SkippedBlocks++
			return d.placeholderBlock(i), nil
		}
		return nil, err
	}
	return d.applyStreamSelection(recs, d.r.Index[i].ArchiveIDStart), nil
}

// placeholderBlock synthesises one placeholder read per skipped record.
func (d *decompressor) placeholderBlock(i int) []fastq.Record {
	e := d.r.Index[i]
	recs := make([]fastq.Record, e.ReadCount)
	for j := range recs {
		recs[j] = fastq.Record{
			ID:   idcodec.SynthesizeID(d.opts.IDPrefix, e.ArchiveIDStart+uint64(j), d.copts.Paired, d.copts.Interleaved),
			Seq:  []byte{'N'},
			Qual: []byte{d.opts.PlaceholderQual},
		}
	}
	return recs
}

// applyStreamSelection replaces deselected streams with synthesised
// content.
func (d *decompressor) applyStreamSelection(recs []fastq.Record, idStart uint64) []fastq.Record {
	s := d.opts.Streams
	if s.IDs && s.Seq && s.Qual {
		return recs
	}
	for i := range recs {
		if !s.IDs {
			recs[i].ID = idcodec.SynthesizeID(d.opts.IDPrefix, idStart+uint64(i), d.copts.Paired, d.copts.Interleaved)
		}
		if !s.Seq {
			seq := make([]byte, len(recs[i].Seq))
			for j := range seq {
				seq[j] = 'N'
			}
			recs[i].Seq = seq
		}
		if !s.Qual {
			q := make([]byte, len(recs[i].Qual))
			for j := range q {
				q[j] = d.opts.PlaceholderQual
			}
			recs[i].Qual = q
		}
	}
	return recs
}

// emitArchiveOrder walks only the blocks intersecting the range.
func (d *decompressor) emitArchiveOrder(fw *fastq.Writer, start, end uint64, res *DecompressResult) error {
	lo, hi := d.r.BlocksForRange(start, end)
	for i := lo; i < hi; i++ {
		if err := d.ctx.Err(); err != nil {
			return errors.Mark(err, base.ErrCancelled)
		}
		recs, err := d.decodeBlock(i, res)
		if err != nil {
			return err
		}
		e := d.r.Index[i]
		for j := range recs {
			id := e.ArchiveIDStart + uint64(j)
			if id < start || id >= end {
				continue
			}
			if err := fw.WriteRecord(&recs[j]); err != nil {
				return err
			}
			res.ReadsOut++
		}
	}
	return nil
}

// emitOriginalOrder decodes each needed block once, caching decoded
// batches in memory or in a snappy-framed spill file, then emits records
// by ascending original id.
func (d *decompressor) emitOriginalOrder(fw *fastq.Writer, start, end uint64, res *DecompressResult) error {
	lo, hi := d.r.BlocksForRange(start, end)
	// Rough decoded footprint; beyond the budget, spill.
	var rangeReads uint64
	for i := lo; i < hi; i++ {
		rangeReads += uint64(d.r.Index[i].ReadCount)
	}
	budget := uint64(d.opts.MemoryLimitMB) << 20
	if rangeReads*256 <= budget {
		d.ram = make(map[int][]fastq.Record, hi-lo)
		for i := lo; i < hi; i++ {
			recs, err := d.decodeBlock(i, res)
			if err != nil {
				return err
			}
			d.ram[i] = recs
		}
	} else {
		spill, err := newBlockSpill(len(d.r.Index))
		if err != nil {
			return err
		}
		d.spill = spill
		d.lruM = make(map[int][]fastq.Record)
		for i := lo; i < hi; i++ {
			recs, err := d.decodeBlock(i, res)
			if err != nil {
				return err
			}
			if err := spill.store(i, recs); err != nil {
				return err
			}
		}
	}

	fwd := d.r.Reorder.Forward // original -> archive
	for orig := uint64(0); orig < uint64(len(fwd)); orig++ {
		if orig%4096 == 0 {
			if err := d.ctx.Err(); err != nil {
				return errors.Mark(err, base.ErrCancelled)
			}
		}
		a := fwd[orig]
		if a < start || a >= end {
			continue
		}
		bi := archive.FindBlock(d.r.Index, a)
		if bi < 0 {
			return base.FormatErrorf("archive id %d not covered by any block", errors.Safe(a))
		}
		recs, err := d.blockRecords(bi)
		if err != nil {
			return err
		}
		rec := recs[a-d.r.Index[bi].ArchiveIDStart]
		if err := fw.WriteRecord(&rec); err != nil {
			return err
		}
		res.ReadsOut++
	}
	return nil
}

// blockRecords returns the cached decoded batch for block bi.
func (d *decompressor) blockRecords(bi int) ([]fastq.Record, error) {
	if d.ram != nil {
		return d.ram[bi], nil
	}
	if recs, ok := d.lruM[bi]; ok {
		return recs, nil
	}
	recs, err := d.spill.load(bi)
	if err != nil {
		return nil, err
	}
	const lruCap = 4
	if len(d.lru) >= lruCap {
		evict := d.lru[0]
		d.lru = d.lru[1:]
		delete(d.lruM, evict)
	}
	d.lru = append(d.lru, bi)
	d.lruM[bi] = recs
	return recs, nil
}

// blockSpill persists decoded record batches as snappy-framed segments of
// a temporary file, one segment per block.
type blockSpill struct {
	f       *os.File
	offsets []int64 // -1 when the block was never stored
	sizes   []int64
	end     int64
}

func newBlockSpill(numBlocks int) (*blockSpill, error) {
	f, err := os.CreateTemp("", "fqzip-spill-*")
	if err != nil {
		return nil, base.MarkIO(err)
	}
	// Unlink immediately; the fd keeps it alive.
	_ = os.Remove(f.Name())
	s := &blockSpill{f: f, offsets: make([]int64, numBlocks), sizes: make([]int64, numBlocks)}
	for i := range s.offsets {
		s.offsets[i] = -1
	}
	return s, nil
}

func (s *blockSpill) close() {
	_ = s.f.Close()
}

func (s *blockSpill) store(bi int, recs []fastq.Record) error {
	var blob []byte
	for i := range recs {
		blob = binary.LittleEndian.AppendUint16(blob, uint16(len(recs[i].ID)))
		blob = append(blob, recs[i].ID...)
		blob = binary.LittleEndian.AppendUint32(blob, uint32(len(recs[i].Seq)))
		blob = append(blob, recs[i].Seq...)
		blob = append(blob, recs[i].Qual...)
	}
	packed := snappy.Encode(nil, blob)
	if _, err := s.f.WriteAt(packed, s.end); err != nil {
		return base.MarkIO(err)
	}
	s.offsets[bi] = s.end
	s.sizes[bi] = int64(len(packed))
	s.end += int64(len(packed))
	return nil
}

func (s *blockSpill) load(bi int) ([]fastq.Record, error) {
	if s.offsets[bi] < 0 {
		return nil, errors.AssertionFailedf("block %d was never spilled", bi)
	}
	packed := make([]byte, s.sizes[bi])
	if _, err := s.f.ReadAt(packed, s.offsets[bi]); err != nil {
		return nil, base.MarkIO(err)
	}
	blob, err := snappy.Decode(nil, packed)
	if err != nil {
		return nil, base.MarkIO(errors.Wrap(err, "reading spill"))
	}
	var recs []fastq.Record
	for len(blob) > 0 {
		if len(blob) < 2 {
			return nil, errors.AssertionFailedf("corrupt spill segment")
		}
		idLen := int(binary.LittleEndian.Uint16(blob))
		blob = blob[2:]
		id := string(blob[:idLen])
		blob = blob[idLen:]
		n := int(binary.LittleEndian.Uint32(blob))
		blob = blob[4:]
		seq := append([]byte(nil), blob[:n]...)
		blob = blob[n:]
		qual := append([]byte(nil), blob[:n]...)
		blob = blob[n:]
		recs = append(recs, fastq.Record{ID: id, Seq: seq, Qual: qual})
	}
	return recs, nil
}
