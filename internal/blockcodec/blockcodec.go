// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package blockcodec assembles and disassembles whole blocks: it runs the
// four per-stream codecs in aux, sequence, quality, identifier order,
// lays the compressed streams out contiguously, and computes the
// block-level checksum over the uncompressed logical streams.
package blockcodec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/abc"
	"github.com/fqzip/fqzip/internal/auxcodec"
	"github.com/fqzip/fqzip/internal/backend"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/fastq"
	"github.com/fqzip/fqzip/internal/idcodec"
	"github.com/fqzip/fqzip/internal/scm"
)

const (
	codecVersion = 1
	// lzmaIDLevel is the compression level at and above which identifier
	// streams switch from the zstd to the LZMA back-end.
	lzmaIDLevel = 7
)

// Options configure both sides of the block codec. The decode-relevant
// subset is frozen into the archive's flags and codec parameters.
type Options struct {
	Level       int
	LengthClass archive.LengthClass
	QualMode    archive.QualityMode
	IDMode      archive.IDMode
	SCM         scm.Config
	ABC         abc.Params
	IDDelims    string
	Paired      bool
	Interleaved bool

	// Decode-side.
	PlaceholderQual byte
	IDPrefix        string
}

// scmConfig returns the quality-model configuration for the class: long
// reads drop to the order-1 model.
func (o *Options) scmConfig() scm.Config {
	cfg := o.SCM
	if o.LengthClass == archive.LengthLong {
		cfg.Order = 1
	} else if cfg.Order == 0 {
		cfg.Order = 2
	}
	return cfg
}

// Compressor compresses blocks. A Compressor is owned by one pipeline
// worker at a time; it is stateful only for allocation reuse and carries
// no cross-block model state.
type Compressor struct {
	opts Options
}

// NewCompressor returns a block compressor.
func NewCompressor(opts Options) *Compressor {
	if opts.ABC == (abc.Params{}) {
		opts.ABC = abc.DefaultParams()
	}
	return &Compressor{opts: opts}
}

// Compress encodes one block of records. The payload is assembled into
// scratch when its capacity allows, so callers can recycle buffers across
// blocks; pass nil to allocate.
func (c *Compressor) Compress(blockID uint32, recs []fastq.Record, scratch []byte) (archive.BlockHeader, []byte, error) {
	hdr := archive.BlockHeader{
		BlockID:           blockID,
		ChecksumType:      archive.ChecksumXXHash64,
		UncompressedCount: uint32(len(recs)),
	}
	lengths := make([]uint32, len(recs))
	for i := range recs {
		if recs[i].Len() == 0 {
			return hdr, nil, base.CodecErrorf("block %d: zero-length read %d", blockID, i)
		}
		if len(recs[i].Seq) != len(recs[i].Qual) {
			return hdr, nil, base.CodecErrorf("block %d: read %d sequence/quality length mismatch", blockID, i)
		}
		lengths[i] = uint32(recs[i].Len())
	}

	// Aux first: it decides uniform_read_length for the header.
	uniform, auxLogical, auxPayload, err := auxcodec.Encode(lengths, c.opts.Level)
	if err != nil {
		return hdr, nil, err
	}
	hdr.UniformReadLength = uniform
	hdr.Codecs[archive.StreamAux] = archive.MakeCodecTag(archive.CodecDeltaVarint, codecVersion)

	seqs := make([][]byte, len(recs))
	for i := range recs {
		seqs[i] = recs[i].Seq
	}
	// The assembly codec is only safe for short reads; a block that sneaks
	// a longer read past the sampled classification drops to the plain
	// codec, recorded in its own codec tag.
	useABC := c.opts.LengthClass == archive.LengthShort
	for _, l := range lengths {
		if l > abc.MaxReadLen {
			useABC = false
			break
		}
	}
	var seqPayload []byte
	if useABC {
		_, seqPayload, err = abc.Encode(seqs, c.opts.ABC, c.opts.Level)
		hdr.Codecs[archive.StreamSeq] = archive.MakeCodecTag(archive.CodecABC, codecVersion)
	} else {
		seqPayload, err = encodePlainSeq(seqs, c.opts.Level)
		hdr.Codecs[archive.StreamSeq] = archive.MakeCodecTag(archive.CodecZstdPlain, codecVersion)
	}
	if err != nil {
		return hdr, nil, err
	}

	qualLogical, qualPayload, qualTag, err := c.compressQuality(recs, lengths, seqs)
	if err != nil {
		return hdr, nil, err
	}
	hdr.Codecs[archive.StreamQual] = qualTag

	idsLogical, idsPayload, idsTag, err := c.compressIDs(recs)
	if err != nil {
		return hdr, nil, err
	}
	hdr.Codecs[archive.StreamIDs] = idsTag

	seqLogical := concat(seqs, 0)
	hdr.Checksum = archive.BlockChecksum(idsLogical, seqLogical, qualLogical, auxLogical)

	payload := scratch[:0]
	var off uint64
	for i, stream := range [archive.NumStreams][]byte{idsPayload, seqPayload, qualPayload, auxPayload} {
		hdr.Streams[i] = archive.StreamExtent{Offset: off, Size: uint64(len(stream))}
		payload = append(payload, stream...)
		off += uint64(len(stream))
	}
	hdr.CompressedSize = off
	return hdr, payload, nil
}

func (c *Compressor) compressQuality(recs []fastq.Record, lengths []uint32, seqs [][]byte) (logical, payload []byte, tag archive.CodecTag, err error) {
	if c.opts.QualMode == archive.QualityDiscard {
		return nil, nil, archive.MakeCodecTag(archive.CodecRaw, codecVersion), nil
	}
	total := 0
	for _, l := range lengths {
		total += int(l)
	}
	// Shift to [0, 93] and apply the lossy transform when one is selected.
	shifted := make([]byte, 0, total)
	for i := range recs {
		for _, q := range recs[i].Qual {
			v := q - '!'
			switch c.opts.QualMode {
			case archive.QualityIllumina:
				v = scm.BinIllumina8(v)
			case archive.QualityQVZ:
				v = scm.BinQVZ(v)
			}
			shifted = append(shifted, v)
		}
	}
	cfg := c.opts.scmConfig()
	var seqCat []byte
	if cfg.UseBaseCtx {
		seqCat = concat(seqs, total)
	}
	payload, err = scm.Compress(cfg, shifted, lengths, seqCat)
	if err != nil {
		return nil, nil, 0, err
	}
	// The logical stream is the post-transform Phred+33 characters.
	logical = make([]byte, len(shifted))
	for i, v := range shifted {
		logical[i] = v + '!'
	}
	family := archive.CodecSCM
	if cfg.Order == 1 {
		family = archive.CodecSCMOrder1
	}
	return logical, payload, archive.MakeCodecTag(family, codecVersion), nil
}

func (c *Compressor) compressIDs(recs []fastq.Record) (logical, payload []byte, tag archive.CodecTag, err error) {
	if c.opts.IDMode == archive.IDDiscard {
		return nil, nil, archive.MakeCodecTag(archive.CodecRaw, codecVersion), nil
	}
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
		logical = append(logical, recs[i].ID...)
		logical = append(logical, '\n')
	}
	preferLZMA := c.opts.Level >= lzmaIDLevel
	kind, payload, err := idcodec.Encode(ids, c.opts.IDMode == archive.IDTokenise, c.opts.IDDelims, preferLZMA, c.opts.Level)
	if err != nil {
		return nil, nil, 0, err
	}
	switch {
	case kind == idcodec.KindTokenised && preferLZMA:
		tag = archive.MakeCodecTag(archive.CodecDeltaLZMA, codecVersion)
	case kind == idcodec.KindTokenised:
		tag = archive.MakeCodecTag(archive.CodecDeltaZstd, codecVersion)
	default:
		tag = archive.MakeCodecTag(archive.CodecZstdPlain, codecVersion)
	}
	return logical, payload, tag, nil
}

func encodePlainSeq(seqs [][]byte, level int) ([]byte, error) {
	var blob []byte
	for _, s := range seqs {
		blob = binary.LittleEndian.AppendUint32(blob, uint32(len(s)))
		blob = append(blob, s...)
	}
	return backend.ZstdCompress(blob, level)
}

func decodePlainSeq(payload []byte, lengths []uint32) ([][]byte, error) {
	blob, err := backend.ZstdDecompress(payload)
	if err != nil {
		return nil, err
	}
	seqs := make([][]byte, len(lengths))
	for i, want := range lengths {
		if len(blob) < 4 {
			return nil, base.FormatErrorf("sequence stream truncated at read %d", errors.Safe(i))
		}
		n := binary.LittleEndian.Uint32(blob)
		blob = blob[4:]
		if n != want {
			return nil, base.FormatErrorf("sequence stream: read %d length %d, aux says %d",
				errors.Safe(i), errors.Safe(n), errors.Safe(want))
		}
		if uint32(len(blob)) < n {
			return nil, base.FormatErrorf("sequence stream truncated at read %d", errors.Safe(i))
		}
		seqs[i] = append([]byte(nil), blob[:n]...)
		blob = blob[n:]
	}
	if len(blob) != 0 {
		return nil, base.FormatErrorf("sequence stream: %d trailing bytes", errors.Safe(len(blob)))
	}
	return seqs, nil
}

func concat(bs [][]byte, sizeHint int) []byte {
	out := make([]byte, 0, sizeHint)
	for _, b := range bs {
		out = append(out, b...)
	}
	return out
}

// Decompress reconstructs one block's records. archiveIDStart seeds
// identifier synthesis in discard mode. The block checksum is recomputed
// over the reconstructed logical streams; a mismatch is reported with the
// block id attached.
func Decompress(opts Options, hdr archive.BlockHeader, payload []byte, archiveIDStart uint64) ([]fastq.Record, error) {
	count := int(hdr.UncompressedCount)
	streams := make([][]byte, archive.NumStreams)
	for i, e := range hdr.Streams {
		if e.Offset+e.Size > uint64(len(payload)) {
			return nil, base.FormatErrorf("block %d: stream %d extends past payload",
				errors.Safe(hdr.BlockID), errors.Safe(i))
		}
		streams[i] = payload[e.Offset : e.Offset+e.Size]
	}

	var lengths []uint32
	var auxLogical []byte
	if hdr.UniformReadLength != 0 {
		lengths = make([]uint32, count)
		for i := range lengths {
			lengths[i] = hdr.UniformReadLength
		}
	} else {
		var err error
		lengths, auxLogical, err = auxcodec.Decode(streams[archive.StreamAux], count)
		if err != nil {
			return nil, err
		}
	}

	var seqs [][]byte
	var err error
	switch fam := hdr.Codecs[archive.StreamSeq].Family(); fam {
	case archive.CodecABC:
		seqs, _, err = abc.Decode(streams[archive.StreamSeq], count)
		if err != nil {
			return nil, err
		}
		for i, s := range seqs {
			if uint32(len(s)) != lengths[i] {
				return nil, base.FormatErrorf("block %d: read %d length %d, aux says %d",
					errors.Safe(hdr.BlockID), errors.Safe(i), errors.Safe(len(s)), errors.Safe(lengths[i]))
			}
		}
	case archive.CodecZstdPlain:
		if seqs, err = decodePlainSeq(streams[archive.StreamSeq], lengths); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Mark(
			base.FormatErrorf("block %d: sequence codec %s not decodable",
				errors.Safe(hdr.BlockID), errors.Safe(fam.String())),
			base.ErrUnsupported)
	}
	seqLogical := concat(seqs, 0)

	total := 0
	for _, l := range lengths {
		total += int(l)
	}
	var qualLogical []byte
	quals := make([][]byte, count)
	switch fam := hdr.Codecs[archive.StreamQual].Family(); fam {
	case archive.CodecRaw:
		// Discarded: synthesise the placeholder per base.
		ph := opts.PlaceholderQual
		if ph == 0 {
			ph = '!'
		}
		for i, l := range lengths {
			q := make([]byte, l)
			for j := range q {
				q[j] = ph
			}
			quals[i] = q
		}
	case archive.CodecSCM, archive.CodecSCMOrder1:
		cfg := opts.scmConfig()
		if fam == archive.CodecSCMOrder1 {
			cfg.Order = 1
		} else {
			cfg.Order = 2
		}
		var seqCat []byte
		if cfg.UseBaseCtx {
			seqCat = seqLogical
		}
		shifted, err := scm.Decompress(cfg, streams[archive.StreamQual], lengths, seqCat)
		if err != nil {
			return nil, err
		}
		qualLogical = make([]byte, len(shifted))
		for i, v := range shifted {
			qualLogical[i] = v + '!'
		}
		off := 0
		for i, l := range lengths {
			quals[i] = qualLogical[off : off+int(l)]
			off += int(l)
		}
	default:
		return nil, errors.Mark(
			base.FormatErrorf("block %d: quality codec %s not decodable",
				errors.Safe(hdr.BlockID), errors.Safe(fam.String())),
			base.ErrUnsupported)
	}

	var ids []string
	var idsLogical []byte
	switch fam := hdr.Codecs[archive.StreamIDs].Family(); fam {
	case archive.CodecRaw:
		ids = make([]string, count)
		for i := range ids {
			ids[i] = idcodec.SynthesizeID(opts.IDPrefix, archiveIDStart+uint64(i), opts.Paired, opts.Interleaved)
		}
	case archive.CodecDeltaLZMA, archive.CodecDeltaZstd:
		if ids, err = idcodec.DecodeTokenised(streams[archive.StreamIDs], count, fam == archive.CodecDeltaLZMA); err != nil {
			return nil, err
		}
	case archive.CodecZstdPlain:
		if ids, err = idcodec.DecodeExact(streams[archive.StreamIDs], count); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Mark(
			base.FormatErrorf("block %d: id codec %s not decodable",
				errors.Safe(hdr.BlockID), errors.Safe(fam.String())),
			base.ErrUnsupported)
	}
	if fam := hdr.Codecs[archive.StreamIDs].Family(); fam != archive.CodecRaw {
		for _, id := range ids {
			idsLogical = append(idsLogical, id...)
			idsLogical = append(idsLogical, '\n')
		}
	}

	if sum := archive.BlockChecksum(idsLogical, seqLogical, qualLogical, auxLogical); sum != hdr.Checksum {
		return nil, base.ChecksumErrorf("block %d: checksum mismatch: computed %x, header has %x",
			errors.Safe(hdr.BlockID), errors.Safe(sum), errors.Safe(hdr.Checksum))
	}

	recs := make([]fastq.Record, count)
	for i := range recs {
		recs[i] = fastq.Record{ID: ids[i], Seq: seqs[i], Qual: quals[i]}
	}
	return recs, nil
}
