// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package abc implements the assembly-based sequence codec for short
// reads. Reads within a block are clustered against evolving consensus
// sequences; each read is stored as a shift, an orientation flag, and a
// sparse list of substitution edits against the final consensus, and the
// serialised blob rides the general-purpose back-end.
//
// Contigs and deltas are pure value types in slices indexed by integers;
// a delta's consensus lives in its enclosing contig record.
package abc

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/backend"
	"github.com/fqzip/fqzip/internal/base"
)

// MaxReadLen is the longest read the assembly codec accepts; longer reads
// use the plain codec.
const MaxReadLen = 511

// Encode compresses the block's sequences. The returned logical bytes are
// the serialised blob before the back-end pass.
func Encode(seqs [][]byte, p Params, level int) (logical, payload []byte, err error) {
	for i, s := range seqs {
		if len(s) == 0 || len(s) > MaxReadLen {
			return nil, nil, base.CodecErrorf("read %d length %d outside assembly codec range", i, len(s))
		}
	}
	clusters := buildClusters(seqs, p)
	logical = serialize(clusters)
	payload, err = backend.ZstdCompress(logical, level)
	if err != nil {
		return nil, nil, err
	}
	return logical, payload, nil
}

func serialize(clusters []*cluster) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(clusters)))
	for _, c := range clusters {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.cons)))
		buf = append(buf, c.cons...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.reads)))
		for _, r := range c.reads {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(r.order))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(r.start)))
			var flags byte
			if r.rc {
				flags |= 1
			}
			buf = append(buf, flags)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.seq)))
			var positions []uint16
			var chars []byte
			for pos, b := range r.seq {
				ref := refBaseAt(c.cons, r.start+pos)
				if b == ref {
					continue
				}
				positions = append(positions, uint16(pos))
				chars = append(chars, noiseEncode[baseIndex(ref)][baseIndex(b)])
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(positions)))
			for _, pos := range positions {
				buf = binary.LittleEndian.AppendUint16(buf, pos)
			}
			buf = append(buf, chars...)
		}
	}
	return buf
}

// refBaseAt returns the consensus base at cp, or 'N' outside the
// consensus; decoders pad the same way.
func refBaseAt(cons []byte, cp int) byte {
	if cp < 0 || cp >= len(cons) {
		return 'N'
	}
	return cons[cp]
}

// Decode reverses Encode. count is the number of reads the block holds;
// every intra-block order in the blob must be unique and in range. The
// returned logical bytes are the decompressed blob.
func Decode(payload []byte, count int) (seqs [][]byte, logical []byte, err error) {
	logical, err = backend.ZstdDecompress(payload)
	if err != nil {
		return nil, nil, err
	}
	seqs = make([][]byte, count)
	b := logical
	numContigs, b, err := readU32(b, "contig count")
	if err != nil {
		return nil, nil, err
	}
	for ci := uint32(0); ci < numContigs; ci++ {
		var consLen uint32
		if consLen, b, err = readU16(b, "consensus length"); err != nil {
			return nil, nil, err
		}
		if uint32(len(b)) < consLen {
			return nil, nil, truncated("consensus")
		}
		cons := b[:consLen]
		b = b[consLen:]
		var numDeltas uint32
		if numDeltas, b, err = readU32(b, "delta count"); err != nil {
			return nil, nil, err
		}
		for di := uint32(0); di < numDeltas; di++ {
			var order, shiftRaw, readLen, numMM uint32
			if order, b, err = readU32(b, "read order"); err != nil {
				return nil, nil, err
			}
			if shiftRaw, b, err = readU16(b, "shift"); err != nil {
				return nil, nil, err
			}
			if len(b) < 1 {
				return nil, nil, truncated("flags")
			}
			flags := b[0]
			b = b[1:]
			if readLen, b, err = readU16(b, "read length"); err != nil {
				return nil, nil, err
			}
			if numMM, b, err = readU16(b, "mismatch count"); err != nil {
				return nil, nil, err
			}
			if uint32(len(b)) < numMM*2+numMM {
				return nil, nil, truncated("mismatches")
			}
			shift := int(int16(shiftRaw))
			if int(order) >= count || seqs[order] != nil {
				return nil, nil, base.FormatErrorf("sequence blob: bad read order %d", errors.Safe(order))
			}
			seq := make([]byte, readLen)
			for p := range seq {
				seq[p] = refBaseAt(cons, shift+p)
			}
			mmPos := b[:numMM*2]
			mmChar := b[numMM*2 : numMM*2+numMM]
			b = b[numMM*2+numMM:]
			for m := uint32(0); m < numMM; m++ {
				pos := binary.LittleEndian.Uint16(mmPos[m*2:])
				if uint32(pos) >= readLen {
					return nil, nil, base.FormatErrorf("sequence blob: edit position %d beyond read", errors.Safe(pos))
				}
				noise := mmChar[m]
				if noise < '0' || noise > '3' {
					return nil, nil, base.FormatErrorf("sequence blob: bad edit character %q", errors.Safe(noise))
				}
				ref := refBaseAt(cons, shift+int(pos))
				seq[pos] = noiseDecode[baseIndex(ref)][noise-'0']
			}
			if flags&1 != 0 {
				ReverseComplement(seq)
			}
			seqs[order] = seq
		}
	}
	if len(b) != 0 {
		return nil, nil, base.FormatErrorf("sequence blob: %d trailing bytes", errors.Safe(len(b)))
	}
	for i, s := range seqs {
		if s == nil {
			return nil, nil, base.FormatErrorf("sequence blob: read %d missing", errors.Safe(i))
		}
	}
	return seqs, logical, nil
}

func readU32(b []byte, what string) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, truncated(what)
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func readU16(b []byte, what string) (uint32, []byte, error) {
	if len(b) < 2 {
		return 0, nil, truncated(what)
	}
	return uint32(binary.LittleEndian.Uint16(b)), b[2:], nil
}

func truncated(what string) error {
	return base.FormatErrorf("sequence blob truncated reading %s", errors.Safe(what))
}
