// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package scm implements the statistical context-mixing quality codec: an
// adaptive range coder whose per-symbol frequency table is selected by a
// composite context of previous quality symbols, a position bin, and
// optionally the DNA base under the symbol.
package scm

import (
	"github.com/fqzip/fqzip/internal/base"
)

// DefaultPosBins is the default number of position bins.
const DefaultPosBins = 16

// prevQuantLevels is the quantisation of the second-previous symbol in
// order-2 contexts; part of the frozen SCM_V1 context definition.
const prevQuantLevels = 16

// Config selects the context composition. Both sides of a block must use
// the same Config; it is recorded in the archive's codec parameters.
type Config struct {
	// Order is 1 or 2 previous symbols.
	Order int
	// PosBins is the number of position bins (default 16).
	PosBins int
	// UseBaseCtx folds the DNA base at the current position into the
	// context.
	UseBaseCtx bool
}

func (c Config) withDefaults() Config {
	if c.PosBins == 0 {
		c.PosBins = DefaultPosBins
	}
	if c.Order == 0 {
		c.Order = 2
	}
	return c
}

func (c Config) numContexts() int {
	n := NumSymbols * c.PosBins
	if c.Order == 2 {
		n *= prevQuantLevels
	}
	if c.UseBaseCtx {
		n *= 5
	}
	return n
}

func quantPrev2(q int) int {
	v := q / 6
	if v >= prevQuantLevels {
		v = prevQuantLevels - 1
	}
	return v
}

func baseIndex(b byte) int {
	switch b {
	case 'A':
		return 0
	case 'C':
		return 1
	case 'G':
		return 2
	case 'T':
		return 3
	default:
		return 4
	}
}

// model owns the lazily allocated context tables for one block.
type model struct {
	cfg    Config
	tables []*freqTable
}

func newModel(cfg Config) *model {
	return &model{cfg: cfg, tables: make([]*freqTable, cfg.numContexts())}
}

func (m *model) context(q1, q2, pos int, readLen int, dnaBase byte) int {
	ctx := q1
	if m.cfg.Order == 2 {
		ctx = ctx*prevQuantLevels + quantPrev2(q2)
	}
	bin := pos * m.cfg.PosBins / readLen
	ctx = ctx*m.cfg.PosBins + bin
	if m.cfg.UseBaseCtx {
		ctx = ctx*5 + baseIndex(dnaBase)
	}
	return ctx
}

func (m *model) table(ctx int) *freqTable {
	t := m.tables[ctx]
	if t == nil {
		t = newFreqTable()
		m.tables[ctx] = t
	}
	return t
}

// Compress encodes the concatenated quality bytes of a block. lengths
// gives the per-read boundaries; seq is the concatenated sequence bytes in
// the same layout, consulted only when the config enables the base
// context. Quality bytes must already be shifted to [0, NumSymbols).
func Compress(cfg Config, qual []byte, lengths []uint32, seq []byte) ([]byte, error) {
	cfg = cfg.withDefaults()
	m := newModel(cfg)
	enc := newRangeEncoder()
	off := 0
	for _, rl := range lengths {
		q1, q2 := 0, 0
		for pos := 0; pos < int(rl); pos++ {
			sym := int(qual[off+pos])
			if sym >= NumSymbols {
				return nil, base.CodecErrorf("quality symbol %d out of range", sym)
			}
			var dna byte
			if cfg.UseBaseCtx {
				dna = seq[off+pos]
			}
			t := m.table(m.context(q1, q2, pos, int(rl), dna))
			cum, freq := t.lookup(sym)
			enc.encode(cum, freq, t.total)
			t.update(sym)
			q2, q1 = q1, sym
		}
		off += int(rl)
	}
	if off != len(qual) {
		return nil, base.CodecErrorf("quality stream length %d does not match lengths sum %d", len(qual), off)
	}
	return enc.finish(), nil
}

// Decompress reverses Compress, producing exactly the encoder's input
// bytes.
func Decompress(cfg Config, payload []byte, lengths []uint32, seq []byte) ([]byte, error) {
	cfg = cfg.withDefaults()
	total := 0
	for _, rl := range lengths {
		total += int(rl)
	}
	if total == 0 {
		return nil, nil
	}
	dec, err := newRangeDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := newModel(cfg)
	out := make([]byte, total)
	off := 0
	for _, rl := range lengths {
		q1, q2 := 0, 0
		for pos := 0; pos < int(rl); pos++ {
			var dna byte
			if cfg.UseBaseCtx {
				dna = seq[off+pos]
			}
			t := m.table(m.context(q1, q2, pos, int(rl), dna))
			sym, cum, freq := t.find(dec.decodeFreq(t.total))
			dec.decodeUpdate(cum, freq)
			t.update(sym)
			out[off+pos] = byte(sym)
			q2, q1 = q1, sym
		}
		off += int(rl)
	}
	return out, nil
}

// IlluminaBinBoundaries are the fixed upper bounds of the 8 Illumina bins.
var IlluminaBinBoundaries = [8]byte{2, 10, 20, 25, 30, 35, 40, 94}

// IlluminaBinRepresentatives are the bin representatives substituted
// before coding.
var IlluminaBinRepresentatives = [8]byte{0, 6, 15, 22, 27, 33, 37, 40}

// BinIllumina8 maps a quality value in [0, 93] to its 8-bin
// representative. The mapping is a deliberate loss signalled by the
// quality-mode flags.
func BinIllumina8(q byte) byte {
	for i, bound := range IlluminaBinBoundaries {
		if q < bound {
			return IlluminaBinRepresentatives[i]
		}
	}
	return IlluminaBinRepresentatives[7]
}

// qvzLevels is the uniform quantiser used for the QVZ quality mode.
const qvzLevels = 16

// BinQVZ maps a quality value to its QVZ-mode representative: the centre
// of one of 16 uniform bins over [0, 93].
func BinQVZ(q byte) byte {
	w := (NumSymbols + qvzLevels - 1) / qvzLevels
	bin := int(q) / w
	rep := bin*w + w/2
	if rep >= NumSymbols {
		rep = NumSymbols - 1
	}
	return byte(rep)
}
