// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package scm

import "github.com/fqzip/fqzip/internal/base"

// Carry-propagating integer range coder with a 32-bit range, in the
// classic LZMA arrangement: a 33-bit low accumulator whose carry ripples
// through a run of cached 0xFF bytes. The encoder emits one leading zero
// byte; the decoder consumes it during priming.

const rcTop = 1 << 24

type rangeEncoder struct {
	low      uint64
	rng      uint32
	cache    byte
	cacheLen int
	out      []byte
}

func newRangeEncoder() *rangeEncoder {
	return &rangeEncoder{rng: 0xFFFFFFFF, cacheLen: 1}
}

func (e *rangeEncoder) shiftLow() {
	if uint32(e.low) < 0xFF000000 || e.low>>32 != 0 {
		carry := byte(e.low >> 32)
		b := e.cache
		for {
			e.out = append(e.out, b+carry)
			b = 0xFF
			e.cacheLen--
			if e.cacheLen == 0 {
				break
			}
		}
		e.cache = byte(e.low >> 24)
	}
	e.cacheLen++
	// The freshly cached byte is discarded from low; the wrapping 32-bit
	// shift keeps only the bits still unflushed, leaving bit 32 free for
	// the next addition's carry.
	e.low = uint64(uint32(e.low) << 8)
}

// encode narrows the range to the interval [cum, cum+freq) of total.
func (e *rangeEncoder) encode(cum, freq, total uint32) {
	r := e.rng / total
	e.low += uint64(cum) * uint64(r)
	e.rng = r * freq
	for e.rng < rcTop {
		e.rng <<= 8
		e.shiftLow()
	}
}

func (e *rangeEncoder) finish() []byte {
	for i := 0; i < 5; i++ {
		e.shiftLow()
	}
	return e.out
}

type rangeDecoder struct {
	rng  uint32
	code uint32
	r    uint32
	in   []byte
	pos  int
}

func newRangeDecoder(in []byte) (*rangeDecoder, error) {
	if len(in) < 5 {
		return nil, base.FormatErrorf("quality stream too short for range coder priming")
	}
	d := &rangeDecoder{rng: 0xFFFFFFFF, in: in}
	for i := 0; i < 5; i++ {
		d.code = d.code<<8 | uint32(d.next())
	}
	return d, nil
}

func (d *rangeDecoder) next() byte {
	if d.pos >= len(d.in) {
		// Past-the-end reads feed zeros; a truncated stream surfaces as a
		// symbol-count mismatch in the caller.
		return 0
	}
	b := d.in[d.pos]
	d.pos++
	return b
}

// decodeFreq returns the cumulative-frequency point of the next symbol.
func (d *rangeDecoder) decodeFreq(total uint32) uint32 {
	d.r = d.rng / total
	v := d.code / d.r
	if v >= total {
		v = total - 1
	}
	return v
}

// decodeUpdate consumes the symbol whose interval is [cum, cum+freq).
func (d *rangeDecoder) decodeUpdate(cum, freq uint32) {
	d.code -= cum * d.r
	d.rng = d.r * freq
	for d.rng < rcTop {
		d.code = d.code<<8 | uint32(d.next())
		d.rng <<= 8
	}
}
