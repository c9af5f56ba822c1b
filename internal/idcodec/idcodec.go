// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package idcodec compresses the identifier stream. In tokenise mode each
// identifier is split on a delimiter set and a pattern is detected from a
// sample: token positions that never change are stored once, positions
// that parse as integers become column-wise zigzag-varint deltas, and the
// rest are stored per record. Blocks whose identifiers do not fit the
// pattern fall back to exact mode.
package idcodec

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/backend"
	"github.com/fqzip/fqzip/internal/base"
)

// DefaultDelimiters is the default split set for tokenise mode.
const DefaultDelimiters = ":_/| \t"

const (
	// patternSampleSize is how many leading records inform pattern
	// detection.
	patternSampleSize = 100
	// MinPatternMatchRatio is the fraction of sampled identifiers that
	// must match the detected pattern for tokenise mode to engage.
	MinPatternMatchRatio = 0.9
)

// Kind reports which encoding a block's identifier stream actually used.
type Kind uint8

const (
	// KindExact is length-prefixed concatenation behind the back-end.
	KindExact Kind = iota
	// KindTokenised is the pattern encoding behind the back-end.
	KindTokenised
)

const (
	tokStatic = iota
	tokInt
	tokString
)

// Encode compresses ids. tokenise selects the pattern encoding when it
// applies; preferLZMA selects the LZMA back-end for the tokenised payload.
func Encode(ids []string, tokenise bool, delims string, preferLZMA bool, level int) (Kind, []byte, error) {
	for _, id := range ids {
		if len(id) > 0xFFFF {
			return 0, nil, base.CodecErrorf("identifier longer than 65535 bytes")
		}
	}
	if tokenise {
		if delims == "" {
			delims = DefaultDelimiters
		}
		if blob, ok := encodeTokenised(ids, delims); ok {
			var payload []byte
			var err error
			if preferLZMA {
				payload, err = backend.LzmaCompress(blob)
			} else {
				payload, err = backend.ZstdCompress(blob, level)
			}
			if err != nil {
				return 0, nil, err
			}
			return KindTokenised, payload, nil
		}
	}
	payload, err := backend.ZstdCompress(encodeExact(ids), level)
	if err != nil {
		return 0, nil, err
	}
	return KindExact, payload, nil
}

// DecodeExact reverses exact-mode encoding.
func DecodeExact(payload []byte, count int) ([]string, error) {
	blob, err := backend.ZstdDecompress(payload)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, count)
	for len(blob) > 0 {
		if len(blob) < 2 {
			return nil, base.FormatErrorf("id stream truncated")
		}
		n := int(binary.LittleEndian.Uint16(blob))
		blob = blob[2:]
		if len(blob) < n {
			return nil, base.FormatErrorf("id stream truncated")
		}
		ids = append(ids, string(blob[:n]))
		blob = blob[n:]
	}
	if len(ids) != count {
		return nil, base.FormatErrorf("id stream has %d records, block has %d",
			errors.Safe(len(ids)), errors.Safe(count))
	}
	return ids, nil
}

// DecodeTokenised reverses tokenise-mode encoding.
func DecodeTokenised(payload []byte, count int, lzma bool) ([]string, error) {
	var blob []byte
	var err error
	if lzma {
		blob, err = backend.LzmaDecompress(payload)
	} else {
		blob, err = backend.ZstdDecompress(payload)
	}
	if err != nil {
		return nil, err
	}
	return decodeTokenised(blob, count)
}

func encodeExact(ids []string) []byte {
	var buf []byte
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id)))
		buf = append(buf, id...)
	}
	return buf
}

// splitID is one identifier split into tokens and the delimiter that
// follows each (0 after the last).
type splitID struct {
	tokens []string
	delims []byte
}

func split(id string, delims string) splitID {
	var s splitID
	start := 0
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(delims, id[i]) >= 0 {
			s.tokens = append(s.tokens, id[start:i])
			s.delims = append(s.delims, id[i])
			start = i + 1
		}
	}
	s.tokens = append(s.tokens, id[start:])
	s.delims = append(s.delims, 0)
	return s
}

// canonicalInt reports whether tok is a canonically formatted unsigned
// decimal that re-formats to itself.
func canonicalInt(tok string) (uint64, bool) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, false
	}
	v, err := strconv.ParseUint(tok, 10, 63)
	if err != nil {
		return 0, false
	}
	return v, true
}

type pattern struct {
	kinds  []uint8
	delims []byte
	static []string
}

func (p *pattern) matches(s splitID) bool {
	if len(s.tokens) != len(p.kinds) {
		return false
	}
	for i := range s.delims {
		if s.delims[i] != p.delims[i] {
			return false
		}
	}
	for i, k := range p.kinds {
		switch k {
		case tokStatic:
			if s.tokens[i] != p.static[i] {
				return false
			}
		case tokInt:
			if _, ok := canonicalInt(s.tokens[i]); !ok {
				return false
			}
		}
	}
	return true
}

// detectPattern derives a pattern from the leading sample and verifies
// enough of the sample matches it.
func detectPattern(ids []string, delims string) (*pattern, bool) {
	if len(ids) == 0 {
		return nil, false
	}
	n := min(patternSampleSize, len(ids))
	first := split(ids[0], delims)
	p := &pattern{
		kinds:  make([]uint8, len(first.tokens)),
		delims: first.delims,
		static: append([]string(nil), first.tokens...),
	}
	firstIsInt := make([]bool, len(first.tokens))
	for i, tok := range first.tokens {
		_, firstIsInt[i] = canonicalInt(tok)
	}
	for _, id := range ids[1:n] {
		s := split(id, delims)
		if len(s.tokens) != len(p.kinds) {
			continue
		}
		for i, tok := range s.tokens {
			if tok == p.static[i] || p.kinds[i] == tokString {
				continue
			}
			if _, ok := canonicalInt(tok); ok && firstIsInt[i] {
				p.kinds[i] = tokInt
			} else {
				p.kinds[i] = tokString
			}
		}
	}
	// A pattern of nothing but dynamic strings is exact mode with extra
	// overhead; let the caller fall back.
	structured := false
	for _, k := range p.kinds {
		if k != tokString {
			structured = true
			break
		}
	}
	if !structured {
		return nil, false
	}
	matched := 0
	for _, id := range ids[:n] {
		if p.matches(split(id, delims)) {
			matched++
		}
	}
	if float64(matched) < MinPatternMatchRatio*float64(n) {
		return nil, false
	}
	return p, true
}

// encodeTokenised returns the tokenised blob, or ok=false when the ids do
// not fit a pattern and the caller should fall back to exact mode.
func encodeTokenised(ids []string, delims string) ([]byte, bool) {
	p, ok := detectPattern(ids, delims)
	if !ok {
		return nil, false
	}
	splits := make([]splitID, len(ids))
	for i, id := range ids {
		splits[i] = split(id, delims)
		if !p.matches(splits[i]) {
			return nil, false
		}
	}
	var buf []byte
	buf = append(buf, uint8(len(p.kinds)))
	for i, k := range p.kinds {
		buf = append(buf, k, p.delims[i])
	}
	for i, k := range p.kinds {
		if k == tokStatic {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.static[i])))
			buf = append(buf, p.static[i]...)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ids)))
	var tmp [binary.MaxVarintLen64]byte
	for i, k := range p.kinds {
		switch k {
		case tokInt:
			prev := int64(0)
			for _, s := range splits {
				v, _ := canonicalInt(s.tokens[i])
				n := binary.PutUvarint(tmp[:], zigzag(int64(v)-prev))
				buf = append(buf, tmp[:n]...)
				prev = int64(v)
			}
		case tokString:
			for _, s := range splits {
				buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.tokens[i])))
				buf = append(buf, s.tokens[i]...)
			}
		}
	}
	return buf, true
}

func decodeTokenised(b []byte, count int) ([]string, error) {
	if len(b) < 1 {
		return nil, base.FormatErrorf("id pattern truncated")
	}
	numTokens := int(b[0])
	b = b[1:]
	if numTokens == 0 || len(b) < numTokens*2 {
		return nil, base.FormatErrorf("id pattern truncated")
	}
	kinds := make([]uint8, numTokens)
	delims := make([]byte, numTokens)
	for i := 0; i < numTokens; i++ {
		kinds[i] = b[i*2]
		delims[i] = b[i*2+1]
		if kinds[i] > tokString {
			return nil, base.FormatErrorf("id pattern: unknown token kind %d", errors.Safe(kinds[i]))
		}
	}
	b = b[numTokens*2:]
	static := make([]string, numTokens)
	for i, k := range kinds {
		if k != tokStatic {
			continue
		}
		if len(b) < 2 {
			return nil, base.FormatErrorf("id pattern truncated")
		}
		n := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return nil, base.FormatErrorf("id pattern truncated")
		}
		static[i] = string(b[:n])
		b = b[n:]
	}
	if len(b) < 4 {
		return nil, base.FormatErrorf("id pattern truncated")
	}
	if n := int(binary.LittleEndian.Uint32(b)); n != count {
		return nil, base.FormatErrorf("id stream has %d records, block has %d", errors.Safe(n), errors.Safe(count))
	}
	b = b[4:]
	cols := make([][]string, numTokens)
	for i, k := range kinds {
		switch k {
		case tokInt:
			col := make([]string, count)
			prev := int64(0)
			for r := 0; r < count; r++ {
				u, n := binary.Uvarint(b)
				if n <= 0 {
					return nil, base.FormatErrorf("id stream: malformed varint")
				}
				b = b[n:]
				v := prev + unzigzag(u)
				if v < 0 {
					return nil, base.FormatErrorf("id stream: negative token value")
				}
				col[r] = strconv.FormatInt(v, 10)
				prev = v
			}
			cols[i] = col
		case tokString:
			col := make([]string, count)
			for r := 0; r < count; r++ {
				if len(b) < 2 {
					return nil, base.FormatErrorf("id stream truncated")
				}
				n := int(binary.LittleEndian.Uint16(b))
				b = b[2:]
				if len(b) < n {
					return nil, base.FormatErrorf("id stream truncated")
				}
				col[r] = string(b[:n])
				b = b[n:]
			}
			cols[i] = col
		}
	}
	if len(b) != 0 {
		return nil, base.FormatErrorf("id stream: %d trailing bytes", errors.Safe(len(b)))
	}
	ids := make([]string, count)
	var sb strings.Builder
	for r := 0; r < count; r++ {
		sb.Reset()
		for i, k := range kinds {
			switch k {
			case tokStatic:
				sb.WriteString(static[i])
			default:
				sb.WriteString(cols[i][r])
			}
			if delims[i] != 0 {
				sb.WriteByte(delims[i])
			}
		}
		ids[r] = sb.String()
	}
	return ids, nil
}

// SynthesizeID generates the identifier substituted for a discarded one.
// archiveID is 0-based; paired-end interleaved layouts emit pair/mate
// numbering.
func SynthesizeID(prefix string, archiveID uint64, paired, interleaved bool) string {
	if paired && interleaved {
		pair := archiveID/2 + 1
		mate := archiveID%2 + 1
		return prefix + strconv.FormatUint(pair, 10) + "/" + strconv.FormatUint(mate, 10)
	}
	return prefix + strconv.FormatUint(archiveID+1, 10)
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
