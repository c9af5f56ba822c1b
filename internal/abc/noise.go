// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package abc

// Base indices used throughout the codec. Ties in consensus voting break
// in this order.
const (
	baseA = iota
	baseC
	baseG
	baseT
	baseN
)

func baseIndex(b byte) int {
	switch b {
	case 'A':
		return baseA
	case 'C':
		return baseC
	case 'G':
		return baseG
	case 'T':
		return baseT
	default:
		return baseN
	}
}

var baseChar = [5]byte{'A', 'C', 'G', 'T', 'N'}

// complement of a base character; N maps to itself.
var complement = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 'N'
	}
	t['A'], t['C'], t['G'], t['T'] = 'T', 'G', 'C', 'A'
	return t
}()

// ReverseComplement reverses and complements s in place.
func ReverseComplement(s []byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = complement[s[j]], complement[s[i]]
	}
	if len(s)%2 == 1 {
		mid := len(s) / 2
		s[mid] = complement[s[mid]]
	}
}

// The noise table maps a (reference, read) substitution to one of the four
// edit characters '0'..'3'. It is ref-major with the empirically common
// transition (A<->G, C<->T) in slot '0'; N always maps to '3'. The N row
// covers positions the consensus does not span, which decode as 'N' before
// edits apply. The table is frozen as part of ABC_V1.
var noiseEncode = [5][5]byte{
	baseA: {0, '1', '0', '2', '3'},
	baseC: {'1', 0, '2', '0', '3'},
	baseG: {'0', '2', 0, '1', '3'},
	baseT: {'2', '0', '1', 0, '3'},
	baseN: {'0', '1', '2', '3', 0},
}

// noiseDecode is the inverse: noiseDecode[ref][edit-'0'] is the read base.
var noiseDecode = [5][4]byte{
	baseA: {'G', 'C', 'T', 'N'},
	baseC: {'T', 'A', 'G', 'N'},
	baseG: {'A', 'T', 'C', 'N'},
	baseT: {'C', 'G', 'A', 'N'},
	baseN: {'A', 'C', 'G', 'T'},
}
