// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package minimizer extracts canonical window minimizers from DNA
// sequences under a 2-bit base encoding. The canonical hash of a k-mer is
// the minimum of its forward and reverse-complement hashes, so a read and
// its reverse complement bucket together.
package minimizer

// Frozen extraction parameters.
const (
	K = 23
	W = 12
)

// Entry is one (minimizer, read, position, orientation) bucket entry.
type Entry struct {
	Hash uint64
	Read uint32
	Pos  uint16
	RC   bool
}

const kmerMask = uint64(1)<<(2*K) - 1

// splitmix64 finalizer; mixes the 2-bit k-mer codes into hash space.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func baseCode(b byte) (uint64, bool) {
	switch b {
	case 'A':
		return 0, true
	case 'C':
		return 1, true
	case 'G':
		return 2, true
	case 'T':
		return 3, true
	default:
		return 0, false
	}
}

// window entry for the monotonic minimum deque.
type winEntry struct {
	hash uint64
	pos  int
	rc   bool
}

// Extract emits each distinct minimizer of seq: the canonical-hash minimum
// over every window of W consecutive k-mers. K-mers containing N are
// skipped; a window with no valid k-mer emits nothing.
func Extract(seq []byte, read uint32, emit func(Entry)) {
	if len(seq) < K {
		return
	}
	var fwd, rev uint64
	run := 0
	var deque []winEntry
	lastEmitted := winEntry{pos: -1}
	for i := 0; i < len(seq); i++ {
		code, ok := baseCode(seq[i])
		if !ok {
			run = 0
			deque = deque[:0]
			continue
		}
		fwd = (fwd<<2 | code) & kmerMask
		rev = rev>>2 | (3-code)<<(2*(K-1))
		run++
		if run < K {
			continue
		}
		pos := i - K + 1
		fh, rh := mix(fwd), mix(rev)
		cur := winEntry{hash: fh, pos: pos}
		if rh < fh {
			cur = winEntry{hash: rh, pos: pos, rc: true}
		}
		for len(deque) > 0 && deque[len(deque)-1].hash >= cur.hash {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, cur)
		if deque[0].pos <= pos-W {
			deque = deque[1:]
		}
		// The window is full once W k-mers since the last reset have been
		// seen.
		if run >= K+W-1 {
			m := deque[0]
			if m.pos != lastEmitted.pos || m.hash != lastEmitted.hash {
				emit(Entry{Hash: m.hash, Read: read, Pos: uint16(m.pos), RC: m.rc})
				lastEmitted = m
			}
		}
	}
	// Reads shorter than one full window still contribute their single
	// minimum so short-read buckets are never empty.
	if run >= K && run < K+W-1 && len(deque) > 0 {
		m := deque[0]
		if m.pos != lastEmitted.pos || m.hash != lastEmitted.hash {
			emit(Entry{Hash: m.hash, Read: read, Pos: uint16(m.pos), RC: m.rc})
		}
	}
}
