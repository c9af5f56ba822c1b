// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package reorder implements the global analyser: read-length regime
// classification, minimizer-bucketed similarity ordering of short reads,
// and block-boundary planning.
package reorder

import (
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/minimizer"
)

// Analyser limits.
const (
	// SampleSize is the number of records sampled for classification.
	SampleSize = 1000
	// MaxSearchCandidates bounds the per-bucket candidate scan during
	// ordering.
	MaxSearchCandidates = 1000
	// cancelCheckInterval is how many placements pass between cancel-flag
	// samples.
	cancelCheckInterval = 1024
)

// Default block sizes per length class.
const (
	ReadsPerBlockShort  = 100000
	ReadsPerBlockMedium = 50000
	ReadsPerBlockLong   = 10000
)

// DefaultReadsPerBlock returns the class's default block size.
func DefaultReadsPerBlock(c archive.LengthClass) int {
	switch c {
	case archive.LengthLong:
		return ReadsPerBlockLong
	case archive.LengthMedium:
		return ReadsPerBlockMedium
	default:
		return ReadsPerBlockShort
	}
}

// Classify derives the length regime from sampled read lengths. With no
// sample to go on (an unseekable stream), it conservatively chooses
// medium.
func Classify(sampleLengths []int) archive.LengthClass {
	if len(sampleLengths) == 0 {
		return archive.LengthMedium
	}
	sorted := append([]int(nil), sampleLengths...)
	sort.Ints(sorted)
	median := sorted[len(sorted)/2]
	max := sorted[len(sorted)-1]
	switch {
	case max >= 10000:
		return archive.LengthLong
	case max > 511:
		// Above the assembly codec's safe read length.
		return archive.LengthMedium
	case median >= 1000:
		return archive.LengthMedium
	default:
		return archive.LengthShort
	}
}

// Phase-1 memory is dominated by the minimizer index and reverse map.
const phase1BytesPerRead = 24

// Phase1Bytes estimates analyser memory for n reads.
func Phase1Bytes(n uint64) uint64 { return phase1BytesPerRead * n }

// Phase2Bytes estimates pipeline memory for the given block size and
// in-flight cap.
func Phase2Bytes(readsPerBlock, inFlight int) uint64 {
	return 50 * uint64(readsPerBlock) * uint64(inFlight)
}

// Order computes the archive ordering of one chunk of short reads: an
// approximate Hamiltonian path that keeps minimizer-sharing reads
// adjacent. The result maps archive position -> original index (the
// reverse permutation); invert it for the forward map.
//
// cancel is sampled at placement granularity; observing it returns a
// cancelled error.
func Order(seqs [][]byte, cancel *atomic.Bool) ([]uint32, error) {
	n := len(seqs)
	if n == 0 {
		return nil, nil
	}
	buckets := swiss.New[uint64, []uint32](n)
	perRead := make([][]uint64, n)
	for i, seq := range seqs {
		var hashes []uint64
		minimizer.Extract(seq, uint32(i), func(e minimizer.Entry) {
			hashes = append(hashes, e.Hash)
			lst, _ := buckets.Get(e.Hash)
			buckets.Put(e.Hash, append(lst, e.Read))
		})
		perRead[i] = hashes
		if i%cancelCheckInterval == 0 && cancel != nil && cancel.Load() {
			return nil, base.ErrCancelled
		}
	}

	used := make([]bool, n)
	order := make([]uint32, 0, n)
	lowest := 0
	cur := uint32(0)
	used[0] = true
	order = append(order, cur)
	for len(order) < n {
		if len(order)%cancelCheckInterval == 0 && cancel != nil && cancel.Load() {
			return nil, base.ErrCancelled
		}
		next := int64(-1)
		bestDist := int(^uint(0) >> 1)
		for _, h := range perRead[cur] {
			lst, _ := buckets.Get(h)
			for scanned, cand := range lst {
				if scanned >= MaxSearchCandidates {
					break
				}
				if used[cand] {
					continue
				}
				d := seqDistance(seqs[cur], seqs[cand], bestDist)
				if d < bestDist || (d == bestDist && next >= 0 && int64(cand) < next) {
					bestDist = d
					next = int64(cand)
				}
			}
		}
		if next < 0 {
			for lowest < n && used[lowest] {
				lowest++
			}
			next = int64(lowest)
		}
		cur = uint32(next)
		used[cur] = true
		order = append(order, cur)
	}
	return order, nil
}

// seqDistance is the Hamming distance over the shared prefix plus the
// length difference, giving up once it exceeds limit.
func seqDistance(a, b []byte, limit int) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	d := len(b) - len(a)
	for i := 0; i < len(a) && d <= limit; i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}

// Boundaries splits n reads into contiguous blocks of readsPerBlock; the
// last block may be short. It returns each block's read count.
func Boundaries(n uint64, readsPerBlock int) []uint32 {
	if n == 0 {
		return nil
	}
	counts := make([]uint32, 0, int(n)/readsPerBlock+1)
	for n > 0 {
		c := uint64(readsPerBlock)
		if n < c {
			c = n
		}
		counts = append(counts, uint32(c))
		n -= c
	}
	return counts
}
