// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package abc

// Params bound the alignment search during clustering.
type Params struct {
	// MaxShift is the largest |shift| tried when aligning a read against
	// the open cluster's consensus.
	MaxShift int
	// HammingThreshold is the largest accepted alignment distance.
	HammingThreshold int
}

// DefaultParams are the frozen ABC_V1 defaults.
func DefaultParams() Params {
	return Params{MaxShift: 15, HammingThreshold: 8}
}

// maxConsensusLen bounds consensus growth; a cluster that would creep past
// it is closed instead, keeping the serialised length within its u16
// field.
const maxConsensusLen = 4096

// placement records where one read landed inside a cluster. seq is the
// oriented read: already reverse-complemented when rc is set.
type placement struct {
	order int // intra-block index
	start int // cluster coordinate of seq[0]
	rc    bool
	seq   []byte
}

// cluster accumulates reads against a growing consensus. placement starts
// index the current cons slice; prepending an extension renumbers the
// placements already recorded.
type cluster struct {
	counts [][4]uint16 // per consensus position, saturating
	cons   []byte      // argmax consensus, never 'N'
	reads  []placement
}

func newCluster(order int, seq []byte) *cluster {
	c := &cluster{
		counts: make([][4]uint16, len(seq)),
		cons:   make([]byte, len(seq)),
	}
	c.reads = append(c.reads, placement{order: order, start: 0, seq: seq})
	c.vote(0, seq)
	return c
}

// hamming is the alignment distance of seq placed at shift relative to the
// consensus start; consensus positions the read overhangs count as
// mismatches.
func (c *cluster) hamming(seq []byte, shift int, limit int) int {
	d := 0
	for p := 0; p < len(seq) && d <= limit; p++ {
		cp := shift + p
		if cp < 0 || cp >= len(c.cons) || seq[p] != c.cons[cp] {
			d++
		}
	}
	return d
}

// vote adds seq's bases to the counts starting at consensus coordinate
// shift (which must be in range after any extension) and refreshes the
// consensus over the affected span.
func (c *cluster) vote(shift int, seq []byte) {
	for p, b := range seq {
		bi := baseIndex(b)
		if bi == baseN {
			continue // N is an edit character, never a consensus vote
		}
		if cnt := &c.counts[shift+p][bi]; *cnt < ^uint16(0) {
			*cnt++
		}
	}
	for p := shift; p < shift+len(seq); p++ {
		c.cons[p] = argmaxBase(&c.counts[p])
	}
}

func argmaxBase(counts *[4]uint16) byte {
	best, bi := counts[0], 0
	for i := 1; i < 4; i++ {
		if counts[i] > best {
			best, bi = counts[i], i
		}
	}
	return baseChar[bi]
}

// extend grows the consensus so that [shift, shift+n) is in range,
// returning the adjusted shift.
func (c *cluster) extend(shift, n int) int {
	if shift < 0 {
		grow := -shift
		c.counts = append(make([][4]uint16, grow), c.counts...)
		c.cons = append(make([]byte, grow), c.cons...)
		for p := 0; p < grow; p++ {
			c.cons[p] = 'A' // zero counts; refreshed by the caller's vote
		}
		for i := range c.reads {
			c.reads[i].start += grow
		}
		shift = 0
	}
	if end := shift + n; end > len(c.cons) {
		grow := end - len(c.cons)
		c.counts = append(c.counts, make([][4]uint16, grow)...)
		tail := make([]byte, grow)
		for i := range tail {
			tail[i] = 'A'
		}
		c.cons = append(c.cons, tail...)
	}
	return shift
}

// add places seq (already oriented) at shift relative to the consensus
// start.
func (c *cluster) add(order, shift int, rc bool, seq []byte) {
	shift = c.extend(shift, len(seq))
	c.reads = append(c.reads, placement{order: order, start: shift, rc: rc, seq: seq})
	c.vote(shift, seq)
}

// bestAlignment searches both orientations and all shifts within
// p.MaxShift for the placement minimising the alignment distance.
func bestAlignment(c *cluster, seq []byte, p Params) (shift int, rc bool, dist int) {
	dist = len(seq) + 1
	rcSeq := append([]byte(nil), seq...)
	ReverseComplement(rcSeq)
	for _, cand := range [2]struct {
		seq []byte
		rc  bool
	}{{seq, false}, {rcSeq, true}} {
		for s := -p.MaxShift; s <= p.MaxShift; s++ {
			if d := c.hamming(cand.seq, s, dist); d < dist {
				shift, rc, dist = s, cand.rc, d
			}
		}
	}
	return shift, rc, dist
}

// buildClusters walks the block's reads in archive order, fitting each
// into the current open cluster or opening a new one.
func buildClusters(seqs [][]byte, p Params) []*cluster {
	var clusters []*cluster
	var open *cluster
	for i, seq := range seqs {
		if open == nil {
			open = newCluster(i, append([]byte(nil), seq...))
			clusters = append(clusters, open)
			continue
		}
		shift, rc, dist := bestAlignment(open, seq, p)
		grown := max(len(open.cons), shift+len(seq)) + max(0, -shift)
		if dist <= p.HammingThreshold && grown <= maxConsensusLen {
			oriented := append([]byte(nil), seq...)
			if rc {
				ReverseComplement(oriented)
			}
			open.add(i, shift, rc, oriented)
		} else {
			open = newCluster(i, append([]byte(nil), seq...))
			clusters = append(clusters, open)
		}
	}
	return clusters
}
