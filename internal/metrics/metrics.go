// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package metrics collects pipeline statistics: counters per stage plus
// latency and compression-ratio histograms. A snapshot is surfaced by the
// CLI's --stats flag; the core never logs.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector accumulates compression statistics. Safe for concurrent use
// by pipeline workers.
type Collector struct {
	mu               sync.Mutex
	readsIn          uint64
	bytesIn          uint64
	blocksOut        uint64
	bytesOut         uint64
	streamBytes      [4]uint64 // ids, seq, qual, aux
	compressLatency  *hdrhistogram.Histogram
	compressionRatio *hdrhistogram.Histogram // ratio x1000
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		// 1µs .. 5min at 3 significant figures.
		compressLatency: hdrhistogram.New(1, int64(5*time.Minute/time.Microsecond), 3),
		// ratios 0.001x .. 1000x, scaled by 1000.
		compressionRatio: hdrhistogram.New(1, 1_000_000, 3),
	}
}

// RecordBlock accounts one compressed block.
func (c *Collector) RecordBlock(reads int, uncompressed, compressed uint64, streams [4]uint64, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readsIn += uint64(reads)
	c.bytesIn += uncompressed
	c.blocksOut++
	c.bytesOut += compressed
	for i, s := range streams {
		c.streamBytes[i] += s
	}
	_ = c.compressLatency.RecordValue(int64(elapsed / time.Microsecond))
	if compressed > 0 {
		_ = c.compressionRatio.RecordValue(int64(uncompressed * 1000 / compressed))
	}
}

// Snapshot is an immutable view of the collector.
type Snapshot struct {
	ReadsIn     uint64
	BytesIn     uint64
	BlocksOut   uint64
	BytesOut    uint64
	StreamBytes [4]uint64
	LatencyP50  time.Duration
	LatencyP95  time.Duration
	LatencyMax  time.Duration
	RatioMean   float64
}

// Snapshot captures current totals.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ReadsIn:     c.readsIn,
		BytesIn:     c.bytesIn,
		BlocksOut:   c.blocksOut,
		BytesOut:    c.bytesOut,
		StreamBytes: c.streamBytes,
		LatencyP50:  time.Duration(c.compressLatency.ValueAtQuantile(50)) * time.Microsecond,
		LatencyP95:  time.Duration(c.compressLatency.ValueAtQuantile(95)) * time.Microsecond,
		LatencyMax:  time.Duration(c.compressLatency.Max()) * time.Microsecond,
		RatioMean:   c.compressionRatio.Mean() / 1000,
	}
}

// String renders the snapshot for --stats output.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reads in:          %d\n", s.ReadsIn)
	fmt.Fprintf(&b, "bytes in:          %d\n", s.BytesIn)
	fmt.Fprintf(&b, "blocks out:        %d\n", s.BlocksOut)
	fmt.Fprintf(&b, "bytes out:         %d\n", s.BytesOut)
	fmt.Fprintf(&b, "stream bytes:      ids=%d seq=%d qual=%d aux=%d\n",
		s.StreamBytes[0], s.StreamBytes[1], s.StreamBytes[2], s.StreamBytes[3])
	fmt.Fprintf(&b, "block latency:     p50=%s p95=%s max=%s\n", s.LatencyP50, s.LatencyP95, s.LatencyMax)
	fmt.Fprintf(&b, "compression ratio: %.2fx\n", s.RatioMean)
	return b.String()
}
