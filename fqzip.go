// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package fqzip is a block-oriented, random-access compressor for FASTQ
// sequencing data.
//
// Compression is two-phase. A global analysis pass classifies the
// read-length regime and, for short reads, computes a similarity ordering
// that places related reads adjacent. A pipeline pass then cuts the
// (possibly reordered) read stream into blocks and compresses them in
// parallel: within each block the identifier, sequence, quality, and
// auxiliary length streams are encoded by independent codecs and laid out
// behind a fixed block header. Blocks are independently decodable, so
// decompression of an archive-id range touches only the blocks that
// intersect it.
//
// The on-disk format is implemented by the archive package; the
// per-stream codecs live under internal/.
package fqzip
