// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"time"

	"github.com/fqzip/fqzip/archive"
)

// BlockInfo summarises one block for introspection.
type BlockInfo struct {
	BlockID        uint32
	Offset         uint64
	CompressedSize uint64
	ArchiveIDStart uint64
	ReadCount      uint32
	UniformLength  uint32
	Codecs         [archive.NumStreams]archive.CodecFamily
}

// ArchiveInfo summarises an archive without decoding any stream payloads.
type ArchiveInfo struct {
	VersionMajor, VersionMinor uint8
	Flags                      archive.Flags
	CompressionAlgo            archive.CodecFamily
	TotalReads                 uint64
	OriginalFilename           string
	Timestamp                  time.Time
	NumBlocks                  int
	HasReorderMap              bool
	Blocks                     []BlockInfo
}

// Info reads an archive's headers and index.
func Info(archivePath string) (*ArchiveInfo, error) {
	r, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	info := &ArchiveInfo{
		VersionMajor:     r.VersionMajor,
		VersionMinor:     r.VersionMinor,
		Flags:            r.Header.Flags,
		CompressionAlgo:  r.Header.CompressionAlgo,
		TotalReads:       r.Header.TotalReadCount,
		OriginalFilename: r.Header.OriginalFilename,
		Timestamp:        r.Header.Timestamp,
		NumBlocks:        r.NumBlocks(),
		HasReorderMap:    r.Reorder != nil,
	}
	for i, e := range r.Index {
		hdr, err := r.ReadBlockHeader(i)
		if err != nil {
			return nil, err
		}
		bi := BlockInfo{
			BlockID:        hdr.BlockID,
			Offset:         e.Offset,
			CompressedSize: e.CompressedSize,
			ArchiveIDStart: e.ArchiveIDStart,
			ReadCount:      e.ReadCount,
			UniformLength:  hdr.UniformReadLength,
		}
		for s, tag := range hdr.Codecs {
			bi.Codecs[s] = tag.Family()
		}
		info.Blocks = append(info.Blocks, bi)
	}
	return info, nil
}
