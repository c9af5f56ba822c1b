// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fqzip

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/blockcodec"
)

// Verify validates an archive: the footer sentinel and framing (checked by
// Open), the global checksum over the file prefix, then every block's
// checksum over its reconstructed logical streams. The first failure is
// returned with its location attached.
func Verify(ctx context.Context, archivePath string) error {
	r, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := r.VerifyGlobalChecksum(); err != nil {
		return err
	}
	copts := decodeOptions(r, &DecompressOptions{PlaceholderQual: '!', Streams: AllStreams()})
	for i := range r.Index {
		if err := ctx.Err(); err != nil {
			return errors.Mark(err, base.ErrCancelled)
		}
		hdr, payload, err := r.ReadBlock(i)
		if err != nil {
			return err
		}
		if _, err := blockcodec.Decompress(copts, hdr, payload, r.Index[i].ArchiveIDStart); err != nil {
			return err
		}
	}
	return nil
}
