// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package backend provides the general-purpose compressors the per-stream
// codecs delegate to: zstd for most streams, LZMA for identifier streams
// at high compression levels.
package backend

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// zstdLevel maps the archive compression level 1..9 onto the encoder's
// named levels.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// ZstdCompress compresses src at the given archive level.
func ZstdCompress(src []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstdLevel(level)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
	if err != nil {
		return nil, base.CodecErrorf("zstd encoder: %v", err)
	}
	dst := enc.EncodeAll(src, make([]byte, 0, len(src)/2+64))
	if err := enc.Close(); err != nil {
		return nil, base.CodecErrorf("zstd encoder close: %v", err)
	}
	return dst, nil
}

// ZstdDecompress decompresses a zstd frame produced by ZstdCompress.
func ZstdDecompress(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, base.CodecErrorf("zstd decoder: %v", err)
	}
	defer dec.Close()
	dst, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, errors.Mark(base.CodecErrorf("zstd decode: %v", err), base.ErrFormat)
	}
	return dst, nil
}

// LzmaCompress compresses src as an xz/LZMA2 stream.
func LzmaCompress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, base.CodecErrorf("lzma encoder: %v", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, base.CodecErrorf("lzma write: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, base.CodecErrorf("lzma close: %v", err)
	}
	return buf.Bytes(), nil
}

// LzmaDecompress decompresses a stream produced by LzmaCompress.
func LzmaDecompress(src []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Mark(base.CodecErrorf("lzma decoder: %v", err), base.ErrFormat)
	}
	dst, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Mark(base.CodecErrorf("lzma decode: %v", err), base.ErrFormat)
	}
	return dst, nil
}
