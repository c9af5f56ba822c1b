// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package base holds the error taxonomy shared by every fqzip component.
//
// Errors are classified by marking them with one of the sentinel errors
// below; the classification survives arbitrary wrapping and maps onto the
// fixed CLI exit codes.
package base

import "github.com/cockroachdb/errors"

// Sentinels for the error taxonomy. Callers classify an error by marking it
// (errors.Mark) with one of these; an unknown codec family carries both
// ErrFormat and ErrUnsupported, and ExitCode resolves marks in a fixed
// precedence.
var (
	// ErrUsage indicates an invalid configuration or argument.
	ErrUsage = errors.New("fqzip: usage error")
	// ErrIO indicates an operating-system read/write/rename failure.
	ErrIO = errors.New("fqzip: i/o error")
	// ErrFormat indicates a malformed or incompatible archive.
	ErrFormat = errors.New("fqzip: format error")
	// ErrChecksum indicates a per-block or global checksum mismatch.
	ErrChecksum = errors.New("fqzip: checksum mismatch")
	// ErrCodec indicates a back-end codec failure.
	ErrCodec = errors.New("fqzip: compression failure")
	// ErrMemory indicates the configured memory budget was exceeded.
	ErrMemory = errors.New("fqzip: memory limit exceeded")
	// ErrCancelled indicates cooperative cancellation was observed.
	ErrCancelled = errors.New("fqzip: cancelled")
	// ErrUnsupported indicates an unknown codec family or version.
	ErrUnsupported = errors.New("fqzip: unsupported codec")
)

// Exit codes fixed by the CLI contract.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitIO          = 2
	ExitFormat      = 3
	ExitChecksum    = 4
	ExitUnsupported = 5
)

// ExitCode maps an error chain to its CLI exit code. Unclassified errors
// are reported as I/O errors, the broadest recoverable class.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrUnsupported):
		return ExitUnsupported
	case errors.Is(err, ErrChecksum):
		return ExitChecksum
	case errors.Is(err, ErrFormat):
		return ExitFormat
	default:
		return ExitIO
	}
}

// FormatErrorf creates a format error. Arguments may be wrapped with
// errors.Safe to mark them as safe for reporting.
func FormatErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("fqzip/archive: "+format, args...), ErrFormat)
}

// ChecksumErrorf creates a checksum-mismatch error.
func ChecksumErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("fqzip/archive: "+format, args...), ErrChecksum)
}

// UsageErrorf creates a usage error.
func UsageErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("fqzip: "+format, args...), ErrUsage)
}

// CodecErrorf creates a compression-failure error.
func CodecErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("fqzip/codec: "+format, args...), ErrCodec)
}

// MarkIO classifies err as an I/O error, preserving the chain.
func MarkIO(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrIO)
}
