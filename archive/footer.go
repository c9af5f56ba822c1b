// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

// FooterLen is the exact size of the file footer.
const FooterLen = 32

// footerSentinel closes every archive.
const footerSentinel = "FQC_EOF\x00"

// Footer is the fixed trailer of an archive.
//
//	index_offset        u64
//	reorder_map_offset  u64  (0 means absent)
//	global_checksum     u64  (xxHash64 over [file_start, footer_start))
//	sentinel            8 bytes "FQC_EOF\0"
type Footer struct {
	IndexOffset      uint64
	ReorderMapOffset uint64
	GlobalChecksum   uint64
}

// Encode appends the 32-byte footer to buf.
func (f Footer) Encode(buf []byte) []byte {
	buf = append(buf, make([]byte, FooterLen)...)
	b := buf[len(buf)-FooterLen:]
	binary.LittleEndian.PutUint64(b[0:], f.IndexOffset)
	binary.LittleEndian.PutUint64(b[8:], f.ReorderMapOffset)
	binary.LittleEndian.PutUint64(b[16:], f.GlobalChecksum)
	copy(b[24:], footerSentinel)
	return buf
}

// DecodeFooter parses the final 32 bytes of an archive, validating the
// sentinel first.
func DecodeFooter(b []byte) (Footer, error) {
	var f Footer
	if len(b) < FooterLen {
		return f, base.FormatErrorf("file too small for footer: %d bytes", errors.Safe(len(b)))
	}
	b = b[len(b)-FooterLen:]
	if string(b[24:32]) != footerSentinel {
		return f, base.FormatErrorf("footer sentinel missing")
	}
	f.IndexOffset = binary.LittleEndian.Uint64(b[0:])
	f.ReorderMapOffset = binary.LittleEndian.Uint64(b[8:])
	f.GlobalChecksum = binary.LittleEndian.Uint64(b[16:])
	return f, nil
}
