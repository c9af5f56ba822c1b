// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package archive

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
)

// Writer writes an archive to a sibling temporary path and atomically
// renames it into place on Finish. Every byte written before the footer is
// folded into the running global checksum.
//
// A Writer is not safe for concurrent use. Blocks must be appended in
// strictly ascending block-id order; the ordering of file offsets against
// index entries depends on it.
type Writer struct {
	path    string
	tmpPath string
	f       *os.File
	bw      *bufio.Writer
	digest  *xxhash.Digest
	offset  uint64

	headerWritten bool
	nextBlockID   uint32
	nextArchiveID uint64
	index         []IndexEntry
	reorderOffset uint64
	blocksDone    bool

	totalPatched bool

	finished bool
	aborted  bool
}

// globalHeaderTotalOffset is the file offset of the global header's
// total-read-count field.
const globalHeaderTotalOffset = MagicLen + 16

var liveWriters struct {
	sync.Mutex
	m    map[*Writer]struct{}
	once sync.Once
}

// registerForCleanup arranges for live writers to unlink their temporary
// files when the process receives SIGINT or SIGTERM.
func registerForCleanup(w *Writer) {
	liveWriters.Lock()
	defer liveWriters.Unlock()
	if liveWriters.m == nil {
		liveWriters.m = make(map[*Writer]struct{})
	}
	liveWriters.m[w] = struct{}{}
	liveWriters.once.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			liveWriters.Lock()
			for lw := range liveWriters.m {
				lw.removeTemp()
			}
			liveWriters.Unlock()
			signal.Stop(ch)
			if s, ok := sig.(syscall.Signal); ok {
				os.Exit(128 + int(s))
			}
			os.Exit(1)
		}()
	})
}

func unregisterForCleanup(w *Writer) {
	liveWriters.Lock()
	defer liveWriters.Unlock()
	delete(liveWriters.m, w)
}

// NewWriter creates the temporary file for path and registers the writer
// for signal-based cleanup.
func NewWriter(path string) (*Writer, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, base.MarkIO(errors.Wrapf(err, "creating %s", tmp))
	}
	w := &Writer{
		path:    path,
		tmpPath: tmp,
		f:       f,
		bw:      bufio.NewWriterSize(f, 1<<20),
		digest:  xxhash.New(),
	}
	registerForCleanup(w)
	return w, nil
}

// write appends b to the archive, updating the running checksum.
func (w *Writer) write(b []byte) error {
	_, _ = w.digest.Write(b)
	if _, err := w.bw.Write(b); err != nil {
		return base.MarkIO(errors.Wrapf(err, "writing %s", w.tmpPath))
	}
	w.offset += uint64(len(b))
	return nil
}

// WriteGlobalHeader writes the magic and global header. It must be called
// exactly once, before any block.
func (w *Writer) WriteGlobalHeader(hdr *GlobalHeader) error {
	if w.headerWritten {
		return errors.AssertionFailedf("global header already written")
	}
	if err := hdr.Flags.Validate(); err != nil {
		return err
	}
	buf := EncodeMagic(nil)
	buf = hdr.Encode(buf)
	if err := w.write(buf); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteBlock appends a block and records its index entry. The header's
// BlockID must equal the number of blocks already written, and its
// CompressedSize must equal len(payload).
func (w *Writer) WriteBlock(hdr *BlockHeader, payload []byte) error {
	if !w.headerWritten {
		return errors.AssertionFailedf("block written before global header")
	}
	if w.blocksDone {
		return errors.AssertionFailedf("block written after reorder map")
	}
	if hdr.BlockID != w.nextBlockID {
		return errors.AssertionFailedf("block id %d out of order, want %d", hdr.BlockID, w.nextBlockID)
	}
	if hdr.CompressedSize != uint64(len(payload)) {
		return errors.AssertionFailedf("block %d: payload %d bytes, header says %d",
			hdr.BlockID, len(payload), hdr.CompressedSize)
	}
	entry := IndexEntry{
		Offset:         w.offset,
		CompressedSize: hdr.CompressedSize,
		ArchiveIDStart: w.nextArchiveID,
		ReadCount:      hdr.UncompressedCount,
	}
	if err := w.write(hdr.Encode(nil)); err != nil {
		return err
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.index = append(w.index, entry)
	w.nextBlockID++
	w.nextArchiveID += uint64(hdr.UncompressedCount)
	return nil
}

// WriteReorderMap appends the reorder-map section. Optional; when called it
// must follow the last block.
func (w *Writer) WriteReorderMap(m *ReorderMap) error {
	if !w.headerWritten {
		return errors.AssertionFailedf("reorder map written before global header")
	}
	w.blocksDone = true
	w.reorderOffset = w.offset
	return w.write(m.Encode(nil))
}

// BlocksWritten returns the number of blocks appended so far.
func (w *Writer) BlocksWritten() int { return len(w.index) }

// ReadsWritten returns the total read count across appended blocks.
func (w *Writer) ReadsWritten() uint64 { return w.nextArchiveID }

// PatchTotalReadCount rewrites the global header's total-read-count field
// in place. Streaming input cannot know the count up front; after a
// patch, Finish recomputes the global checksum from the file since the
// running digest cannot absorb an in-place edit.
func (w *Writer) PatchTotalReadCount(n uint64) error {
	if !w.headerWritten {
		return errors.AssertionFailedf("patch before global header")
	}
	if err := w.bw.Flush(); err != nil {
		return base.MarkIO(errors.Wrapf(err, "flushing %s", w.tmpPath))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	if _, err := w.f.WriteAt(buf[:], globalHeaderTotalOffset); err != nil {
		return base.MarkIO(errors.Wrapf(err, "patching %s", w.tmpPath))
	}
	w.totalPatched = true
	return nil
}

// Finish writes the block index and footer, syncs, and atomically renames
// the temporary file into place. The Writer is unusable afterwards.
func (w *Writer) Finish() error {
	if w.finished || w.aborted {
		return errors.AssertionFailedf("writer already closed")
	}
	if !w.headerWritten {
		return errors.AssertionFailedf("finish before global header")
	}
	indexOffset := w.offset
	if err := w.write(EncodeIndex(nil, w.index)); err != nil {
		return err
	}
	checksum := w.digest.Sum64()
	if w.totalPatched {
		if err := w.bw.Flush(); err != nil {
			return base.MarkIO(errors.Wrapf(err, "flushing %s", w.tmpPath))
		}
		var err error
		if checksum, err = rehashFile(w.f, int64(w.offset)); err != nil {
			return err
		}
	}
	footer := Footer{
		IndexOffset:      indexOffset,
		ReorderMapOffset: w.reorderOffset,
		GlobalChecksum:   checksum,
	}
	// The footer itself is excluded from the global checksum.
	if _, err := w.bw.Write(footer.Encode(nil)); err != nil {
		return base.MarkIO(errors.Wrapf(err, "writing %s", w.tmpPath))
	}
	if err := w.bw.Flush(); err != nil {
		return base.MarkIO(errors.Wrapf(err, "flushing %s", w.tmpPath))
	}
	if err := w.f.Sync(); err != nil {
		return base.MarkIO(errors.Wrapf(err, "syncing %s", w.tmpPath))
	}
	if err := w.f.Close(); err != nil {
		return base.MarkIO(errors.Wrapf(err, "closing %s", w.tmpPath))
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return base.MarkIO(errors.Wrapf(err, "renaming %s", w.tmpPath))
	}
	w.finished = true
	unregisterForCleanup(w)
	return nil
}

// Abort discards the archive: the rename is skipped and the temporary file
// unlinked. Safe to call after a failed Finish; a no-op once finished.
func (w *Writer) Abort() {
	if w.finished || w.aborted {
		return
	}
	w.aborted = true
	w.removeTemp()
	unregisterForCleanup(w)
}

func rehashFile(f *os.File, n int64) (uint64, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(f, 0, n)); err != nil {
		return 0, base.MarkIO(err)
	}
	return d.Sum64(), nil
}

func (w *Writer) removeTemp() {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	_ = os.Remove(w.tmpPath)
}
