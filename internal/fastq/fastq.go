// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package fastq parses and writes FASTQ, with transparent decompression of
// gzipped and xz input. The parser validates record structure; downstream
// components treat emitted records as trusted.
package fastq

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// Record is one logical read: identifier without the leading '@' or
// trailing whitespace, sequence over {A,C,G,T,N}, and Phred+33 quality of
// equal length.
type Record struct {
	ID   string
	Seq  []byte
	Qual []byte
}

// Len returns the read length.
func (r *Record) Len() int { return len(r.Seq) }

// Reader delivers records as a lazy sequence with batched reads.
type Reader struct {
	br   *bufio.Reader
	line int64
}

// NewReader wraps an already-decompressed stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 1<<20)}
}

// Open opens path, sniffing gzip and xz magic for transparent
// decompression. "-" means stdin. The returned closer owns every layer.
func Open(path string) (*Reader, io.Closer, error) {
	if path == "-" {
		return NewReader(os.Stdin), io.NopCloser(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, base.MarkIO(errors.Wrapf(err, "opening %s", path))
	}
	br := bufio.NewReaderSize(f, 1<<20)
	magic, _ := br.Peek(6)
	switch {
	case len(magic) >= 2 && magic[0] == 0x1F && magic[1] == 0x8B:
		zr, err := pgzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, nil, base.MarkIO(errors.Wrapf(err, "gzip %s", path))
		}
		return NewReader(zr), multiCloser{zr, f}, nil
	case bytes.HasPrefix(magic, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}):
		xr, err := xz.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, nil, base.MarkIO(errors.Wrapf(err, "xz %s", path))
		}
		return NewReader(xr), f, nil
	default:
		return &Reader{br: br}, f, nil
	}
}

type multiCloser struct {
	inner io.Closer
	outer io.Closer
}

func (m multiCloser) Close() error {
	err := m.inner.Close()
	if err2 := m.outer.Close(); err == nil {
		err = err2
	}
	return err
}

// readLine returns the next line without its terminator; the trailing
// '\r' of CRLF input is stripped.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if len(line) == 0 {
		return nil, err
	}
	r.line++
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// Next parses one record. It returns io.EOF cleanly at end of input.
func (r *Reader) Next() (Record, error) {
	var rec Record
	hdr, err := r.readLine()
	if hdr == nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, base.MarkIO(err)
	}
	if len(hdr) == 0 || hdr[0] != '@' {
		return rec, r.errorf("record does not start with '@'")
	}
	rec.ID = string(bytes.TrimRight(hdr[1:], " \t"))
	seq, _ := r.readLine()
	if seq == nil {
		return rec, r.errorf("truncated record: missing sequence")
	}
	sep, _ := r.readLine()
	if sep == nil {
		return rec, r.errorf("truncated record: missing separator")
	}
	if len(sep) == 0 || sep[0] != '+' {
		return rec, r.errorf("separator line does not start with '+'")
	}
	qual, _ := r.readLine()
	if qual == nil {
		return rec, r.errorf("truncated record: missing quality")
	}
	if len(seq) == 0 {
		return rec, r.errorf("zero-length read")
	}
	if len(seq) != len(qual) {
		return rec, r.errorf("sequence length %d != quality length %d", len(seq), len(qual))
	}
	for _, b := range seq {
		switch b {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			return rec, r.errorf("invalid sequence character %q", b)
		}
	}
	for _, b := range qual {
		if b < '!' || b > '~' {
			return rec, r.errorf("quality character %q outside Phred+33 range", b)
		}
	}
	rec.Seq = append([]byte(nil), seq...)
	rec.Qual = append([]byte(nil), qual...)
	return rec, nil
}

func (r *Reader) errorf(format string, args ...interface{}) error {
	err := errors.Newf("fastq: "+format, args...)
	return errors.Mark(errors.Wrapf(err, "near line %d", r.line), base.ErrFormat)
}

// ReadBatch reads up to n records. It returns a short (possibly empty)
// batch together with io.EOF at end of input.
func (r *Reader) ReadBatch(n int) ([]Record, error) {
	recs := make([]Record, 0, n)
	for len(recs) < n {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, io.EOF
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Stats summarises a length-only pre-scan of a FASTQ file.
type Stats struct {
	TotalReads    uint64
	SampleLengths []int // up to cap lengths drawn evenly across the file
	MaxLength     int
}

// ScanStats counts records and samples up to sampleCap read lengths drawn
// evenly across the file. It is a full pass but parses structure only.
func ScanStats(path string, sampleCap int) (Stats, error) {
	r, closer, err := Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = closer.Close() }()

	var st Stats
	var all []int
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Stats{}, err
		}
		st.TotalReads++
		if l := rec.Len(); l > st.MaxLength {
			st.MaxLength = l
		}
		all = append(all, rec.Len())
	}
	if len(all) <= sampleCap {
		st.SampleLengths = all
		return st, nil
	}
	st.SampleLengths = make([]int, 0, sampleCap)
	stride := float64(len(all)) / float64(sampleCap)
	for i := 0; i < sampleCap; i++ {
		st.SampleLengths = append(st.SampleLengths, all[int(float64(i)*stride)])
	}
	return st, nil
}

// Writer emits FASTQ byte-exactly: "@id\nseq\n+\nqual\n".
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 1<<20)}
}

// WriteRecord appends one record.
func (w *Writer) WriteRecord(rec *Record) error {
	if err := w.bw.WriteByte('@'); err != nil {
		return base.MarkIO(err)
	}
	_, _ = w.bw.WriteString(rec.ID)
	_, _ = w.bw.WriteString("\n")
	_, _ = w.bw.Write(rec.Seq)
	_, _ = w.bw.WriteString("\n+\n")
	_, _ = w.bw.Write(rec.Qual)
	if err := w.bw.WriteByte('\n'); err != nil {
		return base.MarkIO(err)
	}
	return nil
}

// Flush flushes buffered output.
func (w *Writer) Flush() error {
	return base.MarkIO(w.bw.Flush())
}
