// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package fastq

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fqzip/fqzip/internal/base"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

const sample = "@r1\nACGT\n+\nIIII\n@r2 extra\nNNAC\n+\n!!~~\n"

func TestNext(t *testing.T) {
	r := NewReader(strings.NewReader(sample))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "r1", rec.ID)
	require.Equal(t, "ACGT", string(rec.Seq))
	require.Equal(t, "IIII", string(rec.Qual))

	rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "r2 extra", rec.ID)
	require.Equal(t, "NNAC", string(rec.Seq))

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestReadBatch(t *testing.T) {
	r := NewReader(strings.NewReader(sample))
	recs, err := r.ReadBatch(10)
	require.Equal(t, io.EOF, err)
	require.Len(t, recs, 2)

	r = NewReader(strings.NewReader(sample))
	recs, err = r.ReadBatch(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"missing at":        "r1\nACGT\n+\nIIII\n",
		"bad separator":     "@r1\nACGT\n-\nIIII\n",
		"length mismatch":   "@r1\nACGT\n+\nIII\n",
		"bad base":          "@r1\nACGU\n+\nIIII\n",
		"bad quality":       "@r1\nACGT\n+\nII I\n",
		"zero length":       "@r1\n\n+\n\n",
		"truncated quality": "@r1\nACGT\n+\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(strings.NewReader(input))
			_, err := r.Next()
			require.Error(t, err)
			require.NotEqual(t, io.EOF, err)
		})
	}
}

func TestQualityBoundsAccepted(t *testing.T) {
	// '!' and '~' are the extremes of the Phred+33 range.
	r := NewReader(strings.NewReader("@q\nAC\n+\n!~\n"))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "!~", string(rec.Qual))
}

func TestWriterRoundTrip(t *testing.T) {
	r := NewReader(strings.NewReader(sample))
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord(&rec))
	}
	require.NoError(t, w.Flush())
	require.Equal(t, sample, buf.String())
}

func TestOpenPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.fastq")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	r, closer, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()
	recs, rerr := r.ReadBatch(10)
	require.Equal(t, io.EOF, rerr)
	require.Len(t, recs, 2)
}

func TestOpenGzippedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.fastq.gz")
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	r, closer, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()
	recs, rerr := r.ReadBatch(10)
	require.Equal(t, io.EOF, rerr)
	require.Len(t, recs, 2)
	require.Equal(t, "ACGT", string(recs[0].Seq))
}

func TestOpenMissingFile(t *testing.T) {
	_, _, err := Open(filepath.Join(t.TempDir(), "nope.fastq"))
	require.ErrorIs(t, err, base.ErrIO)
}

func TestScanStats(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("@r\nACGTACGT\n+\nIIIIIIII\n")
	}
	sb.WriteString("@long\n" + strings.Repeat("A", 600) + "\n+\n" + strings.Repeat("I", 600) + "\n")
	path := filepath.Join(t.TempDir(), "s.fastq")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	st, err := ScanStats(path, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(51), st.TotalReads)
	require.Equal(t, 600, st.MaxLength)
	require.Len(t, st.SampleLengths, 51)

	st, err = ScanStats(path, 10)
	require.NoError(t, err)
	require.Len(t, st.SampleLengths, 10)
	require.Equal(t, uint64(51), st.TotalReads)
}

func TestCRLFInput(t *testing.T) {
	r := NewReader(strings.NewReader("@r1\r\nACGT\r\n+\r\nIIII\r\n"))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "r1", rec.ID)
	require.Equal(t, "ACGT", string(rec.Seq))
}
