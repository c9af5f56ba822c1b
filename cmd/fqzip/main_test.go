// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"testing"

	"github.com/fqzip/fqzip"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("")
	require.NoError(t, err)
	require.Zero(t, start)
	require.Zero(t, end)

	start, end, err = parseRange("150001:250000")
	require.NoError(t, err)
	require.Equal(t, uint64(150001), start)
	require.Equal(t, uint64(250000), end)

	start, end, err = parseRange(":100")
	require.NoError(t, err)
	require.Zero(t, start)
	require.Equal(t, uint64(100), end)

	start, end, err = parseRange("42:")
	require.NoError(t, err)
	require.Equal(t, uint64(42), start)
	require.Zero(t, end)

	for _, bad := range []string{"x", "1:y", "0:5", ":-1", "abc:def"} {
		_, _, err := parseRange(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestParseStreams(t *testing.T) {
	set, err := parseStreams("all")
	require.NoError(t, err)
	require.Equal(t, fqzip.AllStreams(), set)

	set, err = parseStreams("seq,qual")
	require.NoError(t, err)
	require.Equal(t, fqzip.StreamSet{Seq: true, Qual: true}, set)

	set, err = parseStreams("id")
	require.NoError(t, err)
	require.Equal(t, fqzip.StreamSet{IDs: true}, set)

	_, err = parseStreams("bogus")
	require.Error(t, err)
}

func TestParseModes(t *testing.T) {
	_, err := parseQualityMode("nope")
	require.Error(t, err)
	_, err = parseIDMode("nope")
	require.Error(t, err)
	_, err = parsePELayout("nope")
	require.Error(t, err)
	m, err := parseQualityMode("illumina8")
	require.NoError(t, err)
	require.Equal(t, qualityModeName(m), "illumina8")
}
