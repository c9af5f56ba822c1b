// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package idcodec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func illuminaIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("SRR001666.%d HWUSI-EAS100R:6:73:941:%d/1", i+1, 1000+i*3)
	}
	return ids
}

func TestExactRoundTrip(t *testing.T) {
	ids := []string{"read one", "read/two", "", "a very much longer identifier with spaces"}
	kind, payload, err := Encode(ids, false, "", false, 3)
	require.NoError(t, err)
	require.Equal(t, KindExact, kind)
	got, err := DecodeExact(payload, len(ids))
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestTokenisedRoundTrip(t *testing.T) {
	ids := illuminaIDs(500)
	kind, payload, err := Encode(ids, true, "", false, 3)
	require.NoError(t, err)
	require.Equal(t, KindTokenised, kind)
	got, err := DecodeTokenised(payload, len(ids), false)
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestTokenisedLZMARoundTrip(t *testing.T) {
	ids := illuminaIDs(100)
	kind, payload, err := Encode(ids, true, "", true, 8)
	require.NoError(t, err)
	require.Equal(t, KindTokenised, kind)
	got, err := DecodeTokenised(payload, len(ids), true)
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestTokenisedCompressesBetterThanExact(t *testing.T) {
	// All variation is numeric, where columnar deltas beat text.
	ids := make([]string, 2000)
	for i := range ids {
		ids[i] = fmt.Sprintf("HWUSI-EAS100R:6:73:%d:%d/1", i+1, 1000+7*i)
	}
	_, tokenised, err := Encode(ids, true, "", false, 3)
	require.NoError(t, err)
	_, exact, err := Encode(ids, false, "", false, 3)
	require.NoError(t, err)
	require.Less(t, len(tokenised), len(exact))
}

func TestTokeniseFallsBackOnIrregularIDs(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		// No shared token structure at all.
		ids[i] = fmt.Sprintf("%c%c-%d", 'a'+i%26, 'A'+(i*7)%26, i*i)
	}
	// Mix in wildly different shapes so every token position is a
	// free-form string and no structured pattern is detected.
	for i := 0; i < len(ids); i += 2 {
		ids[i] = "x"
	}
	kind, payload, err := Encode(ids, true, "", false, 3)
	require.NoError(t, err)
	require.Equal(t, KindExact, kind)
	got, err := DecodeExact(payload, len(ids))
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestTokeniseFallsBackOnLateMismatch(t *testing.T) {
	// The sample matches a pattern; a later record breaks it.
	ids := illuminaIDs(300)
	ids[250] = "completely different"
	kind, payload, err := Encode(ids, true, "", false, 3)
	require.NoError(t, err)
	require.Equal(t, KindExact, kind)
	got, err := DecodeExact(payload, len(ids))
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestTokenisedNonCanonicalIntIsString(t *testing.T) {
	// Leading zeros must not round-trip through integer parsing.
	ids := make([]string, 150)
	for i := range ids {
		ids[i] = fmt.Sprintf("run:%04d", i)
	}
	kind, payload, err := Encode(ids, true, "", false, 3)
	require.NoError(t, err)
	var got []string
	switch kind {
	case KindTokenised:
		got, err = DecodeTokenised(payload, len(ids), false)
	default:
		got, err = DecodeExact(payload, len(ids))
	}
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestSplitKeepsDelimiters(t *testing.T) {
	s := split("a:b_c d", DefaultDelimiters)
	require.Equal(t, []string{"a", "b", "c", "d"}, s.tokens)
	require.Equal(t, []byte{':', '_', ' ', 0}, s.delims)
}

func TestSynthesizeID(t *testing.T) {
	require.Equal(t, "1", SynthesizeID("", 0, false, false))
	require.Equal(t, "42", SynthesizeID("", 41, false, false))
	require.Equal(t, "r5", SynthesizeID("r", 4, false, false))
	// PE interleaved: 1-based pair id and mate number.
	require.Equal(t, "1/1", SynthesizeID("", 0, true, true))
	require.Equal(t, "1/2", SynthesizeID("", 1, true, true))
	require.Equal(t, "2/1", SynthesizeID("", 2, true, true))
	// PE consecutive falls back to plain archive ids.
	require.Equal(t, "3", SynthesizeID("", 2, true, false))
}

func TestEmptyIDs(t *testing.T) {
	kind, payload, err := Encode([]string{"", "", ""}, true, "", false, 3)
	require.NoError(t, err)
	var got []string
	switch kind {
	case KindTokenised:
		got, err = DecodeTokenised(payload, 3, false)
	default:
		got, err = DecodeExact(payload, 3)
	}
	require.NoError(t, err)
	require.Equal(t, []string{"", "", ""}, got)
}
