// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package genotypes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bench201Example = "|nor_conv_3x3~0|+|none~0|skip_connect~1|+|avg_pool_3x3~0|nor_conv_1x1~1|skip_connect~2|"

func TestParseAndString(t *testing.T) {
	st, err := Parse(bench201Example)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Len())
	assert.Equal(t, 4, st.NodeCount())
	assert.Equal(t, []Edge{{"none", 0}, {"skip_connect", 1}}, st.Nodes[1])
	assert.Equal(t, bench201Example, st.String())

	again, err := Parse(st.String())
	require.NoError(t, err)
	assert.True(t, st.Equal(again))
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"",
		"nor_conv_3x3~0",
		"|nor_conv_3x3~0|+|none~x|",
		"|nor_conv_3x3~1|",
		"|~0|",
		"|nor_conv_3x3|",
	} {
		_, err := Parse(s)
		require.Errorf(t, err, "Parse(%q) should have failed", s)
		assert.Truef(t, errors.Is(err, ErrMalformed), "Parse(%q) returned %v", s, err)
	}
}

func TestNew(t *testing.T) {
	_, err := New([][]Edge{{{"skip_connect", 0}}, {{"none", 2}}})
	require.Error(t, err)
	_, err = New([][]Edge{{}})
	require.Error(t, err)
	st, err := New([][]Edge{{{"skip_connect", 0}}, {{"none", 0}, {"nor_conv_1x1", 1}}})
	require.NoError(t, err)
	require.NoError(t, st.CheckValidOps([]string{"none", "skip_connect", "nor_conv_1x1"}))
	require.Error(t, st.CheckValidOps([]string{"none", "skip_connect"}))
}

func TestConnected(t *testing.T) {
	st, err := Parse("|none~0|+|none~0|skip_connect~1|+|none~0|none~1|nor_conv_3x3~2|")
	require.NoError(t, err)
	assert.False(t, st.Connected())

	st, err = Parse("|nor_conv_3x3~0|+|none~0|none~1|+|none~0|skip_connect~1|none~2|")
	require.NoError(t, err)
	assert.True(t, st.Connected())
}

func TestUniqueString(t *testing.T) {
	a, err := Parse("|nor_conv_3x3~0|+|skip_connect~0|skip_connect~1|")
	require.NoError(t, err)
	b, err := Parse("|nor_conv_3x3~0|+|skip_connect~1|skip_connect~0|")
	require.NoError(t, err)
	assert.False(t, a.Equal(b))
	assert.Equal(t, a.UniqueString(false), b.UniqueString(false))
	assert.Equal(t, "(0)@nor_conv_3x3+0", a.UniqueString(false))

	c, err := Parse("|nor_conv_3x3~0|+|none~0|skip_connect~1|")
	require.NoError(t, err)
	assert.Equal(t, "#+(0)@nor_conv_3x3", c.UniqueString(true))
}

func TestAllStructures(t *testing.T) {
	ops := []string{"none", "skip_connect", "nor_conv_3x3"}
	all := AllStructures(ops, 3)
	require.Len(t, all, 27) // 3 edges, 3 ops each.
	seen := make(map[string]bool, len(all))
	for _, st := range all {
		require.Equal(t, 2, st.Len())
		require.Len(t, st.Nodes[0], 1)
		require.Len(t, st.Nodes[1], 2)
		require.NoError(t, st.CheckValidOps(ops))
		seen[st.String()] = true
	}
	assert.Len(t, seen, 27)
	assert.Len(t, AllStructures([]string{"none", "skip_connect"}, 4), 64)
}
