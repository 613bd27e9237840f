// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	set := func(name, value string) {
		require.NoError(t, flag.Set(name, value))
	}
	set("mode", "sample")
	set("samples", "10")
	set("batch", "10")
	require.NoError(t, validateFlags())

	set("samples", "0")
	assert.Error(t, validateFlags())
	set("samples", "10")

	set("batch", "-1")
	assert.Error(t, validateFlags())
	set("batch", "10")

	set("mode", "train")
	assert.Error(t, validateFlags())
	set("mode", "summary")
	require.NoError(t, validateFlags())
}

func TestToMatrix(t *testing.T) {
	assert.Equal(t, [][]float64{{0, 1, 0}, {1, 0, 0}}, toMatrix([]int32{1, 0}, 3))
}
