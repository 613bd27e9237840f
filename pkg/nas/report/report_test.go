// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlphasTable(t *testing.T) {
	out := AlphasTable(
		[]string{"1<-0", "2<-0", "2<-1"},
		[]string{"none", "skip_connect"},
		[][]float64{{0.25, 0.75}, {0.5, 0.5}, {1, 0}})
	for _, want := range []string{"edge", "none", "skip_connect", "1<-0", "2<-1", "0.7500", "1.0000"} {
		assert.Contains(t, out, want)
	}
}

func TestBestOps(t *testing.T) {
	assert.Equal(t, []int{1, 0, 2, -1}, bestOps([][]float64{{0.25, 0.75}, {0.5, 0.5}, {0.1, 0.2, 0.7}, {}}))
}

func TestKeyValueAndTable(t *testing.T) {
	out := KeyValueTable([][2]string{{"channels", "16"}, {"cells", "5"}})
	assert.Contains(t, out, "channels")
	assert.Contains(t, out, "16")

	out = Table([]string{"layer", "kind"}, [][]string{{"00", "search"}, {"01", "reduction"}})
	assert.Contains(t, out, "reduction")
}

func TestPlotAlphas(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "alphas.png")
	err := PlotAlphas(filePath,
		[]string{"1<-0", "2<-0", "2<-1"},
		[]string{"none", "skip_connect", "nor_conv_3x3"},
		[][]float64{{0.2, 0.3, 0.5}, {0.1, 0.1, 0.8}, {1, 0, 0}})
	require.NoError(t, err)
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	err = PlotAlphas(filePath, []string{"1<-0"}, []string{"none"}, [][]float64{{1}, {1}})
	require.Error(t, err)
}
