// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticRecord returns a record where channel d of every pixel holds the byte value d*100+label.
func syntheticRecord(labelBytes []byte) []byte {
	record := append([]byte{}, labelBytes...)
	label := labelBytes[len(labelBytes)-1]
	for d := range Depth {
		record = append(record, bytes.Repeat([]byte{byte(d*100) + label}, Height*Width)...)
	}
	return record
}

func TestDecodeRecords(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(syntheticRecord([]byte{3}))
	buf.Write(syntheticRecord([]byte{7}))
	images := make([]float32, 2*imageSizeBytes)
	labels := make([]int64, 2)
	n, err := decodeRecords(&buf, 1, 0, images, labels)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, []int64{3, 7}, labels)
	// Channels-last: the first pixel of the second image.
	pos := imageSizeBytes
	assert.InDelta(t, 7.0/255, images[pos], 1e-6)
	assert.InDelta(t, 107.0/255, images[pos+1], 1e-6)
	assert.InDelta(t, 207.0/255, images[pos+2], 1e-6)

	// Cifar-100 layout: coarse and fine labels, the fine one is used.
	buf.Reset()
	buf.Write(syntheticRecord([]byte{1, 42}))
	n, err = decodeRecords(&buf, 2, 1, images, labels)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(42), labels[0])

	// Truncated record.
	buf.Reset()
	buf.Write(syntheticRecord([]byte{1})[:100])
	_, err = decodeRecords(&buf, 1, 0, images, labels)
	require.Error(t, err)

	// Too many records.
	buf.Reset()
	for range 3 {
		buf.Write(syntheticRecord([]byte{1}))
	}
	_, err = decodeRecords(&buf, 1, 0, images, labels)
	require.Error(t, err)
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := Load(t.TempDir(), C10, dtypes.Float32)
	require.Error(t, err)
	_, err = Load(t.TempDir(), C10, dtypes.Int32)
	require.Error(t, err)

	// A batch file with the wrong number of records.
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, C10SubDir), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, C10SubDir, "data_batch_1.bin"),
		syntheticRecord([]byte{1}), 0o644))
	_, err = Load(baseDir, C10, dtypes.Float32)
	require.Error(t, err)
}

func TestSplitHalves(t *testing.T) {
	const n = 5
	images := make([]float32, n*2*2*Depth)
	for ii := range images {
		images[ii] = float32(ii)
	}
	data := ImagesAndLabels{
		Images: tensors.FromFlatDataAndDimensions(images, n, 2, 2, Depth),
		Labels: tensors.FromFlatDataAndDimensions([]int64{0, 1, 2, 3, 4}, n, 1),
	}
	halves, err := splitHalves(data)
	require.NoError(t, err)
	require.NoError(t, halves[0].Images.Shape().Check(dtypes.Float32, 2, 2, 2, Depth))
	require.NoError(t, halves[1].Images.Shape().Check(dtypes.Float32, 3, 2, 2, Depth))
	assert.Equal(t, []int64{2, 3, 4}, tensors.MustCopyFlatData[int64](halves[1].Labels))
	assert.Equal(t, float32(2*2*2*Depth), tensors.MustCopyFlatData[float32](halves[1].Images)[0])

	// Float64 images.
	images64 := make([]float64, len(images))
	for ii := range images64 {
		images64[ii] = float64(ii)
	}
	data.Images = tensors.FromFlatDataAndDimensions(images64, n, 2, 2, Depth)
	halves, err = splitHalves(data)
	require.NoError(t, err)
	require.NoError(t, halves[0].Images.Shape().Check(dtypes.Float64, 2, 2, 2, Depth))
	assert.Equal(t, float64(2*2*2*Depth), tensors.MustCopyFlatData[float64](halves[1].Images)[0])

	// Unsupported dtype.
	data.Images = tensors.FromFlatDataAndDimensions(make([]int32, len(images)), n, 2, 2, Depth)
	_, err = splitHalves(data)
	require.Error(t, err)
}

func TestDecodeRecordsFloat64(t *testing.T) {
	images := make([]float64, imageSizeBytes)
	labels := make([]int64, 1)
	n, err := decodeRecords(bytes.NewReader(syntheticRecord([]byte{5})), 1, 0, images, labels)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(5), labels[0])
	assert.InDelta(t, 105.0/255, images[1], 1e-9)
}

func TestDataSource(t *testing.T) {
	assert.Equal(t, "cifar10", C10.String())
	assert.Equal(t, 100, C100.NumClasses())
	assert.Len(t, C10Labels, C10.NumClasses())
}

func TestSearchSplit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping download of Cifar-10 in short mode.")
	}
	backend := graphtest.BuildTestBackend()
	baseDir := filepath.Join(os.TempDir(), "gdas_cifar_test")
	weightsDS, archDS, err := SearchSplit(backend, baseDir, C10, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, NumTrainExamples/2, weightsDS.NumExamples())
	assert.Equal(t, NumTrainExamples/2, archDS.NumExamples())

	testDS, err := NewDataset(backend, "test", baseDir, C10, dtypes.Float32, Test)
	require.NoError(t, err)
	assert.Equal(t, NumTestExamples, testDS.NumExamples())
}
