// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 and Cifar-100 datasets, and provides the train
// partition split used by architecture search.
// Information about the datasets in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gdas/internal/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"
	C100Hash    = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	// NumTrainExamples is the number of examples of the train partition, for both Cifar-10 and Cifar-100.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples of the test partition, for both Cifar-10 and Cifar-100.
	NumTestExamples = 10000

	// C10ExamplesPerFile is the number of records in each Cifar-10 batch file.
	C10ExamplesPerFile = 10000
)

// Width, Height and Depth of the images, the same for Cifar-10 and Cifar-100.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3

	imageSizeBytes = Height * Width * Depth
)

var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}
)

// DataSource refers to Cifar-10 (C10) or Cifar-100 (C100).
type DataSource int

const (
	C10 DataSource = iota
	C100
)

// String implements fmt.Stringer.
func (s DataSource) String() string {
	switch s {
	case C10:
		return "cifar10"
	case C100:
		return "cifar100"
	}
	return fmt.Sprintf("DataSource(%d)", int(s))
}

// NumClasses returns the number of labels of the data source. Cifar-100 uses the fine labels.
func (s DataSource) NumClasses() int {
	if s == C100 {
		return 100
	}
	return 10
}

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

// Download the data source into baseDir, if not there yet.
func Download(baseDir string, source DataSource) error {
	switch source {
	case C10:
		return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Hash)
	case C100:
		return downloader.DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, C100Hash)
	}
	return errors.Errorf("invalid data source %s", source)
}

// ImagesAndLabels of one partition: images shaped [numExamples, Height, Width, Depth] with values in [0, 1],
// and labels shaped [numExamples, 1] of Int64.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// dataFile is one binary file of a data source.
type dataFile struct {
	name      string
	partition Partition

	// numRecords in the file, or -1 to read until the end.
	numRecords int
}

// recordLayout returns the files, the number of label bytes per record and the index of the label used.
func recordLayout(source DataSource) (files []dataFile, subDir string, labelBytes, labelIdx int) {
	switch source {
	case C10:
		for ii := range 5 {
			files = append(files, dataFile{fmt.Sprintf("data_batch_%d.bin", ii+1), Train, C10ExamplesPerFile})
		}
		files = append(files, dataFile{"test_batch.bin", Test, C10ExamplesPerFile})
		return files, C10SubDir, 1, 0
	default:
		// Cifar-100 records hold the coarse label followed by the fine label. The fine label is used.
		files = []dataFile{{"train.bin", Train, NumTrainExamples}, {"test.bin", Test, NumTestExamples}}
		return files, C100SubDir, 2, 1
	}
}

// Load the data source already downloaded to baseDir into tensors of the given dtype (Float32 or Float64).
func Load(baseDir string, source DataSource, dtype dtypes.DType) (partitions [2]ImagesAndLabels, err error) {
	switch dtype {
	case dtypes.Float32:
		return loadAs[float32](baseDir, source)
	case dtypes.Float64:
		return loadAs[float64](baseDir, source)
	}
	err = errors.Errorf("cifar: dtype %s not supported, only Float32 and Float64", dtype)
	return
}

func loadAs[T dtypes.GoFloat](baseDir string, source DataSource) (partitions [2]ImagesAndLabels, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return
	}
	files, subDir, labelBytes, labelIdx := recordLayout(source)
	sizes := [2]int{NumTrainExamples, NumTestExamples}
	var images [2][]T
	var labels [2][]int64
	for p := range 2 {
		images[p] = make([]T, sizes[p]*imageSizeBytes)
		labels[p] = make([]int64, sizes[p])
	}
	var filled [2]int
	for _, file := range files {
		filePath := filepath.Join(baseDir, subDir, file.name)
		p := file.partition
		n, err := readFile(filePath, labelBytes, labelIdx, images[p][filled[p]*imageSizeBytes:], labels[p][filled[p]:])
		if err != nil {
			return partitions, err
		}
		if file.numRecords >= 0 && n != file.numRecords {
			return partitions, errors.Errorf("cifar: %q has %d records, wanted %d", filePath, n, file.numRecords)
		}
		filled[p] += n
		klog.V(2).Infof("cifar: read %d records from %q", n, filePath)
	}
	for p := range 2 {
		if filled[p] != sizes[p] {
			return partitions, errors.Errorf("cifar: %s partition has %d records, wanted %d",
				[]string{"train", "test"}[p], filled[p], sizes[p])
		}
		partitions[p] = ImagesAndLabels{
			Images: tensors.FromFlatDataAndDimensions(images[p], sizes[p], Height, Width, Depth),
			Labels: tensors.FromFlatDataAndDimensions(labels[p], sizes[p], 1),
		}
	}
	return partitions, nil
}

func readFile[T dtypes.GoFloat](filePath string, labelBytes, labelIdx int, images []T, labels []int64) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "opening data file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	n, err := decodeRecords(bufio.NewReader(f), labelBytes, labelIdx, images, labels)
	return n, errors.WithMessagef(err, "reading %q", filePath)
}

// decodeRecords reads records of labelBytes label bytes followed by the image in channel planes
// ([Depth][Height][Width] bytes), and writes them as [Height][Width][Depth] values in [0, 1].
// It reads until io.EOF, and returns the number of records read.
func decodeRecords[T dtypes.GoFloat](r io.Reader, labelBytes, labelIdx int, images []T, labels []int64) (int, error) {
	record := make([]byte, labelBytes+imageSizeBytes)
	for n := 0; ; n++ {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, "record %d", n)
		}
		if n >= len(labels) {
			return n, errors.Errorf("more than %d records", len(labels))
		}
		labels[n] = int64(record[labelIdx])
		pixels := record[labelBytes:]
		pos := n * imageSizeBytes
		for h := range Height {
			for w := range Width {
				for d := range Depth {
					images[pos] = T(pixels[d*Height*Width+h*Width+w]) / 255
					pos++
				}
			}
		}
	}
}

type cacheKey struct {
	source DataSource
	dtype  dtypes.DType
}

var (
	cacheMu sync.Mutex
	cache   = make(map[cacheKey][2]ImagesAndLabels)
)

// ResetCache drops the loaded data.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	for _, partitions := range cache {
		for _, p := range partitions {
			p.Images.MustFinalizeAll()
			p.Labels.MustFinalizeAll()
		}
	}
	clear(cache)
}

// loadCached downloads (if needed) and loads the data source, caching the result.
func loadCached(baseDir string, source DataSource, dtype dtypes.DType) ([2]ImagesAndLabels, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	key := cacheKey{source, dtype}
	if partitions, found := cache[key]; found {
		return partitions, nil
	}
	if err := Download(baseDir, source); err != nil {
		return [2]ImagesAndLabels{}, errors.WithMessagef(err, "downloading %s", source)
	}
	partitions, err := Load(baseDir, source, dtype)
	if err != nil {
		return partitions, err
	}
	cache[key] = partitions
	return partitions, nil
}

// NewDataset returns an in-memory dataset of the given partition, yielding images and labels.
//
// It downloads the data if needed, and caches the loaded data, so multiple datasets can be created
// without extra costs in time or memory.
func NewDataset(backend backends.Backend, name, baseDir string, source DataSource, dtype dtypes.DType,
	partition Partition) (*datasets.InMemoryDataset, error) {
	partitions, err := loadCached(baseDir, source, dtype)
	if err != nil {
		return nil, err
	}
	data := partitions[partition]
	return datasets.InMemoryFromData(backend, name, []any{data.Images}, []any{data.Labels})
}

// SearchSplit splits the train partition in two halves: the first used to train the network weights and
// the second to train the architecture parameters. The test partition is not used.
func SearchSplit(backend backends.Backend, baseDir string, source DataSource, dtype dtypes.DType) (
	weightsDS, archDS *datasets.InMemoryDataset, err error) {
	partitions, err := loadCached(baseDir, source, dtype)
	if err != nil {
		return nil, nil, err
	}
	halves, err := splitHalves(partitions[Train])
	if err != nil {
		return nil, nil, err
	}
	weightsDS, err = datasets.InMemoryFromData(backend, "search-weights", []any{halves[0].Images}, []any{halves[0].Labels})
	if err != nil {
		return nil, nil, err
	}
	archDS, err = datasets.InMemoryFromData(backend, "search-arch", []any{halves[1].Images}, []any{halves[1].Labels})
	if err != nil {
		return nil, nil, err
	}
	return weightsDS, archDS, nil
}

// splitHalves splits the examples in two halves. With an odd number of examples, the second half is larger.
func splitHalves(data ImagesAndLabels) (halves [2]ImagesAndLabels, err error) {
	switch data.Images.DType() {
	case dtypes.Float32:
		return splitHalvesAs[float32](data), nil
	case dtypes.Float64:
		return splitHalvesAs[float64](data), nil
	}
	return halves, errors.Errorf("cifar: dtype %s not supported", data.Images.DType())
}

func splitHalvesAs[T dtypes.GoFloat](data ImagesAndLabels) (halves [2]ImagesAndLabels) {
	images := tensors.MustCopyFlatData[T](data.Images)
	labels := tensors.MustCopyFlatData[int64](data.Labels)
	n := len(labels)
	dims := data.Images.Shape().Dimensions
	exampleSize := len(images) / max(n, 1)
	first := n / 2
	bounds := [2][2]int{{0, first}, {first, n}}
	for ii, b := range bounds {
		count := b[1] - b[0]
		imageDims := append([]int{count}, dims[1:]...)
		halves[ii] = ImagesAndLabels{
			Images: tensors.FromFlatDataAndDimensions(images[b[0]*exampleSize:b[1]*exampleSize], imageDims...),
			Labels: tensors.FromFlatDataAndDimensions(labels[b[0]:b[1]], count, 1),
		}
	}
	return
}
