// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gdas

import (
	"math"

	"github.com/gomlx/gdas/pkg/nas/cells"
	"github.com/gomlx/gdas/pkg/nas/genotypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// ErrUnknownEdge is returned by Decode if an edge of the cell has no row assigned.
var ErrUnknownEdge = errors.New("unknown edge")

// Decode converts the architecture matrix (alphas or any other per-edge weights), shaped [numEdges][numOps],
// to a genotype by picking, for each edge, the operation with the highest value.
//
// It is deterministic: ties are resolved in favor of the first operation.
func (r *Relaxation) Decode(matrix [][]float64) (*genotypes.Structure, error) {
	if len(matrix) != r.NumEdges() {
		return nil, errors.Errorf("decode: matrix has %d rows, wanted %d (one per edge)", len(matrix), r.NumEdges())
	}
	nodes := make([][]genotypes.Edge, 0, r.maxNodes-1)
	for i := 1; i < r.maxNodes; i++ {
		edges := make([]genotypes.Edge, 0, i)
		for j := 0; j < i; j++ {
			key := cells.EdgeKey(i, j)
			row, found := r.edge2index[key]
			if !found {
				return nil, errors.Wrapf(ErrUnknownEdge, "decode: edge %q", key)
			}
			weights := matrix[row]
			if len(weights) != r.NumOps() {
				return nil, errors.Errorf("decode: row %d (edge %q) has %d values, wanted %d",
					row, key, len(weights), r.NumOps())
			}
			edges = append(edges, genotypes.Edge{Op: r.opNames[floats.MaxIdx(weights)], Source: j})
		}
		nodes = append(nodes, edges)
	}
	return genotypes.New(nodes)
}

// DecodeTensor is like Decode, but takes the matrix as a tensor shaped [numEdges, numOps].
func (r *Relaxation) DecodeTensor(t *tensors.Tensor) (*genotypes.Structure, error) {
	matrix, err := MatrixFromTensor(t)
	if err != nil {
		return nil, err
	}
	return r.Decode(matrix)
}

// MatrixFromTensor converts a rank-2 float tensor to a [][]float64.
func MatrixFromTensor(t *tensors.Tensor) ([][]float64, error) {
	if t.Shape().Rank() != 2 {
		return nil, errors.Errorf("expected a rank-2 tensor, got shape %s", t.Shape())
	}
	rows, cols := t.Shape().Dimensions[0], t.Shape().Dimensions[1]
	switch t.DType() {
	case dtypes.Float32:
		return toMatrix(tensors.MustCopyFlatData[float32](t), rows, cols), nil
	case dtypes.Float64:
		return toMatrix(tensors.MustCopyFlatData[float64](t), rows, cols), nil
	}
	return nil, errors.Errorf("expected a float tensor, got dtype %s", t.DType())
}

func toMatrix[T constraints.Float](flat []T, rows, cols int) [][]float64 {
	matrix := make([][]float64, rows)
	for row := range rows {
		matrix[row] = make([]float64, cols)
		for col := range cols {
			matrix[row][col] = float64(flat[row*cols+col])
		}
	}
	return matrix
}

// Probabilities returns the row-wise softmax of matrix, computed on the host.
func Probabilities(matrix [][]float64) [][]float64 {
	probs := make([][]float64, len(matrix))
	for row, logits := range matrix {
		probs[row] = make([]float64, len(logits))
		if len(logits) == 0 {
			continue
		}
		logNormalizer := floats.LogSumExp(logits)
		for col, v := range logits {
			probs[row][col] = math.Exp(v - logNormalizer)
		}
	}
	return probs
}
