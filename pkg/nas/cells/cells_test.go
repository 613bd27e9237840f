// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cells

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gdas/pkg/nas/ops"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var connectNAS = ops.SearchSpaces["connect-nas"]

// selectAll returns hardwts and index tensors selecting opIdx on every edge.
func selectAll(numEdges, numOps, opIdx int) (hardwts, index *tensors.Tensor) {
	w := make([]float32, numEdges*numOps)
	idx := make([]int32, numEdges)
	for e := range numEdges {
		w[e*numOps+opIdx] = 1
		idx[e] = int32(opIdx)
	}
	return tensors.FromFlatDataAndDimensions(w, numEdges, numOps), tensors.FromFlatDataAndDimensions(idx, numEdges)
}

func TestEdges(t *testing.T) {
	for maxNodes := 2; maxNodes <= 5; maxNodes++ {
		cell, err := New(4, 4, 1, maxNodes, connectNAS, 8, false, true)
		require.NoError(t, err)
		require.Equal(t, maxNodes*(maxNodes-1)/2, cell.NumEdges())
		require.Len(t, cell.EdgeIndex(), cell.NumEdges())
	}

	cell, err := New(4, 4, 1, 4, connectNAS, 8, false, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1<-0", "2<-0", "2<-1", "3<-0", "3<-1", "3<-2"}, cell.EdgeKeys())
	assert.Equal(t, 4, cell.EdgeIndex()["3<-1"])
	assert.Equal(t, "info :: 4 nodes, inC=4, outC=4", cell.ExtraRepr())

	// Only edges from the input node change channels / stride.
	reduce, err := New(4, 8, 2, 3, connectNAS, 8, false, true)
	require.NoError(t, err)
	assert.Equal(t, 4, reduce.Candidates("1<-0")[2].CIn)
	assert.Equal(t, 2, reduce.Candidates("2<-0")[2].Stride)
	assert.Equal(t, 8, reduce.Candidates("2<-1")[2].CIn)
	assert.Equal(t, 1, reduce.Candidates("2<-1")[2].Stride)

	_, err = New(4, 4, 1, 1, connectNAS, 8, false, true)
	require.Error(t, err)
	_, err = New(4, 4, 1, 3, []string{"bogus"}, 8, false, true)
	require.True(t, errors.Is(err, ops.ErrUnknownOp))
}

func TestCheckCompatible(t *testing.T) {
	a, err := New(4, 4, 1, 4, connectNAS, 32, false, true)
	require.NoError(t, err)
	b, err := New(8, 8, 1, 4, connectNAS, 16, false, true)
	require.NoError(t, err)
	require.NoError(t, a.CheckCompatible(b))

	c, err := New(4, 4, 1, 3, connectNAS, 32, false, true)
	require.NoError(t, err)
	err = a.CheckCompatible(c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEdgeIndexMismatch))
}

func TestForwardGDAS(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cell, err := New(3, 3, 1, 3, connectNAS, 4, false, true)
	require.NoError(t, err)
	numEdges, numOps := cell.NumEdges(), len(cell.OpNames)

	run := func(opIdx int) (x, y *tensors.Tensor) {
		hardwts, index := selectAll(numEdges, numOps, opIdx)
		outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, hardwts, index *Node) []*Node {
			g := hardwts.Graph()
			x := AddScalar(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3)), 0.01), -0.5)
			return []*Node{x, cell.ForwardGDAS(ctx, x, hardwts, index)}
		}, hardwts, index)
		return outputs[0], outputs[1]
	}

	t.Run("skip_connect", func(t *testing.T) {
		// node1 = x, node2 = x + node1 = 2x.
		x, y := run(1)
		xs, ys := tensors.MustCopyFlatData[float32](x), tensors.MustCopyFlatData[float32](y)
		require.Len(t, ys, len(xs))
		for ii := range xs {
			require.InDelta(t, 2*xs[ii], ys[ii], 1e-5)
		}
	})

	t.Run("none", func(t *testing.T) {
		_, y := run(0)
		for _, v := range tensors.MustCopyFlatData[float32](y) {
			require.Equal(t, float32(0), v)
		}
	})

	t.Run("conv", func(t *testing.T) {
		_, y := run(2)
		require.NoError(t, y.Shape().Check(dtypes.Float32, 2, 4, 4, 3))
	})
}

func TestForwardGDASConstAndGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cell, err := New(3, 3, 1, 3, connectNAS, 4, false, true)
	require.NoError(t, err)
	numEdges, numOps := cell.NumEdges(), len(cell.OpNames)
	conv3x3Cost := cell.CostMatrix()[0][2]
	require.Greater(t, conv3x3Cost, 0.0)

	hardwts, index := selectAll(numEdges, numOps, 2)
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, hardwts, index *Node) []*Node {
		g := hardwts.Graph()
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3))
		y, cost := cell.ForwardGDASConst(ctx, x, hardwts, index)
		loss := Add(ReduceAllSum(y), cost)
		return []*Node{cost, Gradient(loss, hardwts)[0]}
	}, hardwts, index)

	assert.InDelta(t, float64(numEdges)*conv3x3Cost, float64(tensors.ToScalar[float32](outputs[0])), 1e-4)
	grads := outputs[1].Value().([][]float32)
	require.Len(t, grads, numEdges)
	for e := range grads {
		for k := range grads[e] {
			assert.NotEqualf(t, float32(0), grads[e][k], "gradient of hardwts[%d][%d] should not be zero", e, k)
		}
	}
}

func TestForwardGDASRunningStatistics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cell, err := New(3, 3, 1, 3, connectNAS, 4, false, true)
	require.NoError(t, err)
	numEdges, numOps := cell.NumEdges(), len(cell.OpNames)
	ctx := context.New().Checked(false)

	run := func(opIdx int, training bool) []float32 {
		hardwts, index := selectAll(numEdges, numOps, opIdx)
		y := context.MustExecOnce(backend, ctx, func(ctx *context.Context, hardwts, index *Node) *Node {
			g := hardwts.Graph()
			ctx.SetTraining(g, training)
			x := AddScalar(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3)), 0.01), -0.5)
			return cell.ForwardGDAS(ctx, x, hardwts, index)
		}, hardwts, index)
		return tensors.MustCopyFlatData[float32](y)
	}
	statistics := func() map[string][]float32 {
		values := make(map[string][]float32)
		for v := range ctx.IterVariablesInScope() {
			if !v.Trainable {
				values[v.ScopeAndName()] = tensors.MustCopyFlatData[float32](v.MustValue())
			}
		}
		return values
	}

	// Creates the variables without updating them.
	run(2, false)
	initial := statistics()
	require.NotEmpty(t, initial)

	// Training with skip_connect selected: the convolutions are built but their statistics don't move.
	y := run(1, true)
	for _, v := range y {
		require.False(t, math.IsNaN(float64(v)))
	}
	assert.Equal(t, initial, statistics())

	// Training with the convolution selected updates its statistics on every edge.
	run(2, true)
	var numUpdated int
	for name, values := range statistics() {
		if strings.HasSuffix(name, "avg_weight") {
			assert.Equalf(t, float32(1), values[0], "moving average weight %q should have been updated once", name)
			numUpdated++
		}
	}
	assert.Equal(t, numEdges, numUpdated)
}
