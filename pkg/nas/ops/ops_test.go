// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"testing"

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

// testImages returns a deterministic, non-constant batch shaped [2, size, size, channels].
func testImages(g *Graph, size, channels int) *Node {
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, size, size, channels))
	return Sin(MulScalar(x, 0.1))
}

func TestSearchSpace(t *testing.T) {
	opNames, err := SearchSpace("nas-bench-201")
	require.NoError(t, err)
	assert.Equal(t, []string{None, SkipConnect, Conv1x1, Conv3x3, AvgPool3x3}, opNames)
	opNames[0] = "changed"
	assert.Equal(t, None, SearchSpaces["nas-bench-201"][0])

	_, err = SearchSpace("darts-v3")
	require.True(t, errors.Is(err, ErrUnknownSearchSpace))

	_, err = New("sep_conv_5x5", 4, 4, 1, false, true)
	require.True(t, errors.Is(err, ErrUnknownOp))
	_, err = New(Conv3x3, 4, 4, 3, false, true)
	require.Error(t, err)
}

func TestOpShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opNames := SearchSpaces["nas-bench-201"]
	for _, tc := range []struct{ cIn, cOut, stride int }{
		{4, 4, 1},
		{4, 4, 2},
		{4, 8, 1},
		{4, 8, 2},
	} {
		for _, name := range opNames {
			for _, track := range []bool{true, false} {
				testName := fmt.Sprintf("%s-in%d-out%d-stride%d-track=%v", name, tc.cIn, tc.cOut, tc.stride, track)
				t.Run(testName, func(t *testing.T) {
					op, err := New(name, tc.cIn, tc.cOut, tc.stride, true, track)
					require.NoError(t, err)
					ctx := context.New()
					output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
						return op.Apply(ctx.In(name), testImages(g, 8, tc.cIn))
					})
					outSize := 8 / tc.stride
					require.NoError(t, output.Shape().Check(dtypes.Float32, 2, outSize, outSize, tc.cOut))
					assert.GreaterOrEqual(t, op.MFLOPs(8), 0.0)
				})
			}
		}
	}
}

func TestZeroAndIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	zeroOp, err := New(None, 3, 3, 1, false, true)
	require.NoError(t, err)
	skipOp, err := New(SkipConnect, 3, 3, 1, false, true)
	require.NoError(t, err)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := testImages(g, 4, 3)
		return []*Node{x, zeroOp.Apply(ctx.In("zero"), x), skipOp.Apply(ctx.In("skip"), x)}
	})
	for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
		require.Equal(t, float32(0), v)
	}
	assert.Equal(t, outputs[0].Value(), outputs[2].Value())
	assert.Equal(t, 0.0, zeroOp.MFLOPs(32))
	assert.Equal(t, 0.0, skipOp.MFLOPs(32))
}

func TestAvgPoolExcludesPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		return avgPoolExcludePad(Ones(g, shapes.Make(dtypes.Float32, 1, 5, 5, 2)), 3, 1)
	})
	// Averaging ones must be 1 everywhere, including borders.
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		require.InDelta(t, 1.0, v, 1e-6)
	}
}

func TestNormalizeWithBatchStatistics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := AddScalar(MulScalar(testImages(g, 4, 3), 5), 7)
		normalized := Normalize(ctx, x, true, false)
		return ReduceMean(normalized, 0, 1, 2)
	})
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		require.InDelta(t, 0.0, v, 1e-4)
	}
	// Affine variables are created in their own scope.
	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.Scope()+"/"+v.Name())
	}
	assert.ElementsMatch(t, []string{"/batch_statistics_norm/scale", "/batch_statistics_norm/offset"}, names)
}

func TestResNetBasicBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := NewResNetBasicBlock(8, 16, 3)
	require.Error(t, err)

	block, err := NewResNetBasicBlock(8, 16, 2)
	require.NoError(t, err)
	assert.Equal(t, "ResNetBasicblock(inC=8, outC=16, stride=2)", block.ExtraRepr())
	assert.Equal(t, 16, block.OutDim())
	assert.Greater(t, block.MFLOPs(32), 0.0)

	output := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		return block.Apply(ctx, testImages(g, 16, 8))
	})
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 8, 8, 16))
}

func TestMFLOPs(t *testing.T) {
	conv, err := New(Conv3x3, 16, 16, 1, false, true)
	require.NoError(t, err)
	// 32*32 positions, 3*3 kernel, 16*16 channels.
	assert.InDelta(t, 32*32*9*16*16/1e6, conv.MFLOPs(32), 1e-9)
	assert.Equal(t, 0.0, conv.MFLOPs(0))

	conv1, err := New(Conv1x1, 16, 16, 1, false, true)
	require.NoError(t, err)
	assert.Less(t, conv1.MFLOPs(32), conv.MFLOPs(32))
}
