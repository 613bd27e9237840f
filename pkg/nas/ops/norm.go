// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Normalization constants, matching the usual NAS-Bench-201 settings.
const (
	NormMomentum = 0.9
	NormEpsilon  = 1e-5
)

// Normalize x over its last (channels) axis.
//
// If trackRunningStats is true it uses batchnorm, which keeps moving averages of the mean and variance
// for inference. Otherwise, it always normalizes with the statistics of the current batch, in training
// and in inference.
//
// If affine is true, a learnable per-channel scale and offset are applied after the normalization.
func Normalize(ctx *context.Context, x *Node, affine, trackRunningStats bool) *Node {
	if trackRunningStats {
		return batchnorm.New(ctx, x, -1).
			Center(affine).
			Scale(affine).
			Momentum(NormMomentum).
			Epsilon(NormEpsilon).
			Done()
	}
	return batchStatisticsNorm(ctx.In("batch_statistics_norm"), x, affine)
}

// batchStatisticsNorm differs from batchnorm's training path in that gradients flow through the batch
// mean and variance.
func batchStatisticsNorm(ctx *context.Context, x *Node, affine bool) *Node {
	g := x.Graph()
	featureDim := x.Shape().Dimensions[x.Rank()-1]
	reduceAxes := make([]int, x.Rank()-1)
	for ii := range reduceAxes {
		reduceAxes[ii] = ii
	}
	mean := ReduceAndKeep(x, ReduceMean, reduceAxes...)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, reduceAxes...)
	normalized := Div(centered, Sqrt(AddScalar(variance, NormEpsilon)))
	if !affine {
		return normalized
	}

	varShape := shapes.Make(x.DType(), featureDim)
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[x.Rank()-1] = featureDim
	scale := ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).ValueGraph(g)
	normalized = Mul(normalized, Reshape(scale, broadcastDims...))
	return Add(normalized, Reshape(offset, broadcastDims...))
}
