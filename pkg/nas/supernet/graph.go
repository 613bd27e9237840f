// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package supernet

import (
	"github.com/gomlx/gdas/pkg/nas/ops"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SampledGraph builds the network on images using a previously drawn selection (see Network.Sample):
// oneHot and noise shaped [numEdges, numOps], index shaped [numEdges] and the scalar temperature tau.
//
// The selection weights are the straight-through combination of oneHot and the probabilities of the
// alphas variable, so the gradient of the output reaches the alphas. If UsesCost, the cost of the
// selected operations of every cell is accumulated in Output.Cost.
func (n *Network) SampledGraph(ctx *context.Context, images, oneHot, index, noise, tau *Node) Output {
	g := images.Graph()
	alphas := n.alphas.ValueGraph(g)
	hardwts := n.relaxation.HardWeightsGraph(alphas, oneHot, noise, tau)
	return n.buildGraph(ctx, images, hardwts, index, n.UsesCost())
}

// WeightedGraph builds the network on images with externally given selection weights, shaped
// [numEdges, numOps]. The selected operation of each edge is the arg-max of its row. No cost is
// accumulated and Output.Cost is 0.
func (n *Network) WeightedGraph(ctx *context.Context, images, weights *Node) Output {
	index := ArgMax(weights, -1, dtypes.Int32)
	return n.buildGraph(ctx, images, weights, index, false)
}

// buildGraph builds stem, layers and classifier. Every search cell uses the same hardwts and index.
func (n *Network) buildGraph(ctx *context.Context, images, hardwts, index *Node, withCost bool) Output {
	g := images.Graph()
	ctx = ctx.In(NetworkScope)
	x := ConvertDType(images, DType)
	if n.config.ChannelsFirst {
		x = TransposeAllDims(x, 0, 2, 3, 1)
	}

	stemCtx := ctx.In("stem")
	x = layers.Convolution(stemCtx, x).Channels(n.config.C).KernelSize(3).PadSame().UseBias(false).Done()
	x = ops.Normalize(stemCtx, x, true, true)

	cost := ScalarZero(g, DType)
	for ii, layer := range n.layers {
		layerCtx := ctx.Inf("layer_%02d", ii)
		switch layer.Kind {
		case ReductionLayer:
			x = layer.Block.Apply(layerCtx, x)
		case SearchLayer:
			if withCost {
				var cellCost *Node
				x, cellCost = layer.Cell.ForwardGDASConst(layerCtx, x, hardwts, index)
				cost = Add(cost, cellCost)
			} else {
				x = layer.Cell.ForwardGDAS(layerCtx, x, hardwts, index)
			}
		}
	}

	lastCtx := ctx.In("lastact")
	x = activations.Relu(ops.Normalize(lastCtx, x, true, true))
	features := ReduceMean(x, 1, 2)
	logits := layers.Dense(ctx.In("classifier"), features, true, n.config.NumClasses)
	return Output{Features: features, Logits: logits, Cost: cost}
}
