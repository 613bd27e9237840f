// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the candidate operations that can be placed on the edges of a searchable
// cell, and the fixed residual block used to reduce the spatial resolution between stages.
//
// All operations work on channels-last images, shaped [batch, height, width, channels].
//
// Each operation creates its variables under the context scope it is given, so callers should give
// each instance its own sub-scope.
package ops

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Names of the candidate operations.
const (
	None        = "none"
	SkipConnect = "skip_connect"
	Conv1x1     = "nor_conv_1x1"
	Conv3x3     = "nor_conv_3x3"
	AvgPool3x3  = "avg_pool_3x3"
)

var (
	// ErrUnknownOp is returned when an operation name is not supported.
	ErrUnknownOp = errors.New("unknown operation")

	// ErrUnknownSearchSpace is returned when a search space name is not registered in SearchSpaces.
	ErrUnknownSearchSpace = errors.New("unknown search space")
)

// SearchSpaces maps a search space name to its list of candidate operations.
// The order of the operations defines the columns of the architecture parameters.
var SearchSpaces = map[string][]string{
	"connect-nas":   {None, SkipConnect, Conv3x3},
	"nas-bench-201": {None, SkipConnect, Conv1x1, Conv3x3, AvgPool3x3},
	"aa-nas":        {None, SkipConnect, Conv1x1, Conv3x3, AvgPool3x3},
}

// SearchSpace returns a copy of the operation names for the given search space.
func SearchSpace(name string) ([]string, error) {
	opNames, found := SearchSpaces[name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownSearchSpace, "%q", name)
	}
	return slices.Clone(opNames), nil
}

// IsKnown returns whether name is one of the supported operations.
func IsKnown(name string) bool {
	switch name {
	case None, SkipConnect, Conv1x1, Conv3x3, AvgPool3x3:
		return true
	}
	return false
}

// Op is a configured candidate operation.
type Op struct {
	Name              string
	CIn, COut, Stride int
	Affine            bool
	TrackRunningStats bool
}

// New returns the operation name configured for the given input/output channels and stride.
func New(name string, cIn, cOut, stride int, affine, trackRunningStats bool) (*Op, error) {
	if !IsKnown(name) {
		return nil, errors.Wrapf(ErrUnknownOp, "%q", name)
	}
	if cIn <= 0 || cOut <= 0 {
		return nil, errors.Errorf("op %q: invalid channels inC=%d, outC=%d", name, cIn, cOut)
	}
	if stride != 1 && stride != 2 {
		return nil, errors.Errorf("op %q: stride must be 1 or 2, got %d", name, stride)
	}
	return &Op{Name: name, CIn: cIn, COut: cOut, Stride: stride, Affine: affine, TrackRunningStats: trackRunningStats}, nil
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	return fmt.Sprintf("%s(inC=%d, outC=%d, stride=%d)", op.Name, op.CIn, op.COut, op.Stride)
}

// Apply builds the operation on x, shaped [batch, height, width, op.CIn].
func (op *Op) Apply(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 || x.Shape().Dimensions[3] != op.CIn {
		exceptions.Panicf("op %s: expected input shaped [batch, height, width, %d], got %s", op, op.CIn, x.Shape())
	}
	switch op.Name {
	case None:
		return zero(x, op.COut, op.Stride)
	case SkipConnect:
		if op.Stride == 1 && op.CIn == op.COut {
			return x
		}
		return FactorizedReduce(ctx, x, op.COut, op.Stride, op.Affine, op.TrackRunningStats)
	case Conv1x1:
		return ReLUConvBN(ctx, x, op.COut, 1, op.Stride, op.Affine, op.TrackRunningStats)
	case Conv3x3:
		return ReLUConvBN(ctx, x, op.COut, 3, op.Stride, op.Affine, op.TrackRunningStats)
	case AvgPool3x3:
		if op.CIn != op.COut {
			x = ReLUConvBN(ctx.In("preprocess"), x, op.COut, 1, 1, op.Affine, op.TrackRunningStats)
		}
		return avgPoolExcludePad(x, 3, op.Stride)
	}
	exceptions.Panicf("op %q not implemented", op.Name)
	return nil
}

// MFLOPs returns the number of multiply-adds (in millions) per example of the operation, for square inputs
// of the given spatial size. It is used as a differentiable complexity proxy during the search.
func (op *Op) MFLOPs(spatialSize int) float64 {
	if spatialSize <= 0 {
		return 0
	}
	out := outputSize(spatialSize, op.Stride)
	switch op.Name {
	case Conv1x1:
		return convMFLOPs(out, 1, op.CIn, op.COut)
	case Conv3x3:
		return convMFLOPs(out, 3, op.CIn, op.COut)
	case SkipConnect:
		if op.Stride == 1 && op.CIn == op.COut {
			return 0
		}
		return convMFLOPs(out, 1, op.CIn, op.COut)
	case AvgPool3x3:
		var flops float64
		if op.CIn != op.COut {
			flops = convMFLOPs(spatialSize, 1, op.CIn, op.COut)
		}
		return flops + float64(out*out*9*op.COut)/1e6
	}
	return 0
}

func outputSize(size, stride int) int {
	return int(math.Ceil(float64(size) / float64(stride)))
}

func convMFLOPs(outSize, kernel, cIn, cOut int) float64 {
	return float64(outSize*outSize*kernel*kernel*cIn*cOut) / 1e6
}

// ReLUConvBN applies ReLU, a convolution without bias (padded to keep the spatial size when stride is 1)
// and a normalization.
func ReLUConvBN(ctx *context.Context, x *Node, cOut, kernelSize, stride int, affine, trackRunningStats bool) *Node {
	x = activations.Relu(x)
	x = convNoBias(ctx, x, cOut, kernelSize, stride)
	return Normalize(ctx, x, affine, trackRunningStats)
}

func convNoBias(ctx *context.Context, x *Node, cOut, kernelSize, stride int) *Node {
	return layers.Convolution(ctx, x).
		Channels(cOut).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		UseBias(false).
		Done()
}

// FactorizedReduce maps x to cOut channels with 1x1 convolutions. With stride 2 it concatenates two
// half-width convolutions, the second one on the input shifted by one pixel, so no spatial position
// is dropped.
func FactorizedReduce(ctx *context.Context, x *Node, cOut, stride int, affine, trackRunningStats bool) *Node {
	if stride == 1 {
		x = convNoBias(ctx, x, cOut, 1, 1)
		return Normalize(ctx, x, affine, trackRunningStats)
	}
	x = activations.Relu(x)
	half := cOut / 2
	a := convNoBias(ctx.In("conv_0"), x, half, 1, stride)
	b := convNoBias(ctx.In("conv_1"), shiftByOne(x), cOut-half, 1, stride)
	return Normalize(ctx, Concatenate([]*Node{a, b}, -1), affine, trackRunningStats)
}

// shiftByOne moves the image one pixel up and left, filling the last row and column with zeros.
func shiftByOne(x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	shifted := Slice(x, AxisRange(), AxisRangeToEnd(1), AxisRangeToEnd(1), AxisRange())
	zeroRow := Zeros(g, shapes.Make(x.DType(), dims[0], 1, dims[2]-1, dims[3]))
	shifted = Concatenate([]*Node{shifted, zeroRow}, 1)
	zeroCol := Zeros(g, shapes.Make(x.DType(), dims[0], dims[1], 1, dims[3]))
	return Concatenate([]*Node{shifted, zeroCol}, 2)
}

// zero returns zeros shaped like the output of the operation: multiplying x by 0 keeps x in the graph
// when no channel change is needed.
func zero(x *Node, cOut, stride int) *Node {
	if stride > 1 {
		x = Slice(x, AxisRange(), AxisRange().Stride(stride), AxisRange().Stride(stride), AxisRange())
	}
	if x.Shape().Dimensions[3] == cOut {
		return MulScalar(x, 0)
	}
	dims := slices.Clone(x.Shape().Dimensions)
	dims[3] = cOut
	return Zeros(x.Graph(), shapes.Make(x.DType(), dims...))
}

// avgPoolExcludePad averages over the window, counting only the positions inside the image.
func avgPoolExcludePad(x *Node, window, stride int) *Node {
	sums := SumPool(x).Window(window).Strides(stride).PadSame().Done()
	counts := SumPool(OnesLike(x)).Window(window).Strides(stride).PadSame().Done()
	return Div(sums, StopGradient(counts))
}
