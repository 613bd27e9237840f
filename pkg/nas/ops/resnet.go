// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ResNetBasicBlock is the fixed (not searched) residual block used between stages of the supernetwork.
// With stride 2 it halves the spatial dimensions.
//
// Its convolutions always use affine normalization with running statistics.
type ResNetBasicBlock struct {
	CIn, COut, Stride int
}

// NewResNetBasicBlock validates and returns the block configuration.
func NewResNetBasicBlock(cIn, cOut, stride int) (*ResNetBasicBlock, error) {
	if stride != 1 && stride != 2 {
		return nil, errors.Errorf("ResNetBasicBlock: invalid stride %d, must be 1 or 2", stride)
	}
	if cIn <= 0 || cOut <= 0 {
		return nil, errors.Errorf("ResNetBasicBlock: invalid channels inC=%d, outC=%d", cIn, cOut)
	}
	return &ResNetBasicBlock{CIn: cIn, COut: cOut, Stride: stride}, nil
}

// OutDim returns the number of output channels.
func (b *ResNetBasicBlock) OutDim() int { return b.COut }

// ExtraRepr describes the block in one line.
func (b *ResNetBasicBlock) ExtraRepr() string {
	return fmt.Sprintf("ResNetBasicblock(inC=%d, outC=%d, stride=%d)", b.CIn, b.COut, b.Stride)
}

// Apply builds the block on x, shaped [batch, height, width, b.CIn].
func (b *ResNetBasicBlock) Apply(ctx *context.Context, x *Node) *Node {
	residual := ReLUConvBN(ctx.In("conv_a"), x, b.COut, 3, b.Stride, true, true)
	residual = ReLUConvBN(ctx.In("conv_b"), residual, b.COut, 3, 1, true, true)

	shortcut := x
	switch {
	case b.Stride == 2:
		shortcutCtx := ctx.In("downsample")
		shortcut = MeanPool(x).Window(2).Strides(2).NoPadding().Done()
		shortcut = convNoBias(shortcutCtx, shortcut, b.COut, 1, 1)
	case b.CIn != b.COut:
		shortcut = ReLUConvBN(ctx.In("downsample"), x, b.COut, 1, 1, true, true)
	}
	return Add(residual, shortcut)
}

// MFLOPs returns the multiply-adds (in millions) per example for square inputs of the given spatial size.
func (b *ResNetBasicBlock) MFLOPs(spatialSize int) float64 {
	if spatialSize <= 0 {
		return 0
	}
	out := outputSize(spatialSize, b.Stride)
	flops := convMFLOPs(out, 3, b.CIn, b.COut) + convMFLOPs(out, 3, b.COut, b.COut)
	if b.Stride == 2 || b.CIn != b.COut {
		flops += convMFLOPs(out, 1, b.CIn, b.COut)
	}
	return flops
}
