// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package supernet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gdas/pkg/nas/cells"
	"github.com/gomlx/gdas/pkg/nas/ops"
	"github.com/pkg/errors"
)

// LayerSpec describes one entry of the stack of cells.
type LayerSpec struct {
	// Channels of the output of the layer.
	Channels int

	// Reduction is true for the fixed residual blocks that halve the spatial size.
	Reduction bool

	// SpatialSize is the height (and width) of the layer's output, or 0 if the input size is unknown.
	SpatialSize int
}

// LayerPlan returns the stack of layers for a network of c channels with n searchable cells per stage:
// three stages of n cells, with c, 2c and 4c channels, separated by two reduction blocks.
func LayerPlan(c, n, inputSize int) []LayerSpec {
	plan := make([]LayerSpec, 0, 3*n+2)
	for stage := range 3 {
		channels := c << stage
		size := inputSize >> stage
		if stage > 0 {
			plan = append(plan, LayerSpec{Channels: channels, Reduction: true, SpatialSize: size})
		}
		for range n {
			plan = append(plan, LayerSpec{Channels: channels, SpatialSize: size})
		}
	}
	return plan
}

// LayerKind tags the variant held by a Layer.
type LayerKind int

const (
	SearchLayer LayerKind = iota
	ReductionLayer
)

// String implements fmt.Stringer.
func (k LayerKind) String() string {
	switch k {
	case SearchLayer:
		return "search"
	case ReductionLayer:
		return "reduction"
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// Layer is one entry of the network's stack. Exactly one of Cell (for SearchLayer) or Block (for
// ReductionLayer) is set, according to Kind.
type Layer struct {
	Kind  LayerKind
	Spec  LayerSpec
	Cell  *cells.SearchCell
	Block *ops.ResNetBasicBlock
}

// OutDim returns the number of output channels of the layer.
func (l *Layer) OutDim() int {
	switch l.Kind {
	case SearchLayer:
		return l.Cell.OutDim()
	case ReductionLayer:
		return l.Block.OutDim()
	}
	exceptions.Panicf("invalid layer kind %s", l.Kind)
	return 0
}

// ExtraRepr describes the layer in one line.
func (l *Layer) ExtraRepr() string {
	switch l.Kind {
	case SearchLayer:
		return l.Cell.ExtraRepr()
	case ReductionLayer:
		return l.Block.ExtraRepr()
	}
	return l.Kind.String()
}

// MFLOPs returns the cost of the layer: for a SearchLayer, the cost of its most expensive selection.
func (l *Layer) MFLOPs() float64 {
	switch l.Kind {
	case ReductionLayer:
		// Spec.SpatialSize is the output size; the block input is twice as large.
		return l.Block.MFLOPs(2 * l.Spec.SpatialSize)
	case SearchLayer:
		var total float64
		for _, row := range l.Cell.CostMatrix() {
			total += max(0, maxOf(row))
		}
		return total
	}
	return 0
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		m = max(m, v)
	}
	return m
}

// buildLayers instantiates the layers of the plan, starting from cIn channels (the stem output).
func buildLayers(cfg Config, plan []LayerSpec) ([]*Layer, error) {
	layers := make([]*Layer, 0, len(plan))
	cPrev := cfg.C
	for ii, spec := range plan {
		layer := &Layer{Spec: spec}
		if spec.Reduction {
			block, err := ops.NewResNetBasicBlock(cPrev, spec.Channels, 2)
			if err != nil {
				return nil, errors.WithMessagef(err, "layer %d", ii)
			}
			layer.Kind, layer.Block = ReductionLayer, block
		} else {
			cell, err := cells.New(cPrev, spec.Channels, 1, cfg.MaxNodes, cfg.OpNames, spec.SpatialSize,
				cfg.Affine, cfg.TrackRunningStats)
			if err != nil {
				return nil, errors.WithMessagef(err, "layer %d", ii)
			}
			layer.Kind, layer.Cell = SearchLayer, cell
		}
		layers = append(layers, layer)
		cPrev = layer.OutDim()
	}
	return layers, nil
}

// sharedEdgeIndex checks that every search cell has the same edges mapped to the same rows, and
// returns the first one.
func sharedEdgeIndex(layers []*Layer) (*cells.SearchCell, error) {
	var first *cells.SearchCell
	for ii, layer := range layers {
		if layer.Kind != SearchLayer {
			continue
		}
		if first == nil {
			first = layer.Cell
			continue
		}
		if err := first.CheckCompatible(layer.Cell); err != nil {
			return nil, errors.WithMessagef(err, "layer %d", ii)
		}
	}
	if first == nil {
		return nil, errors.New("network has no searchable cells")
	}
	return first, nil
}
