// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cells implements the searchable cell: a small DAG where node 0 is the cell input, and every
// node i is the sum of all candidate operations applied to every previous node j < i.
//
// The choice of the operation on each edge is made by the caller, with a "hard" one-hot selection per
// edge (see package gdas). Edges are identified by keys "{target}<-{source}" and mapped to rows of the
// architecture parameters in lexicographic order of the keys.
package cells

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gdas/pkg/nas/ops"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEdgeIndexMismatch is returned when two cells don't agree on the number of edges or on the
// mapping of edges to architecture parameter rows.
var ErrEdgeIndexMismatch = errors.New("edge index mismatch")

// EdgeKey returns the key of the edge from node source to node target.
func EdgeKey(target, source int) string {
	return strconv.Itoa(target) + "<-" + strconv.Itoa(source)
}

// NumEdges returns the number of edges of a cell with maxNodes nodes.
func NumEdges(maxNodes int) int {
	return maxNodes * (maxNodes - 1) / 2
}

// SearchCell holds the configuration and candidate operations of one searchable cell.
type SearchCell struct {
	CIn, COut, Stride int
	MaxNodes          int
	SpatialSize       int
	OpNames           []string

	edgeKeys   []string
	edge2index map[string]int
	edges      map[string][]*ops.Op
}

// New creates a SearchCell. Only the edges leaving the input node use stride and map cIn to cOut
// channels, all others map cOut to cOut with stride 1.
//
// spatialSize is the height (and width) of the cell input, used only to compute the cost of the
// operations. It can be 0, in which case costs are 0.
func New(cIn, cOut, stride, maxNodes int, opNames []string, spatialSize int, affine, trackRunningStats bool) (*SearchCell, error) {
	if maxNodes < 2 {
		return nil, errors.Errorf("search cell requires at least 2 nodes, got maxNodes=%d", maxNodes)
	}
	if len(opNames) == 0 {
		return nil, errors.New("search cell requires at least one candidate operation")
	}
	c := &SearchCell{
		CIn:         cIn,
		COut:        cOut,
		Stride:      stride,
		MaxNodes:    maxNodes,
		SpatialSize: spatialSize,
		OpNames:     slices.Clone(opNames),
		edges:       make(map[string][]*ops.Op, NumEdges(maxNodes)),
	}
	for i := 1; i < maxNodes; i++ {
		for j := 0; j < i; j++ {
			key := EdgeKey(i, j)
			edgeIn, edgeStride := cOut, 1
			if j == 0 {
				edgeIn, edgeStride = cIn, stride
			}
			candidates := make([]*ops.Op, 0, len(opNames))
			for _, name := range opNames {
				op, err := ops.New(name, edgeIn, cOut, edgeStride, affine, trackRunningStats)
				if err != nil {
					return nil, errors.WithMessagef(err, "creating edge %s", key)
				}
				candidates = append(candidates, op)
			}
			c.edges[key] = candidates
		}
	}
	c.edgeKeys = slices.Sorted(maps.Keys(c.edges))
	c.edge2index = make(map[string]int, len(c.edgeKeys))
	for ii, key := range c.edgeKeys {
		c.edge2index[key] = ii
	}
	klog.V(2).Infof("search cell: %s, %d edges", c.ExtraRepr(), len(c.edgeKeys))
	return c, nil
}

// NumEdges returns the number of edges of the cell.
func (c *SearchCell) NumEdges() int { return len(c.edgeKeys) }

// OutDim returns the number of output channels.
func (c *SearchCell) OutDim() int { return c.COut }

// EdgeKeys returns the edge keys, ordered by their row index.
func (c *SearchCell) EdgeKeys() []string { return slices.Clone(c.edgeKeys) }

// EdgeIndex returns a copy of the mapping from edge key to architecture parameter row.
func (c *SearchCell) EdgeIndex() map[string]int { return maps.Clone(c.edge2index) }

// Candidates returns the candidate operations for the edge key, in the order of OpNames.
func (c *SearchCell) Candidates(key string) []*ops.Op { return c.edges[key] }

// ExtraRepr describes the cell in one line.
func (c *SearchCell) ExtraRepr() string {
	return fmt.Sprintf("info :: %d nodes, inC=%d, outC=%d", c.MaxNodes, c.CIn, c.COut)
}

// CheckCompatible returns ErrEdgeIndexMismatch if other doesn't have the same edges mapped to the same rows.
func (c *SearchCell) CheckCompatible(other *SearchCell) error {
	if c.NumEdges() != other.NumEdges() {
		return errors.Wrapf(ErrEdgeIndexMismatch, "number of edges %d != %d", other.NumEdges(), c.NumEdges())
	}
	if !maps.Equal(c.edge2index, other.edge2index) {
		return errors.Wrapf(ErrEdgeIndexMismatch, "edge index %v != %v", other.edge2index, c.edge2index)
	}
	return nil
}

// CostMatrix returns the cost (in MFLOPs) of each candidate operation on each edge, shaped [numEdges, numOps].
func (c *SearchCell) CostMatrix() [][]float64 {
	costs := make([][]float64, len(c.edgeKeys))
	for row, key := range c.edgeKeys {
		costs[row] = make([]float64, len(c.OpNames))
		for col, op := range c.edges[key] {
			costs[row][col] = op.MFLOPs(c.SpatialSize)
		}
	}
	return costs
}

// ForwardGDAS builds the cell on x, given the hard selection weights hardwts, shaped [numEdges, numOps], and
// the selected operation index per edge, shaped [numEdges] of Int32.
//
// For each edge the value is the output of the selected operation multiplied by its (one-hot) weight, plus
// the non-selected weights added as constants: the forward value is unchanged (they are 0), but every
// weight receives a gradient.
//
// The compiled graph is static, so every candidate is built, but only the selected one contributes: the
// others are discarded with Where (no value and no gradient flows from them), and their running
// normalization statistics are kept unchanged. Variables created while building the graph, before they
// exist in the context, are not guarded: build the cell once in inference mode first.
func (c *SearchCell) ForwardGDAS(ctx *context.Context, x, hardwts, index *Node) *Node {
	numEdges, numOps := c.NumEdges(), len(c.OpNames)
	if hardwts.Rank() != 2 || hardwts.Shape().Dimensions[0] != numEdges || hardwts.Shape().Dimensions[1] != numOps {
		exceptions.Panicf("search cell expects hardwts shaped [%d, %d], got %s", numEdges, numOps, hardwts.Shape())
	}
	if index.Rank() != 1 || index.Shape().Dimensions[0] != numEdges {
		exceptions.Panicf("search cell expects index shaped [%d], got %s", numEdges, index.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	hardwts = ConvertDType(hardwts, dtype)
	opIndices := Iota(g, shapes.Make(index.DType(), numOps), 0)

	nodes := []*Node{x}
	for i := 1; i < c.MaxNodes; i++ {
		var node *Node
		for j := 0; j < i; j++ {
			key := EdgeKey(i, j)
			row := c.edge2index[key]
			edgeCtx := ctx.Inf("edge_%d_%d", i, j)
			edgeIndex := Reshape(Slice(index, AxisElem(row)))
			var selected *Node
			for k, op := range c.edges[key] {
				isSelected := Equal(edgeIndex, Const(g, int32(k)))
				opOutput := applyGuarded(edgeCtx.In(op.Name), op, nodes[j], isSelected)
				if selected == nil {
					selected = opOutput
				} else {
					selected = Where(isSelected, opOutput, selected)
				}
			}
			rowWeights := Reshape(Slice(hardwts, AxisElem(row)), numOps)
			mask := ConvertDType(Equal(opIndices, edgeIndex), dtype)
			selectedWeight := ReduceAllSum(Mul(mask, rowWeights))
			otherWeights := ReduceAllSum(Mul(OneMinus(mask), rowWeights))
			edgeSum := Add(Mul(selectedWeight, selected), otherWeights)
			if node == nil {
				node = edgeSum
			} else {
				node = Add(node, edgeSum)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes[len(nodes)-1]
}

// applyGuarded applies op and reverts any update to its non-trainable variables (the running
// normalization statistics) unless isSelected, a scalar boolean, is true.
func applyGuarded(ctx *context.Context, op *ops.Op, x, isSelected *Node) *Node {
	g := x.Graph()
	previous := make(map[*context.Variable]*Node)
	for v := range ctx.IterVariablesInScope() {
		if !v.Trainable {
			previous[v] = v.ValueGraph(g)
		}
	}
	output := op.Apply(ctx, x)
	for v, value := range previous {
		if v.ChangedInGraph(g) {
			v.SetValueGraph(Where(isSelected, v.ValueGraph(g), value))
		}
	}
	return output
}

// ForwardGDASConst is like ForwardGDAS, but also returns the scalar cost of the selection:
// the sum of hardwts weighted by CostMatrix. The cost is differentiable with respect to hardwts.
func (c *SearchCell) ForwardGDASConst(ctx *context.Context, x, hardwts, index *Node) (output, cost *Node) {
	output = c.ForwardGDAS(ctx, x, hardwts, index)
	costs := ConstAsDType(x.Graph(), x.DType(), c.CostMatrix())
	cost = ReduceAllSum(Mul(ConvertDType(hardwts, x.DType()), costs))
	return
}
