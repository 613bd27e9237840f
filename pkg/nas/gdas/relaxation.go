// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gdas implements the categorical relaxation used by GDAS (Gradient-based search using
// Differentiable Architecture Sampler) to select one candidate operation per cell edge.
//
// The architecture parameters ("alphas") are a [numEdges, numOps] matrix. At each forward pass one
// operation per edge is sampled, and the "hard" one-hot selection is combined with the continuous
// probabilities with a straight-through estimator: the forward value is the one-hot selection, while the
// gradient flows as if it were the probabilities.
//
// It also implements the decoding of the alphas into a discrete genotypes.Structure.
package gdas

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Strategy selects how the per-edge probabilities are computed and sampled.
type Strategy int

const (
	// Categorical samples from softmax(alphas). The temperature is not used.
	Categorical Strategy = iota

	// GumbelSoftmax perturbs the log-probabilities with Gumbel noise and divides them by the temperature
	// before the softmax. The selected operation is the arg-max of the perturbed probabilities.
	GumbelSoftmax
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Categorical:
		return "categorical"
	case GumbelSoftmax:
		return "gumbel"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy converts the name returned by Strategy.String back to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "categorical", "":
		return Categorical, nil
	case "gumbel":
		return GumbelSoftmax, nil
	}
	return Categorical, errors.Errorf("unknown relaxation strategy %q, valid values are \"categorical\" or \"gumbel\"", name)
}

// Default values for a Relaxation.
const (
	DefaultTau         = 10.0
	DefaultMaxAttempts = 100
)

// Relaxation holds the static information about the architecture parameters: the candidate operation names
// (columns), the mapping of edges to rows and the sampling configuration.
//
// It doesn't own the parameters themselves: those are a variable owned by the network, passed to each
// method that needs them.
type Relaxation struct {
	opNames    []string
	edge2index map[string]int
	maxNodes   int

	tau      float64
	strategy Strategy

	// MaxAttempts is the maximum number of draws attempted by Sampler.Sample before returning
	// ErrDegenerateDistribution.
	MaxAttempts int
}

// NewRelaxation creates a Relaxation for cells with maxNodes nodes, whose edges are mapped to rows by edge2index.
func NewRelaxation(opNames []string, edge2index map[string]int, maxNodes int) (*Relaxation, error) {
	if len(opNames) == 0 {
		return nil, errors.New("relaxation requires at least one operation")
	}
	numEdges := maxNodes * (maxNodes - 1) / 2
	if len(edge2index) != numEdges {
		return nil, errors.Errorf("relaxation for %d nodes requires %d edges, got %d", maxNodes, numEdges, len(edge2index))
	}
	for key, row := range edge2index {
		if row < 0 || row >= numEdges {
			return nil, errors.Errorf("edge %q mapped to invalid row %d (numEdges=%d)", key, row, numEdges)
		}
	}
	return &Relaxation{
		opNames:     slices.Clone(opNames),
		edge2index:  maps.Clone(edge2index),
		maxNodes:    maxNodes,
		tau:         DefaultTau,
		strategy:    Categorical,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NumEdges returns the number of rows of the architecture parameters.
func (r *Relaxation) NumEdges() int { return len(r.edge2index) }

// NumOps returns the number of columns of the architecture parameters.
func (r *Relaxation) NumOps() int { return len(r.opNames) }

// OpNames returns the candidate operation names, in column order.
func (r *Relaxation) OpNames() []string { return slices.Clone(r.opNames) }

// MaxNodes returns the number of nodes of the cells.
func (r *Relaxation) MaxNodes() int { return r.maxNodes }

// EdgeIndex returns a copy of the edge key to row mapping.
func (r *Relaxation) EdgeIndex() map[string]int { return maps.Clone(r.edge2index) }

// EdgeKeys returns the edge keys sorted by their row.
func (r *Relaxation) EdgeKeys() []string {
	keys := make([]string, len(r.edge2index))
	for key, row := range r.edge2index {
		keys[row] = key
	}
	return keys
}

// Tau returns the temperature.
func (r *Relaxation) Tau() float64 { return r.tau }

// SetTau sets the temperature, used by the GumbelSoftmax strategy.
// The temperature is usually annealed during the search by the training loop.
func (r *Relaxation) SetTau(tau float64) { r.tau = tau }

// Strategy returns the sampling strategy.
func (r *Relaxation) Strategy() Strategy { return r.strategy }

// SetStrategy sets the sampling strategy. It affects only samplers and graphs created afterward.
func (r *Relaxation) SetStrategy(strategy Strategy) { r.strategy = strategy }

// ProbabilitiesGraph returns the per-edge probabilities, shaped [numEdges, numOps].
//
// For GumbelSoftmax it uses noise (Gumbel samples shaped like alphas) and tau (a scalar); they are
// ignored (and may be nil) for Categorical.
func (r *Relaxation) ProbabilitiesGraph(alphas, noise, tau *Node) *Node {
	switch r.strategy {
	case Categorical:
		return Softmax(alphas, -1)
	case GumbelSoftmax:
		if noise == nil || tau == nil {
			exceptions.Panicf("gumbel relaxation requires noise and tau")
		}
		logits := Div(Add(LogSoftmax(alphas, -1), noise), ConvertDType(tau, alphas.DType()))
		return Softmax(logits, -1)
	}
	exceptions.Panicf("relaxation strategy %s not implemented", r.strategy)
	return nil
}

// GumbelNoise returns samples of the standard Gumbel distribution with the same shape as x, using the
// context random number generator.
func GumbelNoise(ctx *context.Context, x *Node) *Node {
	uniform := ctx.RandomUniform(x.Graph(), x.Shape())
	uniform = Max(uniform, ConstAs(uniform, 1e-10))
	return Neg(Log(Neg(Log(uniform))))
}

// SampleGraph draws one operation per edge.
//
// It returns the one-hot selection (same dtype as alphas), the selected index per edge (Int32, shaped
// [numEdges]), the Gumbel noise used, and a boolean scalar that is false if the probabilities had any
// non-finite value, in which case the draw must be discarded.
//
// The Categorical draw uses the Gumbel-max trick: arg-max of log(probs)+noise is distributed as a
// multinomial sample of probs.
func (r *Relaxation) SampleGraph(ctx *context.Context, alphas, tau *Node) (oneHot, index, noise, finite *Node) {
	noise = GumbelNoise(ctx, alphas)
	probs := r.ProbabilitiesGraph(alphas, noise, tau)
	switch r.strategy {
	case Categorical:
		index = ArgMax(Add(Log(probs), noise), -1, dtypes.Int32)
	default:
		index = ArgMax(probs, -1, dtypes.Int32)
	}
	oneHot = OneHot(index, r.NumOps(), alphas.DType())
	finite = LogicalAll(IsFinite(probs))
	return
}

// StraightThrough returns a value equal to oneHot in the forward pass, but whose gradient is the gradient
// of probs.
func StraightThrough(oneHot, probs *Node) *Node {
	return Add(Sub(oneHot, StopGradient(probs)), probs)
}

// HardWeightsGraph recomputes the probabilities of alphas (with the given noise and tau) and combines
// them with a previously drawn oneHot with the straight-through estimator.
//
// It is used in the differentiable forward graph, so gradients reach the alphas variable.
func (r *Relaxation) HardWeightsGraph(alphas, oneHot, noise, tau *Node) *Node {
	probs := r.ProbabilitiesGraph(alphas, noise, tau)
	return StraightThrough(ConvertDType(oneHot, alphas.DType()), probs)
}
