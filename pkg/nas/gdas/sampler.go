// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gdas

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDegenerateDistribution is returned when every sampling attempt produced non-finite probabilities,
// usually because the architecture parameters diverged.
var ErrDegenerateDistribution = errors.New("degenerate architecture distribution")

// Selection is the result of one draw: the operation chosen for each edge of the cells.
type Selection struct {
	// OneHot selection, shaped [numEdges, numOps].
	OneHot *tensors.Tensor

	// Index of the selected operation per edge, shaped [numEdges] of Int32.
	Index *tensors.Tensor

	// Noise is the Gumbel noise used in the draw, shaped [numEdges, numOps]. It is needed to recompute
	// the probabilities of the GumbelSoftmax strategy in the differentiable graph.
	Noise *tensors.Tensor

	// Tau is the temperature at the time of the draw.
	Tau float64
}

// Indices returns the selected operation index for each edge.
func (s *Selection) Indices() []int32 {
	return tensors.MustCopyFlatData[int32](s.Index)
}

// Sampler draws selections from an alphas variable, with a bounded number of retries if the draw
// is degenerate.
type Sampler struct {
	relaxation *Relaxation
	alphas     *context.Variable
	exec       *context.Exec
}

// NewSampler creates a Sampler for the given alphas variable, shaped [numEdges, numOps].
// The random number generator state is taken from ctx.
func NewSampler(backend backends.Backend, ctx *context.Context, r *Relaxation, alphas *context.Variable) (*Sampler, error) {
	if err := alphas.Shape().Check(alphas.Shape().DType, r.NumEdges(), r.NumOps()); err != nil {
		return nil, errors.WithMessagef(err, "alphas variable %q", alphas.ScopeAndName())
	}
	s := &Sampler{relaxation: r, alphas: alphas}
	var err error
	s.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, tau *Node) []*Node {
		values := alphas.ValueGraph(tau.Graph())
		oneHot, index, noise, finite := r.SampleGraph(ctx, values, tau)
		return []*Node{oneHot, index, noise, finite}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create sampler")
	}
	return s, nil
}

// Sample draws one selection. Draws with non-finite probabilities are discarded and retried, up
// to Relaxation.MaxAttempts, after which ErrDegenerateDistribution is returned.
func (s *Sampler) Sample() (*Selection, error) {
	maxAttempts := max(s.relaxation.MaxAttempts, 1)
	tau := s.relaxation.Tau()
	tauT := s.relaxation.TauTensor(s.alphas.Shape().DType)
	defer tauT.MustFinalizeAll()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { outputs = s.exec.MustExec(tauT) })
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to sample architecture")
		}
		if tensors.ToScalar[bool](outputs[3]) {
			return &Selection{OneHot: outputs[0], Index: outputs[1], Noise: outputs[2], Tau: tau}, nil
		}
		klog.Warningf("gdas: architecture probabilities of %q are not finite, discarding draw (attempt %d of %d)",
			s.alphas.ScopeAndName(), attempt, maxAttempts)
		for _, t := range outputs {
			t.MustFinalizeAll()
		}
	}
	return nil, errors.Wrapf(ErrDegenerateDistribution, "%d sampling attempts of %q failed",
		maxAttempts, s.alphas.ScopeAndName())
}

// SampleWeights draws n selections and returns only their one-hot matrices, shaped [numEdges, numOps].
// They carry no gradient information and are meant for evaluation or statistics of the current
// distribution.
func (s *Sampler) SampleWeights(n int) ([]*tensors.Tensor, error) {
	weights := make([]*tensors.Tensor, 0, n)
	for range n {
		sel, err := s.Sample()
		if err != nil {
			return nil, err
		}
		sel.Index.MustFinalizeAll()
		sel.Noise.MustFinalizeAll()
		weights = append(weights, sel.OneHot)
	}
	return weights, nil
}

// TauTensor returns a scalar tensor with the current temperature, in the given dtype.
func (r *Relaxation) TauTensor(dtype dtypes.DType) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromScalar(r.tau)
	default:
		return tensors.FromScalar(float32(r.tau))
	}
}
