// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package supernet implements the GDAS search supernetwork: a stem, three stages of searchable cells
// separated by residual reduction blocks, and a classification head.
//
// All searchable cells share one architecture parameters matrix ("alphas"), shaped [numEdges, numOps],
// owned by the Network. At each forward pass one operation per edge is sampled (see package gdas) and
// the same selection is used by every cell.
//
// Network weights and alphas are stored as variables of a gomlx context.Context, in separate scopes
// (NetworkScope and ArchScope), so that an external training loop can optimize them separately.
package supernet

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gdas/pkg/nas/gdas"
	"github.com/gomlx/gdas/pkg/nas/genotypes"
	"github.com/gomlx/gdas/pkg/nas/report"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context scopes and names used by the Network.
const (
	NetworkScope = "network"
	ArchScope    = "arch"
	AlphasName   = "alphas"

	// AlphasInitStddev is the standard deviation of the initial alphas: small enough that the initial
	// distribution over the operations is close to uniform.
	AlphasInitStddev = 1e-3
)

// DType used for the network weights and alphas.
var DType = dtypes.Float32

// Network is the search supernetwork.
type Network struct {
	config  Config
	backend backends.Backend
	ctx     *context.Context

	plan       []LayerSpec
	layers     []*Layer
	relaxation *gdas.Relaxation
	alphas     *context.Variable
	sampler    *gdas.Sampler
	training   bool

	sampledExec, weightedExec *context.Exec
}

// Output of the network graph.
type Output struct {
	// Features are the globally pooled features before the classifier, shaped [batch, 4*C].
	Features *Node

	// Logits shaped [batch, NumClasses].
	Logits *Node

	// Cost is a scalar with the sum of the costs of the selected operations, or 0 if no costs are
	// accumulated.
	Cost *Node
}

// Result of Network.Forward.
type Result struct {
	Features, Logits, Cost *tensors.Tensor

	// Selection used in the forward pass. It is nil if external weights were given.
	Selection *gdas.Selection
}

// FinalizeAll immediately frees the tensors of the result.
func (r *Result) FinalizeAll() {
	for _, t := range []*tensors.Tensor{r.Features, r.Logits, r.Cost} {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
	if r.Selection != nil {
		r.Selection.OneHot.MustFinalizeAll()
		r.Selection.Index.MustFinalizeAll()
		r.Selection.Noise.MustFinalizeAll()
	}
}

// New creates the supernetwork. Its variables are created in ctx: the network weights under NetworkScope
// and the alphas under ArchScope. If the variables were loaded from a checkpoint, their values are kept.
//
// It builds and runs the network once in inference mode, so all weights are created and initialized
// when New returns.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		config:   cfg,
		backend:  backend,
		ctx:      ctx.Checked(false),
		plan:     LayerPlan(cfg.C, cfg.N, cfg.InputSize),
		training: true,
	}
	var err error
	n.layers, err = buildLayers(cfg, n.plan)
	if err != nil {
		return nil, err
	}
	firstCell, err := sharedEdgeIndex(n.layers)
	if err != nil {
		return nil, err
	}
	n.relaxation, err = gdas.NewRelaxation(cfg.OpNames, firstCell.EdgeIndex(), cfg.MaxNodes)
	if err != nil {
		return nil, err
	}
	n.relaxation.SetTau(cfg.Tau)
	n.relaxation.SetStrategy(cfg.Relaxation)
	n.relaxation.MaxAttempts = cfg.MaxSampleAttempts

	archCtx := n.ctx.In(ArchScope).WithInitializer(initializers.RandomNormalFn(n.ctx, AlphasInitStddev))
	n.alphas = archCtx.VariableWithShape(AlphasName, shapes.Make(DType, n.relaxation.NumEdges(), n.relaxation.NumOps()))
	n.sampler, err = gdas.NewSampler(backend, n.ctx, n.relaxation, n.alphas)
	if err != nil {
		return nil, err
	}
	if err = n.materialize(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s: %d layers, %d edges x %d ops, %d trainable weights",
		n.ExtraRepr(), len(n.layers), n.NumEdges(), n.relaxation.NumOps(), n.NumParameters())
	return n, nil
}

// materialize creates and initializes every variable of the network by running it once.
func (n *Network) materialize() error {
	size := n.config.InputSize
	if size == 0 {
		size = 32
	}
	_, err := context.ExecOnce(n.backend, n.ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		imageShape := shapes.Make(DType, 1, size, size, 3)
		if n.config.ChannelsFirst {
			imageShape = shapes.Make(DType, 1, 3, size, size)
		}
		images := Zeros(g, imageShape)
		weights := OneHot(Zeros(g, shapes.Make(dtypes.Int32, n.NumEdges())), n.relaxation.NumOps(), DType)
		return n.WeightedGraph(ctx, images, weights).Logits
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create the network variables")
	}
	if err = n.ctx.InitializeVariables(n.backend, nil); err != nil {
		return errors.WithMessagef(err, "failed to initialize the network variables")
	}
	return nil
}

// Config returns the configuration of the network.
func (n *Network) Config() Config { return n.config }

// Context returns the context holding the network variables.
func (n *Network) Context() *context.Context { return n.ctx }

// Layers returns the stack of layers.
func (n *Network) Layers() []*Layer { return n.layers }

// Plan returns the layer plan.
func (n *Network) Plan() []LayerSpec { return n.plan }

// Relaxation returns the relaxation holding the edge to row mapping and the sampling configuration.
func (n *Network) Relaxation() *gdas.Relaxation { return n.relaxation }

// NumEdges returns the number of edges of each cell, that is, the number of rows of the alphas.
func (n *Network) NumEdges() int { return n.relaxation.NumEdges() }

// EdgeIndex returns the edge key to alphas row mapping shared by all cells.
func (n *Network) EdgeIndex() map[string]int { return n.relaxation.EdgeIndex() }

// OpNames returns the candidate operations, in the column order of the alphas.
func (n *Network) OpNames() []string { return n.relaxation.OpNames() }

// UsesCost returns whether the sampled forward accumulates the cost of the selected operations.
func (n *Network) UsesCost() bool { return n.config.InputSize != 0 }

// Tau returns the current temperature.
func (n *Network) Tau() float64 { return n.relaxation.Tau() }

// SetTau sets the temperature used by the following forward passes.
func (n *Network) SetTau(tau float64) { n.relaxation.SetTau(tau) }

// SetTraining sets whether Forward runs in training mode (the default), which affects the normalization
// layers.
func (n *Network) SetTraining(training bool) {
	if training != n.training {
		n.training = training
		n.sampledExec, n.weightedExec = nil, nil
	}
}

// ExtraRepr describes the network in one line.
func (n *Network) ExtraRepr() string {
	return fmt.Sprintf("TinyNetworkProxyless(C=%d, Max-Nodes=%d, N=%d, L=%d)",
		n.config.C, n.config.MaxNodes, n.config.N, len(n.layers))
}

// Message describes the network followed by one line per layer.
func (n *Network) Message() string {
	var sb strings.Builder
	sb.WriteString(n.ExtraRepr())
	for ii, layer := range n.layers {
		fmt.Fprintf(&sb, "\n %02d/%02d :: %s", ii, len(n.layers), layer.ExtraRepr())
	}
	return sb.String()
}

// GetWeights returns the trainable variables of the network: stem, cells, reduction blocks, final
// normalization and classifier. It never includes the alphas.
func (n *Network) GetWeights() []*context.Variable {
	var weights []*context.Variable
	for v := range n.ctx.In(NetworkScope).IterVariablesInScope() {
		if v.Trainable && v != n.alphas {
			weights = append(weights, v)
		}
	}
	return weights
}

// GetAlphas returns the architecture parameters variable, shaped [numEdges, numOps].
func (n *Network) GetAlphas() []*context.Variable {
	return []*context.Variable{n.alphas}
}

// NumParameters returns the number of scalars in GetWeights.
func (n *Network) NumParameters() int {
	var total int
	for _, v := range n.GetWeights() {
		total += v.Shape().Size()
	}
	return total
}

// Alphas returns a copy of the current architecture parameters.
func (n *Network) Alphas() ([][]float64, error) {
	value, err := n.alphas.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading architecture parameters")
	}
	return gdas.MatrixFromTensor(value)
}

// ShowAlphas returns a table with the softmax of the architecture parameters of each edge.
func (n *Network) ShowAlphas() (string, error) {
	alphas, err := n.Alphas()
	if err != nil {
		return "", err
	}
	return "arch-parameters :\n" + report.AlphasTable(n.relaxation.EdgeKeys(), n.OpNames(), gdas.Probabilities(alphas)), nil
}

// Genotype decodes the architecture: the operation with the highest weight on each edge. If override is
// nil, the current alphas are used.
func (n *Network) Genotype(override [][]float64) (*genotypes.Structure, error) {
	if override == nil {
		var err error
		override, err = n.Alphas()
		if err != nil {
			return nil, err
		}
	}
	return n.relaxation.Decode(override)
}

// Sample draws a selection from the current alphas.
func (n *Network) Sample() (*gdas.Selection, error) {
	return n.sampler.Sample()
}

// SampleWeights draws n one-hot selections, shaped [numEdges, numOps] each.
func (n *Network) SampleWeights(count int) ([]*tensors.Tensor, error) {
	return n.sampler.SampleWeights(count)
}

// Forward runs the network on images.
//
// If weights is nil, one selection is sampled from the alphas and used by every cell (see SampledGraph).
// Otherwise weights, shaped [numEdges, numOps], is used as the selection weights, and the selected
// operation of each edge is its arg-max (see WeightedGraph).
func (n *Network) Forward(images, weights *tensors.Tensor) (*Result, error) {
	if weights != nil {
		if err := weights.Shape().Check(weights.DType(), n.NumEdges(), n.relaxation.NumOps()); err != nil {
			return nil, errors.WithMessagef(err, "invalid external weights")
		}
		if n.weightedExec == nil {
			exec, err := context.NewExec(n.backend, n.ctx, func(ctx *context.Context, images, weights *Node) []*Node {
				ctx.SetTraining(images.Graph(), n.training)
				out := n.WeightedGraph(ctx, images, weights)
				return []*Node{out.Features, out.Logits, out.Cost}
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to create forward executor")
			}
			n.weightedExec = exec
		}
		outputs, err := execute(n.weightedExec, images, weights)
		if err != nil {
			return nil, err
		}
		return &Result{Features: outputs[0], Logits: outputs[1], Cost: outputs[2]}, nil
	}

	sel, err := n.sampler.Sample()
	if err != nil {
		return nil, err
	}
	if n.sampledExec == nil {
		exec, err := context.NewExec(n.backend, n.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			ctx.SetTraining(inputs[0].Graph(), n.training)
			out := n.SampledGraph(ctx, inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])
			return []*Node{out.Features, out.Logits, out.Cost}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create forward executor")
		}
		n.sampledExec = exec
	}
	tau := n.relaxation.TauTensor(DType)
	defer tau.MustFinalizeAll()
	outputs, err := execute(n.sampledExec, images, sel.OneHot, sel.Index, sel.Noise, tau)
	if err != nil {
		return nil, err
	}
	return &Result{Features: outputs[0], Logits: outputs[1], Cost: outputs[2], Selection: sel}, nil
}

// execute converts panics during the execution of the graph to errors.
func execute(exec *context.Exec, args ...any) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { outputs = exec.MustExec(args...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute the network")
	}
	return outputs, nil
}
