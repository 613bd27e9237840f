// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package supernet

import (
	"slices"

	"github.com/gomlx/gdas/pkg/nas/gdas"
	"github.com/gomlx/gdas/pkg/nas/ops"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys read by ConfigFromContext.
const (
	// ParamChannels is the number of channels of the first stage. The second and third stages use 2x and 4x.
	ParamChannels = "gdas_channels"

	// ParamCellsPerStage is the number of searchable cells in each of the three stages.
	ParamCellsPerStage = "gdas_cells_per_stage"

	// ParamMaxNodes is the number of nodes in each cell, including the input node.
	ParamMaxNodes = "gdas_max_nodes"

	// ParamNumClasses is the number of output classes.
	ParamNumClasses = "gdas_num_classes"

	// ParamSearchSpace is the name of the list of candidate operations, see ops.SearchSpaces.
	ParamSearchSpace = "gdas_search_space"

	// ParamAffine enables learnable scale and offset in the normalization of the candidate operations.
	ParamAffine = "gdas_affine"

	// ParamTrackRunningStats makes the candidate operations keep moving averages of the batch statistics.
	ParamTrackRunningStats = "gdas_track_running_stats"

	// ParamInputSize is the height (and width) of the input images. If 0, the cost of the operations is not
	// accumulated in the forward pass.
	ParamInputSize = "gdas_input_size"

	// ParamTau is the initial temperature of the relaxation.
	ParamTau = "gdas_tau"

	// ParamRelaxation is the relaxation strategy: "categorical" or "gumbel".
	ParamRelaxation = "gdas_relaxation"

	// ParamMaxSampleAttempts is the number of draws attempted before giving up on a degenerate distribution.
	ParamMaxSampleAttempts = "gdas_max_sample_attempts"

	// ParamChannelsFirst indicates the images are shaped [batch, channels, height, width].
	ParamChannelsFirst = "gdas_channels_first"
)

// DefaultSearchSpace used if none is configured.
const DefaultSearchSpace = "nas-bench-201"

// Config of the supernetwork.
type Config struct {
	// C is the number of channels of the first stage.
	C int

	// N is the number of searchable cells per stage.
	N int

	// MaxNodes per cell, including the input node.
	MaxNodes int

	NumClasses int

	// OpNames are the candidate operations, in the column order of the architecture parameters.
	OpNames []string

	Affine            bool
	TrackRunningStats bool

	// InputSize is the spatial size of the input images. It can be 0, in which case costs are not computed.
	InputSize int

	// ChannelsFirst if images are shaped [batch, channels, height, width]. Default is channels-last.
	ChannelsFirst bool

	Tau               float64
	Relaxation        gdas.Strategy
	MaxSampleAttempts int
}

// DefaultConfig returns the configuration used in the NAS-Bench-201 GDAS search on CIFAR-10.
func DefaultConfig() Config {
	opNames, _ := ops.SearchSpace(DefaultSearchSpace)
	return Config{
		C:                 16,
		N:                 5,
		MaxNodes:          4,
		NumClasses:        10,
		OpNames:           opNames,
		Affine:            false,
		TrackRunningStats: true,
		InputSize:         32,
		Tau:               gdas.DefaultTau,
		Relaxation:        gdas.Categorical,
		MaxSampleAttempts: gdas.DefaultMaxAttempts,
	}
}

// ConfigFromContext reads the configuration from the context hyperparameters, using DefaultConfig for
// the missing ones.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.C = context.GetParamOr(ctx, ParamChannels, cfg.C)
	cfg.N = context.GetParamOr(ctx, ParamCellsPerStage, cfg.N)
	cfg.MaxNodes = context.GetParamOr(ctx, ParamMaxNodes, cfg.MaxNodes)
	cfg.NumClasses = context.GetParamOr(ctx, ParamNumClasses, cfg.NumClasses)
	cfg.Affine = context.GetParamOr(ctx, ParamAffine, cfg.Affine)
	cfg.TrackRunningStats = context.GetParamOr(ctx, ParamTrackRunningStats, cfg.TrackRunningStats)
	cfg.InputSize = context.GetParamOr(ctx, ParamInputSize, cfg.InputSize)
	cfg.ChannelsFirst = context.GetParamOr(ctx, ParamChannelsFirst, cfg.ChannelsFirst)
	cfg.Tau = context.GetParamOr(ctx, ParamTau, cfg.Tau)
	cfg.MaxSampleAttempts = context.GetParamOr(ctx, ParamMaxSampleAttempts, cfg.MaxSampleAttempts)

	var err error
	cfg.OpNames, err = ops.SearchSpace(context.GetParamOr(ctx, ParamSearchSpace, DefaultSearchSpace))
	if err != nil {
		return cfg, err
	}
	cfg.Relaxation, err = gdas.ParseStrategy(context.GetParamOr(ctx, ParamRelaxation, cfg.Relaxation.String()))
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// SetDefaultParams sets the hyperparameters of DefaultConfig in ctx, so they can be listed and
// overwritten from the command line.
func SetDefaultParams(ctx *context.Context) {
	cfg := DefaultConfig()
	ctx.SetParams(map[string]any{
		ParamChannels:          cfg.C,
		ParamCellsPerStage:     cfg.N,
		ParamMaxNodes:          cfg.MaxNodes,
		ParamNumClasses:        cfg.NumClasses,
		ParamSearchSpace:       DefaultSearchSpace,
		ParamAffine:            cfg.Affine,
		ParamTrackRunningStats: cfg.TrackRunningStats,
		ParamInputSize:         cfg.InputSize,
		ParamChannelsFirst:     cfg.ChannelsFirst,
		ParamTau:               cfg.Tau,
		ParamRelaxation:        cfg.Relaxation.String(),
		ParamMaxSampleAttempts: cfg.MaxSampleAttempts,
	})
}

// Validate the configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.C <= 0:
		return errors.Errorf("invalid number of channels C=%d", cfg.C)
	case cfg.N < 1:
		return errors.Errorf("at least one cell per stage is required, got N=%d", cfg.N)
	case cfg.MaxNodes < 2:
		return errors.Errorf("cells require at least 2 nodes, got MaxNodes=%d", cfg.MaxNodes)
	case cfg.NumClasses < 1:
		return errors.Errorf("invalid NumClasses=%d", cfg.NumClasses)
	case cfg.InputSize < 0:
		return errors.Errorf("invalid InputSize=%d", cfg.InputSize)
	case len(cfg.OpNames) == 0:
		return errors.New("no candidate operations configured")
	case cfg.Tau <= 0:
		return errors.Errorf("temperature must be positive, got Tau=%g", cfg.Tau)
	}
	for _, name := range cfg.OpNames {
		if !ops.IsKnown(name) {
			return errors.Wrapf(ops.ErrUnknownOp, "%q", name)
		}
	}
	if len(slices.Compact(slices.Sorted(slices.Values(cfg.OpNames)))) != len(cfg.OpNames) {
		return errors.Errorf("duplicate candidate operations in %v", cfg.OpNames)
	}
	return nil
}
