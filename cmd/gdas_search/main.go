// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gdas_search builds the GDAS search supernetwork and inspects it: summary of the layers, sampling
// statistics of the architecture distribution, genotype export and evaluation of a sampled architecture
// on a Cifar test batch.
//
// Hyperparameters are set with -set, see supernet.ParamChannels and the other supernet.Param* keys.
// With -checkpoint, the network weights and alphas are loaded from (and the initial ones saved to) the
// checkpoint directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gdas/pkg/datasets/cifar"
	"github.com/gomlx/gdas/pkg/nas/gdas"
	"github.com/gomlx/gdas/pkg/nas/report"
	"github.com/gomlx/gdas/pkg/nas/supernet"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// ValidModes of the -mode flag.
var ValidModes = []string{"summary", "sample", "genotype", "eval"}

var (
	flagMode       = flag.String("mode", "summary", fmt.Sprintf("One of %v.", ValidModes))
	flagDataDir    = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files, used by -mode=eval.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load (or save the initial) network and alphas from, "+
		"relative to -data if not absolute. If empty, a freshly initialized network is used.")
	flagBatch   = flag.Int("batch", 100, "Batch size used by -mode=eval.")
	flagSamples = flag.Int("samples", 1000, "Number of architectures drawn by -mode=sample.")
	flagPlot    = flag.String("plot", "", "If set, file (.png, .svg or .pdf) where to save a chart of the per-edge "+
		"operation probabilities.")
	flagOut  = flag.String("out", ".", "Directory where -mode=genotype writes the genotype file.")
	flagSeed = flag.Int64("seed", 0, "Seed of the random number generator. If 0, a random seed is used.")
)

func main() {
	ctx := context.New()
	supernet.SetDefaultParams(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if err := validateFlags(); err != nil {
		klog.Exitf("%v", err)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagSeed != 0 {
		must.M(ctx.SetRNGStateFromSeed(*flagSeed))
	} else {
		must.M(ctx.ResetRNGState())
	}

	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(*flagCheckpoint, dataDir).
			Keep(3).
			ExcludeParams(paramsSet...).
			Done())
		klog.Infof("Checkpoint in %q", checkpoint.Dir())
	}
	if klog.V(1).Enabled() {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	backend := backends.MustNew()
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	cfg := must.M1(supernet.ConfigFromContext(ctx))
	net := must.M1(supernet.New(backend, ctx, cfg))
	if checkpoint != nil && !must.M1(checkpoint.HasCheckpoints()) {
		must.M(checkpoint.Save())
	}

	var err error
	switch *flagMode {
	case "summary":
		err = summary(net, backend)
	case "sample":
		err = sampleStats(net)
	case "genotype":
		err = exportGenotype(net)
	case "eval":
		err = evalSampled(net, backend, dataDir)
	}
	if err != nil {
		klog.Errorf("-mode=%s failed: %+v", *flagMode, err)
		os.Exit(1)
	}
}

// validateFlags checks the values the flag package can't.
func validateFlags() error {
	if slices.Index(ValidModes, *flagMode) == -1 {
		return errors.Errorf("invalid -mode=%q, valid values are %v", *flagMode, ValidModes)
	}
	if *flagSamples <= 0 {
		return errors.Errorf("-samples must be positive, got %d", *flagSamples)
	}
	if *flagBatch <= 0 {
		return errors.Errorf("-batch must be positive, got %d", *flagBatch)
	}
	return nil
}

// summary prints the network description, its layers and the current alphas.
func summary(net *supernet.Network, backend backends.Backend) error {
	fmt.Println(net.Message())
	rows := make([][]string, 0, len(net.Layers()))
	var totalMFLOPs float64
	for ii, layer := range net.Layers() {
		mflops := layer.MFLOPs()
		totalMFLOPs += mflops
		rows = append(rows, []string{
			fmt.Sprintf("%02d", ii), layer.Kind.String(), strconv.Itoa(layer.OutDim()),
			strconv.Itoa(layer.Spec.SpatialSize), humanize.FtoaWithDigits(mflops, 3)})
	}
	fmt.Println(report.Table([]string{"layer", "kind", "channels", "size", "max MFLOPs"}, rows))

	cfg := net.Config()
	fmt.Println(report.KeyValueTable([][2]string{
		{"backend", backend.Name()},
		{"operations", fmt.Sprintf("%v", net.OpNames())},
		{"edges per cell", strconv.Itoa(net.NumEdges())},
		{"relaxation", fmt.Sprintf("%s (tau=%g)", cfg.Relaxation, net.Tau())},
		{"network weights", humanize.Comma(int64(net.NumParameters()))},
		{"alphas", humanize.Comma(int64(net.NumEdges() * len(net.OpNames())))},
		{"max MFLOPs", humanize.FtoaWithDigits(totalMFLOPs, 3)},
	}))
	table, err := net.ShowAlphas()
	if err != nil {
		return err
	}
	fmt.Println(table)
	return plotAlphas(net)
}

// plotAlphas saves the chart of the alphas probabilities if -plot is set.
func plotAlphas(net *supernet.Network) error {
	if *flagPlot == "" {
		return nil
	}
	alphas, err := net.Alphas()
	if err != nil {
		return err
	}
	if err = report.PlotAlphas(*flagPlot, net.Relaxation().EdgeKeys(), net.OpNames(), gdas.Probabilities(alphas)); err != nil {
		return err
	}
	fmt.Printf("Alphas chart saved to %q\n", *flagPlot)
	return nil
}

// sampleStats draws -samples selections and prints how often each operation was selected per edge.
func sampleStats(net *supernet.Network) error {
	numEdges, numOps := net.NumEdges(), len(net.OpNames())
	counts := make([][]float64, numEdges)
	for e := range counts {
		counts[e] = make([]float64, numOps)
	}
	bar := progressbar.NewOptions(*flagSamples,
		progressbar.OptionSetDescription("sampling"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionClearOnFinish())
	for range *flagSamples {
		sel, err := net.Sample()
		if err != nil {
			return err
		}
		for e, k := range sel.Indices() {
			counts[e][k]++
		}
		sel.OneHot.MustFinalizeAll()
		sel.Index.MustFinalizeAll()
		sel.Noise.MustFinalizeAll()
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	for _, row := range counts {
		floats.Scale(1/float64(*flagSamples), row)
	}
	fmt.Printf("Selection frequency over %s samples:\n", humanize.Comma(int64(*flagSamples)))
	fmt.Println(report.AlphasTable(net.Relaxation().EdgeKeys(), net.OpNames(), counts))
	return plotAlphas(net)
}

// exportGenotype decodes the current alphas and writes the genotype to a uniquely named file in -out.
func exportGenotype(net *supernet.Network) error {
	genotype, err := net.Genotype(nil)
	if err != nil {
		return err
	}
	fmt.Printf("Genotype: %s\n", genotype)
	outDir := fsutil.MustReplaceTildeInDir(*flagOut)
	if err = os.MkdirAll(outDir, 0o777); err != nil {
		return errors.Wrapf(err, "creating output directory %q", outDir)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("genotype-%s.txt", uuid.NewString()))
	if err = os.WriteFile(outPath, []byte(genotype.String()+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "writing genotype to %q", outPath)
	}
	fmt.Printf("Genotype saved to %q\n", outPath)
	return plotAlphas(net)
}

// evalSampled runs one sampled architecture on one batch of the Cifar-10 test partition, and prints its
// accuracy.
func evalSampled(net *supernet.Network, backend backends.Backend, dataDir string) error {
	if net.Config().ChannelsFirst {
		return errors.Errorf("-mode=eval requires channels-last images, set %s=false", supernet.ParamChannelsFirst)
	}
	ds, err := cifar.NewDataset(backend, "test", dataDir, cifar.C10, supernet.DType, cifar.Test)
	if err != nil {
		return err
	}
	ds.BatchSize(*flagBatch, true)
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return errors.WithMessagef(err, "reading test batch")
	}
	net.SetTraining(false)
	res, err := net.Forward(inputs[0], nil)
	if err != nil {
		return err
	}
	defer res.FinalizeAll()

	genotype, err := net.Genotype(toMatrix(res.Selection.Indices(), len(net.OpNames())))
	if err != nil {
		return err
	}
	logits := tensors.MustCopyFlatData[float32](res.Logits)
	labelValues := tensors.MustCopyFlatData[int64](labels[0])
	numClasses := net.Config().NumClasses
	var correct int
	for ii, label := range labelValues {
		row := make([]float64, numClasses)
		for c := range numClasses {
			row[c] = float64(logits[ii*numClasses+c])
		}
		if int64(floats.MaxIdx(row)) == label {
			correct++
		}
	}
	fmt.Printf("Sampled architecture: %s\n", genotype)
	fmt.Printf("Accuracy on %d test examples: %.2f%% (cost %.3f MFLOPs)\n",
		len(labelValues), 100*float64(correct)/float64(len(labelValues)), tensors.ToScalar[float32](res.Cost))
	return nil
}

// toMatrix converts selected indices to one-hot rows.
func toMatrix(indices []int32, numOps int) [][]float64 {
	matrix := make([][]float64, len(indices))
	for e, k := range indices {
		matrix[e] = make([]float64, numOps)
		matrix[e][k] = 1
	}
	return matrix
}
