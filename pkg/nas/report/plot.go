// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotAlphas saves a stacked bar chart with the probability of each operation (stacked) for each edge
// (one bar per edge). The format is taken from the extension of filePath (e.g. ".png", ".svg", ".pdf").
//
// probs is shaped [len(edgeKeys)][len(opNames)].
func PlotAlphas(filePath string, edgeKeys, opNames []string, probs [][]float64) error {
	if len(probs) != len(edgeKeys) {
		return errors.Errorf("PlotAlphas: %d rows of probabilities for %d edges", len(probs), len(edgeKeys))
	}
	p := plot.New()
	p.Title.Text = "Architecture probabilities per edge"
	p.X.Label.Text = "edge"
	p.Y.Label.Text = "probability"
	p.Y.Min, p.Y.Max = 0, 1
	p.Legend.Top = true

	barWidth := vg.Points(20)
	var previous *plotter.BarChart
	for col, opName := range opNames {
		values := make(plotter.Values, len(probs))
		for row := range probs {
			if len(probs[row]) != len(opNames) {
				return errors.Errorf("PlotAlphas: edge %q has %d values for %d operations",
					edgeKeys[row], len(probs[row]), len(opNames))
			}
			values[row] = probs[row][col]
		}
		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return errors.Wrapf(err, "PlotAlphas: creating bars for %q", opName)
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(col)
		if previous != nil {
			bars.StackOn(previous)
		}
		p.Add(bars)
		p.Legend.Add(opName, bars)
		previous = bars
	}
	p.NominalX(edgeKeys...)
	if err := p.Save(vg.Length(max(6, len(edgeKeys)))*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "PlotAlphas: saving chart to %q", filePath)
	}
	return nil
}
