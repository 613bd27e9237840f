// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report renders the state of an architecture search for humans: tables for the terminal and
// charts saved to files.
package report

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"gonum.org/v1/gonum/floats"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	highlightStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#50A050")).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable returns an empty table using the package style. Colors are dropped if NO_COLOR is set.
func newTable(styleFn func(row, col int) lipgloss.Style) *lgtable.Table {
	borderStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))
	if termenv.EnvNoColor() {
		borderStyle = lipgloss.NewStyle()
		plainFn := styleFn
		styleFn = func(row, col int) lipgloss.Style {
			return plainFn(row, col).UnsetForeground().UnsetBold()
		}
	}
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(styleFn)
}

// AlphasTable renders one row per edge with the probability of each candidate operation.
// The most likely operation of each edge is highlighted.
//
// probs is shaped [len(edgeKeys)][len(opNames)].
func AlphasTable(edgeKeys, opNames []string, probs [][]float64) string {
	best := bestOps(probs)
	table := newTable(func(row, col int) lipgloss.Style {
		switch {
		case row == lgtable.HeaderRow:
			return headerStyle
		case col == 0:
			return rightAlignedStyle
		case row >= 0 && row < len(best) && col-1 == best[row]:
			return highlightStyle
		}
		return normalStyle
	})
	table.Headers(append([]string{"edge"}, opNames...)...)
	for row, values := range probs {
		cells := make([]string, 0, len(values)+1)
		key := strconv.Itoa(row)
		if row < len(edgeKeys) {
			key = edgeKeys[row]
		}
		cells = append(cells, key)
		for _, v := range values {
			cells = append(cells, fmt.Sprintf("%.4f", v))
		}
		table.Row(cells...)
	}
	return table.String()
}

// bestOps returns the column of the largest value of each row, or -1 for empty rows.
func bestOps(probs [][]float64) []int {
	best := make([]int, len(probs))
	for row, values := range probs {
		best[row] = -1
		if len(values) > 0 {
			best[row] = floats.MaxIdx(values)
		}
	}
	return best
}

// KeyValueTable renders a two column table, with the keys right-aligned.
func KeyValueTable(rows [][2]string) string {
	table := newTable(func(row, col int) lipgloss.Style {
		if col == 0 {
			return rightAlignedStyle
		}
		return normalStyle
	})
	for _, kv := range rows {
		table.Row(kv[0], kv[1])
	}
	return table.String()
}

// Table renders a table with the given headers and rows.
func Table(headers []string, rows [][]string) string {
	table := newTable(func(row, col int) lipgloss.Style {
		if row == lgtable.HeaderRow {
			return headerStyle
		}
		return normalStyle
	})
	table.Headers(headers...)
	for _, r := range rows {
		table.Row(r...)
	}
	return table.String()
}
