// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package genotypes holds the discrete description of a cell: for each intermediate node, which
// operation is applied to each of its source nodes.
//
// The canonical string form, shared with NAS-Bench-201, looks like:
//
//	|nor_conv_3x3~0|+|none~0|skip_connect~1|+|avg_pool_3x3~0|nor_conv_1x1~1|skip_connect~2|
//
// Each "+" separated group describes one node (starting from node 1), and each "op~source" entry
// one incoming edge.
package genotypes

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed is returned when a genotype string can't be parsed.
var ErrMalformed = errors.New("malformed genotype")

// Operation names with special meaning for connectivity.
const (
	NoneOp = "none"
	SkipOp = "skip_connect"
)

// Edge is one incoming connection of a node: the operation applied to the Source node output.
type Edge struct {
	Op     string
	Source int
}

// Structure of a cell. Nodes[i] lists the incoming edges of node i+1; node 0 is the cell input.
type Structure struct {
	Nodes [][]Edge
}

// New creates a Structure after checking that every node only reads from previous nodes.
func New(nodes [][]Edge) (*Structure, error) {
	for ii, edges := range nodes {
		node := ii + 1
		if len(edges) == 0 {
			return nil, errors.Errorf("node %d has no incoming edges", node)
		}
		for _, e := range edges {
			if e.Source < 0 || e.Source >= node {
				return nil, errors.Errorf("node %d has edge from invalid source %d", node, e.Source)
			}
			if e.Op == "" {
				return nil, errors.Errorf("node %d has an edge from %d with an empty op name", node, e.Source)
			}
		}
	}
	return &Structure{Nodes: nodes}, nil
}

// Len returns the number of described nodes, that is, the node count minus the input node.
func (s *Structure) Len() int { return len(s.Nodes) }

// NodeCount returns the number of nodes including the input node.
func (s *Structure) NodeCount() int { return len(s.Nodes) + 1 }

// String implements fmt.Stringer.
func (s *Structure) String() string {
	parts := make([]string, 0, len(s.Nodes))
	for _, edges := range s.Nodes {
		var sb strings.Builder
		sb.WriteString("|")
		for _, e := range edges {
			sb.WriteString(e.Op)
			sb.WriteString("~")
			sb.WriteString(strconv.Itoa(e.Source))
			sb.WriteString("|")
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "+")
}

// Parse is the inverse of Structure.String.
func Parse(s string) (*Structure, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(ErrMalformed, "empty string")
	}
	var nodes [][]Edge
	for nodeIdx, part := range strings.Split(s, "+") {
		if len(part) < 2 || part[0] != '|' || part[len(part)-1] != '|' {
			return nil, errors.Wrapf(ErrMalformed, "node %d: %q not delimited by '|'", nodeIdx+1, part)
		}
		var edges []Edge
		for _, entry := range strings.Split(part[1:len(part)-1], "|") {
			op, src, found := strings.Cut(entry, "~")
			if !found || op == "" {
				return nil, errors.Wrapf(ErrMalformed, "node %d: invalid edge %q", nodeIdx+1, entry)
			}
			source, err := strconv.Atoi(src)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "node %d: invalid source in edge %q", nodeIdx+1, entry)
			}
			edges = append(edges, Edge{Op: op, Source: source})
		}
		nodes = append(nodes, edges)
	}
	st, err := New(nodes)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return st, nil
}

// CheckValidOps returns an error if any edge uses an operation not listed in opNames.
func (s *Structure) CheckValidOps(opNames []string) error {
	for ii, edges := range s.Nodes {
		for _, e := range edges {
			if !slices.Contains(opNames, e.Op) {
				return errors.Errorf("node %d uses op %q, not in %v", ii+1, e.Op, opNames)
			}
		}
	}
	return nil
}

// Connected reports whether the last node is reachable from the input through edges that are not
// NoneOp.
func (s *Structure) Connected() bool {
	reachable := make([]bool, s.NodeCount())
	reachable[0] = true
	for ii, edges := range s.Nodes {
		for _, e := range edges {
			if e.Op != NoneOp && reachable[e.Source] {
				reachable[ii+1] = true
				break
			}
		}
	}
	return reachable[len(reachable)-1]
}

// UniqueString returns a canonical representation of the computation, such that isomorphic cells
// (e.g.: edges reordered, or identity connections) map to the same string.
//
// SkipOp is treated as the identity. If considerZero is true, NoneOp edges (and anything computed
// only from zeros) are represented by "#".
func (s *Structure) UniqueString(considerZero bool) string {
	nodes := make([]string, s.NodeCount())
	nodes[0] = "0"
	for ii, edges := range s.Nodes {
		terms := make([]string, 0, len(edges))
		for _, e := range edges {
			src := nodes[e.Source]
			var term string
			switch {
			case considerZero && (e.Op == NoneOp || src == "#"):
				term = "#"
			case e.Op == SkipOp:
				term = src
			default:
				term = "(" + src + ")@" + e.Op
			}
			terms = append(terms, term)
		}
		slices.Sort(terms)
		nodes[ii+1] = strings.Join(terms, "+")
	}
	return nodes[len(nodes)-1]
}

// Equal returns whether both structures have the exact same edges in the same order.
func (s *Structure) Equal(other *Structure) bool {
	if other == nil || len(s.Nodes) != len(other.Nodes) {
		return false
	}
	for ii := range s.Nodes {
		if !slices.Equal(s.Nodes[ii], other.Nodes[ii]) {
			return false
		}
	}
	return true
}

// AllStructures enumerates every fully connected cell with maxNodes nodes: every node i reads from
// all sources j < i, and each edge takes any of opNames. It returns len(opNames)^(maxNodes*(maxNodes-1)/2)
// structures.
func AllStructures(opNames []string, maxNodes int) []*Structure {
	all := [][][]Edge{nil}
	for node := 1; node < maxNodes; node++ {
		// All possible edge lists for this node.
		choices := [][]Edge{nil}
		for source := 0; source < node; source++ {
			next := make([][]Edge, 0, len(choices)*len(opNames))
			for _, prefix := range choices {
				for _, op := range opNames {
					edges := append(slices.Clone(prefix), Edge{Op: op, Source: source})
					next = append(next, edges)
				}
			}
			choices = next
		}
		expanded := make([][][]Edge, 0, len(all)*len(choices))
		for _, prev := range all {
			for _, edges := range choices {
				expanded = append(expanded, append(slices.Clone(prev), edges))
			}
		}
		all = expanded
	}
	structures := make([]*Structure, len(all))
	for ii, nodes := range all {
		structures[ii] = &Structure{Nodes: nodes}
	}
	return structures
}
