// Package tree describes the static candidate tree verified by a Medusa step.
//
// Node 0 is the root, the token accepted by the previous step. Every other
// node belongs to a group of siblings filled from the top-k candidates of one
// draft head; head h fills nodes at depth h+1.
package tree

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrMismatchedTopology = errors.New("tree: mismatched topology")

type Spec struct {
	parent    []int
	topK      [][]int
	depth     []int
	paths     [][]int
	adjacency [][]bool
}

// New validates parentOf against the per-head group sizes and derives the
// retrieval paths, the attention adjacency and the node depths.
func New(parentOf []int, perHeadTopK [][]int) (*Spec, error) {
	width := 1
	for h, groups := range perHeadTopK {
		if len(groups) == 0 {
			return nil, fmt.Errorf("%w: head %d has no groups", ErrMismatchedTopology, h)
		}
		for _, k := range groups {
			if k <= 0 {
				return nil, fmt.Errorf("%w: head %d has group of size %d", ErrMismatchedTopology, h, k)
			}
			width += k
		}
	}
	if len(parentOf) != width {
		return nil, fmt.Errorf("%w: %d nodes, groups describe %d", ErrMismatchedTopology, len(parentOf), width)
	}
	if parentOf[0] != -1 {
		return nil, fmt.Errorf("%w: root parent is %d, want -1", ErrMismatchedTopology, parentOf[0])
	}

	depth := make([]int, width)
	node := 1
	for h, groups := range perHeadTopK {
		for g, k := range groups {
			p := parentOf[node]
			for i := node; i < node+k; i++ {
				switch {
				case parentOf[i] < 0 || parentOf[i] >= i:
					return nil, fmt.Errorf("%w: node %d has parent %d", ErrMismatchedTopology, i, parentOf[i])
				case parentOf[i] != p:
					return nil, fmt.Errorf("%w: head %d group %d mixes parents %d and %d", ErrMismatchedTopology, h, g, p, parentOf[i])
				}
				depth[i] = depth[p] + 1
				if depth[i] != h+1 {
					return nil, fmt.Errorf("%w: node %d of head %d sits at depth %d", ErrMismatchedTopology, i, h, depth[i])
				}
			}
			node += k
		}
	}

	s := &Spec{
		parent: slices.Clone(parentOf),
		topK:   make([][]int, len(perHeadTopK)),
		depth:  depth,
	}
	for h := range perHeadTopK {
		s.topK[h] = slices.Clone(perHeadTopK[h])
	}

	hasChild := make([]bool, width)
	for i := 1; i < width; i++ {
		hasChild[parentOf[i]] = true
	}
	for i := 1; i < width; i++ {
		if hasChild[i] {
			continue
		}
		path := make([]int, depth[i])
		for n := i; n != 0; n = parentOf[n] {
			path[depth[n]-1] = n
		}
		s.paths = append(s.paths, path)
	}

	s.adjacency = make([][]bool, width)
	for r := range width {
		row := make([]bool, width)
		for n := r; n >= 0; n = parentOf[n] {
			row[n] = true
		}
		s.adjacency[r] = row
	}
	return s, nil
}

func (s *Spec) Width() int { return len(s.parent) }
func (s *Spec) Heads() int { return len(s.topK) }

// Parent returns the parent of node i, -1 for the root.
func (s *Spec) Parent(i int) int { return s.parent[i] }

func (s *Spec) ParentOf() []int     { return slices.Clone(s.parent) }
func (s *Spec) Depth(i int) int     { return s.depth[i] }
func (s *Spec) Paths() [][]int      { return s.paths }
func (s *Spec) TopK() [][]int       { return s.topK }
func (s *Spec) Adjacency() [][]bool { return s.adjacency }

// Positions returns the rotary offset of each node relative to the root.
func (s *Spec) Positions() []int { return slices.Clone(s.depth) }

// MaxTopK is the largest group any head fills.
func (s *Spec) MaxTopK(head int) int { return slices.Max(s.topK[head]) }

// Candidates lays out the step input: the root followed by each group's
// share of its head's ranked tokens.
func (s *Spec) Candidates(root int32, ranked [][]int32) ([]int32, error) {
	if len(ranked) < len(s.topK) {
		return nil, fmt.Errorf("%w: %d heads ranked, tree uses %d", ErrMismatchedTopology, len(ranked), len(s.topK))
	}
	out := make([]int32, 0, len(s.parent))
	out = append(out, root)
	for h, groups := range s.topK {
		for _, k := range groups {
			if len(ranked[h]) < k {
				return nil, fmt.Errorf("%w: head %d ranked %d tokens, group needs %d", ErrMismatchedTopology, h, len(ranked[h]), k)
			}
			out = append(out, ranked[h][:k]...)
		}
	}
	return out, nil
}

// String draws the tree one node per line, indented by depth.
func (s *Spec) String() string {
	children := make([][]int, len(s.parent))
	for i := 1; i < len(s.parent); i++ {
		children[s.parent[i]] = append(children[s.parent[i]], i)
	}
	var sb strings.Builder
	var walk func(n int)
	walk = func(n int) {
		fmt.Fprintf(&sb, "%s%d\n", strings.Repeat("  ", s.depth[n]), n)
		for _, c := range children[n] {
			walk(c)
		}
	}
	walk(0)
	return sb.String()
}
