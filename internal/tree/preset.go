package tree

import (
	"fmt"
	"slices"
)

type preset struct {
	parent []int
	topK   [][]int
}

var presets = map[int]preset{
	4: {
		parent: []int{-1, 0, 0, 0},
		topK:   [][]int{{3}},
	},
	8: {
		parent: []int{-1, 0, 0, 0, 1, 1, 2, 3},
		topK:   [][]int{{3}, {2, 1, 1}},
	},
	16: {
		parent: []int{-1, 0, 0, 0, 0, 1, 1, 2, 2, 3, 4, 5, 5, 6, 7, 9},
		topK:   [][]int{{4}, {2, 2, 1, 1}, {2, 1, 1, 1}},
	},
}

// Preset returns the built-in tree for a step width.
func Preset(width int) (*Spec, error) {
	p, ok := presets[width]
	if !ok {
		return nil, fmt.Errorf("%w: no preset tree for width %d (have %v)", ErrMismatchedTopology, width, PresetWidths())
	}
	return New(p.parent, p.topK)
}

func PresetWidths() []int {
	out := make([]int, 0, len(presets))
	for w := range presets {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}
