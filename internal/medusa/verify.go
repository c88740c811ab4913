package medusa

import (
	"fmt"
	"math"

	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/tree"
)

// Verdict is the winning retrieval path of one tree step.
type Verdict struct {
	// Accepted lists the kept node indices, root first.
	Accepted []int
	// Path indexes spec.Paths(), -1 when only the root survived.
	Path    int
	LogProb float64
}

// Verify picks the retrieval path whose leading nodes agree with the
// target logits. rows[i] is the target's prediction after node i.
//
// At temperature zero a node agrees when it is the argmax after its parent
// and the first longest path wins. Otherwise a node agrees when its
// probability exceeds min(threshold, alpha*exp(-entropy)) of the
// distribution after its parent, and ties on length go to the highest
// summed log probability.
func Verify(spec *tree.Spec, candidates []int32, rows [][]float32, cfg Config) (Verdict, error) {
	cfg = cfg.withDefaults()
	width := spec.Width()
	if len(candidates) != width || len(rows) != width {
		return Verdict{}, fmt.Errorf("%w: %d candidates and %d logits rows for a tree of %d", tree.ErrMismatchedTopology, len(candidates), len(rows), width)
	}

	ok := make([]bool, width)
	logp := make([]float64, width)
	if cfg.Temperature <= 0 {
		golden := make([]int32, width)
		for i, row := range rows {
			golden[i] = int32(logits.Argmax(row))
		}
		for i := 1; i < width; i++ {
			ok[i] = candidates[i] == golden[spec.Parent(i)]
		}
	} else {
		probs := make([][]float64, width)
		thresholds := make([]float64, width)
		for i := 1; i < width; i++ {
			parent := spec.Parent(i)
			if probs[parent] == nil {
				p := logits.Softmax(nil, rows[parent], cfg.Temperature)
				probs[parent] = p
				thresholds[parent] = math.Min(cfg.PosteriorThreshold, cfg.PosteriorAlpha*math.Exp(-logits.Entropy(p)))
			}
			c := candidates[i]
			if c < 0 || int(c) >= len(probs[parent]) {
				return Verdict{}, fmt.Errorf("medusa: candidate %d at node %d outside vocab", c, i)
			}
			prob := probs[parent][c]
			ok[i] = prob > thresholds[parent]
			logp[i] = math.Log(prob)
		}
	}

	v := Verdict{Accepted: []int{0}, Path: -1}
	best := 0
	for pi, path := range spec.Paths() {
		n := 0
		sum := 0.0
		for _, node := range path {
			if !ok[node] {
				break
			}
			n++
			sum += logp[node]
		}
		if n == 0 {
			continue
		}
		better := n > best || (n == best && cfg.Temperature > 0 && sum > v.LogProb)
		if !better {
			continue
		}
		best = n
		v.Path = pi
		v.LogProb = sum
		v.Accepted = append([]int{0}, path[:n]...)
	}
	return v, nil
}
