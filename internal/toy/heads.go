package toy

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/spindle/internal/logits"
)

// Head is a toy Medusa head. Head h guesses the token h+2 positions after
// the one whose hidden state it reads, by rolling the LM forward. MissRate
// of the guesses are deliberately wrong so verification has work to do.
type Head struct {
	lm       *LM
	index    int
	MissRate float64
}

// Heads builds n heads over lm.
func Heads(lm *LM, n int, missRate float64) []*Head {
	out := make([]*Head, n)
	for i := range out {
		out[i] = &Head{lm: lm, index: i, MissRate: missRate}
	}
	return out
}

func (h *Head) Forward(ctx context.Context, hidden []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hidden) != h.lm.HiddenSize() {
		return nil, fmt.Errorf("toy head %d: hidden of %d values, want %d", h.index, len(hidden), h.lm.HiddenSize())
	}
	_, history := h.lm.DecodeHidden(hidden)
	ahead := h.lm.Rollout(history, h.index+1)
	out := h.lm.Logits(nil, append(slices.Clone(history), ahead...))

	k := h.lm.key(h.lm.Seed^uint64(0xa5a5+h.index), history)
	if float64(unit(mix(k))) < h.MissRate {
		best := slices.Max(out)
		alt := (logits.Argmax(out) + 1 + int(mix(k+1)%uint64(len(out)-1))) % len(out)
		out[alt] = best + 1
	}
	return out, nil
}
