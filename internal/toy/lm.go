// Package toy is a small deterministic model executor. Its logits depend
// only on the last Order tokens a position can see, and it reads that
// context back out of its own caches through the attention mask, so any
// cache, mask or rollback bookkeeping error shows up as a different token
// stream.
package toy

import (
	"math"
	"slices"

	"github.com/samcharles93/spindle/internal/logits"
)

// LM is a hash language model.
type LM struct {
	Vocab int
	Order int
	Seed  uint64
	// Scale stretches logits into [0, Scale).
	Scale float32
	// Noise perturbs logits by up to Noise, keyed by NoiseSeed. A draft
	// model is the target with some noise.
	Noise     float32
	NoiseSeed uint64
}

func NewLM(vocab, order int, seed uint64) *LM {
	return &LM{Vocab: vocab, Order: order, Seed: seed, Scale: 8}
}

// WithNoise returns a perturbed copy.
func (m *LM) WithNoise(noise float32, seed uint64) *LM {
	c := *m
	c.Noise = noise
	c.NoiseSeed = seed
	return &c
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func unit(x uint64) float32 {
	return float32(x>>40) / (1 << 24)
}

func (m *LM) key(seed uint64, context []int32) uint64 {
	h := mix(seed)
	tail := context[max(len(context)-m.Order, 0):]
	for range m.Order - len(tail) {
		h = mix(h)
	}
	for _, t := range tail {
		h = mix(h ^ uint64(uint32(t)+1))
	}
	return h
}

// Logits writes the next-token logits after context into dst.
func (m *LM) Logits(dst []float32, context []int32) []float32 {
	if cap(dst) < m.Vocab {
		dst = make([]float32, m.Vocab)
	}
	dst = dst[:m.Vocab]
	h := m.key(m.Seed, context)
	for v := range dst {
		dst[v] = unit(mix(h+uint64(v))) * m.Scale
	}
	if m.Noise != 0 {
		n := m.key(m.NoiseSeed, context)
		for v := range dst {
			dst[v] += unit(mix(n+uint64(v))) * m.Noise
		}
	}
	return dst
}

// Next is the greedy successor of context.
func (m *LM) Next(context []int32) int32 {
	return int32(logits.Argmax(m.Logits(nil, context)))
}

// Reference is the greedy continuation of prompt by up to n tokens,
// stopping before the first stop token.
func (m *LM) Reference(prompt []int32, n int, stop ...int32) []int32 {
	ctx := slices.Clone(prompt)
	var out []int32
	for range n {
		t := m.Next(ctx)
		if slices.Contains(stop, t) {
			break
		}
		out = append(out, t)
		ctx = append(ctx, t)
	}
	return out
}

// Rollout greedily extends context by steps tokens.
func (m *LM) Rollout(context []int32, steps int) []int32 {
	ctx := slices.Clone(context)
	for range steps {
		ctx = append(ctx, m.Next(ctx))
	}
	return ctx[len(context):]
}

// Hidden encodes a position as its token followed by the last Order tokens
// of its context, -1 marking missing history.
func (m *LM) Hidden(dst []float32, token int32, context []int32) {
	dst[0] = float32(token)
	tail := context[max(len(context)-m.Order, 0):]
	pad := m.Order - len(tail)
	for i := range pad {
		dst[1+i] = -1
	}
	for i, t := range tail {
		dst[1+pad+i] = float32(t)
	}
}

// HiddenSize is the width of Hidden.
func (m *LM) HiddenSize() int { return m.Order + 1 }

// DecodeHidden returns the context tail held by a hidden vector.
func (m *LM) DecodeHidden(h []float32) (token int32, context []int32) {
	token = int32(math.Round(float64(h[0])))
	for _, v := range h[1:] {
		if v >= 0 {
			context = append(context, int32(math.Round(float64(v))))
		}
	}
	return token, context
}
