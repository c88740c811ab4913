package logits

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64   `yaml:"seed"`
	Temperature   float32 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float32 `yaml:"top_p"`
	MinP          float32 `yaml:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
}

// Sampler picks the next token for plain autoregressive generation.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	prob   []float64
	seen   map[int32]struct{}
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int32]struct{}),
	}
}

func (s *Sampler) Greedy() bool { return s.greedy }

// Rand exposes the sampler's random stream so acceptance tests drawn by a
// decoder stay reproducible under the same seed.
func (s *Sampler) Rand() *rand.Rand { return s.rng }

// Sample draws a single token from the provided logits row. The process:
//
//  1. Penalise tokens among the last RepeatLastN of recent.
//  2. Return the argmax when greedy, or when TopK==1 with no other shaping.
//  3. Otherwise keep the TopK logits scaled by the inverse temperature and
//     softmax them.
//  4. Drop candidates under MinP times the best probability, then cut the
//     list once the cumulative probability reaches TopP.
//  5. Draw from what remains.
//
// logits is modified in place by the repetition penalty.
func (s *Sampler) Sample(logits []float32, recent []int32) int32 {
	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		clear(s.seen)
		for _, id := range recent[max(len(recent)-s.cfg.RepeatLastN, 0):] {
			if id < 0 || int(id) >= len(logits) {
				continue
			}
			if _, dup := s.seen[id]; dup {
				continue
			}
			s.seen[id] = struct{}{}
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return int32(argmax(logits))
	}

	topIdx := s.shortlist(logits)
	if cap(s.prob) < len(topIdx) {
		s.prob = make([]float64, len(topIdx))
	}
	prob := s.prob[:len(topIdx)]
	invTemp := 1 / float64(s.cfg.Temperature)
	maxv := float64(logits[topIdx[0]])
	for i, id := range topIdx {
		prob[i] = math.Exp((float64(logits[id]) - maxv) * invTemp)
	}
	floats.Scale(1/floats.Sum(prob), prob)

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				n++
			}
		}
		prob, topIdx = prob[:n], topIdx[:n]
		floats.Scale(1/floats.Sum(prob), prob)
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := range cut {
		c += prob[i]
		if r <= c {
			return int32(topIdx[i])
		}
	}
	return int32(topIdx[cut-1])
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// shortlist keeps the indices of the TopK largest logits, best first.
func (s *Sampler) shortlist(logits []float32) []int {
	s.topIdx = append(s.topIdx[:0], TopK(logits, s.cfg.TopK)...)
	return s.topIdx
}
