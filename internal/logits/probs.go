package logits

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Softmax writes the distribution of logits at the given temperature into
// dst, growing it as needed. A zero temperature yields the one-hot
// distribution of the argmax.
func Softmax(dst []float64, logits []float32, temperature float32) []float64 {
	if cap(dst) < len(logits) {
		dst = make([]float64, len(logits))
	}
	dst = dst[:len(logits)]
	if len(logits) == 0 {
		return dst
	}
	if temperature <= 0 {
		clear(dst)
		dst[Argmax(logits)] = 1
		return dst
	}

	temp := math.Max(float64(temperature), 1e-8)
	maxv := float64(logits[Argmax(logits)])
	for i, l := range logits {
		dst[i] = math.Exp((float64(l) - maxv) / temp)
	}
	floats.Scale(1/floats.Sum(dst), dst)
	return dst
}

// Argmax returns the first index holding the largest logit.
func Argmax(logits []float32) int { return argmax(logits) }

// Entropy is the Shannon entropy of p in nats.
func Entropy(p []float64) float64 {
	var h float64
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

// Residual writes normalize(max(target-draft, 0)) into dst. It reports false
// when the difference carries no mass, leaving dst unnormalized.
func Residual(dst, target, draft []float64) ([]float64, bool) {
	if cap(dst) < len(target) {
		dst = make([]float64, len(target))
	}
	dst = dst[:len(target)]
	floats.SubTo(dst, target, draft)
	for i, v := range dst {
		if v < 0 {
			dst[i] = 0
		}
	}
	sum := floats.Sum(dst)
	if sum <= 0 {
		return dst, false
	}
	floats.Scale(1/sum, dst)
	return dst, true
}

// Draw picks an index from the distribution p. The last index with mass is
// returned when rounding leaves the cumulative sum short of u.
func Draw(rng *rand.Rand, p []float64) int {
	u := rng.Float64()
	var c float64
	last := 0
	for i, v := range p {
		if v <= 0 {
			continue
		}
		c += v
		last = i
		if u < c {
			return i
		}
	}
	return last
}

// TopK returns the indices of the k largest logits, best first. Ties keep
// the lower index first.
func TopK(logits []float32, k int) []int {
	k = min(k, len(logits))
	if k <= 0 {
		return nil
	}
	idx := make([]int, 0, k+1)
	for i, v := range logits {
		pos := len(idx)
		for pos > 0 && logits[idx[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		copy(idx[pos+1:], idx[pos:])
		idx[pos] = i
		if len(idx) > k {
			idx = idx[:k]
		}
	}
	return idx
}
