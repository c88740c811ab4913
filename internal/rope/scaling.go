package rope

import (
	"fmt"
	"math"
	"strings"
)

// Scaling stretches the rotary frequencies for contexts longer than the
// model was trained on.
type Scaling struct {
	Type            string  `yaml:"type"`
	Factor          float64 `yaml:"factor"`
	OrigMaxCtx      int     `yaml:"original_max_position_embeddings"`
	LowFactor       float64 `yaml:"low_freq_factor"`
	HighFactor      float64 `yaml:"high_freq_factor"`
	AttentionFactor float64 `yaml:"attention_factor"`
	BetaFast        float64 `yaml:"beta_fast"`
	BetaSlow        float64 `yaml:"beta_slow"`
	MScale          float64 `yaml:"mscale"`
	MScaleAllDim    float64 `yaml:"mscale_all_dim"`
	Truncate        *bool   `yaml:"truncate"`
}

// normalize fills defaults. A nil result means no scaling applies.
func (s *Scaling) normalize(length int) (*Scaling, error) {
	if s == nil {
		return nil, nil
	}
	out := *s
	out.Type = strings.ToLower(strings.TrimSpace(out.Type))
	if out.Type == "" || out.Type == "default" {
		if out.Factor <= 0 {
			return nil, nil
		}
		out.Type = "linear"
	}
	switch out.Type {
	case "linear", "llama3", "yarn":
	default:
		return nil, fmt.Errorf("rope: unsupported scaling type %q", s.Type)
	}

	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = length
	}
	if out.LowFactor <= 0 {
		out.LowFactor = 1
	}
	if out.HighFactor <= 0 {
		out.HighFactor = out.LowFactor
	}
	if out.BetaFast <= 0 {
		out.BetaFast = 32
	}
	if out.BetaSlow <= 0 {
		out.BetaSlow = 1
	}
	if out.Factor <= 0 && out.OrigMaxCtx > 0 && length > out.OrigMaxCtx {
		out.Factor = float64(length) / float64(out.OrigMaxCtx)
	}
	if out.Factor <= 0 {
		out.Factor = 1
	}
	if out.AttentionFactor <= 0 {
		if out.Type == "yarn" {
			out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
		} else {
			out.AttentionFactor = 1
		}
	}
	return &out, nil
}

// apply rescales invFreq in place and returns the magnitude multiplier for
// the cos and sin values.
func (s *Scaling) apply(invFreq []float64, base float64) float64 {
	switch s.Type {
	case "llama3":
		llama3Scale(invFreq, s.Factor, float64(s.OrigMaxCtx), s.LowFactor, s.HighFactor)
	case "yarn":
		truncate := true
		if s.Truncate != nil {
			truncate = *s.Truncate
		}
		yarnScale(invFreq, base, s.Factor, float64(s.OrigMaxCtx), s.BetaFast, s.BetaSlow, truncate)
	default:
		for i := range invFreq {
			invFreq[i] /= s.Factor
		}
	}
	return s.AttentionFactor
}

func llama3Scale(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 1 {
		return
	}
	if highFactor <= lowFactor {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}
	lowWavelen := origCtx / lowFactor
	highWavelen := origCtx / highFactor
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > lowWavelen:
			invFreq[i] = f / factor
		case wavelen < highWavelen:
		default:
			smooth := (origCtx/wavelen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	get := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}
	if mscale > 0 && mscaleAllDim > 0 {
		return get(factor, mscale) / get(factor, mscaleAllDim)
	}
	return get(factor, mscale)
}

func yarnScale(invFreq []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if factor == 1 {
		return
	}
	dim := float64(2 * len(invFreq))
	correctionDim := func(rotations float64) float64 {
		return dim * math.Log(origCtx/(rotations*2*math.Pi)) / (2 * math.Log(base))
	}
	low, high := correctionDim(betaFast), correctionDim(betaSlow)
	if truncate {
		low, high = math.Floor(low), math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}
	for i, f := range invFreq {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		invFreq[i] = f/factor*ramp + f*(1-ramp)
	}
}
