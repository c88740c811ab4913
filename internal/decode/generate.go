package decode

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/spindle/internal/logits"
)

type RunStats struct {
	PromptTokens    int           `json:"prompt_tokens"`
	TokensGenerated int           `json:"tokens_generated"`
	Prefill         time.Duration `json:"prefill_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TPS             float64       `json:"tps"`
}

// Generator runs plain autoregressive generation on a State. It remembers
// the tokens already fed so a follow-up turn only prefills what is new.
type Generator struct {
	State   *State
	Sampler *logits.Sampler

	ContextTokens []int32
}

// Run feeds allTokens and samples up to steps tokens, calling emit for
// each one. A stop token ends the run and is not emitted. Negative steps
// means no limit other than the context.
func (g *Generator) Run(ctx context.Context, allTokens []int32, steps int, emit func(int32) error) ([]int32, RunStats, error) {
	var stats RunStats
	s := g.State
	if len(allTokens) == 0 {
		return nil, stats, fmt.Errorf("decode: empty prompt")
	}

	reuse := len(g.ContextTokens) <= len(allTokens) && s.Confirmed() == len(g.ContextTokens)+s.cfg.InitTokens
	for i, id := range g.ContextTokens {
		if !reuse || allTokens[i] != id {
			reuse = false
			break
		}
	}
	if !reuse {
		if err := s.Reset(); err != nil {
			return nil, stats, err
		}
		g.ContextTokens = g.ContextTokens[:0]
	}
	newIn := allTokens[len(g.ContextTokens):]
	if len(newIn) == 0 {
		// Everything was seen already; refeed the last token for its logits.
		if err := s.Rollback(1); err != nil {
			return nil, stats, err
		}
		g.ContextTokens = g.ContextTokens[:len(g.ContextTokens)-1]
		newIn = allTokens[len(allTokens)-1:]
	}
	stats.PromptTokens = len(newIn)

	start := time.Now()
	if err := s.SetWidth(s.cfg.PromptWidth); err != nil {
		return nil, stats, err
	}
	out, err := s.Prefill(ctx, newIn)
	if err != nil {
		return nil, stats, err
	}
	g.ContextTokens = append(g.ContextTokens, newIn...)
	stats.Prefill = time.Since(start)
	if err := s.SetWidth(s.cfg.GenWidth); err != nil {
		return nil, stats, err
	}

	limit := steps
	if limit < 0 {
		limit = s.cfg.MaxTokens
	}
	var generated []int32
	genStart := time.Now()
	for i := 0; i < limit && s.Remaining() > 0; i++ {
		if err := ctx.Err(); err != nil {
			return generated, stats, err
		}
		next := g.Sampler.Sample(out.LastLogits(), g.ContextTokens)
		if s.cfg.IsStop(next) {
			break
		}
		generated = append(generated, next)
		g.ContextTokens = append(g.ContextTokens, next)
		stats.TokensGenerated++
		if emit != nil {
			if err := emit(next); err != nil {
				return generated, stats, err
			}
		}
		if i+1 == limit {
			// The last token is left unfed; the next turn prefills it.
			g.ContextTokens = g.ContextTokens[:len(g.ContextTokens)-1]
			break
		}
		out, err = s.Step(ctx, StepInput{Tokens: []int32{next}, Logits: LogitsLast})
		if err != nil {
			g.ContextTokens = g.ContextTokens[:len(g.ContextTokens)-1]
			return generated, stats, err
		}
	}

	stats.Duration = time.Since(genStart)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	return generated, stats, nil
}
