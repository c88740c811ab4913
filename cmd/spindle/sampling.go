package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/logits"
)

type samplingOptions struct {
	prompt string
	steps  int64
	temp   float64
	topK   int64
	topP   float64
	seed   int64

	draftLength int64
	draftNoise  float64
	treeWidth   int64
	missRate    float64
}

func (s *samplingOptions) resolvedSeed() int64 {
	if s.seed < 0 {
		return time.Now().UnixNano()
	}
	return s.seed
}

func (s *samplingOptions) samplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:        s.resolvedSeed(),
		Temperature: float32(s.temp),
		TopK:        int(s.topK),
		TopP:        float32(s.topP),
	}
}

func samplingFlags(s *samplingOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Value:       "The quick brown fox",
			Destination: &s.prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate",
			Value:       64,
			Destination: &s.steps,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0,
			Destination: &s.temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top_p sampling parameter",
			Value:       0.95,
			Destination: &s.topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       -1,
			Destination: &s.seed,
		},
	}
}

func speculativeFlags(s *samplingOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "draft-length",
			Aliases:     []string{"k"},
			Usage:       "tokens proposed by the draft model per iteration",
			Value:       4,
			Destination: &s.draftLength,
		},
		&cli.Float64Flag{
			Name:        "draft-noise",
			Usage:       "logit noise separating the toy draft from the target",
			Value:       2,
			Destination: &s.draftNoise,
		},
	}
}

func medusaFlags(s *samplingOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "tree-width",
			Aliases:     []string{"w"},
			Usage:       "candidate tree preset (4, 8, 16)",
			Value:       8,
			Destination: &s.treeWidth,
		},
		&cli.Float64Flag{
			Name:        "miss-rate",
			Usage:       "fraction of deliberately wrong toy head guesses",
			Value:       0.3,
			Destination: &s.missRate,
		},
	}
}
