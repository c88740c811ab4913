package main

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/api"
	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/medusa"
	"github.com/samcharles93/spindle/internal/speculative"
	"github.com/samcharles93/spindle/internal/tree"
)

type benchResult struct {
	Mode     string
	Tokens   int
	Steps    int
	Duration time.Duration
}

func (r benchResult) TPS() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Tokens) / r.Duration.Seconds()
}

// TokensPerStep is the number of tokens emitted per target model call.
func (r benchResult) TokensPerStep() float64 {
	if r.Steps == 0 {
		return 0
	}
	return float64(r.Tokens) / float64(r.Steps)
}

func benchCmd() *cli.Command {
	var (
		s          samplingOptions
		warmupRuns int64
		benchRuns  int64
		modes      string
	)

	flags := slices.Concat(commonModelFlags(), samplingFlags(&s), speculativeFlags(&s), medusaFlags(&s))
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "modes",
			Usage:       "comma separated decoding modes to compare",
			Value:       strings.Join([]string{api.ModeAutoregressive, api.ModeSpeculative, api.ModeMedusa}, ","),
			Destination: &modes,
		},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Compare decoding modes on the same prompt",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &s)
			log := logger.FromContext(ctx)
			models, err := buildModels(log, &s)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}

			fmt.Println("=== Spindle Benchmark ===")
			fmt.Printf("Model:    %s (cache %d, %s)\n", models.Config.Name, models.Config.CacheLength, models.Config.CacheKind)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Steps:    %d tokens\n", s.steps)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			prompt := models.Tokenizer().Encode(s.prompt, true)
			var results []benchResult
			for _, mode := range strings.Split(modes, ",") {
				mode = strings.TrimSpace(mode)
				for i := range int(warmupRuns) {
					log.Info("warmup run", "mode", mode, "run", i+1)
					if _, err := benchOnce(ctx, models, mode, &s, prompt); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s warmup run %d: %v", mode, i+1, err), 1)
					}
				}
				for i := range int(benchRuns) {
					log.Info("benchmark run", "mode", mode, "run", i+1)
					r, err := benchOnce(ctx, models, mode, &s, prompt)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %s run %d: %v", mode, i+1, err), 1)
					}
					results = append(results, r)
				}
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-15s %8s %8s %10s %10s %12s\n", "Mode", "Tokens", "Steps", "tok/step", "tps", "Duration")
			for _, r := range results {
				fmt.Printf("%-15s %8d %8d %10.2f %10.2f %12s\n",
					r.Mode, r.Tokens, r.Steps, r.TokensPerStep(), r.TPS(), r.Duration.Round(time.Microsecond))
			}
			return nil
		},
	}
}

// benchOnce generates greedily in one mode on fresh states.
func benchOnce(ctx context.Context, models *api.ToyModels, mode string, s *samplingOptions, prompt []int32) (benchResult, error) {
	r := benchResult{Mode: mode}
	var target *decode.State
	start := time.Now()
	switch mode {
	case api.ModeAutoregressive:
		state, err := models.Target()
		if err != nil {
			return r, err
		}
		target = state
		g := &decode.Generator{State: state, Sampler: logits.NewSampler(logits.SamplerConfig{})}
		out, _, err := g.Run(ctx, prompt, int(s.steps), nil)
		if err != nil {
			return r, err
		}
		r.Tokens = len(out)

	case api.ModeSpeculative:
		k := int(s.draftLength)
		state, err := models.Target(k + 1)
		if err != nil {
			return r, err
		}
		target = state
		draft, err := models.Draft()
		if err != nil {
			return r, err
		}
		dec, err := speculative.New(state, draft, speculative.Config{DraftLength: k, MaxResponse: int(s.steps)}, speculative.WithLogger(models.Log))
		if err != nil {
			return r, err
		}
		out, err := dec.Generate(ctx, prompt, nil)
		if err != nil {
			return r, err
		}
		r.Tokens = len(out)

	case api.ModeMedusa:
		spec, err := tree.Preset(int(s.treeWidth))
		if err != nil {
			return r, err
		}
		state, err := models.Target(spec.Width())
		if err != nil {
			return r, err
		}
		target = state
		heads, err := models.Heads(spec.Heads())
		if err != nil {
			return r, err
		}
		dec, err := medusa.New(state, heads, spec, medusa.Config{MaxResponse: int(s.steps)}, medusa.WithLogger(models.Log))
		if err != nil {
			return r, err
		}
		out, err := dec.Generate(ctx, prompt, nil)
		if err != nil {
			return r, err
		}
		r.Tokens = len(out)

	default:
		return r, fmt.Errorf("unknown mode %q", mode)
	}
	r.Duration = time.Since(start)
	r.Steps = target.Stats().Steps
	return r, nil
}
