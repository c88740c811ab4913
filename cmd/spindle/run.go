package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
)

func runCmd() *cli.Command {
	var s samplingOptions
	return &cli.Command{
		Name:  "run",
		Usage: "Generate one token per step",
		Flags: slices.Concat(commonModelFlags(), samplingFlags(&s), outputFlags()),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &s)
			log := logger.FromContext(ctx)

			models, err := buildModels(log, &s)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}
			state, err := models.Target()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode state: %v", err), 1)
			}
			tok := models.Tokenizer()
			g := &decode.Generator{State: state, Sampler: logits.NewSampler(s.samplerConfig())}
			p := &tokenPrinter{w: os.Stdout, tok: tok, quiet: jsonOutput}

			out, stats, err := g.Run(ctx, tok.Encode(s.prompt, true), int(s.steps), p.emit)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			return printReport(os.Stdout, os.Stderr, report{
				Command: "run",
				Prompt:  s.prompt,
				Text:    tok.Decode(out),
				Tokens:  out,
				Stats:   stats,
				Target:  state.Stats(),
			})
		},
	}
}
