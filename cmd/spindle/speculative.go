package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/speculative"
)

func speculativeCmd() *cli.Command {
	var s samplingOptions
	return &cli.Command{
		Name:    "speculative",
		Aliases: []string{"spec"},
		Usage:   "Generate with a draft model verified by the target",
		Flags:   slices.Concat(commonModelFlags(), samplingFlags(&s), speculativeFlags(&s), outputFlags()),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &s)
			log := logger.FromContext(ctx)

			models, err := buildModels(log, &s)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}
			k := int(s.draftLength)
			target, err := models.Target(k + 1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: target state: %v", err), 1)
			}
			draft, err := models.Draft()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: draft state: %v", err), 1)
			}
			dec, err := speculative.New(target, draft, speculative.Config{
				DraftLength:       k,
				DraftTemperature:  float32(s.temp),
				TargetTemperature: float32(s.temp),
				Seed:              s.resolvedSeed(),
				MaxResponse:       int(s.steps),
			}, speculative.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			tok := models.Tokenizer()
			p := &tokenPrinter{w: os.Stdout, tok: tok, quiet: jsonOutput}
			out, err := dec.Generate(ctx, tok.Encode(s.prompt, true), p.emit)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			return printReport(os.Stdout, os.Stderr, report{
				Command: "speculative",
				Prompt:  s.prompt,
				Text:    tok.Decode(out),
				Tokens:  out,
				Stats:   dec.Stats(),
				Target:  target.Stats(),
				Draft:   draft.Stats(),
			})
		},
	}
}
