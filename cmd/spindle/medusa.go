package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/medusa"
	"github.com/samcharles93/spindle/internal/tree"
)

func medusaCmd() *cli.Command {
	var s samplingOptions
	return &cli.Command{
		Name:  "medusa",
		Usage: "Generate with Medusa heads and tree verification",
		Flags: slices.Concat(commonModelFlags(), samplingFlags(&s), medusaFlags(&s), outputFlags()),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &s)
			log := logger.FromContext(ctx)

			spec, err := tree.Preset(int(s.treeWidth))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			models, err := buildModels(log, &s)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}
			target, err := models.Target(spec.Width())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode state: %v", err), 1)
			}
			heads, err := models.Heads(spec.Heads())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: heads: %v", err), 1)
			}
			dec, err := medusa.New(target, heads, spec, medusa.Config{
				Temperature: float32(s.temp),
				MaxResponse: int(s.steps),
			}, medusa.WithLogger(log))
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
				Command: "medusa",
				Prompt:  s.prompt,
				Text:    tok.Decode(out),
				Tokens:  out,
				Stats:   dec.Stats(),
				Target:  target.Stats(),
			})
		},
	}
}
