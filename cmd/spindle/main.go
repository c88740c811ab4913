package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/version"
)

func main() {
	app := &cli.Command{
		Name:  "spindle",
		Usage: "On-device decoding core: cached stepping, speculative and Medusa decoding",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg := LoadConfig()
			applyLogConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Setup(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			speculativeCmd(),
			medusaCmd(),
			benchCmd(),
			serveCmd(),
			treeCmd(),
			{
				Name:  "version",
				Usage: "Print version information",
				Flags: outputFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return writeVersion(os.Stdout, version.Resolve(), jsonOutput)
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeVersion(w io.Writer, info version.Info, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	line := "spindle " + info.Version
	if info.Commit != "" {
		line += " " + info.Commit
		if info.Modified {
			line += "+dirty"
		}
	}
	if info.BuildTime != "" {
		line += " built " + info.BuildTime
	}
	if info.GoVersion != "" {
		line += " " + info.GoVersion
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
