package main

import "github.com/urfave/cli/v3"

var (
	modelConfigPath string
	vocabSize       int64
	modelOrder      int64
	modelSeed       int64
	cacheLength     int64
	promptWidth     int64
	cacheKind       string
	maskType        string
	overflow        string
	jsonOutput      bool
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-config",
			Aliases:     []string{"m"},
			Usage:       "path to a yaml model description (overrides the toy model flags below)",
			Destination: &modelConfigPath,
		},
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy model vocabulary size (at least 259 to cover byte tokens)",
			Value:       259,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "order",
			Usage:       "toy model context order",
			Value:       3,
			Destination: &modelOrder,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "toy model weights seed",
			Value:       42,
			Destination: &modelSeed,
		},
		&cli.Int64Flag{
			Name:        "cache-length",
			Aliases:     []string{"ctx", "c"},
			Usage:       "cache length of the compiled variant",
			Value:       512,
			Destination: &cacheLength,
		},
		&cli.Int64Flag{
			Name:        "prompt-width",
			Usage:       "step width used to digest prompts",
			Value:       8,
			Destination: &promptWidth,
		},
		&cli.StringFlag{
			Name:        "cache-kind",
			Usage:       "cache layout (linear, ring)",
			Value:       "ring",
			Destination: &cacheKind,
		},
		&cli.StringFlag{
			Name:        "mask-type",
			Usage:       "mask element type (bool, int16, fp16, fp32)",
			Value:       "fp16",
			Destination: &maskType,
		},
		&cli.StringFlag{
			Name:        "overflow",
			Usage:       "context overflow policy (warn, refuse)",
			Value:       "warn",
			Destination: &overflow,
		},
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print output as json",
			Destination: &jsonOutput,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
