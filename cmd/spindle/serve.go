package main

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/api"
	"github.com/samcharles93/spindle/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		s           samplingOptions
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation sessions over HTTP",
		Flags: slices.Concat(commonModelFlags(), samplingFlags(&s), speculativeFlags(&s), medusaFlags(&s), []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &s, &addr)
			log := logger.FromContext(ctx)

			models, err := buildModels(log, &s)
			if err != nil {
				return err
			}
			service := api.NewGenerationService(models, api.NewSessionStore(), api.Defaults{
				MaxTokens:   int(s.steps),
				Temperature: s.temp,
				TopK:        int(s.topK),
				TopP:        s.topP,
				DraftLength: int(s.draftLength),
				TreeWidth:   int(s.treeWidth),
			}, log)
			server := api.NewServer(service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
