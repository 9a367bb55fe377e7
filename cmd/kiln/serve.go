package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/emberml/kiln/internal/api"
	"github.com/emberml/kiln/internal/engine"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		preload     bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate-limit",
			Usage:       "generation requests per second (0 = unlimited)",
			Destination: &rateLimit,
		},
		&cli.BoolFlag{
			Name:        "preload",
			Usage:       "load the model before serving",
			Destination: &preload,
		},
	}
	flags = append(flags, commonModelFlags()...)
	flags = append(flags, commonLogFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyServeConfig(c, cfg, &addr, &rateLimit)

			log := buildLogger()

			rt, err := resolveBackend(backend)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			eng := engine.New(rt,
				engine.WithLogger(log),
				engine.WithMaxContext(int(maxContext)),
			)
			if preload {
				if modelPath == "" {
					return cli.Exit("error: --preload requires --model", 1)
				}
				if err := eng.Load(modelPath, resolveThreads(threads)); err != nil {
					return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
				}
				defer eng.Unload()
			}

			opts := []api.ServerOption{api.WithLogger(log)}
			if rateLimit > 0 {
				opts = append(opts, api.WithRateLimit(rateLimit, int(rateLimit)+1))
			}
			server := api.NewServer(eng, opts...)

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
