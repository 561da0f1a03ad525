package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/logger"
	"github.com/samcharles93/tokfetch/internal/mirror"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		root        string
		token       string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve saved tokenizer directories with the registry API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8090",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "root",
				Usage:       "directory laid out as <root>/<namespace>/<name>/",
				Value:       ".",
				Destination: &root,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "require this bearer token on every request",
				Sources:     cli.EnvVars("TOKFETCH_SERVE_TOKEN"),
				Destination: &token,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, configFromContext(ctx), &addr, &root, &token)

			st, err := os.Stat(root)
			if err != nil {
				return err
			}
			if !st.IsDir() {
				return errors.New("serve: --root must be a directory")
			}

			e := mirror.New(mirror.Config{Root: root, Token: token, Logger: log}).Echo()
			log.Info("starting mirror", "address", addr, "root", root, "auth", token != "")
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
