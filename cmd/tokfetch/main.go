package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/fetch"
	"github.com/samcharles93/tokfetch/internal/logger"
	"github.com/samcharles93/tokfetch/internal/version"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitResolution = 2
	exitIO         = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "tokfetch",
		Usage:   "Fetch pretrained tokenizers from a model registry",
		Version: version.String(),
		Flags:   globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			applyLoggingConfig(cmd, cfg)

			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			w := errWriter(cmd)
			log, err := logger.Setup(w, logFormat, level, isTerminal(w))
			if err != nil {
				return ctx, err
			}
			ctx = logger.WithContext(ctx, log)
			return withConfig(ctx, cfg), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		// Exit codes are decided by main from the error type.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			fetchCmd(),
			inspectCmd(),
			serveCmd(),
			cacheCmd(),
			versionCmd(),
		},
	}
}

// exitCode maps an error to the process exit status: 2 for resolution
// failures, 3 for filesystem failures, 1 for anything else.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, fetch.ErrResolution):
		return exitResolution
	case errors.Is(err, fetch.ErrIO):
		return exitIO
	default:
		return exitFailure
	}
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
