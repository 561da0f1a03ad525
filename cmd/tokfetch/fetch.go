package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/fetch"
	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/logger"
)

func fetchCmd() *cli.Command {
	var (
		opts   registryOptions
		verify bool
	)

	return &cli.Command{
		Name:      "fetch",
		Usage:     "Download a pretrained tokenizer and save it to a directory",
		ArgsUsage: "<namespace/name> [output-dir]",
		Flags: append(opts.flags(),
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "load the written directory back and compare vocabulary size and special tokens",
				Destination: &verify,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 || cmd.Args().Len() > 2 {
				return errors.New("usage: tokfetch fetch <namespace/name> [output-dir]")
			}
			log := logger.FromContext(ctx)
			opts.applyConfig(cmd, configFromContext(ctx))

			id := cmd.Args().Get(0)
			out := cmd.Args().Get(1)
			if out == "" {
				out = defaultOutputDir(id)
			}

			f, err := opts.fetcher(log)
			if err != nil {
				return err
			}
			res, err := f.FetchAndSave(ctx, id, opts.revision, out)
			if err != nil {
				return err
			}
			if verify {
				if err := fetch.Verify(res.Tokenizer, out); err != nil {
					return err
				}
				log.Info("verified", "dir", out, "vocab_size", res.Tokenizer.Config.VocabSize, "special_tokens", len(res.Tokenizer.Config.SpecialTokens))
			}

			p := res.Tokenizer
			_, _ = fmt.Fprintf(outWriter(cmd), "%s@%s -> %s (%d files, vocab %d)\n",
				p.Repo, shortCommit(p.Commit), out, len(res.Files), p.Config.VocabSize)
			return nil
		},
	}
}

// defaultOutputDir is the name part of id: "org/example-tokenizer" is
// saved to "example-tokenizer". Invalid identifiers yield "" and fail resolution.
func defaultOutputDir(id string) string {
	repo, err := hub.ParseRepoID(id)
	if err != nil {
		return ""
	}
	return filepath.Clean(repo.Name)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
