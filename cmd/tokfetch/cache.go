package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/cache"
	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/logger"
)

func cacheCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or prune the local registry cache",
		Commands: []*cli.Command{
			cacheListCmd(),
			cacheRemoveCmd(),
			cachePathCmd(),
		},
	}
}

func openCache(ctx context.Context, cmd *cli.Command, dir string) (*cache.Cache, error) {
	if cfg := configFromContext(ctx); cfg.CacheDir != "" && !cmd.IsSet("cache-dir") {
		dir = cfg.CacheDir
	}
	root, err := cache.DefaultRoot(dir)
	if err != nil {
		return nil, err
	}
	return cache.New(root), nil
}

func cacheListCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:    "ls",
		Aliases: []string{"list"},
		Usage:   "List cached repositories",
		Flags:   []cli.Flag{cacheDirFlag(&dir)},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := openCache(ctx, cmd, dir)
			if err != nil {
				return err
			}
			entries, err := c.List()
			if err != nil {
				return err
			}
			w := outWriter(cmd)
			if len(entries) == 0 {
				_, _ = fmt.Fprintf(w, "no cached repositories in %s\n", c.Root())
				return nil
			}
			for _, e := range entries {
				refs := make([]string, 0, len(e.Refs))
				for rev, commit := range e.Refs {
					refs = append(refs, rev+"="+shortCommit(commit))
				}
				sort.Strings(refs)
				_, _ = fmt.Fprintf(w, "%-40s %10s  %d snapshot(s)  %s\n",
					e.Repo, formatSize(e.Size), len(e.Snapshots), strings.Join(refs, " "))
			}
			return nil
		},
	}
}

func cacheRemoveCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:      "rm",
		Aliases:   []string{"remove"},
		Usage:     "Remove cached repositories",
		ArgsUsage: "<namespace/name>...",
		Flags:     []cli.Flag{cacheDirFlag(&dir)},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("usage: tokfetch cache rm <namespace/name>...")
			}
			c, err := openCache(ctx, cmd, dir)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)
			for _, arg := range cmd.Args().Slice() {
				id, err := hub.ParseRepoID(arg)
				if err != nil {
					return err
				}
				if err := c.Remove(id); err != nil {
					return err
				}
				log.Info("removed from cache", "repo", id.String())
			}
			return nil
		},
	}
}

func cachePathCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:  "path",
		Usage: "Print the cache directory",
		Flags: []cli.Flag{cacheDirFlag(&dir)},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := openCache(ctx, cmd, dir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(outWriter(cmd), c.Root())
			return err
		},
	}
}

func formatSize(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}
