package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/cache"
	"github.com/samcharles93/tokfetch/internal/fetch"
	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       defaultConfigPath(),
			Sources:     cli.EnvVars("TOKFETCH_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("TOKFETCH_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, text, json)",
			Value:       "auto",
			Sources:     cli.EnvVars("TOKFETCH_LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// registryOptions holds the flags shared by commands that talk to the registry.
type registryOptions struct {
	endpoint    string
	token       string
	cacheDir    string
	revision    string
	offline     bool
	timeout     time.Duration
	maxFileSize int64
}

func (o *registryOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "revision",
			Aliases:     []string{"r"},
			Usage:       "branch, tag or commit to fetch",
			Value:       hub.DefaultRevision,
			Destination: &o.revision,
		},
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "registry base URL",
			Value:       hub.DefaultEndpoint,
			Sources:     cli.EnvVars("HF_ENDPOINT"),
			Destination: &o.endpoint,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "registry access token",
			Sources:     cli.EnvVars("HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"),
			Destination: &o.token,
		},
		cacheDirFlag(&o.cacheDir),
		&cli.BoolFlag{
			Name:        "offline",
			Usage:       "resolve from the local cache only",
			Sources:     cli.EnvVars("HF_HUB_OFFLINE"),
			Destination: &o.offline,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "timeout for each registry lookup or file download",
			Value:       hub.DefaultTimeout,
			Destination: &o.timeout,
		},
		&cli.Int64Flag{
			Name:        "max-file-size",
			Usage:       "reject registry files larger than this many bytes",
			Value:       hub.DefaultMaxFileSize,
			Destination: &o.maxFileSize,
		},
	}
}

func cacheDirFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "cache-dir",
		Usage:       "registry cache directory (default: $HF_HUB_CACHE, $HF_HOME/hub, $XDG_CACHE_HOME/huggingface/hub)",
		Destination: dst,
	}
}

// applyConfig fills options from the config file when the flag was not set.
func (o *registryOptions) applyConfig(c *cli.Command, cfg Config) {
	if cfg.Endpoint != "" && !c.IsSet("endpoint") {
		o.endpoint = cfg.Endpoint
	}
	if cfg.Token != "" && !c.IsSet("token") {
		o.token = cfg.Token
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		o.cacheDir = cfg.CacheDir
	}
	if cfg.Revision != "" && !c.IsSet("revision") {
		o.revision = cfg.Revision
	}
	if cfg.Offline != nil && !c.IsSet("offline") {
		o.offline = *cfg.Offline
	}
	if cfg.Timeout != nil && !c.IsSet("timeout") {
		o.timeout = *cfg.Timeout
	}
	if cfg.MaxFileSize != nil && !c.IsSet("max-file-size") {
		o.maxFileSize = *cfg.MaxFileSize
	}
}

func (o *registryOptions) fetcher(log logger.Logger) (*fetch.Fetcher, error) {
	root, err := cache.DefaultRoot(o.cacheDir)
	if err != nil {
		return nil, err
	}
	return &fetch.Fetcher{
		Hub: hub.New(hub.Config{
			Endpoint:    o.endpoint,
			Token:       o.token,
			CacheDir:    root,
			Timeout:     o.timeout,
			MaxFileSize: o.maxFileSize,
			Logger:      log,
		}),
		Cache:   cache.New(root),
		Offline: o.offline,
		Logger:  log,
	}, nil
}
