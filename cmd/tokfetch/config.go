package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the tokfetch configuration file (~/.config/tokfetch/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Registry
	Endpoint    string         `yaml:"endpoint"`
	Token       string         `yaml:"token"`
	CacheDir    string         `yaml:"cache_dir"`
	Revision    string         `yaml:"revision"`
	Offline     *bool          `yaml:"offline"`
	Timeout     *time.Duration `yaml:"timeout"`
	MaxFileSize *int64         `yaml:"max_file_size"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Mirror
	ServeAddr  string `yaml:"serve_addr"`
	ServeRoot  string `yaml:"serve_root"`
	ServeToken string `yaml:"serve_token"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tokfetch", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the global logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr, root, token *string) {
	if cfg.ServeAddr != "" && !c.IsSet("addr") {
		*addr = cfg.ServeAddr
	}
	if cfg.ServeRoot != "" && !c.IsSet("root") {
		*root = cfg.ServeRoot
	}
	if cfg.ServeToken != "" && !c.IsSet("token") {
		*token = cfg.ServeToken
	}
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}
