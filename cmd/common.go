package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// Flags shared by the worker commands.
var (
	ConfigPath  []string // Path(s) to config file (default is first of $BACPIPES_CONFIG_PATH, $XDG_CONFIG_HOME/bacmq.yaml, $HOME/.config/bacmq.yaml)
	DatabaseURL string   // Config store connection string
	LogLevel    string   // Log level
)

var cfg *config.Config

var cleanup []func()

// AddCleanup registers f to run after the command completes.
func AddCleanup(f func()) {
	cleanup = append(cleanup, f)
}

func runCleanup() {
	for _, f := range cleanup {
		f()
	}
}

func findConfig() {
	const defaultConfigFile = "bacmq.yaml"

	if len(ConfigPath) > 0 {
		return
	}

	if env, ok := os.LookupEnv("BACPIPES_CONFIG_PATH"); ok {
		ConfigPath = strings.Split(env, ",")
		return
	}

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		ConfigPath = []string{filepath.Join(xdg, defaultConfigFile)}
		return
	}

	home, err := os.UserHomeDir()
	cobra.CheckErr(err)

	ConfigPath = []string{filepath.Join(home, ".config", defaultConfigFile)}
}

// loadConfig resolves the config paths and applies the flag overrides.
func loadConfig() (err error) {
	findConfig()

	cfg, err = config.Load(ConfigPath...)
	if err != nil {
		return err
	}

	return flagsToConfig(cfg)
}

func flagsToConfig(cfg *config.Config) error {
	if LogLevel != "" {
		var level log.Level

		if err := level.UnmarshalText([]byte(LogLevel)); err != nil {
			return err
		}

		cfg.Log.Level = level
	}

	if DatabaseURL != "" {
		cfg.DatabaseURL = config.Expand(DatabaseURL)
	}

	return nil
}

func setLogHandler(cfg *config.Config, minLevel log.Level) {
	var w io.Writer

	switch strings.ToLower(cfg.Log.Output) {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	case "discard":
		log.SetHandler(log.DiscardHandler)
		return
	default:
		f, err := os.OpenFile(cfg.Log.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error(
				"Unable to open log file, deferring to stderr",
				err,
			)

			return
		}

		w = f

		AddCleanup(func() { f.Close() })
	}

	if cfg.Log.Level < minLevel {
		cfg.Log.Level = minLevel
	}

	log.SetLogLevel(cfg.Log.Level)

	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		if w == nil {
			w = os.Stderr
		}

		log.SetJSONHandler(w)
	case "text":
		if w == nil {
			w = os.Stderr
		}

		log.SetTextHandler(w)
	default:
		if w != nil {
			log.SetOutput(w)
		}
	}
}

// openStore connects to the config store and applies the schema.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return st, nil
}
