// Package config provides the worker's bootstrap configuration and the
// runtime broker/system settings loaded from the config store.
//
// The bootstrap config is worker-local YAML: where the store lives, how to
// log, and tuning knobs that never belong in the database. Everything an
// operator edits at runtime (broker, devices, points) lives in the store
// and is represented here by [MQTT] and [System].
package config

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bacpipes/bacmq/config/secrets"
	"github.com/bacpipes/bacmq/log"
)

// Config is the bootstrap configuration read before the store is opened.
// Config should be created with a call to [Default], [Read], or [Load] so
// defaults and expansion are applied.
type Config struct {
	// DatabaseURL is the connection string for the config store. It
	// defaults to $DATABASE_URL and supports !secret indirection.
	DatabaseURL string `yaml:"database_url"`

	Log    LogConfig    `yaml:"log,omitempty"`
	Worker WorkerConfig `yaml:"worker,omitempty"`
	BACnet BACnetConfig `yaml:"bacnet,omitempty"`
}

// LogConfig selects the handler of the log package.
type LogConfig struct {
	Level  log.Level `yaml:"level"`
	Output string    `yaml:"output"` // stderr, stdout, discard, or a file path
	Format string    `yaml:"format"` // text or json
}

// WorkerConfig tunes the scheduler and supervisor.
type WorkerConfig struct {
	// ReloadInterval is how often the hot-reload watcher compares the
	// stored MQTT settings against the running session.
	ReloadInterval time.Duration `yaml:"reload_interval"`
	// QueueSize bounds the inbound write/override command queue.
	QueueSize int `yaml:"queue_size"`
	// PublishFailures controls whether failed reads publish an envelope
	// with quality "error"/"timeout" on the point's topic.
	PublishFailures bool `yaml:"publish_failures"`
	// DiscoveryFlag is the coordination flag file observed by the
	// scheduler and held by the discovery runner.
	DiscoveryFlag string `yaml:"discovery_flag"`
	// RestartFlag triggers a config reload and resubscribe when present.
	RestartFlag string `yaml:"restart_flag"`
	// PreserveTags makes discovery merge semantic tags of surviving
	// points instead of replacing every point outright.
	PreserveTags bool `yaml:"preserve_tags"`
}

// BACnetConfig tunes the request engine and names the gateway's own
// device object.
type BACnetConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseTimeout time.Duration `yaml:"base_timeout"`
	RetryPause  time.Duration `yaml:"retry_pause"`
	// Fanout caps concurrent in-flight requests across devices.
	Fanout int `yaml:"fanout"`
	// ObjectName and VendorID identify the gateway on the BACnet side.
	// The device instance itself comes from the system settings row.
	ObjectName string `yaml:"object_name"`
	VendorID   uint16 `yaml:"vendor_id"`
}

func defaultConfig() *Config {
	return &Config{
		DatabaseURL: "$DATABASE_URL",
		Log: LogConfig{
			Level:  log.LevelInfo,
			Output: "stderr",
			Format: "text",
		},
		Worker: WorkerConfig{
			ReloadInterval:  10 * time.Second,
			QueueSize:       1024,
			PublishFailures: true,
			DiscoveryFlag:   "/tmp/bacnet_discovery_active",
			RestartFlag:     "/tmp/bacpipes_worker_restart",
		},
		BACnet: BACnetConfig{
			MaxRetries:  3,
			BaseTimeout: 6 * time.Second,
			RetryPause:  500 * time.Millisecond,
			Fanout:      32,
			ObjectName:  "BacPipes",
			VendorID:    842,
		},
	}
}

// DefaultDatabaseURL is used when neither the config file nor
// $DATABASE_URL provides a connection string.
const DefaultDatabaseURL = "postgres://bacpipes@localhost:5432/bacpipes"

// Default returns the default Config used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	cfg.expand()

	return cfg
}

// Read returns the Config parsed from the YAML document in r, with
// defaults applied for absent fields.
func Read(r io.Reader) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	cfg.expand()

	return cfg, nil
}

// Load returns the Config parsed from the first path that exists. With no
// arguments, or when none of the paths exist, the default config is
// returned without error.
func Load(file ...string) (*Config, error) {
	for _, path := range file {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		log.Info("Loading config", "path", path)

		cfg, err := Read(f)
		f.Close()

		return cfg, err
	}

	return Default(), nil
}

// Expand replaces ${var} or $var in s according to the current
// environment, and replaces "!secret var" with the contents of
// /run/secrets/<var>.
func Expand(s string) string {
	if secret, ok := secrets.CutPrefix(s); ok {
		return secrets.MustRead(secret, "")
	}

	return os.ExpandEnv(s)
}

func (cfg *Config) expand() {
	cfg.DatabaseURL = Expand(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = DefaultDatabaseURL
	}

	cfg.Log.Output = Expand(cfg.Log.Output)
	cfg.Worker.DiscoveryFlag = Expand(cfg.Worker.DiscoveryFlag)
	cfg.Worker.RestartFlag = Expand(cfg.Worker.RestartFlag)

	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 1024
	}

	if cfg.Worker.ReloadInterval <= 0 {
		cfg.Worker.ReloadInterval = 10 * time.Second
	}

	if cfg.BACnet.Fanout <= 0 {
		cfg.BACnet.Fanout = 32
	}
}

// Write writes the YAML encoding of cfg to w.
func (cfg *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()

	enc.SetIndent(2)

	return enc.Encode(cfg)
}
