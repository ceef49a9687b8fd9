// Package config loads the GojoStore SCM daemon configuration from a YAML
// file and applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RaftConfig configures the consensus substrate of the SCM.
type RaftConfig struct {
	// NodeID is this SCM instance's identity in the raft cluster.
	NodeID string `yaml:"node_id"`
	// BindAddr is the TCP address raft listens on (host:port).
	BindAddr string `yaml:"bind_addr"`
	// DataDir holds raft's own log, stable store and snapshots.
	DataDir string `yaml:"data_dir"`
	// Bootstrap starts a fresh single-node cluster. Only the first SCM
	// instance of a new cluster should set this.
	Bootstrap bool `yaml:"bootstrap"`
}

// DeletionConfig configures the deleted block transaction log and the
// block deleting service that drives it.
type DeletionConfig struct {
	// MaxRetry is the number of delivery retries before a transaction is
	// marked permanently failed.
	MaxRetry int32 `yaml:"max_retry"`
	// BlockDeleteLimit caps the number of blocks selected per dispatch run.
	BlockDeleteLimit int `yaml:"block_delete_limit"`
	// DispatchInterval is the cadence of the dispatch loop.
	DispatchInterval Duration `yaml:"dispatch_interval"`
	// AckTimeout is how long a dispatched transaction may stay
	// unacknowledged before its retry count is incremented.
	AckTimeout Duration `yaml:"ack_timeout"`
	// FlushInterval is the cadence of the automatic buffer flush.
	FlushInterval Duration `yaml:"flush_interval"`
	// BlocksPerSecond throttles outbound delete commands. Zero disables
	// throttling.
	BlocksPerSecond float64 `yaml:"blocks_per_second"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// DataDir holds the SCM state store (bolt database).
	DataDir string `yaml:"data_dir"`
	// HTTPAddr is the admin API listen address.
	HTTPAddr string `yaml:"http_addr"`

	Raft      RaftConfig       `yaml:"raft"`
	Deletion  DeletionConfig   `yaml:"deletion"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for a single-node development
// deployment.
func Default() Config {
	return Config{
		DataDir:  "data",
		HTTPAddr: "localhost:8080",
		Raft: RaftConfig{
			NodeID:    "scm-1",
			BindAddr:  "localhost:7000",
			DataDir:   "data/raft",
			Bootstrap: true,
		},
		Deletion: DeletionConfig{
			MaxRetry:         20,
			BlockDeleteLimit: 4096,
			DispatchInterval: Duration(60 * time.Second),
			AckTimeout:       Duration(5 * time.Minute),
			FlushInterval:    Duration(time.Second),
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "gojostore-scm",
			PrometheusPort: 9091,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Deletion.MaxRetry < 0 {
		return fmt.Errorf("deletion.max_retry must be non-negative, got %d", c.Deletion.MaxRetry)
	}
	if c.Deletion.BlockDeleteLimit <= 0 {
		return fmt.Errorf("deletion.block_delete_limit must be positive, got %d", c.Deletion.BlockDeleteLimit)
	}
	if c.Raft.NodeID == "" {
		return fmt.Errorf("raft.node_id must be set")
	}
	return nil
}
