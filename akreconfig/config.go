// Package akreconfig is an optional side door for persisting a Client's
// pool configuration to disk as YAML, for embedding applications that want
// to cache last-known-good settings across restarts. The client facade's own
// constructor remains purely programmatic; nothing in this package is
// required to use it.
package akreconfig

import (
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/renameio"
)

// BreakerConfig is the on-disk shape of the circuit breaker's tuning.
type BreakerConfig struct {
	ConsecutiveFailureTolerance int           `yaml:"consecutive_failure_tolerance"`
	BaseBackoff                 time.Duration `yaml:"base_backoff"`
	MaxBackoff                  time.Duration `yaml:"max_backoff"`
	HalfOpenTimeout             time.Duration `yaml:"half_open_timeout"`
}

// PoolConfig is a snapshot of the parameters a Client is built from: host,
// port, timeouts, pool size, the setup commands run during connection
// bring-up (recorded as raw name-and-arguments, since the expectation tag
// that turns them back into an akre.Command is application-specific
// knowledge this package doesn't have), and breaker tuning.
type PoolConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Connections    int           `yaml:"connections"`
	SetupCommands  [][]string    `yaml:"setup_commands,omitempty"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// Load reads a PoolConfig from path. A missing file is not an error: it
// returns the zero PoolConfig, mirroring the teacher's node store treating
// "no file yet" as "nothing persisted yet" rather than a failure.
func Load(path string) (PoolConfig, error) {
	var cfg PoolConfig

	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically, so a crash mid-write never leaves a
// corrupt or partial file behind.
func Save(path string, cfg PoolConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o600)
}
