// Package config loads engine tunables: cache directory layout, worker
// pool sizes, and batch limits. It intentionally stops short of CLI flag
// parsing or remote-auth configuration — those are external collaborators
// per the engine's scope.
package config

import (
	"os"
	"path/filepath"

	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"

	"github.com/outlet-sync/outlet/internal/logging"
)

// Config holds the tunables the Cache & Operation Engine needs at startup.
type Config struct {
	// CacheDir is the root directory holding the registry file, per-cache
	// index files, identity-mapper tables, the op store, and the device
	// UUID file.
	CacheDir string `yaml:"cacheDir"`

	// LogLevel is one of the zerolog level strings (trace, debug, info, ...).
	LogLevel string `yaml:"logLevel"`

	// SignatureWorkerBatchSize bounds how many files the signature-calc
	// worker hashes per drained batch.
	SignatureWorkerBatchSize int `yaml:"sigWorkerBatchSize"`

	// SignatureQueueDepth bounds the signature worker's backlog before
	// upsert_single_node callers start blocking (back-pressure).
	SignatureQueueDepth int `yaml:"sigQueueDepth"`

	// ValidateOpGraphOnInsert turns on the structural invariant checks
	// (V1-V5) after every batch insert. Defaults on; disabling is a
	// performance escape hatch for very large batches.
	ValidateOpGraphOnInsert bool `yaml:"validateOpGraphOnInsert"`

	// FriendlyName labels this machine's local Device.
	FriendlyName string `yaml:"friendlyName"`
}

// DefaultConfigPath returns the default config file location under the
// user's XDG config directory.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		logging.Error().Err(err).Msg("could not determine configuration directory")
	}
	return filepath.Join(confDir, "outlet/config.yml")
}

func createDefaultConfig() Config {
	xdgCacheDir, _ := os.UserCacheDir()
	hostname, _ := os.Hostname()
	return Config{
		CacheDir:                 filepath.Join(xdgCacheDir, "outlet"),
		LogLevel:                 "info",
		SignatureWorkerBatchSize: 32,
		SignatureQueueDepth:      256,
		ValidateOpGraphOnInsert:  true,
		FriendlyName:             hostname,
	}
}

// LoadConfig reads the YAML config at path, merging missing fields with
// defaults. A missing file is not an error: defaults are returned as-is.
func LoadConfig(path string) (*Config, error) {
	defaults := createDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := mergo.Merge(cfg, defaults); err != nil {
		return nil, err
	}
	// mergo treats an explicit false as unset and fills in the default
	// true, so re-apply the file's own value when it names the key.
	var explicit struct {
		ValidateOpGraphOnInsert *bool `yaml:"validateOpGraphOnInsert"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.ValidateOpGraphOnInsert != nil {
		cfg.ValidateOpGraphOnInsert = *explicit.ValidateOpGraphOnInsert
	}
	validateConfig(cfg)
	return cfg, nil
}

func validateConfig(cfg *Config) {
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		logging.Warn().Str("log_level", cfg.LogLevel).Msg("invalid log level, falling back to info")
		cfg.LogLevel = "info"
	}
	if cfg.SignatureWorkerBatchSize <= 0 {
		cfg.SignatureWorkerBatchSize = 32
	}
	if cfg.SignatureQueueDepth <= 0 {
		cfg.SignatureQueueDepth = 256
	}
	if cfg.CacheDir == "" {
		xdgCacheDir, _ := os.UserCacheDir()
		cfg.CacheDir = filepath.Join(xdgCacheDir, "outlet")
	}
}
