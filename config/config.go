// Package config loads MeshLink node configuration from YAML, following
// the teacher's config package: yaml.v3 unmarshal, defaults for unset
// fields, and MESHLINK_-prefixed environment variable overrides taking
// highest priority, the same override layering the teacher's
// config/loader.go applies for SAGE_-prefixed variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is one mesh node's full configuration.
type Config struct {
	Environment    string         `yaml:"environment"`
	Name           string         `yaml:"name"`
	PrivateKeyPath string         `yaml:"private_key_path"`
	Listen         ListenConfig   `yaml:"listen"`
	Logging        LoggingConfig  `yaml:"logging"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Topology       TopologyConfig `yaml:"topology"`
}

// ListenConfig is the configured inbound address and port. meshlinkd run
// only reports it at startup; it does not open a listener on it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig mirrors the teacher's LoggingConfig shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig mirrors the teacher's MetricsConfig shape, gating the
// /metrics endpoint the internal/metrics package exposes.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TopologyConfig holds past-request loop-suppression cache timings. The
// topology package uses its own fixed 60-second window and 10-second aging
// interval and does not read these values.
type TopologyConfig struct {
	SeenWindow    time.Duration `yaml:"seen_window"`
	AgingInterval time.Duration `yaml:"aging_interval"`
}

// LoadFromFile reads and parses a YAML config file at path, applies
// defaults, then applies environment variable overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 655
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9655
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Topology.SeenWindow == 0 {
		cfg.Topology.SeenWindow = 60 * time.Second
	}
	if cfg.Topology.AgingInterval == 0 {
		cfg.Topology.AgingInterval = 10 * time.Second
	}
}

// applyEnvironmentOverrides overrides cfg with MESHLINK_-prefixed
// environment variables, the highest-priority layer, matching the
// teacher's applyEnvironmentOverrides pattern in config/loader.go.
func applyEnvironmentOverrides(cfg *Config) {
	if name := os.Getenv("MESHLINK_NAME"); name != "" {
		cfg.Name = name
	}
	if addr := os.Getenv("MESHLINK_LISTEN_ADDRESS"); addr != "" {
		cfg.Listen.Address = addr
	}
	if portStr := os.Getenv("MESHLINK_LISTEN_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Listen.Port = port
		}
	}
	if level := os.Getenv("MESHLINK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("MESHLINK_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	switch os.Getenv("MESHLINK_METRICS_ENABLED") {
	case "true":
		cfg.Metrics.Enabled = true
	case "false":
		cfg.Metrics.Enabled = false
	}
	if portStr := os.Getenv("MESHLINK_METRICS_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
