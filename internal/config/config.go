// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config loads sibyl-core's process configuration from YAML,
// with environment-variable overrides for the store path, listen
// addresses and telemetry collector URL.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is sibyl-core's complete process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Sync      SyncConfig      `yaml:"sync"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the control-plane API and gateway listeners.
type ServerConfig struct {
	APIAddress     string `yaml:"api_address"`
	GatewayAddress string `yaml:"gateway_address"`
}

// StoreConfig configures the durable sqlite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig configures the runner gateway's heartbeat cadence.
type GatewayConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
}

// SyncConfig configures the State Synchronizer's sweep intervals.
type SyncConfig struct {
	StaleAgentIntervalSeconds   int `yaml:"stale_agent_interval_seconds"`
	CheckpointGCIntervalSeconds int `yaml:"checkpoint_gc_interval_seconds"`
	OrphanJobIntervalSeconds    int `yaml:"orphan_job_interval_seconds"`
	StaleThresholdSeconds       int `yaml:"stale_threshold_seconds"`
}

// RolloutConfig is the default feature-flag configuration for features
// resolved by internal/rollout, keyed by feature name.
type RolloutConfig struct {
	Features map[string]RolloutFeature `yaml:"features"`
}

// RolloutFeature mirrors internal/rollout.Config in YAML-serializable form.
type RolloutFeature struct {
	GlobalMode string   `yaml:"global_mode"`
	Percent    int      `yaml:"percent"`
	Allowlist  []string `yaml:"allowlist"`
	Canary     bool     `yaml:"canary"`
}

// SandboxConfig configures the default image used for ephemeral,
// tenant-owned sandbox runners.
type SandboxConfig struct {
	DefaultImage string `yaml:"default_image"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	CollectorURL string  `yaml:"collector_url"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// DefaultConfig returns sibyl-core's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIAddress:     ":8080",
			GatewayAddress: ":8081",
		},
		Store: StoreConfig{
			Path: "sibyl.db",
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalSeconds: 30,
		},
		Sync: SyncConfig{
			StaleAgentIntervalSeconds:   60,
			CheckpointGCIntervalSeconds: 600,
			OrphanJobIntervalSeconds:    60,
			StaleThresholdSeconds:       300,
		},
		Sandbox: SandboxConfig{
			DefaultImage: "sibyl/sandbox-runner:latest",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "sibyl-core",
			CollectorURL: "localhost:4318",
			Environment:  "development",
			SamplingRate: 1.0,
		},
	}
}

// Load reads and parses path, applying environment-variable overrides
// for values that should not live in a committed config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SIBYL_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SIBYL_API_ADDRESS"); v != "" {
		c.Server.APIAddress = v
	}
	if v := os.Getenv("SIBYL_GATEWAY_ADDRESS"); v != "" {
		c.Server.GatewayAddress = v
	}
	if v := os.Getenv("SIBYL_TELEMETRY_COLLECTOR_URL"); v != "" {
		c.Telemetry.CollectorURL = v
	}
}

// Validate rejects a configuration that would leave a component
// unable to start.
func (c *Config) Validate() error {
	if c.Server.APIAddress == "" {
		return fmt.Errorf("config: server.api_address is required")
	}
	if c.Server.GatewayAddress == "" {
		return fmt.Errorf("config: server.gateway_address is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Gateway.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config: gateway.heartbeat_interval_seconds must be positive")
	}
	if c.Sync.StaleAgentIntervalSeconds <= 0 || c.Sync.CheckpointGCIntervalSeconds <= 0 || c.Sync.OrphanJobIntervalSeconds <= 0 {
		return fmt.Errorf("config: sync intervals must be positive")
	}
	if c.Sync.StaleThresholdSeconds <= 0 {
		return fmt.Errorf("config: sync.stale_threshold_seconds must be positive")
	}
	return nil
}

// Duration helpers convert the config's second-granularity fields to
// time.Duration for the constructors that take one.

func (g GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalSeconds) * time.Second
}

func (s SyncConfig) StaleAgentInterval() time.Duration {
	return time.Duration(s.StaleAgentIntervalSeconds) * time.Second
}

func (s SyncConfig) CheckpointGCInterval() time.Duration {
	return time.Duration(s.CheckpointGCIntervalSeconds) * time.Second
}

func (s SyncConfig) OrphanJobInterval() time.Duration {
	return time.Duration(s.OrphanJobIntervalSeconds) * time.Second
}

func (s SyncConfig) StaleThreshold() time.Duration {
	return time.Duration(s.StaleThresholdSeconds) * time.Second
}
