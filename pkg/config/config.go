// Package config defines the coordinator's typed configuration and its
// defaults, mirroring every option the core recognizes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the worker-facing TCP listener.
type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	MaxConnections      int    `yaml:"max_connections"`
	HandshakeTimeoutSec int    `yaml:"handshake_timeout_seconds"`
	MaxMessageBytes     int    `yaml:"max_message_bytes"`
	OutboxHighWaterMark int    `yaml:"outbox_high_water_mark"`
}

// HeartbeatConfig controls liveness sweeps.
type HeartbeatConfig struct {
	IntervalSeconds             int `yaml:"interval_seconds"`
	OfflineThresholdSeconds     int `yaml:"offline_threshold_seconds"`
	SweepIntervalSeconds        int `yaml:"sweep_interval_seconds"`
	TimeoutSweepIntervalSeconds int `yaml:"timeout_sweep_interval_seconds"`
}

// SchedulerConfig controls the queue and scheduler.
type SchedulerConfig struct {
	QueueCapacity             int `yaml:"queue_capacity"`
	DefaultTaskTimeoutSeconds int `yaml:"default_task_timeout_seconds"`
	DefaultMaxRetries         int `yaml:"default_max_retries"`
}

// ResultsConfig bounds the result store.
type ResultsConfig struct {
	RetentionCount   int `yaml:"retention_count"`
	RetentionSeconds int `yaml:"retention_seconds"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	RegistryPath            string `yaml:"registry_path"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// Config is the coordinator's full typed configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Results   ResultsConfig   `yaml:"results"`
	Storage   StorageConfig   `yaml:"storage"`
}

// Default returns the coordinator's documented default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                7420,
			MaxConnections:      100,
			HandshakeTimeoutSec: 10,
			MaxMessageBytes:     1 << 20,
			OutboxHighWaterMark: 64,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:             60,
			OfflineThresholdSeconds:     300,
			SweepIntervalSeconds:        30,
			TimeoutSweepIntervalSeconds: 60,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:             10000,
			DefaultTaskTimeoutSeconds: 300,
			DefaultMaxRetries:         3,
		},
		Results: ResultsConfig{
			RetentionCount:   10000,
			RetentionSeconds: 24 * 60 * 60,
		},
		Storage: StorageConfig{
			RegistryPath:            "./data",
			SnapshotIntervalSeconds: 30,
		},
	}
}

// Load reads a YAML file at path and overlays it onto Default(). An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field invariants the core depends on.
func (c Config) Validate() error {
	if c.Heartbeat.OfflineThresholdSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("heartbeat.offline_threshold_seconds (%d) must exceed heartbeat.interval_seconds (%d)",
			c.Heartbeat.OfflineThresholdSeconds, c.Heartbeat.IntervalSeconds)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be positive")
	}
	return nil
}

func (c HeartbeatConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSeconds) * time.Second
}

func (c HeartbeatConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c HeartbeatConfig) TimeoutSweepInterval() time.Duration {
	return time.Duration(c.TimeoutSweepIntervalSeconds) * time.Second
}

func (c ResultsConfig) RetentionDuration() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

func (c StorageConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}
