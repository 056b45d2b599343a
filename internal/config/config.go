// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration recognised by
// the replication transport (spec.md §6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is a statically configured remote peer address (spec.md §6: endpoints).
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Config is the full configuration recognised by the replicator (spec.md §6).
type Config struct {
	// LocalIdentifier is this node's 1-byte identifier, in [1,127].
	LocalIdentifier byte `yaml:"localIdentifier"`

	// ServerPort is the bind port for the passive connector. 0 disables
	// accepting inbound connections (active-only node).
	ServerPort int `yaml:"serverPort"`

	// Endpoints lists the remote peers this node actively connects to.
	Endpoints []Endpoint `yaml:"endpoints"`

	// HeartBeatInterval is the local heartbeat send interval, advertised to
	// peers during the handshake, written as a duration string such as
	// "500ms". The receive-side timeout uses each peer's advertised interval.
	HeartBeatInterval time.Duration `yaml:"heartBeatInterval"`

	// PacketSize is the nominal per-socket buffer page, in bytes.
	PacketSize int `yaml:"packetSize"`

	// MaxEntrySize is the upper bound on a single entry's wire size; must be
	// at most 65535.
	MaxEntrySize int `yaml:"maxEntrySize"`

	// Throttle is the long-term byte budget, in bits/day. 0 disables throttling.
	Throttle int64 `yaml:"throttle"`

	// ThrottleBucketInterval is the token-bucket granularity, written as a
	// duration string such as "1000ms".
	ThrottleBucketInterval time.Duration `yaml:"throttleBucketInterval"`

	// MaxChannels bounds the number of logical channels multiplexed over one
	// socket; must be at most 128.
	MaxChannels int `yaml:"maxChannels"`

	// Compression enables zstd framing of every entry payload, trading CPU
	// for wire bytes (and therefore throttle budget).
	Compression bool `yaml:"compression"`

	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StatsConfig configures the periodic metrics snapshot (SPEC_FULL.md §5).
type StatsConfig struct {
	// Schedule is a cron expression controlling how often metrics are
	// sampled and logged. Empty disables the reporter.
	Schedule string `yaml:"schedule"`
	// CSVPath, when non-empty, appends each snapshot as a CSV row.
	CSVPath string `yaml:"csvPath"`
}

const (
	minIdentifier  = 1
	maxIdentifier  = 127
	maxWireEntry   = 65535
	maxChannelsCap = 128

	defaultHeartBeatInterval      = 500 * time.Millisecond
	defaultPacketSize             = 64 * 1024
	defaultMaxEntrySize           = 16 * 1024
	defaultThrottleBucketInterval = 1000 * time.Millisecond
	defaultMaxChannels            = maxChannelsCap
)

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// validate fills defaults and rejects out-of-range values. This is the
// ConfigError case of spec.md §7: raised synchronously at startup.
func (c *Config) validate() error {
	if c.LocalIdentifier < minIdentifier || c.LocalIdentifier > maxIdentifier {
		return fmt.Errorf("localIdentifier must be in [%d,%d], got %d", minIdentifier, maxIdentifier, c.LocalIdentifier)
	}
	if c.ServerPort == 0 && len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one of serverPort or endpoints must be set")
	}
	for i, ep := range c.Endpoints {
		if ep.Host == "" {
			return fmt.Errorf("endpoints[%d].host is required", i)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("endpoints[%d].port must be in (0,65535], got %d", i, ep.Port)
		}
	}

	if c.HeartBeatInterval <= 0 {
		c.HeartBeatInterval = defaultHeartBeatInterval
	}
	if c.PacketSize <= 0 {
		c.PacketSize = defaultPacketSize
	}
	if c.MaxEntrySize <= 0 {
		c.MaxEntrySize = defaultMaxEntrySize
	}
	if c.MaxEntrySize > maxWireEntry {
		return fmt.Errorf("maxEntrySize must be at most %d, got %d", maxWireEntry, c.MaxEntrySize)
	}
	if c.Throttle < 0 {
		return fmt.Errorf("throttle must be >= 0, got %d", c.Throttle)
	}
	if c.ThrottleBucketInterval <= 0 {
		c.ThrottleBucketInterval = defaultThrottleBucketInterval
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = defaultMaxChannels
	}
	if c.MaxChannels > maxChannelsCap {
		return fmt.Errorf("maxChannels must be at most %d, got %d", maxChannelsCap, c.MaxChannels)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
