/*
 *
 * Copyright 2025 The zerobus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package zerobus

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zerobus/zerobus/internal/sys"
)

// Config carries the process-wide deployment settings. It is passed
// explicitly into NewNode; there is no ambient global configuration.
type Config struct {
	// SegmentDir is the directory holding segment files. All
	// participants of a deployment must agree on it. Defaults to
	// /dev/shm when available.
	SegmentDir string `env:"ZBUS_SEGMENT_DIR"`

	// NodeName labels the node in the registry. Informational only;
	// uniqueness is provided by the generated node id.
	NodeName string `env:"ZBUS_NODE_NAME"`

	// HousekeepingInterval is how often Node.Wait performs dead-node
	// detection and resource reclamation.
	HousekeepingInterval time.Duration `env:"ZBUS_HOUSEKEEPING_INTERVAL" envDefault:"1s"`

	// FdPollInterval caps WaitSet blocking time while file descriptor
	// sources are attached, since fd readiness is probed, not waited on.
	FdPollInterval time.Duration `env:"ZBUS_FD_POLL_INTERVAL" envDefault:"1ms"`

	// ServiceReadyTimeout bounds how long an opener waits for a
	// concurrent creator to finish initializing a service segment.
	ServiceReadyTimeout time.Duration `env:"ZBUS_SERVICE_READY_TIMEOUT" envDefault:"5s"`

	// NodeStaleTimeout is how long a node's heartbeat may go unrefreshed
	// before peers treat the node as dead even though a process with its
	// pid exists; pids get recycled. Defaults to ten housekeeping
	// intervals. Participants must run Wait or Housekeep more often than
	// this.
	NodeStaleTimeout time.Duration `env:"ZBUS_NODE_STALE_TIMEOUT"`

	// Logger receives structured diagnostics. Defaults to a discard
	// handler; the hot paths never log.
	Logger *slog.Logger `env:"-"`
}

// DefaultConfig returns the default deployment configuration.
func DefaultConfig() Config {
	return Config{
		SegmentDir:           sys.DefaultSegmentDir(),
		HousekeepingInterval: time.Second,
		FdPollInterval:       time.Millisecond,
		ServiceReadyTimeout:  5 * time.Second,
		NodeStaleTimeout:     10 * time.Second,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// ConfigFromEnv builds a Config from ZBUS_* environment variables,
// falling back to defaults for unset values.
func ConfigFromEnv() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// yamlConfig mirrors Config for file decoding. Durations are strings in
// the file ("250ms", "5s"); yaml.v3 has no native time.Duration support.
type yamlConfig struct {
	SegmentDir           string `yaml:"segment_dir"`
	NodeName             string `yaml:"node_name"`
	HousekeepingInterval string `yaml:"housekeeping_interval"`
	FdPollInterval       string `yaml:"fd_poll_interval"`
	ServiceReadyTimeout  string `yaml:"service_ready_timeout"`
	NodeStaleTimeout     string `yaml:"node_stale_timeout"`
}

// ConfigFromFile builds a Config from a YAML file.
func ConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	raw := yamlConfig{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := Config{SegmentDir: raw.SegmentDir, NodeName: raw.NodeName}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{raw.HousekeepingInterval, &cfg.HousekeepingInterval},
		{raw.FdPollInterval, &cfg.FdPollInterval},
		{raw.ServiceReadyTimeout, &cfg.ServiceReadyTimeout},
		{raw.NodeStaleTimeout, &cfg.NodeStaleTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		*f.dst = d
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SegmentDir == "" {
		c.SegmentDir = d.SegmentDir
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = d.HousekeepingInterval
	}
	if c.FdPollInterval == 0 {
		c.FdPollInterval = d.FdPollInterval
	}
	if c.ServiceReadyTimeout == 0 {
		c.ServiceReadyTimeout = d.ServiceReadyTimeout
	}
	if c.NodeStaleTimeout == 0 {
		c.NodeStaleTimeout = 10 * c.HousekeepingInterval
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	info, err := os.Stat(c.SegmentDir)
	if err != nil {
		return fmt.Errorf("segment directory %s: %w", c.SegmentDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("segment directory %s is not a directory", c.SegmentDir)
	}
	if c.HousekeepingInterval < 0 || c.FdPollInterval < 0 || c.ServiceReadyTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.NodeStaleTimeout <= c.HousekeepingInterval {
		return fmt.Errorf("node stale timeout %s must exceed the housekeeping interval %s",
			c.NodeStaleTimeout, c.HousekeepingInterval)
	}
	return nil
}
