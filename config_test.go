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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZBUS_SEGMENT_DIR", dir)
	t.Setenv("ZBUS_NODE_NAME", "env-node")
	t.Setenv("ZBUS_HOUSEKEEPING_INTERVAL", "250ms")
	t.Setenv("ZBUS_SERVICE_READY_TIMEOUT", "2s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, dir, cfg.SegmentDir)
	require.Equal(t, "env-node", cfg.NodeName)
	require.Equal(t, 250*time.Millisecond, cfg.HousekeepingInterval)
	require.Equal(t, 2*time.Second, cfg.ServiceReadyTimeout)
	require.Equal(t, time.Millisecond, cfg.FdPollInterval, "unset values fall back to defaults")
	require.Equal(t, 2500*time.Millisecond, cfg.NodeStaleTimeout,
		"stale timeout defaults to ten housekeeping intervals")
	require.NotNil(t, cfg.Logger)
}

func TestConfigFromEnvBadDuration(t *testing.T) {
	t.Setenv("ZBUS_HOUSEKEEPING_INTERVAL", "soon")
	_, err := ConfigFromEnv()
	require.Error(t, err)
}

func TestConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zbus.yaml")
	content := "segment_dir: " + dir + "\n" +
		"node_name: yaml-node\n" +
		"housekeeping_interval: 500ms\n" +
		"fd_poll_interval: 5ms\n" +
		"node_stale_timeout: 20s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := ConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.SegmentDir)
	require.Equal(t, "yaml-node", cfg.NodeName)
	require.Equal(t, 500*time.Millisecond, cfg.HousekeepingInterval)
	require.Equal(t, 5*time.Millisecond, cfg.FdPollInterval)
	require.Equal(t, 5*time.Second, cfg.ServiceReadyTimeout)
	require.Equal(t, 20*time.Second, cfg.NodeStaleTimeout)
}

func TestConfigFromFileMissing(t *testing.T) {
	_, err := ConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	cfg.SegmentDir = filepath.Join(cfg.SegmentDir, "does-not-exist")
	require.Error(t, cfg.Validate())

	file := filepath.Join(t.TempDir(), "plainfile")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	cfg.SegmentDir = file
	require.Error(t, cfg.Validate())

	// A stale timeout at or below the housekeeping cadence would declare
	// every node dead between its own heartbeats.
	cfg = DefaultConfig()
	cfg.SegmentDir = t.TempDir()
	cfg.NodeStaleTimeout = cfg.HousekeepingInterval
	require.Error(t, cfg.Validate())
}
