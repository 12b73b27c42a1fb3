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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListServices(t *testing.T) {
	cfg := testConfig(t)
	node := testNode(t, cfg)

	ps, err := OpenPubSub[position](node, "telemetry", DefaultQoS())
	require.NoError(t, err)
	defer ps.Close()
	pub, err := ps.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	ev, err := OpenEvent(node, "alarms", DefaultQoS())
	require.NoError(t, err)
	defer ev.Close()

	infos, err := ListServices(cfg)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Sorted by name.
	require.Equal(t, "alarms", infos[0].Name)
	require.Equal(t, PatternEvent, infos[0].Pattern)
	require.Equal(t, "telemetry", infos[1].Name)
	require.Equal(t, PatternPublishSubscribe, infos[1].Pattern)
	require.Equal(t, 1, infos[1].Producers)
	require.Equal(t, 0, infos[1].Consumers)
	require.Equal(t, uint64(24), infos[1].PayloadSize)
	require.Equal(t, DefaultQoS(), infos[1].QoS)
	require.NotZero(t, infos[1].SegmentSize)
}

func TestListServicesSkipsForeignFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.SegmentDir+"/zbus_svc_bogus", []byte("junk"), 0600))

	infos, err := ListServices(cfg)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestListNodes(t *testing.T) {
	cfg := testConfig(t)
	node := testNode(t, cfg)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)

	infos, err := ListNodes(cfg)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, node.Name(), infos[0].Name)
	require.Equal(t, nodeB.Name(), infos[1].Name)
	for _, info := range infos {
		require.True(t, info.Alive)
		require.Equal(t, uint32(os.Getpid()), info.PID)
		require.False(t, info.Heartbeat.IsZero())
	}
}
