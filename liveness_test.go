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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// markNodeDead rewrites a node's registered pid to one that cannot exist,
// so peer housekeeping treats the node as a crashed process.
func markNodeDead(n *Node) {
	atomic.StoreUint32(&n.hdr.pid, 1<<22-1)
}

func TestHousekeepReclaimsDeadPublisher(t *testing.T) {
	cfg := testConfig(t)
	q := DefaultQoS()
	q.MaxProducers = 1

	nodeA := testNode(t, cfg)
	svcA, err := OpenPubSub[position](nodeA, "reclaim", q)
	require.NoError(t, err)
	_, err = svcA.NewPublisher()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenPubSub[position](nodeB, "reclaim", q)
	require.NoError(t, err)
	defer svcB.Close()

	// The single producer slot is held by nodeA's publisher.
	_, err = svcB.NewPublisher()
	require.ErrorIs(t, err, ErrPortLimit)

	markNodeDead(nodeA)
	require.NoError(t, nodeB.Housekeep())

	// The dead node's registry file is gone and its slot is free again.
	_, err = os.Stat(nodeA.region.Path)
	require.True(t, os.IsNotExist(err))

	pub, err := svcB.NewPublisher()
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestHousekeepReleasesInFlightSamples(t *testing.T) {
	cfg := testConfig(t)
	q := DefaultQoS()
	q.MaxProducers = 1
	q.MaxConsumers = 1
	q.SubscriberMaxBufferSize = 4
	q.PublisherMaxLoanedSamples = 1
	q.SubscriberMaxBorrowedSamples = 1
	q.HistorySize = 0

	nodeA := testNode(t, cfg)
	svcA, err := OpenPubSub[position](nodeA, "inflight", q)
	require.NoError(t, err)
	pub, err := svcA.NewPublisher()
	require.NoError(t, err)

	// Leave a loan dangling, exactly what a crash mid-write would do.
	_, err = pub.Loan()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenPubSub[position](nodeB, "inflight", q)
	require.NoError(t, err)
	defer svcB.Close()

	free := svcB.core.pool().FreeSlots()
	markNodeDead(nodeA)
	require.NoError(t, nodeB.Housekeep())

	require.Equal(t, free+1, svcB.core.pool().FreeSlots(),
		"the dangling loan's payload slot must return to the pool")
}

func TestHousekeepReclaimsStaleHeartbeat(t *testing.T) {
	cfg := testConfig(t)
	cfg.HousekeepingInterval = 10 * time.Millisecond
	cfg.NodeStaleTimeout = 50 * time.Millisecond
	q := DefaultQoS()
	q.MaxProducers = 1

	nodeA := testNode(t, cfg)
	svcA, err := OpenPubSub[position](nodeA, "stalehb", q)
	require.NoError(t, err)
	_, err = svcA.NewPublisher()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenPubSub[position](nodeB, "stalehb", q)
	require.NoError(t, err)
	defer svcB.Close()

	// The process exists (it is this test), but the heartbeat stopped.
	// A recycled pid would look exactly like this.
	atomic.StoreUint64(&nodeA.hdr.heartbeat, uint64(time.Now().Add(-time.Second).UnixNano()))
	require.NoError(t, nodeB.Housekeep())

	pub, err := svcB.NewPublisher()
	require.NoError(t, err, "the stale node's port slot must be reclaimed")
	require.NoError(t, pub.Close())
}

func TestHousekeepRaisesDeadNotifierEvent(t *testing.T) {
	cfg := testConfig(t)
	nodeA := testNode(t, cfg)
	svcA, err := OpenEvent(nodeA, "deadnotify", DefaultQoS())
	require.NoError(t, err)
	_, err = svcA.NewNotifier()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenEvent(nodeB, "deadnotify", DefaultQoS())
	require.NoError(t, err)
	defer svcB.Close()
	l, err := svcB.NewListener()
	require.NoError(t, err)
	defer l.Close()

	markNodeDead(nodeA)
	require.NoError(t, nodeB.Housekeep())

	dead := EventID(DefaultQoS().NotifierDeadEvent)
	require.Equal(t, []EventID{dead}, l.TryWait())

	// Injected exactly once, however often housekeeping runs.
	require.NoError(t, nodeB.Housekeep())
	require.Empty(t, l.TryWait())
}

func TestHousekeepUnlinksOrphanedService(t *testing.T) {
	cfg := testConfig(t)
	nodeA := testNode(t, cfg)
	svcA, err := OpenPubSub[position](nodeA, "orphan", DefaultQoS())
	require.NoError(t, err)
	_, err = svcA.NewPublisher()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)

	markNodeDead(nodeA)
	require.NoError(t, nodeB.Housekeep())

	// Nothing references the service anymore: segment unlinked.
	infos, err := ListServices(cfg)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestHousekeepIgnoresLiveNodes(t *testing.T) {
	cfg := testConfig(t)
	q := DefaultQoS()
	q.MaxProducers = 1

	nodeA := testNode(t, cfg)
	svcA, err := OpenPubSub[position](nodeA, "alive", q)
	require.NoError(t, err)
	defer svcA.Close()
	pub, err := svcA.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenPubSub[position](nodeB, "alive", q)
	require.NoError(t, err)
	defer svcB.Close()

	require.NoError(t, nodeB.Housekeep())

	_, err = os.Stat(nodeA.region.Path)
	require.NoError(t, err, "live node's registry must survive housekeeping")
	_, err = svcB.NewPublisher()
	require.ErrorIs(t, err, ErrPortLimit, "live publisher's slot must stay claimed")
}

func TestNodeCloseReclaimsLeftovers(t *testing.T) {
	cfg := testConfig(t)
	q := DefaultQoS()
	q.MaxProducers = 1

	nodeA, err := NewNode(cfg)
	require.NoError(t, err)
	svcA, err := OpenPubSub[position](nodeA, "leftover", q)
	require.NoError(t, err)
	_, err = svcA.NewPublisher()
	require.NoError(t, err)

	cfgB := cfg
	cfgB.NodeName = cfg.NodeName + "-b"
	nodeB := testNode(t, cfgB)
	svcB, err := OpenPubSub[position](nodeB, "leftover", q)
	require.NoError(t, err)
	defer svcB.Close()

	// Close the node without closing its service or publisher.
	require.NoError(t, nodeA.Close())

	pub, err := svcB.NewPublisher()
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestNodeTerminateWakesWait(t *testing.T) {
	node := testNode(t, testConfig(t))

	done := make(chan error, 1)
	go func() {
		done <- node.Wait(time.Minute)
	}()

	time.Sleep(20 * time.Millisecond)
	node.Terminate()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNodeTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not wake Wait")
	}
}
