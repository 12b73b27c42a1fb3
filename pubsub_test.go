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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPubSubRoundTrip(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "roundtrip", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.SendCopy(position{X: 1, Y: 2, Z: 3}))

	sample, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, position{X: 1, Y: 2, Z: 3}, *sample.Payload())
	sample.Release()

	sample, err = sub.Receive()
	require.NoError(t, err)
	require.Nil(t, sample)
}

func TestPubSubLoanLifecycle(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "lifecycle", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	loan, err := pub.LoanUninit()
	require.NoError(t, err)
	loan.Payload().X = 7
	sample := loan.AssumeInit()
	require.NoError(t, sample.Send())

	// The handle is consumed: a second send must not touch the slot.
	require.ErrorIs(t, sample.Send(), ErrSampleState)
	require.Nil(t, sample.Payload())

	got, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(7), got.Payload().X)
	got.Release()
	got.Release() // second release is a no-op
}

func TestPubSubDiscardReturnsLoan(t *testing.T) {
	q := DefaultQoS()
	q.PublisherMaxLoanedSamples = 1

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "discard", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	loan, err := pub.LoanUninit()
	require.NoError(t, err)

	_, err = pub.LoanUninit()
	require.ErrorIs(t, err, ErrMaxLoansExceeded)

	loan.Discard()
	loan2, err := pub.LoanUninit()
	require.NoError(t, err)
	loan2.Discard()
}

func TestPubSubFanOut(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "fanout", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	subs := make([]*Subscriber[position], 3)
	for i := range subs {
		s, err := svc.NewSubscriber()
		require.NoError(t, err)
		defer s.Close()
		subs[i] = s
	}

	require.NoError(t, pub.SendCopy(position{X: 42}))

	for _, s := range subs {
		sample, err := s.Receive()
		require.NoError(t, err)
		require.NotNil(t, sample)
		require.Equal(t, int64(42), sample.Payload().X)
		sample.Release()
	}
}

func TestPubSubOverflowDropsOldest(t *testing.T) {
	q := DefaultQoS()
	q.SubscriberMaxBufferSize = 2

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "overflow", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, pub.SendCopy(position{X: i}))
	}

	// The two oldest samples were overwritten, never rejected.
	var got []int64
	for {
		sample, err := sub.Receive()
		require.NoError(t, err)
		if sample == nil {
			break
		}
		got = append(got, sample.Payload().X)
		sample.Release()
	}
	require.Equal(t, []int64{3, 4}, got)
}

func TestPubSubBorrowLimit(t *testing.T) {
	q := DefaultQoS()
	q.SubscriberMaxBorrowedSamples = 2

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "borrowlimit", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	for i := int64(0); i < 3; i++ {
		require.NoError(t, pub.SendCopy(position{X: i}))
	}

	first, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, second)

	_, err = sub.Receive()
	require.ErrorIs(t, err, ErrMaxBorrowExceeded)

	first.Release()
	third, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, third)
	second.Release()
	third.Release()
}

func TestSubscriberJoinDrainsOrphanedReferences(t *testing.T) {
	q := DefaultQoS()
	q.MaxConsumers = 1
	q.HistorySize = 0

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "orphanjoin", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)

	c := svc.core
	pool := c.pool()
	free := pool.FreeSlots()

	// Replay a send that saw the subscriber active just before its close:
	// the teardown drain runs first, the push lands after it, leaving a
	// reference in the queue with no owner.
	slotIdx, cell, err := pubLoan(c, pub.idx)
	require.NoError(t, err)
	pool.AddRef(slotIdx, 1)
	require.NoError(t, sub.Close())
	require.True(t, c.chanQueue(pub.idx, sub.idx).Push(slotIdx))
	atomic.StoreUint64(c.loanCell(pub.idx, uint32(cell)), 0)
	pool.Release(slotIdx)

	// The next claimant of the slot index must not receive the stale
	// sample, and the payload slot must return to the pool.
	sub2, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub2.Close()

	sample, err := sub2.Receive()
	require.NoError(t, err)
	require.Nil(t, sample)
	require.Equal(t, free, pool.FreeSlots())
}

func TestSendWithdrawsReferenceAfterSubscriberClose(t *testing.T) {
	q := DefaultQoS()
	q.MaxConsumers = 1
	q.HistorySize = 0

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "orphansend", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)

	c := svc.core
	pool := c.pool()
	free := pool.FreeSlots()

	// Same interleaving, resolved by the sender's own recheck this time:
	// nothing ever claims the slot index again.
	slotIdx, cell, err := pubLoan(c, pub.idx)
	require.NoError(t, err)
	pool.AddRef(slotIdx, 1)
	require.NoError(t, sub.Close())
	queue := c.chanQueue(pub.idx, sub.idx)
	require.True(t, queue.Push(slotIdx))
	withdrawOrphans(c, queue, c.consSlot(sub.idx))
	atomic.StoreUint64(c.loanCell(pub.idx, uint32(cell)), 0)
	pool.Release(slotIdx)

	require.Zero(t, queue.Len())
	require.Equal(t, free, pool.FreeSlots())
}

func TestPubSubHistoryCatchUp(t *testing.T) {
	q := DefaultQoS()
	q.HistorySize = 3

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "history", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, pub.SendCopy(position{X: i}))
	}

	// A late joiner sees exactly the last HistorySize samples, oldest
	// first, then live traffic.
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	var got []int64
	for {
		sample, err := sub.Receive()
		require.NoError(t, err)
		if sample == nil {
			break
		}
		got = append(got, sample.Payload().X)
		sample.Release()
	}
	require.Equal(t, []int64{3, 4, 5}, got)

	require.NoError(t, pub.SendCopy(position{X: 6}))
	sample, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, int64(6), sample.Payload().X)
	sample.Release()
}

func TestPubSubHistoryReplayBoundedByBuffer(t *testing.T) {
	q := DefaultQoS()
	q.HistorySize = 8
	q.SubscriberMaxBufferSize = 2

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "historybound", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, pub.SendCopy(position{X: i}))
	}

	// History is deeper than the subscriber buffer: replay honors the
	// buffer bound, exactly like live traffic does.
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	var got []int64
	for {
		sample, err := sub.Receive()
		require.NoError(t, err)
		if sample == nil {
			break
		}
		got = append(got, sample.Payload().X)
		sample.Release()
	}
	require.Equal(t, []int64{4, 5}, got)
}

func TestPubSubPortLimit(t *testing.T) {
	q := DefaultQoS()
	q.MaxProducers = 1
	q.MaxConsumers = 1

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "portlimit", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	_, err = svc.NewPublisher()
	require.ErrorIs(t, err, ErrPortLimit)

	// A closed port's slot becomes claimable again.
	require.NoError(t, pub.Close())
	pub2, err := svc.NewPublisher()
	require.NoError(t, err)
	pub2.Close()
}

func TestPubSubIncompatible(t *testing.T) {
	cfg := testConfig(t)
	node := testNode(t, cfg)

	svc, err := OpenPubSub[position](node, "compat", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	type velocity struct{ VX, VY float64 }
	_, err = OpenPubSub[velocity](node, "compat", DefaultQoS())
	require.ErrorIs(t, err, ErrIncompatibleType)

	q := DefaultQoS()
	q.SubscriberMaxBufferSize = 64
	_, err = OpenPubSub[position](node, "compat", q)
	require.ErrorIs(t, err, ErrIncompatibleQoS)

	q = DefaultQoS()
	q.MaxProducers = 2
	_, err = OpenPubSub[position](node, "compat", q)
	require.ErrorIs(t, err, ErrIncompatibleQoS)
}

func TestPubSubSecondNodeSameProcess(t *testing.T) {
	cfg := testConfig(t)
	nodeA := testNode(t, cfg)
	nodeB := testNode(t, cfg)

	svcA, err := OpenPubSub[position](nodeA, "crossnode", DefaultQoS())
	require.NoError(t, err)
	defer svcA.Close()
	svcB, err := OpenPubSub[position](nodeB, "crossnode", DefaultQoS())
	require.NoError(t, err)
	defer svcB.Close()

	pub, err := svcA.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svcB.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.SendCopy(position{Y: 9}))
	sample, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, int64(9), sample.Payload().Y)
	sample.Release()
}

func TestPubSubPoolRecycling(t *testing.T) {
	q := DefaultQoS()
	q.MaxProducers = 1
	q.MaxConsumers = 1
	q.SubscriberMaxBufferSize = 1
	q.PublisherMaxLoanedSamples = 1
	q.SubscriberMaxBorrowedSamples = 1

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "recycle", q)
	require.NoError(t, err)
	defer svc.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	// Far more sends than pool slots: recycling must sustain this.
	for i := int64(0); i < 1000; i++ {
		require.NoError(t, pub.SendCopy(position{X: i}))
		sample, err := sub.Receive()
		require.NoError(t, err)
		require.NotNil(t, sample)
		require.Equal(t, i, sample.Payload().X)
		sample.Release()
	}
}

func TestPubSubConcurrentPublishers(t *testing.T) {
	q := DefaultQoS()
	q.MaxProducers = 4
	q.SubscriberMaxBufferSize = 32

	node := testNode(t, testConfig(t))
	svc, err := OpenPubSub[position](node, "concurrent", q)
	require.NoError(t, err)
	defer svc.Close()

	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	const perPublisher = 32
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		pub, err := svc.NewPublisher()
		require.NoError(t, err)
		defer pub.Close()
		wg.Add(1)
		go func(pub *Publisher[position], base int64) {
			defer wg.Done()
			for i := int64(0); i < perPublisher; i++ {
				_ = pub.SendCopy(position{X: base + i})
			}
		}(pub, int64(p*1000))
	}
	wg.Wait()

	// Per-connection buffers never drop below the per-publisher count
	// here, so every sample must arrive exactly once.
	seen := make(map[int64]bool)
	for {
		sample, err := sub.Receive()
		require.NoError(t, err)
		if sample == nil {
			break
		}
		x := sample.Payload().X
		require.False(t, seen[x], "sample %d delivered twice", x)
		seen[x] = true
		sample.Release()
	}
	require.Len(t, seen, 4*perPublisher)
}

func TestPubSubRawPorts(t *testing.T) {
	cfg := testConfig(t)
	node := testNode(t, cfg)

	svc, err := OpenPubSub[position](node, "rawports", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	sub, err := svc.NewSubscriber()
	require.NoError(t, err)
	defer sub.Close()

	raw, err := OpenPubSubRaw(node, "rawports")
	require.NoError(t, err)
	defer raw.Close()

	_, size, _ := raw.PayloadType()
	require.Equal(t, uint64(24), size)

	rpub, err := raw.NewPublisher()
	require.NoError(t, err)
	defer rpub.Close()

	require.ErrorIs(t, rpub.Send(make([]byte, int(size)+1)), ErrPayloadSize)

	payload := make([]byte, size)
	payload[0] = 5 // position.X lowest byte
	require.NoError(t, rpub.Send(payload))

	sample, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.Equal(t, int64(5), sample.Payload().X)
	sample.Release()

	// And the other direction: typed publisher, raw subscriber.
	rsub, err := raw.NewSubscriber()
	require.NoError(t, err)
	defer rsub.Close()

	pub, err := svc.NewPublisher()
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.SendCopy(position{X: 5}))

	got, err := rsub.Receive()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOpenPubSubRejectsPointerTypes(t *testing.T) {
	node := testNode(t, testConfig(t))

	type bad struct {
		Name string
	}
	_, err := OpenPubSub[bad](node, "badtype", DefaultQoS())
	require.Error(t, err)
	require.Contains(t, err.Error(), "shared memory")
}
