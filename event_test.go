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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventNotifyAndTryWait(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "trywait", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	require.Empty(t, l.TryWait())

	woken, err := n.NotifyWithEventID(3)
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	require.Equal(t, []EventID{3}, l.TryWait())
	require.Empty(t, l.TryWait(), "TryWait drains")
}

func TestEventCoalescing(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "coalesce", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	// The same id raised repeatedly coalesces into one pending bit;
	// distinct ids never coalesce with each other.
	for i := 0; i < 5; i++ {
		_, err := n.NotifyWithEventID(7)
		require.NoError(t, err)
	}
	_, err = n.NotifyWithEventID(70)
	require.NoError(t, err)
	_, err = n.NotifyWithEventID(1)
	require.NoError(t, err)

	require.Equal(t, []EventID{1, 7, 70}, l.TryWait())
}

func TestEventInvalidID(t *testing.T) {
	q := DefaultQoS()
	q.MaxEventID = 10
	q.NotifierDeadEvent = 10

	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "invalidid", q)
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()

	_, err = n.NotifyWithEventID(10)
	require.NoError(t, err)
	_, err = n.NotifyWithEventID(11)
	require.ErrorIs(t, err, ErrInvalidEventID)
}

func TestEventBlockingWaitWakes(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "blocking", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		n.NotifyWithEventID(5)
	}()

	start := time.Now()
	ids, err := l.BlockingWait()
	require.NoError(t, err)
	require.Equal(t, []EventID{5}, ids)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestEventTimedWaitTimeout(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "timedwait", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	start := time.Now()
	ids, err := l.TimedWait(30 * time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEventListenerCloseWakesWaiter(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "closewake", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	l, err := svc.NewListener()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.BlockingWait()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("listener close did not wake the waiter")
	}
}

func TestEventClosedHandleDoesNotStealEvents(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "stalehandle", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()

	l1, err := svc.NewListener()
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	// l2 claims the slot l1 vacated.
	l2, err := svc.NewListener()
	require.NoError(t, err)
	defer l2.Close()

	_, err = n.NotifyWithEventID(3)
	require.NoError(t, err)

	require.Empty(t, l1.TryWait(), "a closed handle must not drain the slot")
	require.Equal(t, []EventID{3}, l2.TryWait())
}

func TestEventNotifierCloseRaisesNoDeadEvent(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "gracefulclose", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, n.Close())
	require.Empty(t, l.TryWait())
}
