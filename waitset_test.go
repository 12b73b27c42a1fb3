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
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitSetListenerWake(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "wslisten", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	ws := NewWaitSet(node)
	defer ws.Close()
	id, err := ws.AttachListener(l)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		n.NotifyWithEventID(1)
	}()

	ready, err := ws.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{id}, ready)
	require.Equal(t, []EventID{1}, l.TryWait())
}

func TestWaitSetInterval(t *testing.T) {
	node := testNode(t, testConfig(t))
	ws := NewWaitSet(node)
	defer ws.Close()

	id, err := ws.AttachInterval(30 * time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		ready, err := ws.Wait(5 * time.Second)
		require.NoError(t, err)
		require.Contains(t, ready, id)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitSetDeadlineFiresOnce(t *testing.T) {
	node := testNode(t, testConfig(t))
	ws := NewWaitSet(node)
	defer ws.Close()

	id, err := ws.AttachDeadline(30 * time.Millisecond)
	require.NoError(t, err)

	ready, err := ws.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{id}, ready)

	// Disarmed after firing: the next wait times out.
	_, err = ws.Wait(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	require.NoError(t, ws.ResetDeadline(id, 20*time.Millisecond))
	ready, err = ws.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{id}, ready)
}

func TestWaitSetTimeout(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "wstimeout", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	ws := NewWaitSet(node)
	defer ws.Close()
	_, err = ws.AttachListener(l)
	require.NoError(t, err)

	start := time.Now()
	_, err = ws.Wait(40 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitSetFd(t *testing.T) {
	node := testNode(t, testConfig(t))
	ws := NewWaitSet(node)
	defer ws.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	id, err := ws.AttachFd(int(r.Fd()))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("x"))
	}()

	ready, err := ws.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{id}, ready)

	// Level-triggered: the fd stays ready until drained.
	ready, err = ws.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{id}, ready)

	buf := make([]byte, 1)
	_, err = r.Read(buf)
	require.NoError(t, err)
	_, err = ws.Wait(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitSetDetachAndClose(t *testing.T) {
	node := testNode(t, testConfig(t))
	ws := NewWaitSet(node)

	id, err := ws.AttachInterval(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, ws.Len())

	ws.Detach(id)
	require.Equal(t, 0, ws.Len())

	_, err = ws.Wait(time.Millisecond)
	require.Error(t, err)

	require.NoError(t, ws.Close())
	_, err = ws.Wait(time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWaitSetMixedSources(t *testing.T) {
	node := testNode(t, testConfig(t))
	svc, err := OpenEvent(node, "wsmixed", DefaultQoS())
	require.NoError(t, err)
	defer svc.Close()

	n, err := svc.NewNotifier()
	require.NoError(t, err)
	defer n.Close()
	l, err := svc.NewListener()
	require.NoError(t, err)
	defer l.Close()

	ws := NewWaitSet(node)
	defer ws.Close()
	lid, err := ws.AttachListener(l)
	require.NoError(t, err)
	_, err = ws.AttachInterval(10 * time.Second)
	require.NoError(t, err)

	_, err = n.NotifyWithEventID(2)
	require.NoError(t, err)

	ready, err := ws.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []AttachmentID{lid}, ready)
}
