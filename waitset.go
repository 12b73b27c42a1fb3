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
	"sync/atomic"
	"time"

	"github.com/zerobus/zerobus/internal/sys"
)

// AttachmentID identifies a source attached to a WaitSet. Wait returns the
// ids of the sources that are ready.
type AttachmentID uint64

// WaitSet multiplexes a single blocked goroutine over many wakeup sources:
// listeners of event services, periodic intervals, one-shot deadlines and
// file descriptors. Listener wakes ride on futex_waitv across all attached
// signal words at once; file descriptors are probed, with the blocking
// time capped by the configured poll interval while any are attached.
//
// A WaitSet is not safe for concurrent use by multiple goroutines.
type WaitSet struct {
	node   *Node
	nextID AttachmentID
	srcs   []*wsSource
	closed atomic.Bool
}

type wsKind int

const (
	wsListener wsKind = iota
	wsInterval
	wsDeadline
	wsFd
)

type wsSource struct {
	id       AttachmentID
	kind     wsKind
	listener *Listener
	period   time.Duration
	nextFire time.Time
	armed    bool
	fd       int32
}

// NewWaitSet creates an empty wait set bound to the node's configuration.
func NewWaitSet(node *Node) *WaitSet {
	return &WaitSet{node: node, nextID: 1}
}

// AttachListener wakes the wait set whenever the listener has pending
// events. The events themselves are collected through the listener's
// TryWait after Wait reports the source ready.
func (w *WaitSet) AttachListener(l *Listener) (AttachmentID, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	return w.attach(&wsSource{kind: wsListener, listener: l}), nil
}

// AttachInterval wakes the wait set every period. The first tick is one
// period from now; ticks missed while not waiting do not accumulate.
func (w *WaitSet) AttachInterval(period time.Duration) (AttachmentID, error) {
	if period <= 0 {
		return 0, fmt.Errorf("interval period must be positive, got %v", period)
	}
	return w.attach(&wsSource{
		kind:     wsInterval,
		period:   period,
		nextFire: time.Now().Add(period),
		armed:    true,
	}), nil
}

// AttachDeadline wakes the wait set once, after d has elapsed. The source
// stays attached but disarmed afterwards; ResetDeadline arms it again.
func (w *WaitSet) AttachDeadline(d time.Duration) (AttachmentID, error) {
	if d <= 0 {
		return 0, fmt.Errorf("deadline must be positive, got %v", d)
	}
	return w.attach(&wsSource{
		kind:     wsDeadline,
		period:   d,
		nextFire: time.Now().Add(d),
		armed:    true,
	}), nil
}

// AttachFd wakes the wait set when fd becomes readable or signals an
// error or hangup. Readiness is level-triggered: an fd left readable
// fires on every Wait.
func (w *WaitSet) AttachFd(fd int) (AttachmentID, error) {
	if fd < 0 {
		return 0, fmt.Errorf("invalid file descriptor %d", fd)
	}
	return w.attach(&wsSource{kind: wsFd, fd: int32(fd)}), nil
}

func (w *WaitSet) attach(s *wsSource) AttachmentID {
	s.id = w.nextID
	w.nextID++
	w.srcs = append(w.srcs, s)
	return s.id
}

// Detach removes a source. Unknown ids are ignored.
func (w *WaitSet) Detach(id AttachmentID) {
	for i, s := range w.srcs {
		if s.id == id {
			w.srcs = append(w.srcs[:i], w.srcs[i+1:]...)
			return
		}
	}
}

// ResetDeadline arms a deadline source for one more firing, d from now.
func (w *WaitSet) ResetDeadline(id AttachmentID, d time.Duration) error {
	for _, s := range w.srcs {
		if s.id != id {
			continue
		}
		if s.kind != wsDeadline {
			return fmt.Errorf("attachment %d is not a deadline", id)
		}
		s.period = d
		s.nextFire = time.Now().Add(d)
		s.armed = true
		return nil
	}
	return fmt.Errorf("no attachment %d", id)
}

// Len returns the number of attached sources.
func (w *WaitSet) Len() int {
	return len(w.srcs)
}

// Close marks the wait set unusable. It does not close attached listeners
// or file descriptors.
func (w *WaitSet) Close() error {
	w.closed.Store(true)
	w.srcs = nil
	return nil
}

// Wait blocks until at least one source is ready and returns the ready
// ids. It returns ErrWaitTimeout when timeout elapses first (timeout < 0
// waits indefinitely) and ErrNodeTerminated when the node is signaled to
// stop.
func (w *WaitSet) Wait(timeout time.Duration) ([]AttachmentID, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if len(w.srcs) == 0 {
		return nil, fmt.Errorf("wait set has no attachments")
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	targets := make([]sys.WaitTarget, 0, len(w.srcs))
	for {
		if w.node.terminated.Load() {
			return nil, ErrNodeTerminated
		}

		// Snapshot the listener signal words before checking pending
		// sets: a notification landing in between changes a word and
		// the multi-wait returns immediately instead of sleeping.
		targets = targets[:0]
		for _, s := range w.srcs {
			if s.kind == wsListener {
				targets = append(targets, sys.WaitTarget{
					Addr: &s.listener.slot.sigSeq,
					Val:  atomic.LoadUint32(&s.listener.slot.sigSeq),
				})
			}
		}

		ready, err := w.collectReady()
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 {
			return ready, nil
		}

		sleep, hasFd := w.sleepBound()
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrWaitTimeout
			}
			if remaining < sleep {
				sleep = remaining
			}
		}
		if hasFd && w.node.cfg.FdPollInterval < sleep {
			sleep = w.node.cfg.FdPollInterval
		}

		if len(targets) > 0 {
			if _, err := sys.FutexWaitMulti(targets, sleep.Nanoseconds()); err != nil && err != sys.ErrFutexTimeout {
				return nil, err
			}
		} else {
			time.Sleep(sleep)
		}
	}
}

// collectReady checks every source without blocking.
func (w *WaitSet) collectReady() ([]AttachmentID, error) {
	var ready []AttachmentID
	now := time.Now()

	var fds []sys.PollFd
	var fdSrcs []*wsSource

	for _, s := range w.srcs {
		switch s.kind {
		case wsListener:
			for i := range s.listener.slot.pending {
				if atomic.LoadUint64(&s.listener.slot.pending[i]) != 0 {
					ready = append(ready, s.id)
					break
				}
			}
		case wsInterval:
			if !now.Before(s.nextFire) {
				ready = append(ready, s.id)
				s.nextFire = now.Add(s.period)
			}
		case wsDeadline:
			if s.armed && !now.Before(s.nextFire) {
				ready = append(ready, s.id)
				s.armed = false
			}
		case wsFd:
			fds = append(fds, sys.PollFd{Fd: s.fd, Events: sys.PollIn})
			fdSrcs = append(fdSrcs, s)
		}
	}

	if len(fds) > 0 {
		n, err := sys.PollProbe(fds)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			for i, pfd := range fds {
				if pfd.Revents&(sys.PollIn|sys.PollErr|sys.PollHup) != 0 {
					ready = append(ready, fdSrcs[i].id)
				}
			}
		}
	}
	return ready, nil
}

// sleepBound returns the longest time Wait may block before a timer source
// could fire, and whether any fd source is attached.
func (w *WaitSet) sleepBound() (time.Duration, bool) {
	const idleSlice = 100 * time.Millisecond
	sleep := idleSlice
	hasFd := false
	now := time.Now()
	for _, s := range w.srcs {
		switch s.kind {
		case wsInterval, wsDeadline:
			if s.kind == wsDeadline && !s.armed {
				continue
			}
			if d := s.nextFire.Sub(now); d < sleep {
				sleep = d
			}
		case wsFd:
			hasFd = true
		}
	}
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	return sleep, hasFd
}
