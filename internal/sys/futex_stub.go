//go:build !linux || !(amd64 || arm64)

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

package sys

import (
	"sync/atomic"
	"time"
)

// Fallback for platforms without a usable futex: poll the word with short
// sleeps. Correct but not low-latency; the supported targets are the
// futex-backed linux builds.

const stubPollInterval = time.Millisecond

// FutexWait polls addr until the value differs from val.
func FutexWait(addr *uint32, val uint32) error {
	for atomic.LoadUint32(addr) == val {
		time.Sleep(stubPollInterval)
	}
	return nil
}

// FutexWaitTimeout polls addr until the value differs from val or the
// timeout elapses.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return FutexWait(addr, val)
	}
	deadline := time.Now().Add(time.Duration(timeoutNs))
	for atomic.LoadUint32(addr) == val {
		if time.Now().After(deadline) {
			return ErrFutexTimeout
		}
		time.Sleep(stubPollInterval)
	}
	return nil
}

// FutexWake is a no-op in the polling fallback.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}

// WaitTarget is one (address, expected value) pair for FutexWaitMulti.
type WaitTarget struct {
	Addr *uint32
	Val  uint32
}

// FutexWaitMulti polls all target words until one changes or the timeout
// elapses.
func FutexWaitMulti(targets []WaitTarget, timeoutNs int64) (int, error) {
	var deadline time.Time
	if timeoutNs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for {
		for i, t := range targets {
			if atomic.LoadUint32(t.Addr) != t.Val {
				return i, nil
			}
		}
		if timeoutNs > 0 && time.Now().After(deadline) {
			return -1, ErrFutexTimeout
		}
		time.Sleep(stubPollInterval)
	}
}
