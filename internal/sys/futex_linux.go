//go:build linux && (amd64 || arm64)

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
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Linux futex constants. The shared (non-PRIVATE) opcodes are required:
// the words we wait on live in memory mapped by multiple processes.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE

	// futex_waitv (Linux >= 5.16). Same syscall number on amd64 and arm64.
	sysFutexWaitv = 449

	// FUTEX_32 flag for futex_waitv entries.
	futexSize32 = 0x02

	clockMonotonic = 1
)

// FutexWait waits for the value at addr to change from val.
// It returns when either:
//   - The value at addr is no longer equal to val
//   - Another process calls FutexWake on the same address
//   - The system call is interrupted
//
// This function should only be called when the logical condition is unmet
// and *addr == val. Always re-check the condition after this returns due
// to possible spurious wakeups.
func FutexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This
	// prevents the lost-wake race where another process bumps the
	// sequence and wakes us between our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		0, // timeout - infinite (NULL)
		0,
		0,
	)

	if errno != 0 {
		// EAGAIN means the value didn't match - expected, not an error.
		if errno == syscall.EAGAIN {
			return nil
		}
		// EINTR means interrupted by signal - also not a real error here.
		if errno == syscall.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeoutNs <= 0 means wait without a timeout.
//
// Returns ErrFutexTimeout if the wait timed out.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return FutexWait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts syscall.Timespec
	ts.Sec = timeoutNs / 1e9
	ts.Nsec = timeoutNs % 1e9

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		if errno == syscall.EAGAIN {
			return nil
		}
		if errno == syscall.EINTR {
			return nil
		}
		if errno == syscall.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWake wakes up to n processes waiting on addr.
// Returns the number of waiters actually woken up.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}

// WaitTarget is one (address, expected value) pair for FutexWaitMulti.
type WaitTarget struct {
	Addr *uint32
	Val  uint32
}

// futexWaitv mirrors struct futex_waitv from the Linux uapi.
type futexWaitv struct {
	val      uint64
	uaddr    uint64
	flags    uint32
	reserved uint32
}

// FutexWaitMulti blocks until the value at any target address differs from
// its expected value, a waker hits one of the addresses, or the timeout
// elapses. It returns the index of the woken target, or -1 with
// ErrFutexTimeout on timeout.
//
// Callers must re-check their logical conditions after this returns; like
// the single-word wait, spurious wakeups are possible.
func FutexWaitMulti(targets []WaitTarget, timeoutNs int64) (int, error) {
	if len(targets) == 0 {
		return -1, fmt.Errorf("futex waitv: no targets")
	}

	// Fast path: any value already changed.
	for i, t := range targets {
		if atomic.LoadUint32(t.Addr) != t.Val {
			return i, nil
		}
	}

	waiters := make([]futexWaitv, len(targets))
	for i, t := range targets {
		waiters[i] = futexWaitv{
			val:   uint64(t.Val),
			uaddr: uint64(uintptr(unsafe.Pointer(t.Addr))),
			flags: futexSize32,
		}
	}

	// futex_waitv takes an absolute CLOCK_MONOTONIC deadline.
	var tsPtr unsafe.Pointer
	if timeoutNs > 0 {
		var now syscall.Timespec
		if _, _, errno := syscall.Syscall(syscall.SYS_CLOCK_GETTIME, clockMonotonic, uintptr(unsafe.Pointer(&now)), 0); errno != 0 {
			return -1, fmt.Errorf("clock_gettime failed: %w", errno)
		}
		deadlineNs := now.Nano() + timeoutNs
		var ts syscall.Timespec
		ts.Sec = deadlineNs / 1e9
		ts.Nsec = deadlineNs % 1e9
		tsPtr = unsafe.Pointer(&ts)
	}

	r1, _, errno := syscall.Syscall6(
		sysFutexWaitv,
		uintptr(unsafe.Pointer(&waiters[0])),
		uintptr(len(waiters)),
		0, // flags - unused
		uintptr(tsPtr),
		clockMonotonic,
		0,
	)

	if errno != 0 {
		switch errno {
		case syscall.EAGAIN, syscall.EINTR:
			// A value changed before the wait, or a signal arrived.
			// The caller re-checks its conditions either way.
			return -1, nil
		case syscall.ETIMEDOUT:
			return -1, ErrFutexTimeout
		case syscall.ENOSYS:
			// Pre-5.16 kernel: degrade to a timed wait on the first word.
			return futexWaitMultiFallback(targets, timeoutNs)
		default:
			return -1, fmt.Errorf("futex waitv failed: %w", errno)
		}
	}
	return int(r1), nil
}

// futexWaitMultiFallback approximates a multi-word wait on kernels without
// futex_waitv by slicing the timeout across short single-word waits.
func futexWaitMultiFallback(targets []WaitTarget, timeoutNs int64) (int, error) {
	const sliceNs = int64(1e6) // 1ms
	remaining := timeoutNs
	for {
		for i, t := range targets {
			if atomic.LoadUint32(t.Addr) != t.Val {
				return i, nil
			}
		}
		wait := sliceNs
		if timeoutNs > 0 {
			if remaining <= 0 {
				return -1, ErrFutexTimeout
			}
			if remaining < wait {
				wait = remaining
			}
			remaining -= wait
		}
		if err := FutexWaitTimeout(targets[0].Addr, targets[0].Val, wait); err != nil && err != ErrFutexTimeout {
			return -1, err
		}
	}
}
