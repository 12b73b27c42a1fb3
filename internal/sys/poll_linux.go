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
	"syscall"
	"unsafe"
)

// Poll event bits (subset of poll.h).
const (
	PollIn  = 0x0001
	PollErr = 0x0008
	PollHup = 0x0010
)

// PollFd mirrors struct pollfd.
type PollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

// PollProbe performs a zero-timeout readiness probe over fds via ppoll.
// Revents is filled in place; the return value is the number of ready fds.
func PollProbe(fds []PollFd) (int, error) {
	if len(fds) == 0 {
		return 0, nil
	}

	var ts syscall.Timespec // zero timeout: probe, never block
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_PPOLL,
		uintptr(unsafe.Pointer(&fds[0])),
		uintptr(len(fds)),
		uintptr(unsafe.Pointer(&ts)),
		0, // sigmask - unused
		0,
		0,
	)

	if errno != 0 {
		if errno == syscall.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("ppoll failed: %w", errno)
	}
	return int(r1), nil
}
