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

// PollProbe is not supported on this platform; fds never report ready.
func PollProbe(fds []PollFd) (int, error) {
	return 0, nil
}
