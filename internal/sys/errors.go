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

// Package sys contains the platform primitives the shared-memory substrate
// is built on: memory mapping, cross-process futex operations, file
// descriptor probing and process-liveness checks.
//
// Everything here operates on raw addresses inside memory-mapped regions.
// The futex operations deliberately use the shared (non-PRIVATE) opcodes
// because waiters and wakers live in different processes.
package sys

import "errors"

// ErrFutexTimeout indicates a futex wait timed out before the value changed.
var ErrFutexTimeout = errors.New("futex wait timed out")

// ErrUnsupported indicates the current platform has no futex facility.
var ErrUnsupported = errors.New("futex operations not supported on this platform")
