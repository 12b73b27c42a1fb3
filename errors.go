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

import "errors"

// Resource exhaustion. Capacities are fixed at service creation; running
// out is always reported, never silently absorbed.
var (
	// ErrPoolExhausted indicates the payload slot pool is saturated.
	ErrPoolExhausted = errors.New("payload pool exhausted")

	// ErrChannelFull indicates a bounded channel refused a new entry.
	ErrChannelFull = errors.New("channel full")

	// ErrMaxLoansExceeded indicates a publisher already holds its maximum
	// number of loaned, unsent samples.
	ErrMaxLoansExceeded = errors.New("maximum loaned samples exceeded")

	// ErrMaxBorrowExceeded indicates a subscriber already holds its
	// maximum number of borrowed samples.
	ErrMaxBorrowExceeded = errors.New("maximum borrowed samples exceeded")

	// ErrPortLimit indicates the service's port registry for that role is
	// full.
	ErrPortLimit = errors.New("port limit reached")

	// ErrStreamLimit indicates no free request stream is available.
	ErrStreamLimit = errors.New("stream limit reached")
)

// Contract violations. Always reported to the caller, never coerced.
var (
	// ErrSampleState indicates a sample was used outside its valid
	// lifecycle state, e.g. sent twice or written after send.
	ErrSampleState = errors.New("sample in wrong lifecycle state")

	// ErrTypeMismatch indicates a blackboard entry was requested with a
	// type other than the one declared for the key.
	ErrTypeMismatch = errors.New("entry type mismatch")

	// ErrNoSuchKey indicates the blackboard has no entry for the key.
	ErrNoSuchKey = errors.New("no such key")

	// ErrInvalidEventID indicates an event id above the service's
	// configured maximum.
	ErrInvalidEventID = errors.New("event id out of range")

	// ErrPayloadSize indicates a raw payload whose size does not match
	// the service's type descriptor.
	ErrPayloadSize = errors.New("payload size does not match type")
)

// Incompatibility. Opening a service whose existing contract does not
// match the requested one fails deterministically.
var (
	// ErrIncompatibleQoS indicates the existing service was created with
	// QoS parameters incompatible with the requested ones.
	ErrIncompatibleQoS = errors.New("incompatible service QoS")

	// ErrIncompatibleType indicates the existing service carries a
	// different payload type.
	ErrIncompatibleType = errors.New("incompatible payload type")

	// ErrWrongPattern indicates the name is already bound to a different
	// messaging pattern.
	ErrWrongPattern = errors.New("service bound to a different messaging pattern")
)

// Disconnection and lifecycle states.
var (
	// ErrDisconnected indicates the peer endpoint dropped its handle or
	// its process died. Expected in long-running systems; poll and react.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrNodeTerminated indicates the node was signaled to terminate
	// while blocked in Wait.
	ErrNodeTerminated = errors.New("node terminated")

	// ErrWaitTimeout indicates a blocking wait elapsed with nothing to
	// deliver.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrServiceNotReady indicates the creating process has not finished
	// initializing the service segment.
	ErrServiceNotReady = errors.New("service segment not ready")

	// ErrClosed indicates an operation on an already closed handle.
	ErrClosed = errors.New("handle closed")
)
