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

// Sample handles enforce the zero-copy lifecycle in the type system as far
// as Go allows: an uninitialized loan must pass through WritePayload or
// AssumeInit before it can be sent, and a consumed handle answers every
// further operation with ErrSampleState instead of touching pool memory
// that may already belong to someone else.

// SampleMutUninit is a loaned pool slot whose payload has not been
// initialized yet. The memory is recycled and carries arbitrary bytes.
type SampleMutUninit[T any] struct {
	pub     *Publisher[T]
	slotIdx uint64
	cell    int
}

// Payload returns the uninitialized payload for in-place construction.
// Returns nil on a consumed handle.
func (s *SampleMutUninit[T]) Payload() *T {
	if s.pub == nil {
		return nil
	}
	return (*T)(s.pub.svc.pool().Payload(s.slotIdx))
}

// WritePayload copies value into the slot and converts the handle into a
// sendable sample. The uninitialized handle is consumed.
func (s *SampleMutUninit[T]) WritePayload(value T) *SampleMut[T] {
	if s.pub == nil {
		return nil
	}
	*(*T)(s.pub.svc.pool().Payload(s.slotIdx)) = value
	return s.assume()
}

// AssumeInit declares the payload fully initialized through Payload and
// converts the handle into a sendable sample. Sending a payload that was
// never written delivers whatever bytes the slot held before.
func (s *SampleMutUninit[T]) AssumeInit() *SampleMut[T] {
	if s.pub == nil {
		return nil
	}
	return s.assume()
}

func (s *SampleMutUninit[T]) assume() *SampleMut[T] {
	m := &SampleMut[T]{pub: s.pub, slotIdx: s.slotIdx, cell: s.cell}
	s.pub = nil
	return m
}

// Discard returns the loan to the pool without sending.
func (s *SampleMutUninit[T]) Discard() {
	if s.pub == nil {
		return
	}
	pubDiscard(s.pub.svc, s.pub.idx, s.slotIdx, s.cell)
	s.pub = nil
}

// SampleMut is an initialized, not yet sent sample. Exactly one of Send or
// Discard consumes it.
type SampleMut[T any] struct {
	pub     *Publisher[T]
	slotIdx uint64
	cell    int
}

// Payload returns the writable payload. Returns nil on a consumed handle.
func (s *SampleMut[T]) Payload() *T {
	if s.pub == nil {
		return nil
	}
	return (*T)(s.pub.svc.pool().Payload(s.slotIdx))
}

// Send publishes the sample to every connected subscriber and consumes the
// handle. Fails with ErrSampleState when the handle was already sent or
// discarded, and with ErrClosed when the publisher is gone.
func (s *SampleMut[T]) Send() error {
	if s.pub == nil {
		return ErrSampleState
	}
	p := s.pub
	s.pub = nil
	if p.closed.Load() {
		return ErrClosed
	}
	pubSend(p.svc, p.idx, p.slot, s.slotIdx, s.cell)
	return nil
}

// Discard returns the loan to the pool without sending.
func (s *SampleMut[T]) Discard() {
	if s.pub == nil {
		return
	}
	pubDiscard(s.pub.svc, s.pub.idx, s.slotIdx, s.cell)
	s.pub = nil
}

// Sample is a received, immutable view into a pool slot. It keeps a pool
// reference alive until Release; holding it does not copy the payload.
type Sample[T any] struct {
	sub     *Subscriber[T]
	slotIdx uint64
	cell    int
}

// Payload returns the received payload. The memory is shared with other
// subscribers and must not be modified. Returns nil on a released handle.
func (s *Sample[T]) Payload() *T {
	if s.sub == nil {
		return nil
	}
	return (*T)(s.sub.svc.pool().Payload(s.slotIdx))
}

// Release returns the borrow, freeing the pool slot once the last holder
// lets go. Releasing twice is a no-op.
func (s *Sample[T]) Release() {
	if s.sub == nil {
		return
	}
	sub := s.sub
	s.sub = nil
	clearBorrowCell(sub.svc, sub.idx, s.cell)
	sub.svc.pool().Release(s.slotIdx)
}
