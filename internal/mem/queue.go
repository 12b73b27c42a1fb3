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

package mem

import (
	"sync/atomic"
	"unsafe"
)

// Queue is a bounded, lock-free multi-producer multi-consumer queue of
// uint64 values living at a fixed offset inside a mapped region. It carries
// payload-slot indices (offsets), never payload bytes.
//
// The algorithm is the classic sequence-ticket MPMC ring: each cell holds a
// sequence number that encodes whether it is free for the producer whose
// ticket matches, or holds data for the consumer whose ticket matches. All
// operations are non-blocking; callers that need to sleep layer a futex on
// top.
//
// Even when a channel is logically single-producer single-consumer, the
// MPMC form is kept: it lets the producer legally dequeue the oldest entry
// when recycling on overflow, and lets a dead port's entries be drained by
// whichever process performs the reclamation.
type Queue struct {
	base unsafe.Pointer
}

// queueHeader is the fixed control block at the queue's base offset.
type queueHeader struct {
	capacity uint64
	mask     uint64
	_pad0    [6]uint64
	head     uint64 // consumer ticket
	_pad1    [7]uint64
	tail     uint64 // producer ticket
	_pad2    [7]uint64
}

// queueCell is one ring cell: a sequence ticket plus the carried value.
type queueCell struct {
	seq uint64
	val uint64
}

const (
	queueHeaderSize = uint64(unsafe.Sizeof(queueHeader{}))
	queueCellSize   = uint64(unsafe.Sizeof(queueCell{}))
)

// QueueSize returns the region bytes needed for a queue of the given
// capacity. Capacity must be a power of two.
func QueueSize(capacity uint64) uint64 {
	return Align64(queueHeaderSize + capacity*queueCellSize)
}

// InitQueue initializes a queue in zeroed region memory at base.
// Called exactly once, by the segment creator.
func InitQueue(base unsafe.Pointer, capacity uint64) *Queue {
	if !IsPowerOfTwo(capacity) {
		panic("queue capacity must be a power of two")
	}
	q := &Queue{base: base}
	hdr := q.header()
	hdr.capacity = capacity
	hdr.mask = capacity - 1
	atomic.StoreUint64(&hdr.head, 0)
	atomic.StoreUint64(&hdr.tail, 0)
	for i := uint64(0); i < capacity; i++ {
		atomic.StoreUint64(&q.cell(i).seq, i)
	}
	return q
}

// ViewQueue attaches to an already initialized queue at base.
func ViewQueue(base unsafe.Pointer) *Queue {
	return &Queue{base: base}
}

func (q *Queue) header() *queueHeader {
	return (*queueHeader)(q.base)
}

func (q *Queue) cell(pos uint64) *queueCell {
	return (*queueCell)(unsafe.Pointer(uintptr(q.base) + uintptr(queueHeaderSize) + uintptr(pos*queueCellSize)))
}

// Capacity returns the queue capacity.
func (q *Queue) Capacity() uint64 {
	return q.header().capacity
}

// Len returns an estimate of the number of queued values.
func (q *Queue) Len() uint64 {
	hdr := q.header()
	tail := atomic.LoadUint64(&hdr.tail)
	head := atomic.LoadUint64(&hdr.head)
	if tail < head {
		return 0
	}
	return tail - head
}

// Push enqueues v. Returns false when the queue is full.
func (q *Queue) Push(v uint64) bool {
	hdr := q.header()
	mask := hdr.mask

	pos := atomic.LoadUint64(&hdr.tail)
	for {
		c := q.cell(pos & mask)
		seq := atomic.LoadUint64(&c.seq)
		dif := int64(seq - pos)

		if dif == 0 {
			if atomic.CompareAndSwapUint64(&hdr.tail, pos, pos+1) {
				atomic.StoreUint64(&c.val, v)
				// Publishing the new sequence releases the value to
				// the consumer side.
				atomic.StoreUint64(&c.seq, pos+1)
				return true
			}
			pos = atomic.LoadUint64(&hdr.tail)
		} else if dif < 0 {
			return false // cell still owned by a lagging consumer: full
		} else {
			pos = atomic.LoadUint64(&hdr.tail)
		}
	}
}

// Pop dequeues the oldest value. Returns false when the queue is empty.
func (q *Queue) Pop() (uint64, bool) {
	hdr := q.header()
	mask := hdr.mask

	pos := atomic.LoadUint64(&hdr.head)
	for {
		c := q.cell(pos & mask)
		seq := atomic.LoadUint64(&c.seq)
		dif := int64(seq - (pos + 1))

		if dif == 0 {
			if atomic.CompareAndSwapUint64(&hdr.head, pos, pos+1) {
				v := atomic.LoadUint64(&c.val)
				// Recycling the cell hands it to the producer whose
				// ticket lands here one lap later.
				atomic.StoreUint64(&c.seq, pos+mask+1)
				return v, true
			}
			pos = atomic.LoadUint64(&hdr.head)
		} else if dif < 0 {
			return 0, false // cell not yet published: empty
		} else {
			pos = atomic.LoadUint64(&hdr.head)
		}
	}
}

// Drain pops every queued value, invoking fn for each. Used by reclamation
// to release references held by a dead port's channel.
func (q *Queue) Drain(fn func(uint64)) {
	for {
		v, ok := q.Pop()
		if !ok {
			return
		}
		fn(v)
	}
}
