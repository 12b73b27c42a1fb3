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

// Pool is the payload segment: a fixed set of equally sized, refcounted
// slots plus a free-index queue. A payload is written once into a reserved
// slot; every consumer reads it in place through the slot index, and the
// slot returns to the free queue when the last reference is released.
//
// Reference counting rules:
//   - Reserve hands out a slot with refcount 1 (the loan reference).
//   - AddRef bumps the count before the slot index is made visible to
//     additional observers (channels, history rings).
//   - Release decrements; the releaser that reaches zero pushes the index
//     back to the free queue. The CAS-to-zero transition makes concurrent
//     releases safe: exactly one of them recycles.
type Pool struct {
	base unsafe.Pointer
}

// poolHeader is the fixed control block at the pool's base offset.
type poolHeader struct {
	slotCount  uint64
	payloadCap uint64 // usable payload bytes per slot
	stride     uint64 // slot header + payload, 64-byte aligned
	slotsOff   uint64 // offset of slot array, relative to pool base
	_pad       [4]uint64
	// free-index queue follows the header
}

// slotHeader precedes each slot's payload area. It is a full cache line so
// the payload itself is always 64-byte aligned regardless of payload type
// alignment requirements.
type slotHeader struct {
	refs       uint32
	_          uint32
	payloadLen uint64
	_reserved  [48]byte
}

const (
	poolHeaderSize = uint64(unsafe.Sizeof(poolHeader{}))
	slotHeaderSize = uint64(unsafe.Sizeof(slotHeader{}))
)

// PoolSize returns the region bytes needed for a pool of slotCount slots
// holding payloads of up to payloadCap bytes.
func PoolSize(slotCount, payloadCap uint64) uint64 {
	stride := Align64(slotHeaderSize + payloadCap)
	return Align64(poolHeaderSize) + QueueSize(NextPowerOfTwo(slotCount+1)) + slotCount*stride
}

// InitPool initializes a pool in zeroed region memory at base, with all
// slots on the free queue.
func InitPool(base unsafe.Pointer, slotCount, payloadCap uint64) *Pool {
	p := &Pool{base: base}
	hdr := p.header()
	hdr.slotCount = slotCount
	hdr.payloadCap = payloadCap
	hdr.stride = Align64(slotHeaderSize + payloadCap)
	hdr.slotsOff = Align64(poolHeaderSize) + QueueSize(NextPowerOfTwo(slotCount+1))

	free := InitQueue(p.freeBase(), NextPowerOfTwo(slotCount+1))
	for i := uint64(0); i < slotCount; i++ {
		free.Push(i)
	}
	return p
}

// ViewPool attaches to an already initialized pool at base.
func ViewPool(base unsafe.Pointer) *Pool {
	return &Pool{base: base}
}

func (p *Pool) header() *poolHeader {
	return (*poolHeader)(p.base)
}

func (p *Pool) freeBase() unsafe.Pointer {
	return unsafe.Pointer(uintptr(p.base) + uintptr(Align64(poolHeaderSize)))
}

func (p *Pool) free() *Queue {
	return ViewQueue(p.freeBase())
}

func (p *Pool) slot(idx uint64) *slotHeader {
	hdr := p.header()
	off := hdr.slotsOff + idx*hdr.stride
	return (*slotHeader)(unsafe.Pointer(uintptr(p.base) + uintptr(off)))
}

// SlotCount returns the total number of slots.
func (p *Pool) SlotCount() uint64 {
	return p.header().slotCount
}

// PayloadCapacity returns the usable payload bytes per slot.
func (p *Pool) PayloadCapacity() uint64 {
	return p.header().payloadCap
}

// FreeSlots returns an estimate of the number of free slots.
func (p *Pool) FreeSlots() uint64 {
	return p.free().Len()
}

// Reserve takes a slot off the free queue with refcount 1.
// Returns false when the pool is exhausted.
func (p *Pool) Reserve() (uint64, bool) {
	idx, ok := p.free().Pop()
	if !ok {
		return 0, false
	}
	s := p.slot(idx)
	atomic.StoreUint64(&s.payloadLen, 0)
	atomic.StoreUint32(&s.refs, 1)
	return idx, true
}

// AddRef adds delta references to a held slot. The caller must already own
// at least one reference.
func (p *Pool) AddRef(idx uint64, delta uint32) {
	atomic.AddUint32(&p.slot(idx).refs, delta)
}

// TryAddRef adds one reference only if the slot is still live (refs > 0).
// Used by history catch-up, where the acquirer does not yet hold a
// reference of its own.
func (p *Pool) TryAddRef(idx uint64) bool {
	s := p.slot(idx)
	for {
		refs := atomic.LoadUint32(&s.refs)
		if refs == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.refs, refs, refs+1) {
			return true
		}
	}
}

// Release drops one reference. The release that reaches zero recycles the
// slot onto the free queue.
func (p *Pool) Release(idx uint64) {
	s := p.slot(idx)
	if atomic.AddUint32(&s.refs, ^uint32(0)) == 0 {
		p.free().Push(idx)
	}
}

// Payload returns the address of the slot's payload area.
func (p *Pool) Payload(idx uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(p.slot(idx))) + uintptr(slotHeaderSize))
}

// PayloadBytes returns the slot's payload as a byte slice of the recorded
// length.
func (p *Pool) PayloadBytes(idx uint64) []byte {
	n := p.PayloadLen(idx)
	return unsafe.Slice((*byte)(p.Payload(idx)), n)
}

// PayloadLen returns the recorded payload length.
func (p *Pool) PayloadLen(idx uint64) uint64 {
	return atomic.LoadUint64(&p.slot(idx).payloadLen)
}

// SetPayloadLen records the payload length before the slot is sent.
func (p *Pool) SetPayloadLen(idx uint64, n uint64) {
	atomic.StoreUint64(&p.slot(idx).payloadLen, n)
}

// Refs returns the current reference count, for diagnostics and tests.
func (p *Pool) Refs(idx uint64) uint32 {
	return atomic.LoadUint32(&p.slot(idx).refs)
}
