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
	"unsafe"

	"github.com/zerobus/zerobus/internal/mem"
)

// BlackboardService is a handle onto a blackboard: a fixed set of typed
// key-value entries defined at creation, updated by a single writer and
// read by many readers without locks. Each entry is double-buffered; the
// writer publishes into the inactive cell and flips a versioned control
// word, readers copy and recheck.
type BlackboardService struct {
	core *serviceCore
}

const bbEntrySize = 64

// bbEntry is one row of the entry table. control packs the entry version
// and the active cell index: version<<1 | cell. A changed control word
// tells a reader its copy may be torn.
type bbEntry struct {
	keyHash   uint64
	typeHash  uint64
	size      uint64
	control   uint32 // atomic
	_pad      uint32
	valOff    uint64 // segment offset of cell 0; cell 1 follows at +stride
	stride    uint64
	_reserved [16]byte
}

// bbEntrySpec is a pending entry on a builder.
type bbEntrySpec struct {
	key     string
	td      TypeDescriptor
	initial []byte
}

// BlackboardBuilder accumulates the entry set of a blackboard before
// creation. Entries cannot be added or removed after Create.
type BlackboardBuilder struct {
	node    *Node
	name    string
	q       QoS
	entries []bbEntrySpec
	err     error
}

// NewBlackboard starts building a blackboard service with the given name.
// MaxProducers is forced to 1: a blackboard has exactly one writer port.
func NewBlackboard(node *Node, name string, q QoS) *BlackboardBuilder {
	return &BlackboardBuilder{node: node, name: name, q: q}
}

// AddEntry registers a typed entry under key with its initial value.
// Duplicate keys and unshareable types fail the eventual Create.
func AddEntry[T any](b *BlackboardBuilder, key string, initial T) *BlackboardBuilder {
	if b.err != nil {
		return b
	}
	td, err := describeType[T]()
	if err != nil {
		b.err = err
		return b
	}
	kh := hashString(key)
	for _, e := range b.entries {
		if hashString(e.key) == kh {
			b.err = fmt.Errorf("duplicate blackboard key %q", key)
			return b
		}
	}
	buf := make([]byte, td.Size)
	if td.Size > 0 {
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&initial)), td.Size))
	}
	b.entries = append(b.entries, bbEntrySpec{key: key, td: td, initial: buf})
	return b
}

// Create opens the blackboard, creating it with the accumulated entries
// when it does not exist yet. When another participant created it first,
// the entry set of the winner stands; this builder's entries are checked
// lazily, at entry-handle acquisition.
func (b *BlackboardBuilder) Create() (*BlackboardService, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.entries) == 0 {
		return nil, fmt.Errorf("a blackboard needs at least one entry")
	}
	q := b.q.withDefaults()
	q.MaxProducers = 1

	total, initFn := blackboardLayout(q, b.entries)
	core, err := openOrCreateService(b.node, PatternBlackboard, b.name, q,
		TypeDescriptor{}, TypeDescriptor{}, total, initFn)
	if err != nil {
		return nil, err
	}
	return &BlackboardService{core: core}, nil
}

// OpenBlackboard attaches to an existing blackboard. Entry types are
// validated per entry when handles are acquired.
func OpenBlackboard(node *Node, name string, q QoS) (*BlackboardService, error) {
	q = q.withDefaults()
	q.MaxProducers = 1
	path := serviceFileName(node.cfg.SegmentDir, PatternBlackboard, hashString(name))
	core, err := openExistingService(node, PatternBlackboard, name, path, q,
		TypeDescriptor{}, TypeDescriptor{})
	if err != nil {
		return nil, err
	}
	return &BlackboardService{core: core}, nil
}

func blackboardLayout(q QoS, entries []bbEntrySpec) (uint64, func(*serviceCore)) {
	b := newSectionBuilder()
	prodReg := b.add(uint64(q.MaxProducers) * portSlotSize)
	consReg := b.add(uint64(q.MaxConsumers) * portSlotSize)
	entriesOff := b.add(uint64(len(entries)) * bbEntrySize)

	var valueBytes uint64
	strides := make([]uint64, len(entries))
	for i, e := range entries {
		strides[i] = mem.Align64(e.td.Size)
		valueBytes += 2 * strides[i]
	}
	valuesOff := b.add(valueBytes)

	total := b.total()
	initFn := func(c *serviceCore) {
		h := c.hdr
		h.prodRegOff = prodReg
		h.consRegOff = consReg
		h.entriesOff = entriesOff
		h.valuesOff = valuesOff
		h.entryCount = uint32(len(entries))

		off := valuesOff
		for i, e := range entries {
			d := (*bbEntry)(c.region.Ptr(entriesOff + uint64(i)*bbEntrySize))
			d.keyHash = hashString(e.key)
			d.typeHash = e.td.NameHash()
			d.size = e.td.Size
			d.valOff = off
			d.stride = strides[i]
			if e.td.Size > 0 {
				dst := unsafe.Slice((*byte)(c.region.Ptr(off)), e.td.Size)
				copy(dst, e.initial)
			}
			off += 2 * strides[i]
		}
	}
	return total, initFn
}

// Name returns the service name.
func (s *BlackboardService) Name() string {
	return s.core.name
}

// QoS returns the capacities the service was created with.
func (s *BlackboardService) QoS() QoS {
	return s.core.hdr.qos()
}

// EntryCount returns the number of entries defined at creation.
func (s *BlackboardService) EntryCount() int {
	return int(s.core.hdr.entryCount)
}

// Readers returns the number of currently connected readers.
func (s *BlackboardService) Readers() int {
	return s.core.activeConsumers()
}

// HasWriter reports whether the writer port is currently connected.
func (s *BlackboardService) HasWriter() bool {
	return s.core.activeProducers() > 0
}

// Close drops this node's handle on the service.
func (s *BlackboardService) Close() error {
	return s.core.close()
}

func (c *serviceCore) bbEntryByKey(key string) (*bbEntry, error) {
	kh := hashString(key)
	for i := uint32(0); i < c.hdr.entryCount; i++ {
		d := (*bbEntry)(c.region.Ptr(c.hdr.entriesOff + uint64(i)*bbEntrySize))
		if d.keyHash == kh {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchKey, key)
}

func checkEntryType[T any](d *bbEntry, key string) error {
	td, err := describeType[T]()
	if err != nil {
		return err
	}
	if d.typeHash != td.NameHash() || d.size != td.Size {
		return fmt.Errorf("%w: entry %q holds a different type than %s", ErrTypeMismatch, key, td)
	}
	return nil
}

// Writer is the single writing port of a blackboard.
//
// A Writer and its entry handles are not safe for concurrent use by
// multiple goroutines.
type Writer struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewWriter connects the writer port. Fails with ErrPortLimit while
// another writer is connected; a dead writer's port becomes claimable
// again after reclamation.
func (s *BlackboardService) NewWriter() (*Writer, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.prodRegOff, c.hdr.qosMaxProducers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	w := &Writer{svc: c, idx: idx, slot: slot}
	w.attachIdx = c.node.addAttachment(attachWriter, PatternBlackboard,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return w, nil
}

// Close disconnects the writer port, making it claimable again.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.svc.node.clearAttachment(w.attachIdx)
	if atomic.CompareAndSwapUint32(&w.slot.state, slotActive, slotTomb) {
		releaseSlot(w.slot)
	}
	return nil
}

// Reader is a reading port of a blackboard.
type Reader struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewReader connects a reader port. Fails with ErrPortLimit when
// MaxConsumers ports are already connected.
func (s *BlackboardService) NewReader() (*Reader, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.consRegOff, c.hdr.qosMaxConsumers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	r := &Reader{svc: c, idx: idx, slot: slot}
	r.attachIdx = c.node.addAttachment(attachReader, PatternBlackboard,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return r, nil
}

// Close disconnects the reader port. Entry handles acquired through it
// become invalid.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.svc.node.clearAttachment(r.attachIdx)
	if atomic.CompareAndSwapUint32(&r.slot.state, slotActive, slotTomb) {
		releaseSlot(r.slot)
	}
	return nil
}

// EntryMut is the writer's handle onto one entry.
type EntryMut[T any] struct {
	w *Writer
	d *bbEntry
}

// EntryMutOf acquires the writable handle for key. Fails with ErrNoSuchKey
// for unknown keys and ErrTypeMismatch when T differs from the type the
// entry was created with.
func EntryMutOf[T any](w *Writer, key string) (*EntryMut[T], error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	d, err := w.svc.bbEntryByKey(key)
	if err != nil {
		return nil, err
	}
	if err := checkEntryType[T](d, key); err != nil {
		return nil, err
	}
	return &EntryMut[T]{w: w, d: d}, nil
}

// Loan returns the inactive cell for in-place construction of the next
// value. The cell stays invisible to readers until Publish.
func (e *EntryMut[T]) Loan() *T {
	ctl := atomic.LoadUint32(&e.d.control)
	inactive := uint64(1 - ctl&1)
	return (*T)(e.w.svc.region.Ptr(e.d.valOff + inactive*e.d.stride))
}

// Publish makes the value written through Loan visible, bumping the entry
// version and flipping the active cell.
func (e *EntryMut[T]) Publish() {
	ctl := atomic.LoadUint32(&e.d.control)
	next := (ctl>>1+1)<<1 | (1 - ctl&1)
	atomic.StoreUint32(&e.d.control, next)
}

// Update copies value into the inactive cell and publishes it.
func (e *EntryMut[T]) Update(value T) {
	*e.Loan() = value
	e.Publish()
}

// Get returns the current value.
func (e *EntryMut[T]) Get() T {
	return bbRead[T](e.w.svc, e.d)
}

// Entry is a reader's handle onto one entry.
type Entry[T any] struct {
	r *Reader
	d *bbEntry
}

// EntryOf acquires the read handle for key. Fails with ErrNoSuchKey for
// unknown keys and ErrTypeMismatch when T differs from the type the entry
// was created with.
func EntryOf[T any](r *Reader, key string) (*Entry[T], error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	d, err := r.svc.bbEntryByKey(key)
	if err != nil {
		return nil, err
	}
	if err := checkEntryType[T](d, key); err != nil {
		return nil, err
	}
	return &Entry[T]{r: r, d: d}, nil
}

// Get returns a copy of the current value. Lock-free: a copy torn by a
// concurrent update is detected through the control word and retried.
func (e *Entry[T]) Get() T {
	return bbRead[T](e.r.svc, e.d)
}

// Version returns the entry's update counter. It starts at 0 with the
// initial value and increments on every publish.
func (e *Entry[T]) Version() uint64 {
	return uint64(atomic.LoadUint32(&e.d.control) >> 1)
}

func bbRead[T any](c *serviceCore, d *bbEntry) T {
	for {
		c1 := atomic.LoadUint32(&d.control)
		v := *(*T)(c.region.Ptr(d.valOff + uint64(c1&1)*d.stride))
		if atomic.LoadUint32(&d.control) == c1 {
			return v
		}
	}
}

// reclaimBlackboardPort frees the port slot of a dead writer or reader.
// Entry values need no repair: a dead writer leaves the last published
// version in place, consistent by construction.
func reclaimBlackboardPort(c *serviceCore, kind, idx, gen uint32) error {
	reg := c.consSlot
	if kind == attachWriter {
		reg = c.prodSlot
	}
	if s, ok := tombstoneSlot(reg(idx), gen); ok {
		releaseSlot(s)
	}
	return nil
}
