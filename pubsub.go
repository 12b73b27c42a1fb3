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
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/zerobus/zerobus/internal/mem"
)

// PubSubService is a handle onto a publish-subscribe service: typed samples
// flow from publishers to subscribers through shared memory without copies.
// The payload is written once into a pool slot and every subscriber reads
// it in place; only the slot index crosses the per-connection channels.
type PubSubService[T any] struct {
	core *serviceCore
}

// OpenPubSub opens the publish-subscribe service with the given name,
// creating it when it does not exist yet. The first participant's QoS fixes
// every capacity of the service; later participants must request a
// compatible QoS or the open is rejected.
//
// T must be a fixed-size type free of pointers, slices, maps, strings,
// channels, funcs and interfaces.
func OpenPubSub[T any](node *Node, name string, q QoS) (*PubSubService[T], error) {
	td, err := describeType[T]()
	if err != nil {
		return nil, err
	}
	q = q.withDefaults()

	total, initFn := pubSubLayout(q, td.Size)
	core, err := openOrCreateService(node, PatternPublishSubscribe, name, q, td, TypeDescriptor{}, total, initFn)
	if err != nil {
		return nil, err
	}
	return &PubSubService[T]{core: core}, nil
}

// pubSubLayout computes the segment layout for a publish-subscribe service
// and returns its total size plus the initializer that runs on the zeroed
// mapping. The pool is sized for the worst case of simultaneously live
// samples: every loan, every history entry and every queue full, plus every
// borrow held.
func pubSubLayout(q QoS, payloadSize uint64) (uint64, func(*serviceCore)) {
	b := newSectionBuilder()
	prodReg := b.add(uint64(q.MaxProducers) * portSlotSize)
	consReg := b.add(uint64(q.MaxConsumers) * portSlotSize)
	loans := b.add(uint64(q.MaxProducers) * uint64(q.PublisherMaxLoanedSamples) * 8)
	borrows := b.add(uint64(q.MaxConsumers) * uint64(q.SubscriberMaxBorrowedSamples) * 8)

	var hist uint64
	if q.HistorySize > 0 {
		hist = b.add(uint64(q.MaxProducers) * uint64(q.HistorySize) * uint64(unsafe.Sizeof(histEntry{})))
	}

	chanCap := mem.NextPowerOfTwo(uint64(q.SubscriberMaxBufferSize) + 1)
	chanStride := mem.QueueSize(chanCap)
	chans := b.add(uint64(q.MaxProducers) * uint64(q.MaxConsumers) * chanStride)

	slots := uint64(q.MaxProducers)*uint64(q.PublisherMaxLoanedSamples+q.HistorySize) +
		uint64(q.MaxProducers)*uint64(q.MaxConsumers)*uint64(q.SubscriberMaxBufferSize) +
		uint64(q.MaxConsumers)*uint64(q.SubscriberMaxBorrowedSamples)
	pool := b.add(mem.PoolSize(slots, payloadSize))

	total := b.total()
	initFn := func(c *serviceCore) {
		h := c.hdr
		h.prodRegOff = prodReg
		h.consRegOff = consReg
		h.loansOff = loans
		h.borrowsOff = borrows
		h.histOff = hist
		h.chanOff = chans
		h.chanStride = chanStride
		h.poolOff = pool
		for pi := uint32(0); pi < q.MaxProducers; pi++ {
			for ci := uint32(0); ci < q.MaxConsumers; ci++ {
				idx := uint64(pi)*uint64(q.MaxConsumers) + uint64(ci)
				mem.InitQueue(c.region.Ptr(chans+idx*chanStride), chanCap)
			}
		}
		mem.InitPool(c.region.Ptr(pool), slots, payloadSize)
	}
	return total, initFn
}

// Name returns the service name.
func (s *PubSubService[T]) Name() string {
	return s.core.name
}

// QoS returns the capacities the service was created with.
func (s *PubSubService[T]) QoS() QoS {
	return s.core.hdr.qos()
}

// Publishers returns the number of currently connected publishers.
func (s *PubSubService[T]) Publishers() int {
	return s.core.activeProducers()
}

// Subscribers returns the number of currently connected subscribers.
func (s *PubSubService[T]) Subscribers() int {
	return s.core.activeConsumers()
}

// Close drops this node's handle. Ports created from the service must be
// closed separately; the underlying segment disappears when the last handle
// and port are gone.
func (s *PubSubService[T]) Close() error {
	return s.core.close()
}

// Publisher is a sending port. Samples are loaned from the service's pool,
// written in place and sent; SendCopy does the three steps in one call.
//
// A Publisher is not safe for concurrent use by multiple goroutines.
type Publisher[T any] struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewPublisher connects a publisher port. Fails with ErrPortLimit when
// MaxProducers ports are already connected.
func (s *PubSubService[T]) NewPublisher() (*Publisher[T], error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.prodRegOff, c.hdr.qosMaxProducers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	p := &Publisher[T]{svc: c, idx: idx, slot: slot}
	p.attachIdx = c.node.addAttachment(attachPublisher, PatternPublishSubscribe,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return p, nil
}

// LoanUninit reserves a pool slot and returns it as an uninitialized
// sample. The payload memory is reused and carries arbitrary bytes; the
// caller must fully initialize it before sending.
func (p *Publisher[T]) LoanUninit() (*SampleMutUninit[T], error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	slotIdx, cell, err := pubLoan(p.svc, p.idx)
	if err != nil {
		return nil, err
	}
	return &SampleMutUninit[T]{pub: p, slotIdx: slotIdx, cell: cell}, nil
}

// Loan reserves a pool slot initialized to the zero value of T.
func (p *Publisher[T]) Loan() (*SampleMut[T], error) {
	u, err := p.LoanUninit()
	if err != nil {
		return nil, err
	}
	var zero T
	return u.WritePayload(zero), nil
}

// SendCopy loans a slot, copies value into it and sends it.
func (p *Publisher[T]) SendCopy(value T) error {
	u, err := p.LoanUninit()
	if err != nil {
		return err
	}
	return u.WritePayload(value).Send()
}

// Close disconnects the port. Outstanding loans are discarded and the
// publisher's history samples are dropped; samples already queued at
// subscribers stay readable.
func (p *Publisher[T]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.svc.node.clearAttachment(p.attachIdx)
	if atomic.CompareAndSwapUint32(&p.slot.state, slotActive, slotTomb) {
		pubTeardown(p.svc, p.idx, p.slot)
	}
	return nil
}

// Subscriber is a receiving port. Receive hands out samples without
// copying; each sample holds a pool reference until released, and at most
// SubscriberMaxBorrowedSamples may be held at once.
//
// A Subscriber is not safe for concurrent use by multiple goroutines.
type Subscriber[T any] struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	rr        uint32 // round-robin cursor over publisher channels
	closed    atomic.Bool
}

// NewSubscriber connects a subscriber port. When the service carries
// history, the most recent HistorySize samples of every connected publisher
// are delivered to the new port before live traffic starts.
func (s *PubSubService[T]) NewSubscriber() (*Subscriber[T], error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.consRegOff, c.hdr.qosMaxConsumers)
	if err != nil {
		return nil, err
	}

	// Catch up on history while still invisible to publishers, then go
	// live. Samples published in between are missed, not duplicated.
	subDrainLeftovers(c, idx)
	subCatchUp(c, idx)
	activateSlot(slot)

	sub := &Subscriber[T]{svc: c, idx: idx, slot: slot}
	sub.attachIdx = c.node.addAttachment(attachSubscriber, PatternPublishSubscribe,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return sub, nil
}

// Receive returns the next unread sample, or (nil, nil) when no sample is
// queued. Fails with ErrMaxBorrowExceeded while the subscriber already
// holds its maximum of unreleased samples.
func (sub *Subscriber[T]) Receive() (*Sample[T], error) {
	if sub.closed.Load() {
		return nil, ErrClosed
	}
	cell := freeBorrowCell(sub.svc, sub.idx)
	if cell < 0 {
		return nil, fmt.Errorf("%w: %d samples held, release one first",
			ErrMaxBorrowExceeded, sub.svc.hdr.qosMaxBorrow)
	}
	slotIdx, ok := subReceive(sub.svc, sub.idx, &sub.rr)
	if !ok {
		return nil, nil
	}
	atomic.StoreUint64(sub.svc.borrowCell(sub.idx, uint32(cell)), slotIdx+1)
	return &Sample[T]{sub: sub, slotIdx: slotIdx, cell: cell}, nil
}

// HasSamples reports whether at least one unread sample is queued.
func (sub *Subscriber[T]) HasSamples() bool {
	h := sub.svc.hdr
	for pi := uint32(0); pi < h.qosMaxProducers; pi++ {
		if sub.svc.chanQueue(pi, sub.idx).Len() > 0 {
			return true
		}
	}
	return false
}

// Close disconnects the port, releasing held borrows and dropping unread
// samples. Samples previously returned by Receive become invalid.
func (sub *Subscriber[T]) Close() error {
	if !sub.closed.CompareAndSwap(false, true) {
		return nil
	}
	sub.svc.node.clearAttachment(sub.attachIdx)
	if atomic.CompareAndSwapUint32(&sub.slot.state, slotActive, slotTomb) {
		subTeardown(sub.svc, sub.idx, sub.slot)
	}
	return nil
}

// pubLoan reserves a pool slot for producer idx and records it in a loan
// cell so a reclaimer can release it if the process dies mid-loan.
func pubLoan(c *serviceCore, idx uint32) (uint64, int, error) {
	cell := -1
	for k := uint32(0); k < c.hdr.qosMaxLoans; k++ {
		if atomic.LoadUint64(c.loanCell(idx, k)) == 0 {
			cell = int(k)
			break
		}
	}
	if cell < 0 {
		return 0, 0, fmt.Errorf("%w: %d samples loaned, send or discard one first",
			ErrMaxLoansExceeded, c.hdr.qosMaxLoans)
	}
	slotIdx, ok := c.pool().Reserve()
	if !ok {
		return 0, 0, fmt.Errorf("%w: no free payload slots", ErrPoolExhausted)
	}
	c.pool().SetPayloadLen(slotIdx, c.hdr.typeSize)
	atomic.StoreUint64(c.loanCell(idx, uint32(cell)), slotIdx+1)
	return slotIdx, cell, nil
}

// pubDiscard returns an unsent loan to the pool.
func pubDiscard(c *serviceCore, idx uint32, slotIdx uint64, cell int) {
	atomic.StoreUint64(c.loanCell(idx, uint32(cell)), 0)
	c.pool().Release(slotIdx)
}

// pubSend publishes a loaned slot: one reference goes to the history ring,
// one to every connected subscriber's channel, and the loan reference is
// released last so the slot can never be recycled mid-send. Full channels
// overwrite their oldest entry rather than rejecting the new sample.
func pubSend(c *serviceCore, idx uint32, slot *portSlot, slotIdx uint64, cell int) {
	pool := c.pool()
	h := c.hdr

	if h.qosHistorySize > 0 {
		pool.AddRef(slotIdx, 1)
		pubHistoryInsert(c, idx, slot, slotIdx)
	}

	for ci := uint32(0); ci < h.qosMaxConsumers; ci++ {
		cs := c.consSlot(ci)
		if !cs.stateIs(slotActive) {
			continue
		}
		pool.AddRef(slotIdx, 1)
		q := c.chanQueue(idx, ci)
		// The ring capacity is rounded up to a power of two; the QoS
		// bound is enforced here, dropping the oldest unread sample.
		for q.Len() >= uint64(h.qosBufferSize) {
			old, ok := q.Pop()
			if !ok {
				break
			}
			pool.Release(old)
		}
		for !q.Push(slotIdx) {
			if old, ok := q.Pop(); ok {
				pool.Release(old)
			}
		}
		// The subscriber may have closed between the state check and the
		// push, after its teardown drained this queue. The reference
		// would sit in the queue with no owner until the slot index is
		// claimed again.
		if !cs.stateIs(slotActive) {
			withdrawOrphans(c, q, cs)
		}
	}

	atomic.StoreUint64(c.loanCell(idx, uint32(cell)), 0)
	pool.Release(slotIdx)
}

// withdrawOrphans releases references pushed to a consumer queue after its
// owner's teardown already drained it. The drain only runs once the slot is
// claimed back from free, so it cannot race a joiner's own pre-join drain:
// a slot in the claiming state has that drain running, and an active one
// owns its queue again.
func withdrawOrphans(c *serviceCore, q *mem.Queue, s *portSlot) {
	for spins := 0; ; spins++ {
		switch atomic.LoadUint32(&s.state) {
		case slotActive, slotClaiming:
			return
		case slotFree:
			if atomic.CompareAndSwapUint32(&s.state, slotFree, slotClaiming) {
				q.Drain(func(v uint64) { c.pool().Release(v) })
				atomic.StoreUint32(&s.state, slotFree)
				return
			}
		case slotTomb:
			// Teardown mid-drain; it frees the slot after bounded work.
			if spins >= 1000 {
				return // owner died mid-teardown
			}
			runtime.Gosched()
		}
	}
}

// subDrainLeftovers releases references a racing send pushed for this
// consumer slot after its previous occupant drained the queues on close.
// Runs while the slot is still claiming, before history catch-up.
func subDrainLeftovers(c *serviceCore, consIdx uint32) {
	pool := c.pool()
	for pi := uint32(0); pi < c.hdr.qosMaxProducers; pi++ {
		c.chanQueue(pi, consIdx).Drain(func(v uint64) {
			pool.Release(v)
		})
	}
}

// pubHistoryInsert stores slotIdx in the producer's history ring. The
// entry's sequence word is zeroed first so a concurrent catch-up never sees
// a torn (slot, seq) pair, then republished as cursor+1.
func pubHistoryInsert(c *serviceCore, idx uint32, slot *portSlot, slotIdx uint64) {
	h := c.hdr
	cur := atomic.LoadUint64(&slot.cursor)
	e := c.histEntry(idx, cur%uint64(h.qosHistorySize))

	old := atomic.LoadUint64(&e.slotPlus1)
	atomic.StoreUint64(&e.seq, 0)
	atomic.StoreUint64(&e.slotPlus1, slotIdx+1)
	atomic.StoreUint64(&e.seq, cur+1)
	atomic.StoreUint64(&slot.cursor, cur+1)

	if old != 0 {
		c.pool().Release(old - 1)
	}
}

// subCatchUp replays the history of every connected publisher into the
// joining subscriber's channels, oldest first. Entries being overwritten
// concurrently are skipped: TryAddRef plus the sequence recheck rejects
// slots that were recycled between the reads.
func subCatchUp(c *serviceCore, consIdx uint32) {
	h := c.hdr
	hist := uint64(h.qosHistorySize)
	if hist == 0 {
		return
	}
	// The replay depth is additionally bounded by the subscriber buffer,
	// the same bound pubSend enforces on live traffic.
	replay := hist
	if b := uint64(h.qosBufferSize); b < replay {
		replay = b
	}
	pool := c.pool()

	for pi := uint32(0); pi < h.qosMaxProducers; pi++ {
		if !c.prodSlot(pi).stateIs(slotActive) {
			continue
		}
		cur := atomic.LoadUint64(&c.prodSlot(pi).cursor)
		start := uint64(0)
		if cur > replay {
			start = cur - replay
		}
		q := c.chanQueue(pi, consIdx)
		for seq := start; seq < cur; seq++ {
			e := c.histEntry(pi, seq%hist)
			s1 := atomic.LoadUint64(&e.seq)
			if s1 != seq+1 {
				continue
			}
			sp := atomic.LoadUint64(&e.slotPlus1)
			if sp == 0 || !pool.TryAddRef(sp-1) {
				continue
			}
			if atomic.LoadUint64(&e.seq) != s1 {
				pool.Release(sp - 1)
				continue
			}
			if !q.Push(sp - 1) {
				pool.Release(sp - 1)
			}
		}
	}
}

// subReceive pops the next slot index, round-robining across publisher
// channels so one busy publisher cannot starve the others.
func subReceive(c *serviceCore, consIdx uint32, rr *uint32) (uint64, bool) {
	h := c.hdr
	for i := uint32(0); i < h.qosMaxProducers; i++ {
		pi := (*rr + i) % h.qosMaxProducers
		if v, ok := c.chanQueue(pi, consIdx).Pop(); ok {
			*rr = (pi + 1) % h.qosMaxProducers
			return v, true
		}
	}
	return 0, false
}

// freeBorrowCell returns the index of a vacant borrow cell, or -1 when the
// consumer is at its borrow limit.
func freeBorrowCell(c *serviceCore, consIdx uint32) int {
	for k := uint32(0); k < c.hdr.qosMaxBorrow; k++ {
		if atomic.LoadUint64(c.borrowCell(consIdx, k)) == 0 {
			return int(k)
		}
	}
	return -1
}

func clearBorrowCell(c *serviceCore, consIdx uint32, cell int) {
	atomic.StoreUint64(c.borrowCell(consIdx, uint32(cell)), 0)
}

// pubTeardown releases everything a publisher port holds: outstanding
// loans, then the history references. Runs on graceful close and on crash
// reclamation alike; the slot must already be tombstoned.
func pubTeardown(c *serviceCore, idx uint32, s *portSlot) {
	pool := c.pool()
	for k := uint32(0); k < c.hdr.qosMaxLoans; k++ {
		if v := atomic.SwapUint64(c.loanCell(idx, k), 0); v != 0 {
			pool.Release(v - 1)
		}
	}
	if hist := uint64(c.hdr.qosHistorySize); hist > 0 {
		for pos := uint64(0); pos < hist; pos++ {
			e := c.histEntry(idx, pos)
			atomic.StoreUint64(&e.seq, 0)
			if v := atomic.SwapUint64(&e.slotPlus1, 0); v != 0 {
				pool.Release(v - 1)
			}
		}
	}
	releaseSlot(s)
}

// subTeardown drains the subscriber's channels and releases held borrows.
// The slot must already be tombstoned.
func subTeardown(c *serviceCore, idx uint32, s *portSlot) {
	pool := c.pool()
	for pi := uint32(0); pi < c.hdr.qosMaxProducers; pi++ {
		c.chanQueue(pi, idx).Drain(func(v uint64) {
			pool.Release(v)
		})
	}
	for k := uint32(0); k < c.hdr.qosMaxBorrow; k++ {
		if v := atomic.SwapUint64(c.borrowCell(idx, k), 0); v != 0 {
			pool.Release(v - 1)
		}
	}
	releaseSlot(s)
}

func reclaimPublisher(c *serviceCore, idx, gen uint32) error {
	if s, ok := tombstoneSlot(c.prodSlot(idx), gen); ok {
		pubTeardown(c, idx, s)
	}
	return nil
}

func reclaimSubscriber(c *serviceCore, idx, gen uint32) error {
	if s, ok := tombstoneSlot(c.consSlot(idx), gen); ok {
		subTeardown(c, idx, s)
	}
	return nil
}
