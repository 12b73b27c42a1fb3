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
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/zerobus/zerobus/internal/sys"
)

// EventID names a condition raised by a notifier. Values range from 0 to
// the service's MaxEventID.
type EventID uint32

// EventService is a handle onto an event service: notifiers raise event
// ids, listeners sleep on a futex until one arrives. Raising an id that a
// listener has not collected yet coalesces with the earlier occurrence;
// distinct ids never coalesce with each other.
type EventService struct {
	core *serviceCore
}

// OpenEvent opens the event service with the given name, creating it when
// it does not exist yet.
func OpenEvent(node *Node, name string, q QoS) (*EventService, error) {
	q = q.withDefaults()
	total, initFn := eventLayout(q)
	core, err := openOrCreateService(node, PatternEvent, name, q, TypeDescriptor{}, TypeDescriptor{}, total, initFn)
	if err != nil {
		return nil, err
	}
	return &EventService{core: core}, nil
}

// eventLayout computes the segment layout. Events carry no payload: the
// segment is the two port registries, with each listener's pending bitset
// and futex word living inside its port slot.
func eventLayout(q QoS) (uint64, func(*serviceCore)) {
	b := newSectionBuilder()
	prodReg := b.add(uint64(q.MaxProducers) * portSlotSize)
	consReg := b.add(uint64(q.MaxConsumers) * portSlotSize)
	total := b.total()
	return total, func(c *serviceCore) {
		c.hdr.prodRegOff = prodReg
		c.hdr.consRegOff = consReg
	}
}

// Name returns the service name.
func (s *EventService) Name() string {
	return s.core.name
}

// QoS returns the capacities the service was created with.
func (s *EventService) QoS() QoS {
	return s.core.hdr.qos()
}

// Notifiers returns the number of currently connected notifiers.
func (s *EventService) Notifiers() int {
	return s.core.activeProducers()
}

// Listeners returns the number of currently connected listeners.
func (s *EventService) Listeners() int {
	return s.core.activeConsumers()
}

// Close drops this node's handle on the service.
func (s *EventService) Close() error {
	return s.core.close()
}

// Notifier raises event ids towards all connected listeners.
//
// A Notifier is safe for concurrent use: notification is a single
// atomic bit-set plus a conditional wake.
type Notifier struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewNotifier connects a notifier port. Fails with ErrPortLimit when
// MaxProducers ports are already connected.
func (s *EventService) NewNotifier() (*Notifier, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.prodRegOff, c.hdr.qosMaxProducers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	n := &Notifier{svc: c, idx: idx, slot: slot}
	n.attachIdx = c.node.addAttachment(attachNotifier, PatternEvent,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return n, nil
}

// Notify raises event id 0. Returns the number of listeners woken.
func (n *Notifier) Notify() (int, error) {
	return n.NotifyWithEventID(0)
}

// NotifyWithEventID raises the given event id towards every connected
// listener. Listeners already pending on the same id see it once; the
// wake is skipped when the bit was already set. Returns the number of
// listeners newly woken.
func (n *Notifier) NotifyWithEventID(id EventID) (int, error) {
	if n.closed.Load() {
		return 0, ErrClosed
	}
	if uint32(id) > n.svc.hdr.qosMaxEventID {
		return 0, fmt.Errorf("%w: id %d exceeds max event id %d",
			ErrInvalidEventID, id, n.svc.hdr.qosMaxEventID)
	}
	return notifyListeners(n.svc, id), nil
}

// Close disconnects the port. A graceful close raises no dead-notifier
// event; only a confirmed process death does.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.svc.node.clearAttachment(n.attachIdx)
	if atomic.CompareAndSwapUint32(&n.slot.state, slotActive, slotTomb) {
		releaseSlot(n.slot)
	}
	return nil
}

// notifyListeners sets the event bit in every active listener's pending
// set. The signal word is bumped and the futex woken only when the bit
// transitioned from clear to set, so repeated raises of a pending id cost
// one atomic OR and no syscall.
func notifyListeners(c *serviceCore, id EventID) int {
	word := uint32(id) / 64
	bit := uint64(1) << (uint32(id) % 64)

	woken := 0
	for li := uint32(0); li < c.hdr.qosMaxConsumers; li++ {
		s := c.consSlot(li)
		if !s.stateIs(slotActive) {
			continue
		}
		if atomic.OrUint64(&s.pending[word], bit)&bit == 0 {
			atomic.AddUint32(&s.sigSeq, 1)
			sys.FutexWake(&s.sigSeq, 1)
			woken++
		}
	}
	return woken
}

// Listener collects raised event ids, sleeping between arrivals.
//
// A Listener is not safe for concurrent use by multiple goroutines.
type Listener struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewListener connects a listener port. Fails with ErrPortLimit when
// MaxConsumers ports are already connected.
func (s *EventService) NewListener() (*Listener, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.consRegOff, c.hdr.qosMaxConsumers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	l := &Listener{svc: c, idx: idx, slot: slot}
	l.attachIdx = c.node.addAttachment(attachListener, PatternEvent,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return l, nil
}

// TryWait drains and returns the pending event ids in ascending order
// without blocking. An empty result means nothing is pending.
func (l *Listener) TryWait() []EventID {
	if l.closed.Load() {
		// The slot may already belong to another listener.
		return nil
	}
	var ids []EventID
	for w := range l.slot.pending {
		v := atomic.SwapUint64(&l.slot.pending[w], 0)
		for v != 0 {
			b := bits.TrailingZeros64(v)
			ids = append(ids, EventID(w*64+b))
			v &^= 1 << b
		}
	}
	return ids
}

// BlockingWait sleeps until at least one event id arrives, then drains and
// returns the pending set.
func (l *Listener) BlockingWait() ([]EventID, error) {
	return l.wait(-1)
}

// TimedWait is BlockingWait bounded by timeout. An empty result with a nil
// error means the timeout elapsed with nothing pending.
func (l *Listener) TimedWait(timeout time.Duration) ([]EventID, error) {
	return l.wait(timeout.Nanoseconds())
}

func (l *Listener) wait(timeoutNs int64) ([]EventID, error) {
	var deadline time.Time
	if timeoutNs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		// Snapshot the signal word before checking the pending set: a
		// notification landing in between changes the word and the
		// futex wait returns immediately instead of sleeping past it.
		seq := atomic.LoadUint32(&l.slot.sigSeq)
		if ids := l.TryWait(); len(ids) > 0 {
			return ids, nil
		}

		wait := int64(-1)
		if timeoutNs >= 0 {
			wait = time.Until(deadline).Nanoseconds()
			if wait <= 0 {
				return nil, nil
			}
		}
		if err := sys.FutexWaitTimeout(&l.slot.sigSeq, seq, wait); err != nil {
			if err == sys.ErrFutexTimeout {
				return nil, nil
			}
			return nil, err
		}
	}
}

// Close disconnects the port. A goroutine blocked in BlockingWait is woken
// and returns ErrClosed.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.svc.node.clearAttachment(l.attachIdx)
	if atomic.CompareAndSwapUint32(&l.slot.state, slotActive, slotTomb) {
		atomic.AddUint32(&l.slot.sigSeq, 1)
		sys.FutexWake(&l.slot.sigSeq, 1)
		releaseSlot(l.slot)
	}
	return nil
}

// reclaimNotifier injects the service's dead-notifier event into every
// connected listener. The tombstone CAS in tombstoneSlot makes the
// injection happen exactly once per dead port.
func reclaimNotifier(c *serviceCore, idx, gen uint32) error {
	s, ok := tombstoneSlot(c.prodSlot(idx), gen)
	if !ok {
		return nil
	}
	notifyListeners(c, EventID(c.hdr.qosDeadEventID))
	releaseSlot(s)
	return nil
}

func reclaimListener(c *serviceCore, idx, gen uint32) error {
	if s, ok := tombstoneSlot(c.consSlot(idx), gen); ok {
		releaseSlot(s)
	}
	return nil
}
