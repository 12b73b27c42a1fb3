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
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zerobus/zerobus/internal/mem"
)

func unsafeByteSlice(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Raw ports attach to an existing publish-subscribe service without
// knowing its payload type at compile time, exchanging payloads as byte
// slices instead. They exist for generic tooling: recording, replay and
// monitoring. The byte payloads are copied at the port boundary; type
// fidelity is the caller's responsibility, guarded only by the payload
// size recorded at service creation.

// RawPubSub is an untyped handle onto an existing publish-subscribe
// service.
type RawPubSub struct {
	core *serviceCore
}

// OpenPubSubRaw attaches to an existing publish-subscribe service by name.
// Unlike OpenPubSub it never creates the service and skips type and QoS
// negotiation.
func OpenPubSubRaw(node *Node, name string) (*RawPubSub, error) {
	path := serviceFileName(node.cfg.SegmentDir, PatternPublishSubscribe, hashString(name))
	deadline := time.Now().Add(node.cfg.ServiceReadyTimeout)

	for {
		region, err := mem.OpenRegion(path, serviceHeaderSize)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("no publish-subscribe service %q", name)
			}
			return nil, fmt.Errorf("failed to open service segment: %w", err)
		}

		hdr := (*serviceHeader)(region.Ptr(0))
		for !hdr.ready() {
			if time.Now().After(deadline) {
				region.Close()
				return nil, fmt.Errorf("%w: %s", ErrServiceNotReady, name)
			}
			time.Sleep(time.Millisecond)
		}
		if region.Size() < hdr.totalSize {
			region.Close()
			continue
		}

		core := &serviceCore{node: node, region: region, name: name}
		core.hdr = hdr
		if string(hdr.magic[:]) != serviceMagic || hdr.version != serviceVersion {
			region.Close()
			return nil, fmt.Errorf("segment %s is not a valid service segment", path)
		}
		if Pattern(hdr.pattern) != PatternPublishSubscribe {
			region.Close()
			return nil, fmt.Errorf("%w: %s is %s", ErrWrongPattern, name, Pattern(hdr.pattern))
		}
		if hdr.serviceName() != name {
			region.Close()
			return nil, fmt.Errorf("service name hash collision: segment holds %q", hdr.serviceName())
		}
		core.attach()
		return &RawPubSub{core: core}, nil
	}
}

// Name returns the service name.
func (s *RawPubSub) Name() string {
	return s.core.name
}

// QoS returns the capacities the service was created with.
func (s *RawPubSub) QoS() QoS {
	return s.core.hdr.qos()
}

// PayloadType returns the stored payload type identity: name hash, size
// and alignment. The original type name is not recoverable.
func (s *RawPubSub) PayloadType() (hash, size, align uint64) {
	h := s.core.hdr
	return h.typeHash, h.typeSize, h.typeAlign
}

// Close drops this node's handle on the service.
func (s *RawPubSub) Close() error {
	return s.core.close()
}

// RawPublisher publishes byte payloads onto the service.
//
// A RawPublisher is not safe for concurrent use by multiple goroutines.
type RawPublisher struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewPublisher connects an untyped publisher port. It counts against
// MaxProducers like a typed one.
func (s *RawPubSub) NewPublisher() (*RawPublisher, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.prodRegOff, c.hdr.qosMaxProducers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	p := &RawPublisher{svc: c, idx: idx, slot: slot}
	p.attachIdx = c.node.addAttachment(attachPublisher, PatternPublishSubscribe,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return p, nil
}

// Send copies payload into a loaned slot and publishes it. The payload
// must not exceed the service's payload size.
func (p *RawPublisher) Send(payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if uint64(len(payload)) > p.svc.payloadSize() {
		return fmt.Errorf("%w: %d bytes exceed payload size %d",
			ErrPayloadSize, len(payload), p.svc.payloadSize())
	}
	slotIdx, cell, err := pubLoan(p.svc, p.idx)
	if err != nil {
		return err
	}
	pool := p.svc.pool()
	if len(payload) > 0 {
		copy(unsafeByteSlice(pool.Payload(slotIdx), len(payload)), payload)
	}
	pool.SetPayloadLen(slotIdx, uint64(len(payload)))
	pubSend(p.svc, p.idx, p.slot, slotIdx, cell)
	return nil
}

// Close disconnects the port.
func (p *RawPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.svc.node.clearAttachment(p.attachIdx)
	if atomic.CompareAndSwapUint32(&p.slot.state, slotActive, slotTomb) {
		pubTeardown(p.svc, p.idx, p.slot)
	}
	return nil
}

// RawSubscriber receives byte payloads from the service. Payloads are
// copied out and released immediately, so raw subscribers never hold
// borrows.
//
// A RawSubscriber is not safe for concurrent use by multiple goroutines.
type RawSubscriber struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	rr        uint32
	closed    atomic.Bool
}

// NewSubscriber connects an untyped subscriber port. History is delivered
// like to a typed subscriber.
func (s *RawPubSub) NewSubscriber() (*RawSubscriber, error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.consRegOff, c.hdr.qosMaxConsumers)
	if err != nil {
		return nil, err
	}
	subDrainLeftovers(c, idx)
	subCatchUp(c, idx)
	activateSlot(slot)

	sub := &RawSubscriber{svc: c, idx: idx, slot: slot}
	sub.attachIdx = c.node.addAttachment(attachSubscriber, PatternPublishSubscribe,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return sub, nil
}

// Receive returns a copy of the next unread payload, or (nil, nil) when
// no sample is queued.
func (sub *RawSubscriber) Receive() ([]byte, error) {
	if sub.closed.Load() {
		return nil, ErrClosed
	}
	slotIdx, ok := subReceive(sub.svc, sub.idx, &sub.rr)
	if !ok {
		return nil, nil
	}
	pool := sub.svc.pool()
	out := append([]byte(nil), pool.PayloadBytes(slotIdx)...)
	pool.Release(slotIdx)
	return out, nil
}

// HasSamples reports whether at least one unread sample is queued.
func (sub *RawSubscriber) HasSamples() bool {
	h := sub.svc.hdr
	for pi := uint32(0); pi < h.qosMaxProducers; pi++ {
		if sub.svc.chanQueue(pi, sub.idx).Len() > 0 {
			return true
		}
	}
	return false
}

// Close disconnects the port, dropping unread samples.
func (sub *RawSubscriber) Close() error {
	if !sub.closed.CompareAndSwap(false, true) {
		return nil
	}
	sub.svc.node.clearAttachment(sub.attachIdx)
	if atomic.CompareAndSwapUint32(&sub.slot.state, slotActive, slotTomb) {
		subTeardown(sub.svc, sub.idx, sub.slot)
	}
	return nil
}
