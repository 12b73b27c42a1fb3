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
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zerobus/zerobus/internal/mem"
)

// Pattern tags the messaging pattern a service is bound to. The directory
// stores the tag; port construction pattern-matches on it.
type Pattern uint32

const (
	PatternPublishSubscribe Pattern = 1 + iota
	PatternEvent
	PatternRequestResponse
	PatternBlackboard
)

// String returns the short token used in segment file names.
func (p Pattern) String() string {
	switch p {
	case PatternPublishSubscribe:
		return "pubsub"
	case PatternEvent:
		return "event"
	case PatternRequestResponse:
		return "reqres"
	case PatternBlackboard:
		return "blackboard"
	default:
		return "unknown"
	}
}

const (
	serviceMagic      = "ZBUSSVC\x00"
	serviceVersion    = uint32(1)
	serviceHeaderSize = 512
	portSlotSize      = 128
	maxServiceName    = 128

	svcStateInitializing = 0
	svcStateReady        = 1
)

// serviceHeader is the fixed header of every service segment. Everything
// except state and nodeRefs is written by the creator before the segment
// is marked ready and is immutable afterwards.
type serviceHeader struct {
	magic   [8]byte
	version uint32
	pattern uint32

	state    uint32 // atomic: svcStateInitializing -> svcStateReady
	nodeRefs uint32 // atomic: attached node handles

	totalSize uint64
	nameHash  uint64
	nameLen   uint32
	_pad0     uint32
	name      [maxServiceName]byte

	typeHash  uint64
	typeSize  uint64
	typeAlign uint64

	type2Hash  uint64
	type2Size  uint64
	type2Align uint64

	qosMaxProducers uint32
	qosMaxConsumers uint32
	qosBufferSize   uint32
	qosHistorySize  uint32
	qosMaxBorrow    uint32
	qosMaxLoans     uint32
	qosMaxEventID   uint32
	qosDeadEventID  uint32
	qosMaxStreams   uint32
	entryCount      uint32

	// Section offsets, all relative to the segment base. Unused sections
	// for a pattern stay zero.
	prodRegOff     uint64
	consRegOff     uint64
	loansOff       uint64
	borrowsOff     uint64
	histOff        uint64
	chanOff        uint64
	chanStride     uint64
	poolOff        uint64
	pool2Off       uint64
	streamsOff     uint64
	streamRespOff  uint64
	streamMoreOff  uint64
	freeStreamsOff uint64
	entriesOff     uint64
	valuesOff      uint64
}

func (h *serviceHeader) ready() bool {
	return atomic.LoadUint32(&h.state) == svcStateReady
}

func (h *serviceHeader) markReady() {
	atomic.StoreUint32(&h.state, svcStateReady)
}

func (h *serviceHeader) addNodeRef() {
	atomic.AddUint32(&h.nodeRefs, 1)
}

func (h *serviceHeader) dropNodeRef() uint32 {
	return atomic.AddUint32(&h.nodeRefs, ^uint32(0))
}

func (h *serviceHeader) serviceName() string {
	return string(h.name[:h.nameLen])
}

func (h *serviceHeader) qos() QoS {
	return QoS{
		MaxProducers:                 h.qosMaxProducers,
		MaxConsumers:                 h.qosMaxConsumers,
		SubscriberMaxBufferSize:      h.qosBufferSize,
		HistorySize:                  h.qosHistorySize,
		SubscriberMaxBorrowedSamples: h.qosMaxBorrow,
		PublisherMaxLoanedSamples:    h.qosMaxLoans,
		MaxEventID:                   h.qosMaxEventID,
		NotifierDeadEvent:            h.qosDeadEventID,
		MaxActiveStreams:             h.qosMaxStreams,
	}
}

func (h *serviceHeader) setQoS(q QoS) {
	h.qosMaxProducers = q.MaxProducers
	h.qosMaxConsumers = q.MaxConsumers
	h.qosBufferSize = q.SubscriberMaxBufferSize
	h.qosHistorySize = q.HistorySize
	h.qosMaxBorrow = q.SubscriberMaxBorrowedSamples
	h.qosMaxLoans = q.PublisherMaxLoanedSamples
	h.qosMaxEventID = q.MaxEventID
	h.qosDeadEventID = q.NotifierDeadEvent
	h.qosMaxStreams = q.MaxActiveStreams
}

// Port slot states. Free slots are claimed with a CAS through claiming so
// two racing port constructors cannot both win; tombstones mark ports of a
// dead process until reclamation finishes.
const (
	slotFree     = 0
	slotActive   = 1
	slotTomb     = 2
	slotClaiming = 3
)

// portSlot is one entry of a port registry. The same 128-byte shape serves
// every role; roles use the generic fields differently:
//   - publishers keep their history write cursor in cursor
//   - listeners keep the futex signal word in sigSeq and the coalescing
//     event bitset in pending
type portSlot struct {
	state     uint32
	pid       uint32
	nodeID    uint64
	gen       uint32
	sigSeq    uint32
	cursor    uint64
	pending   [4]uint64
	_reserved [64]byte
}

func (s *portSlot) stateIs(v uint32) bool {
	return atomic.LoadUint32(&s.state) == v
}

// serviceCore is the process-local handle onto a mapped service segment.
// Pattern-specific wrappers embed it.
type serviceCore struct {
	node      *Node
	region    *mem.Region
	hdr       *serviceHeader
	name      string
	attachIdx int
	closed    atomic.Bool
}

func serviceFileName(dir string, p Pattern, nameHash uint64) string {
	return filepath.Join(dir, fmt.Sprintf("zbus_svc_%s_%016x", p, nameHash))
}

// sectionBuilder accumulates 64-byte aligned section offsets during
// segment layout computation.
type sectionBuilder struct {
	off uint64
}

func newSectionBuilder() *sectionBuilder {
	return &sectionBuilder{off: serviceHeaderSize}
}

func (b *sectionBuilder) add(size uint64) uint64 {
	o := b.off
	b.off += mem.Align64(size)
	return o
}

func (b *sectionBuilder) total() uint64 {
	return b.off
}

// openOrCreateService maps the segment for (name, pattern), creating and
// initializing it when absent. Creation is first-writer-wins through
// exclusive file creation; losers open and validate compatibility.
//
// totalSize and initFn are only consulted on the create path; initFn runs
// on the zeroed mapping before the ready flag is published.
func openOrCreateService(node *Node, p Pattern, name string, q QoS, td, td2 TypeDescriptor,
	totalSize uint64, initFn func(*serviceCore)) (*serviceCore, error) {

	if len(name) == 0 || len(name) > maxServiceName {
		return nil, fmt.Errorf("service name length must be 1..%d", maxServiceName)
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	path := serviceFileName(node.cfg.SegmentDir, p, hashString(name))

	region, err := mem.CreateRegion(path, totalSize)
	switch {
	case err == nil:
		core := &serviceCore{node: node, region: region, name: name}
		core.hdr = (*serviceHeader)(region.Ptr(0))
		h := core.hdr
		copy(h.magic[:], serviceMagic)
		h.version = serviceVersion
		h.pattern = uint32(p)
		h.totalSize = totalSize
		h.nameHash = hashString(name)
		h.nameLen = uint32(len(name))
		copy(h.name[:], name)
		h.typeHash = td.NameHash()
		h.typeSize = td.Size
		h.typeAlign = td.Align
		h.type2Hash = td2.NameHash()
		h.type2Size = td2.Size
		h.type2Align = td2.Align
		h.setQoS(q)
		initFn(core)
		h.markReady()

		node.log.Info("service created",
			"service", name, "pattern", p.String(), "segment", path, "size", totalSize)

		core.attach()
		return core, nil

	case os.IsExist(err):
		core, err := openExistingService(node, p, name, path, q, td, td2)
		if err != nil {
			return nil, err
		}
		node.log.Debug("service opened", "service", name, "pattern", p.String(), "segment", path)
		return core, nil

	default:
		return nil, fmt.Errorf("failed to create service segment: %w", err)
	}
}

func openExistingService(node *Node, p Pattern, name, path string, q QoS, td, td2 TypeDescriptor) (*serviceCore, error) {
	deadline := time.Now().Add(node.cfg.ServiceReadyTimeout)

	for {
		region, err := mem.OpenRegion(path, serviceHeaderSize)
		if err != nil {
			// The creator may not have truncated the file yet.
			if time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
				continue
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

		// Mapped mid-truncate: the ready header knows the real size.
		if region.Size() < hdr.totalSize {
			region.Close()
			continue
		}

		core := &serviceCore{node: node, region: region, name: name}
		core.hdr = hdr
		if err := core.validateCompatibility(p, name, q, td, td2); err != nil {
			region.Close()
			return nil, err
		}
		core.attach()
		return core, nil
	}
}

func (c *serviceCore) validateCompatibility(p Pattern, name string, q QoS, td, td2 TypeDescriptor) error {
	h := c.hdr
	if string(h.magic[:]) != serviceMagic {
		return fmt.Errorf("segment %s has invalid magic bytes", c.region.Path)
	}
	if h.version != serviceVersion {
		return fmt.Errorf("segment %s: unsupported version %d, expected %d", c.region.Path, h.version, serviceVersion)
	}
	if Pattern(h.pattern) != p {
		return fmt.Errorf("%w: %s is %s, requested %s", ErrWrongPattern, name, Pattern(h.pattern), p)
	}
	if h.serviceName() != name {
		return fmt.Errorf("service name hash collision: segment holds %q, requested %q", h.serviceName(), name)
	}
	if h.typeHash != td.NameHash() || h.typeSize != td.Size || h.typeAlign != td.Align {
		return fmt.Errorf("%w: service %s carries %s (size=%d align=%d), requested %s",
			ErrIncompatibleType, name, "different payload type", h.typeSize, h.typeAlign, td)
	}
	if h.type2Hash != td2.NameHash() || h.type2Size != td2.Size || h.type2Align != td2.Align {
		return fmt.Errorf("%w: service %s carries a different response type", ErrIncompatibleType, name)
	}
	return q.compatibleWith(h.qos())
}

func (c *serviceCore) attach() {
	c.hdr.addNodeRef()
	c.attachIdx = c.node.addAttachment(attachService, Pattern(c.hdr.pattern), c.hdr.nameHash, 0, 0)
}

// close drops this node's reference. The last reference with no live ports
// unlinks the segment file.
func (c *serviceCore) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.node.clearAttachment(c.attachIdx)
	if c.hdr.dropNodeRef() == 0 && !c.hasLivePorts() {
		c.region.Unlink()
	}
	return c.region.Close()
}

func (c *serviceCore) hasLivePorts() bool {
	h := c.hdr
	for i := uint32(0); i < h.qosMaxProducers; i++ {
		if !c.prodSlot(i).stateIs(slotFree) {
			return true
		}
	}
	for i := uint32(0); i < h.qosMaxConsumers; i++ {
		if !c.consSlot(i).stateIs(slotFree) {
			return true
		}
	}
	return false
}

func (c *serviceCore) activeProducers() int {
	n := 0
	for i := uint32(0); i < c.hdr.qosMaxProducers; i++ {
		if c.prodSlot(i).stateIs(slotActive) {
			n++
		}
	}
	return n
}

func (c *serviceCore) activeConsumers() int {
	n := 0
	for i := uint32(0); i < c.hdr.qosMaxConsumers; i++ {
		if c.consSlot(i).stateIs(slotActive) {
			n++
		}
	}
	return n
}

func (c *serviceCore) prodSlot(i uint32) *portSlot {
	return (*portSlot)(c.region.Ptr(c.hdr.prodRegOff + uint64(i)*portSlotSize))
}

func (c *serviceCore) consSlot(i uint32) *portSlot {
	return (*portSlot)(c.region.Ptr(c.hdr.consRegOff + uint64(i)*portSlotSize))
}

// claimSlot takes a free slot in the registry at regOff. The slot is
// returned in the claiming state: peers skip it until the caller finishes
// its role-specific setup (e.g. history catch-up) and calls activateSlot.
// Returns ErrPortLimit when all slots are taken.
func (c *serviceCore) claimSlot(regOff uint64, count uint32) (uint32, *portSlot, error) {
	for i := uint32(0); i < count; i++ {
		s := (*portSlot)(c.region.Ptr(regOff + uint64(i)*portSlotSize))
		if atomic.CompareAndSwapUint32(&s.state, slotFree, slotClaiming) {
			s.pid = uint32(os.Getpid())
			s.nodeID = c.node.id
			atomic.StoreUint32(&s.sigSeq, 0)
			atomic.StoreUint64(&s.cursor, 0)
			for w := range s.pending {
				atomic.StoreUint64(&s.pending[w], 0)
			}
			return i, s, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: all %d slots taken", ErrPortLimit, count)
}

func activateSlot(s *portSlot) {
	atomic.StoreUint32(&s.state, slotActive)
}

// releaseSlot frees a slot after its owner drained it, bumping the
// generation so stale references to the old occupant are detectable.
func releaseSlot(s *portSlot) {
	atomic.AddUint32(&s.gen, 1)
	atomic.StoreUint32(&s.state, slotFree)
}

// chanQueue returns the index queue of the (producer, consumer) pair.
func (c *serviceCore) chanQueue(prod, cons uint32) *mem.Queue {
	h := c.hdr
	idx := uint64(prod)*uint64(h.qosMaxConsumers) + uint64(cons)
	return mem.ViewQueue(c.region.Ptr(h.chanOff + idx*h.chanStride))
}

func (c *serviceCore) pool() *mem.Pool {
	return mem.ViewPool(c.region.Ptr(c.hdr.poolOff))
}

func (c *serviceCore) pool2() *mem.Pool {
	return mem.ViewPool(c.region.Ptr(c.hdr.pool2Off))
}

// loanCell returns the k-th loan-tracking cell of producer slot i. Cells
// record slot index + 1 so zero means vacant; the reclaimer releases
// whatever a dead producer left recorded.
func (c *serviceCore) loanCell(i, k uint32) *uint64 {
	off := c.hdr.loansOff + (uint64(i)*uint64(c.hdr.qosMaxLoans)+uint64(k))*8
	return (*uint64)(c.region.Ptr(off))
}

// borrowCell returns the k-th borrow-tracking cell of consumer slot i.
func (c *serviceCore) borrowCell(i, k uint32) *uint64 {
	off := c.hdr.borrowsOff + (uint64(i)*uint64(c.hdr.qosMaxBorrow)+uint64(k))*8
	return (*uint64)(c.region.Ptr(off))
}

// histEntry is one cell of a publisher's history ring. seq orders the
// entries and doubles as the torn-read guard for concurrent catch-up.
type histEntry struct {
	slotPlus1 uint64
	seq       uint64
}

func (c *serviceCore) histEntry(prod uint32, pos uint64) *histEntry {
	h := c.hdr
	off := c.hdr.histOff + (uint64(prod)*uint64(h.qosHistorySize)+pos)*uint64(unsafe.Sizeof(histEntry{}))
	return (*histEntry)(c.region.Ptr(off))
}

func (c *serviceCore) payloadSize() uint64 {
	return c.hdr.typeSize
}
