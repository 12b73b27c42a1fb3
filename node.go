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
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zerobus/zerobus/internal/mem"
)

const (
	nodeMagic      = "ZBUSNODE"
	nodeVersion    = uint32(1)
	nodeHeaderSize = 256
	maxAttachments = 256
	attachmentSize = 32
	nodeFilePrefix = "zbus_node_"

	nodeStateActive = 1
	nodeStateTomb   = 2
)

// Attachment kinds recorded in the node registry. The reclaimer uses them
// to run the right pattern-specific cleanup for a dead node's resources.
const (
	attachService = 1 + iota
	attachPublisher
	attachSubscriber
	attachNotifier
	attachListener
	attachClient
	attachServer
	attachWriter
	attachReader
)

// nodeHeader is the fixed header of a node registry segment. Peers read it
// to decide liveness; the attachment table after it lists everything the
// node holds, so a reclaimer can free it all.
type nodeHeader struct {
	magic     [8]byte
	version   uint32
	pid       uint32
	state     uint32 // atomic: nodeStateActive -> nodeStateTomb
	nameLen   uint32
	nodeID    uint64
	token     [16]byte
	heartbeat uint64 // atomic, unix nanos
	name      [120]byte
	_reserved [72]byte
}

// attachment is one row of a node's attachment table.
type attachment struct {
	state     uint32 // atomic: 0 free, 1 live
	pattern   uint32
	kind      uint32
	portIndex uint32
	portGen   uint32
	_pad      uint32
	svcHash   uint64
}

// Node is the per-participant entry point: it registers the participant in
// the process-visible directory, acts as the factory context for services
// and ports, and performs peer-liveness housekeeping.
//
// A Node is safe for concurrent use by multiple goroutines of its process.
type Node struct {
	cfg Config
	log *slog.Logger

	id     uint64
	region *mem.Region
	hdr    *nodeHeader

	mu            sync.Mutex // guards the attachment table
	terminated    atomic.Bool
	closed        atomic.Bool
	lastHousekeep atomic.Int64 // unix nanos
}

// NewNode registers a new participant under the given configuration.
func NewNode(cfg Config) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	token := uuid.New()
	id := binary.BigEndian.Uint64(token[:8])

	path := filepath.Join(cfg.SegmentDir, fmt.Sprintf("%s%016x", nodeFilePrefix, id))
	size := uint64(nodeHeaderSize + maxAttachments*attachmentSize)

	region, err := mem.CreateRegion(path, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create node segment: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		log:    cfg.Logger,
		id:     id,
		region: region,
	}
	n.hdr = (*nodeHeader)(region.Ptr(0))

	h := n.hdr
	copy(h.magic[:], nodeMagic)
	h.version = nodeVersion
	h.pid = uint32(os.Getpid())
	h.nodeID = id
	copy(h.token[:], token[:])
	name := cfg.NodeName
	if len(name) > len(h.name) {
		name = name[:len(h.name)]
	}
	h.nameLen = uint32(len(name))
	copy(h.name[:], name)
	atomic.StoreUint64(&h.heartbeat, uint64(time.Now().UnixNano()))
	atomic.StoreUint32(&h.state, nodeStateActive)

	n.log.Info("node created", "node", name, "id", fmt.Sprintf("%016x", id), "pid", h.pid)
	return n, nil
}

// Name returns the node's configured name.
func (n *Node) Name() string {
	return string(n.hdr.name[:n.hdr.nameLen])
}

// ID returns the node's process-visible identity.
func (n *Node) ID() uint64 {
	return n.id
}

// Terminate signals the node to stop. A blocked or subsequent Wait returns
// ErrNodeTerminated.
func (n *Node) Terminate() {
	n.terminated.Store(true)
}

// Wait blocks the calling goroutine for up to timeout, performing due
// housekeeping, and returns ErrNodeTerminated if the node has been
// signaled to terminate. A nil return means the full timeout elapsed.
func (n *Node) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if n.terminated.Load() {
			return ErrNodeTerminated
		}
		if n.housekeepingDue() {
			if err := n.Housekeep(); err != nil {
				n.log.Warn("housekeeping failed", "error", err)
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := 10 * time.Millisecond
		if remaining < slice {
			slice = remaining
		}
		time.Sleep(slice)
	}
}

func (n *Node) housekeepingDue() bool {
	last := n.lastHousekeep.Load()
	return time.Now().UnixNano()-last >= n.cfg.HousekeepingInterval.Nanoseconds()
}

// Housekeep refreshes this node's heartbeat and opportunistically reclaims
// the resources of peers whose processes have terminated. Any node may run
// it at any time; reclamation is idempotent. It must run, directly or via
// Wait, more often than Config.NodeStaleTimeout or peers will declare this
// node dead.
func (n *Node) Housekeep() error {
	n.lastHousekeep.Store(time.Now().UnixNano())
	atomic.StoreUint64(&n.hdr.heartbeat, uint64(time.Now().UnixNano()))
	return n.reclaimDeadNodes()
}

// addAttachment records a held resource in the node's registry so a peer
// can reclaim it if this process dies. Returns the table index.
func (n *Node) addAttachment(kind uint32, p Pattern, svcHash uint64, portIndex, portGen uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < maxAttachments; i++ {
		a := n.attachmentAt(i)
		if atomic.LoadUint32(&a.state) == 0 {
			a.pattern = uint32(p)
			a.kind = kind
			a.portIndex = portIndex
			a.portGen = portGen
			a.svcHash = svcHash
			atomic.StoreUint32(&a.state, 1)
			return i
		}
	}
	// Table full: the resource stays functional but is invisible to
	// reclamation. Loud log, impossible under sane port limits.
	n.log.Error("attachment table full", "node", n.Name())
	return -1
}

func (n *Node) clearAttachment(i int) {
	if i < 0 {
		return
	}
	atomic.StoreUint32(&n.attachmentAt(i).state, 0)
}

func (n *Node) attachmentAt(i int) *attachment {
	return (*attachment)(n.region.Ptr(uint64(nodeHeaderSize + i*attachmentSize)))
}

// Close deregisters the node. Services and ports created through it should
// be closed first; leftovers are reclaimed here through the same paths a
// peer would use had the process died.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.Terminate()
	atomic.StoreUint32(&n.hdr.state, nodeStateTomb)

	n.mu.Lock()
	// Same two-pass order as peer reclamation: ports before service refs.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < maxAttachments; i++ {
			a := n.attachmentAt(i)
			if atomic.LoadUint32(&a.state) != 1 {
				continue
			}
			if (a.kind == attachService) != (pass == 1) {
				continue
			}
			if err := n.reclaimAttachment(a); err != nil {
				n.log.Warn("leftover attachment reclamation failed",
					"kind", a.kind, "service", fmt.Sprintf("%016x", a.svcHash), "error", err)
			}
			atomic.StoreUint32(&a.state, 0)
		}
	}
	n.mu.Unlock()
	err := n.region.Close()
	if rmErr := os.Remove(n.region.Path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	n.log.Info("node closed", "id", fmt.Sprintf("%016x", n.id))
	return err
}
