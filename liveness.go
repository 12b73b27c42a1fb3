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
	"strings"
	"sync/atomic"
	"time"

	"github.com/zerobus/zerobus/internal/mem"
	"github.com/zerobus/zerobus/internal/sys"
)

// Peer-liveness monitoring is decentralized and opportunistic: there is no
// supervisor. Whichever node runs housekeeping first after a peer dies
// wins the tombstone CAS on the dead node's header and walks its
// attachment table, freeing port slots, draining channels, releasing
// payload references and injecting dead-participant events. Every step is
// guarded by a CAS or refcount transition, so a second concurrent
// reclaimer finds nothing left to do.

func (n *Node) reclaimDeadNodes() error {
	entries, err := os.ReadDir(n.cfg.SegmentDir)
	if err != nil {
		return fmt.Errorf("failed to scan segment directory: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), nodeFilePrefix) {
			continue
		}
		path := filepath.Join(n.cfg.SegmentDir, e.Name())
		if err := n.inspectPeer(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Node) inspectPeer(path string) error {
	size := uint64(nodeHeaderSize + maxAttachments*attachmentSize)
	region, err := mem.OpenRegion(path, size)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // concurrent reclaimer already unlinked it
		}
		return err
	}
	defer region.Close()

	hdr := (*nodeHeader)(region.Ptr(0))
	if string(hdr.magic[:]) != nodeMagic || hdr.nodeID == n.id {
		return nil
	}
	if nodeAlive(hdr, n.cfg.NodeStaleTimeout) && atomic.LoadUint32(&hdr.state) == nodeStateActive {
		return nil
	}

	// The tombstone CAS elects exactly one reclaimer.
	if !atomic.CompareAndSwapUint32(&hdr.state, nodeStateActive, nodeStateTomb) {
		return nil
	}

	n.log.Info("reclaiming dead node",
		"dead", fmt.Sprintf("%016x", hdr.nodeID), "pid", hdr.pid)

	// Ports first, service refs second: a service's last-reference unlink
	// check must not run while the dead node's own ports still count as
	// live users of the segment.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < maxAttachments; i++ {
			a := (*attachment)(region.Ptr(uint64(nodeHeaderSize + i*attachmentSize)))
			if atomic.LoadUint32(&a.state) != 1 {
				continue
			}
			if (a.kind == attachService) != (pass == 1) {
				continue
			}
			if err := n.reclaimAttachment(a); err != nil {
				n.log.Warn("attachment reclamation failed",
					"kind", a.kind, "service", fmt.Sprintf("%016x", a.svcHash), "error", err)
			}
			atomic.StoreUint32(&a.state, 0)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (n *Node) reclaimAttachment(a *attachment) error {
	p := Pattern(a.pattern)
	path := serviceFileName(n.cfg.SegmentDir, p, a.svcHash)

	region, err := mem.OpenRegion(path, serviceHeaderSize)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // service already gone
		}
		return err
	}

	core := &serviceCore{node: n, region: region}
	core.hdr = (*serviceHeader)(region.Ptr(0))
	if !core.hdr.ready() || region.Size() < core.hdr.totalSize {
		region.Close()
		return nil
	}
	defer region.Close()

	switch a.kind {
	case attachService:
		if core.hdr.dropNodeRef() == 0 && !core.hasLivePorts() {
			core.region.Unlink()
		}
		return nil
	case attachPublisher:
		return reclaimPublisher(core, a.portIndex, a.portGen)
	case attachSubscriber:
		return reclaimSubscriber(core, a.portIndex, a.portGen)
	case attachNotifier:
		return reclaimNotifier(core, a.portIndex, a.portGen)
	case attachListener:
		return reclaimListener(core, a.portIndex, a.portGen)
	case attachClient:
		return reclaimClient(core, a.portIndex, a.portGen)
	case attachServer:
		return reclaimServer(core, a.portIndex, a.portGen)
	case attachWriter, attachReader:
		return reclaimBlackboardPort(core, a.kind, a.portIndex, a.portGen)
	default:
		return fmt.Errorf("unknown attachment kind %d", a.kind)
	}
}

// nodeAlive decides peer liveness: the registered pid must exist and the
// heartbeat must be recent. The pid probe alone is not enough, pids get
// recycled.
func nodeAlive(hdr *nodeHeader, staleAfter time.Duration) bool {
	if !sys.ProcessAlive(int(hdr.pid)) {
		return false
	}
	hb := time.Unix(0, int64(atomic.LoadUint64(&hdr.heartbeat)))
	return time.Since(hb) < staleAfter
}

// tombstoneSlot claims a dead port slot for reclamation. Returns the slot
// when this caller won the active -> tomb transition and the generation
// still matches; otherwise the port was already reclaimed or reused.
func tombstoneSlot(s *portSlot, gen uint32) (*portSlot, bool) {
	if atomic.LoadUint32(&s.gen) != gen {
		return nil, false
	}
	if !atomic.CompareAndSwapUint32(&s.state, slotActive, slotTomb) {
		return nil, false
	}
	return s, true
}
