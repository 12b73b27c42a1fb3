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
	"sort"
	"strings"
	"time"

	"github.com/zerobus/zerobus/internal/mem"
)

// The service directory is the segment directory itself: every service and
// node is one file, discoverable without a broker. Listing maps the files
// read-only and never mutates shared state.

// ServiceInfo describes one discovered service.
type ServiceInfo struct {
	Name        string
	Pattern     Pattern
	Producers   int
	Consumers   int
	NodeRefs    uint32
	PayloadSize uint64
	SegmentSize uint64
	QoS         QoS
}

// NodeInfo describes one discovered node.
type NodeInfo struct {
	Name      string
	ID        uint64
	PID       uint32
	Alive     bool
	Heartbeat time.Time
}

// ListServices enumerates the ready services under the configured segment
// directory, sorted by name.
func ListServices(cfg Config) ([]ServiceInfo, error) {
	cfg.applyDefaults()
	entries, err := os.ReadDir(cfg.SegmentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan segment directory: %w", err)
	}

	var infos []ServiceInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "zbus_svc_") {
			continue
		}
		info, err := inspectService(filepath.Join(cfg.SegmentDir, e.Name()))
		if err != nil {
			continue // mid-creation or stale, skip
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func inspectService(path string) (ServiceInfo, error) {
	region, err := mem.OpenRegion(path, serviceHeaderSize)
	if err != nil {
		return ServiceInfo{}, err
	}
	defer region.Close()

	hdr := (*serviceHeader)(region.Ptr(0))
	if string(hdr.magic[:]) != serviceMagic || !hdr.ready() || region.Size() < hdr.totalSize {
		return ServiceInfo{}, fmt.Errorf("segment %s not ready", path)
	}

	core := &serviceCore{region: region, hdr: hdr}
	return ServiceInfo{
		Name:        hdr.serviceName(),
		Pattern:     Pattern(hdr.pattern),
		Producers:   core.activeProducers(),
		Consumers:   core.activeConsumers(),
		NodeRefs:    hdr.nodeRefs,
		PayloadSize: hdr.typeSize,
		SegmentSize: hdr.totalSize,
		QoS:         hdr.qos(),
	}, nil
}

// ListNodes enumerates the registered nodes under the configured segment
// directory, sorted by name.
func ListNodes(cfg Config) ([]NodeInfo, error) {
	cfg.applyDefaults()
	entries, err := os.ReadDir(cfg.SegmentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan segment directory: %w", err)
	}

	var infos []NodeInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), nodeFilePrefix) {
			continue
		}
		size := uint64(nodeHeaderSize + maxAttachments*attachmentSize)
		region, err := mem.OpenRegion(filepath.Join(cfg.SegmentDir, e.Name()), size)
		if err != nil {
			continue
		}
		hdr := (*nodeHeader)(region.Ptr(0))
		if string(hdr.magic[:]) == nodeMagic {
			infos = append(infos, NodeInfo{
				Name:      string(hdr.name[:hdr.nameLen]),
				ID:        hdr.nodeID,
				PID:       hdr.pid,
				Alive:     nodeAlive(hdr, cfg.NodeStaleTimeout),
				Heartbeat: time.Unix(0, int64(hdr.heartbeat)),
			})
		}
		region.Close()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
