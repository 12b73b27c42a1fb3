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

import "fmt"

// maxEventIDLimit bounds event ids so the per-listener pending bitset fits
// in four 64-bit words.
const maxEventIDLimit = 255

// QoS fixes every capacity of a service at creation time. No allocation
// happens on the send/receive path afterwards; all sizing derives from
// these values. Zero fields take the defaults from DefaultQoS.
//
// A service's QoS is part of its identity: openers whose requested values
// are incompatible with the created instance are rejected.
type QoS struct {
	// MaxProducers caps publishers, notifiers or clients. Blackboard
	// forces it to 1 (single writer).
	MaxProducers uint32 `yaml:"max_producers"`

	// MaxConsumers caps subscribers, listeners, servers or readers.
	MaxConsumers uint32 `yaml:"max_consumers"`

	// SubscriberMaxBufferSize bounds unread queued samples per
	// publisher-subscriber connection. Also sizes response buffers in
	// request-response services.
	SubscriberMaxBufferSize uint32 `yaml:"subscriber_max_buffer_size"`

	// HistorySize is how many of the most recent samples a late-joining
	// subscriber receives upon connection, independent of buffer size.
	HistorySize uint32 `yaml:"history_size"`

	// SubscriberMaxBorrowedSamples caps samples a subscriber may hold
	// concurrently; the borrow beyond it is a reported error.
	SubscriberMaxBorrowedSamples uint32 `yaml:"subscriber_max_borrowed_samples"`

	// PublisherMaxLoanedSamples caps loaned-but-unsent samples per
	// publisher (and per client / per server for requests and responses).
	PublisherMaxLoanedSamples uint32 `yaml:"publisher_max_loaned_samples"`

	// MaxEventID is the largest event id a notifier may raise. At most
	// maxEventIDLimit.
	MaxEventID uint32 `yaml:"max_event_id"`

	// NotifierDeadEvent is the reserved id injected exactly once when a
	// notifier's process is confirmed dead.
	NotifierDeadEvent uint32 `yaml:"notifier_dead_event"`

	// MaxActiveStreams caps concurrently live request streams in a
	// request-response service.
	MaxActiveStreams uint32 `yaml:"max_active_streams"`
}

// DefaultQoS returns the deployment defaults.
func DefaultQoS() QoS {
	return QoS{
		MaxProducers:                 8,
		MaxConsumers:                 8,
		SubscriberMaxBufferSize:      16,
		HistorySize:                  0,
		SubscriberMaxBorrowedSamples: 4,
		PublisherMaxLoanedSamples:    4,
		MaxEventID:                   maxEventIDLimit,
		NotifierDeadEvent:            maxEventIDLimit,
		MaxActiveStreams:             16,
	}
}

// withDefaults fills zero fields from DefaultQoS. HistorySize stays as
// given: zero history is meaningful.
func (q QoS) withDefaults() QoS {
	d := DefaultQoS()
	if q.MaxProducers == 0 {
		q.MaxProducers = d.MaxProducers
	}
	if q.MaxConsumers == 0 {
		q.MaxConsumers = d.MaxConsumers
	}
	if q.SubscriberMaxBufferSize == 0 {
		q.SubscriberMaxBufferSize = d.SubscriberMaxBufferSize
	}
	if q.SubscriberMaxBorrowedSamples == 0 {
		q.SubscriberMaxBorrowedSamples = d.SubscriberMaxBorrowedSamples
	}
	if q.PublisherMaxLoanedSamples == 0 {
		q.PublisherMaxLoanedSamples = d.PublisherMaxLoanedSamples
	}
	if q.MaxEventID == 0 {
		q.MaxEventID = d.MaxEventID
	}
	if q.NotifierDeadEvent == 0 {
		q.NotifierDeadEvent = d.NotifierDeadEvent
	}
	if q.MaxActiveStreams == 0 {
		q.MaxActiveStreams = d.MaxActiveStreams
	}
	return q
}

func (q QoS) validate() error {
	if q.MaxEventID > maxEventIDLimit {
		return fmt.Errorf("%w: max event id %d exceeds limit %d", ErrInvalidEventID, q.MaxEventID, maxEventIDLimit)
	}
	if q.NotifierDeadEvent > q.MaxEventID {
		return fmt.Errorf("%w: dead event id %d exceeds max event id %d", ErrInvalidEventID, q.NotifierDeadEvent, q.MaxEventID)
	}
	if q.MaxProducers > 32 || q.MaxConsumers > 32 {
		return fmt.Errorf("at most 32 ports per role, got %d producers / %d consumers", q.MaxProducers, q.MaxConsumers)
	}
	return nil
}

// compatibleWith decides whether a service created with "created" QoS can
// be opened by a participant requesting q. Structural capacities must
// match exactly; consumer-side demands must not exceed what was created.
func (q QoS) compatibleWith(created QoS) error {
	if q.MaxProducers != created.MaxProducers || q.MaxConsumers != created.MaxConsumers {
		return fmt.Errorf("%w: port capacities differ (requested %d/%d, created %d/%d)",
			ErrIncompatibleQoS, q.MaxProducers, q.MaxConsumers, created.MaxProducers, created.MaxConsumers)
	}
	if q.SubscriberMaxBufferSize > created.SubscriberMaxBufferSize {
		return fmt.Errorf("%w: buffer size %d exceeds created %d",
			ErrIncompatibleQoS, q.SubscriberMaxBufferSize, created.SubscriberMaxBufferSize)
	}
	if q.HistorySize > created.HistorySize {
		return fmt.Errorf("%w: history size %d exceeds created %d",
			ErrIncompatibleQoS, q.HistorySize, created.HistorySize)
	}
	if q.SubscriberMaxBorrowedSamples > created.SubscriberMaxBorrowedSamples {
		return fmt.Errorf("%w: borrow limit %d exceeds created %d",
			ErrIncompatibleQoS, q.SubscriberMaxBorrowedSamples, created.SubscriberMaxBorrowedSamples)
	}
	if q.PublisherMaxLoanedSamples > created.PublisherMaxLoanedSamples {
		return fmt.Errorf("%w: loan limit %d exceeds created %d",
			ErrIncompatibleQoS, q.PublisherMaxLoanedSamples, created.PublisherMaxLoanedSamples)
	}
	if q.MaxEventID != created.MaxEventID || q.NotifierDeadEvent != created.NotifierDeadEvent {
		return fmt.Errorf("%w: event id configuration differs", ErrIncompatibleQoS)
	}
	if q.MaxActiveStreams > created.MaxActiveStreams {
		return fmt.Errorf("%w: stream limit %d exceeds created %d",
			ErrIncompatibleQoS, q.MaxActiveStreams, created.MaxActiveStreams)
	}
	return nil
}
