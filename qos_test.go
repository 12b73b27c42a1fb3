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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQoSWithDefaults(t *testing.T) {
	q := QoS{MaxProducers: 2}.withDefaults()
	d := DefaultQoS()

	require.Equal(t, uint32(2), q.MaxProducers)
	require.Equal(t, d.MaxConsumers, q.MaxConsumers)
	require.Equal(t, d.SubscriberMaxBufferSize, q.SubscriberMaxBufferSize)
	require.Zero(t, q.HistorySize, "zero history is meaningful and stays zero")
	require.Equal(t, d.MaxActiveStreams, q.MaxActiveStreams)
}

func TestQoSValidate(t *testing.T) {
	require.NoError(t, DefaultQoS().validate())

	q := DefaultQoS()
	q.MaxEventID = maxEventIDLimit + 1
	require.ErrorIs(t, q.validate(), ErrInvalidEventID)

	q = DefaultQoS()
	q.MaxEventID = 4
	q.NotifierDeadEvent = 5
	require.ErrorIs(t, q.validate(), ErrInvalidEventID)

	q = DefaultQoS()
	q.MaxProducers = 33
	require.Error(t, q.validate())
}

func TestQoSCompatibility(t *testing.T) {
	created := DefaultQoS()

	require.NoError(t, DefaultQoS().compatibleWith(created))

	// Structural capacities must match exactly.
	q := DefaultQoS()
	q.MaxProducers = 4
	require.ErrorIs(t, q.compatibleWith(created), ErrIncompatibleQoS)

	// Consumer-side demands may shrink but not grow.
	q = DefaultQoS()
	q.SubscriberMaxBufferSize = created.SubscriberMaxBufferSize - 1
	require.NoError(t, q.compatibleWith(created))
	q.SubscriberMaxBufferSize = created.SubscriberMaxBufferSize + 1
	require.ErrorIs(t, q.compatibleWith(created), ErrIncompatibleQoS)

	q = DefaultQoS()
	q.HistorySize = 1
	require.ErrorIs(t, q.compatibleWith(created), ErrIncompatibleQoS)

	q = DefaultQoS()
	q.MaxEventID = 7
	q.NotifierDeadEvent = 7
	require.ErrorIs(t, q.compatibleWith(created), ErrIncompatibleQoS)

	q = DefaultQoS()
	q.MaxActiveStreams = created.MaxActiveStreams + 1
	require.ErrorIs(t, q.compatibleWith(created), ErrIncompatibleQoS)
}
