// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastSubscriberSeesEverythingInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("", 128)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(Event{Type: EventTransferStatus, TransferID: fmt.Sprintf("t%d", i)}))
	}
	for i := 0; i < 100; i++ {
		ev := <-sub.Chan()
		assert.Equal(t, EventTransferStatus, ev.Type)
		assert.Equal(t, fmt.Sprintf("t%d", i), ev.TransferID)
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("", 4)
	require.NoError(t, err)

	// Nobody reads; the buffer overflows and old events are evicted.
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(Event{Type: EventTransferStatus, TransferID: "t1"}))
	}

	sawLag := false
	total := 0
	for len(sub.Chan()) > 0 {
		ev := <-sub.Chan()
		total++
		if ev.Type == EventLag {
			sawLag = true
			assert.Greater(t, ev.Dropped, 0)
		}
	}
	assert.True(t, sawLag, "stalled subscriber must see a lag marker")
	assert.LessOrEqual(t, total, 4)
}

func TestPerTransferSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("t1", 8)
	require.NoError(t, err)

	require.NoError(t, b.Publish(Event{Type: EventTransferCreated, TransferID: "t2"}))
	require.NoError(t, b.Publish(Event{Type: EventTransferCreated, TransferID: "t1"}))

	ev := <-sub.Chan()
	assert.Equal(t, "t1", ev.TransferID)
	assert.Empty(t, sub.Chan())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("", 8)
	require.NoError(t, err)
	sub.Unsubscribe()

	_, ok := <-sub.Chan()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	require.NoError(t, b.Publish(Event{Type: EventTransferStatus, TransferID: "t1"}))
}

func TestClosedBus(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("", 8)
	require.NoError(t, err)

	b.Close()
	_, ok := <-sub.Chan()
	assert.False(t, ok)

	assert.Equal(t, ErrBusClosed, b.Publish(Event{Type: EventTransferStatus}))
	_, err = b.Subscribe("", 8)
	assert.Equal(t, ErrBusClosed, err)
}
