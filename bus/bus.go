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

// Package bus implements the transfer event multiplexer. Observers subscribe
// by transfer id or to the global firehose; delivery is best-effort and lossy
// on slow consumers, and a publisher is never blocked by a subscriber.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/firma-sign/go-firma-sign/core/types"
)

// EventType names a bus event.
type EventType string

const (
	EventTransferCreated   EventType = "transfer:created"
	EventTransferStatus    EventType = "transfer:status"
	EventTransferDelivered EventType = "transfer:delivered"
	EventTransferSigned    EventType = "transfer:signed"
	EventTransferCompleted EventType = "transfer:completed"
	EventTransferFailed    EventType = "transfer:failed"
	EventTransportError    EventType = "transport:error"

	// EventLag is injected into a subscriber's stream after events had to be
	// dropped because its buffer was full. Dropped carries the count.
	EventLag EventType = "lag"
)

// Event is one transfer-state delta pushed to observers.
type Event struct {
	Type       EventType            `json:"type"`
	TransferID string               `json:"transferId,omitempty"`
	Status     types.TransferStatus `json:"status,omitempty"`
	Transport  string               `json:"transport,omitempty"`
	DocumentID string               `json:"documentId,omitempty"`
	Error      string               `json:"error,omitempty"`
	Dropped    int                  `json:"dropped,omitempty"`
	Time       time.Time            `json:"time"`
}

var ErrBusClosed = errors.New("bus: closed")

var (
	publishedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "bus", Name: "events_published_total",
		Help: "Events published on the subscription bus.",
	})
	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "bus", Name: "events_dropped_total",
		Help: "Events dropped on slow subscribers.",
	})
)

// DefaultBuffer is the per-subscriber buffer used when the caller passes a
// non-positive size.
const DefaultBuffer = 64

// Bus dispatches events to registered subscribers. Any operation called
// after Close returns ErrBusClosed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a running bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers an observer for one transfer id, or for every event
// when transferID is empty. The returned subscription owns a bounded buffer;
// a consumer that falls behind loses the oldest events and receives a lag
// marker in their place.
func (b *Bus) Subscribe(transferID string, buffer int) (*Subscription, error) {
	if buffer < 2 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus:        b,
		transferID: transferID,
		ch:         make(chan Event, buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to the firehose and to subscribers of ev.TransferID.
// It never blocks on a slow consumer.
func (b *Bus) Publish(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	publishedCounter.Inc()
	for sub := range b.subs {
		if sub.transferID == "" || sub.transferID == ev.TransferID {
			sub.deliver(ev)
		}
	}
	return nil
}

// Close terminates the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.shutdown()
	}
	b.subs = nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	delete(b.subs, sub)
}

// Subscription is one observer's view of the bus. Events arrive on Chan in
// publication order; there are no persistence guarantees, and after a
// reconnect the client must refetch state.
type Subscription struct {
	bus        *Bus
	transferID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Chan returns the event channel. It is closed on Unsubscribe or bus close.
func (s *Subscription) Chan() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues ev, evicting the oldest buffered events when full so that
// a lag marker plus ev always fit. The publisher never waits.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full. Make room for the lag marker and the new event.
	dropped := 0
	for len(s.ch) > cap(s.ch)-2 {
		select {
		case old := <-s.ch:
			if old.Type == EventLag {
				dropped += old.Dropped
			} else {
				dropped++
			}
		default:
		}
	}
	if dropped > 0 {
		droppedCounter.Add(float64(dropped))
		s.ch <- Event{Type: EventLag, TransferID: ev.TransferID, Dropped: dropped, Time: time.Now()}
	}
	s.ch <- ev
}
