// Copyright 2025 NORDUnet A/S
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub distributes connection state changes to subscribers. It
// backs the REST long-poll stream and lets the aggregator observe child
// progress without reaching into the backend.
package pubsub

import (
	"sync"
	"time"

	"github.com/nordunet/opennsa-go/pkg/nsi"
)

// StateUpdate is one state change of a connection.
type StateUpdate struct {
	ConnectionID string               `json:"connection_id"`
	States       nsi.ConnectionStates `json:"states"`
	DataPlane    nsi.DataPlaneStatus  `json:"data_plane"`
	Timestamp    time.Time            `json:"timestamp"`
}

const subscriberBuffer = 16

type subscriber struct {
	connectionID string // empty subscribes to all connections
	ch           chan StateUpdate
}

// Bus is a typed pub-sub keyed by connection id. The zero value is not
// usable; use New.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: map[int]*subscriber{}}
}

// Subscribe registers for updates of the given connection id; the empty id
// subscribes to all connections. The returned cancel function must be called
// to release the subscription; it is idempotent.
func (b *Bus) Subscribe(connectionID string) (<-chan StateUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		connectionID: connectionID,
		ch:           make(chan StateUpdate, subscriberBuffer),
	}
	b.subs[id] = sub
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an update to all matching subscribers. A subscriber whose
// buffer is full misses the update; long-poll consumers resynchronize from
// the persisted record.
func (b *Bus) Publish(update StateUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.connectionID != "" && sub.connectionID != update.ConnectionID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}
