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

// Package scheduler keeps at most one pending future call per connection id.
// The backend uses it to drive activation, deactivation, termination and the
// reserve 2PC timeout; rescheduling replaces the prior entry and cancellation
// is idempotent.
package scheduler

import (
	"sync"
	"time"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
)

// Scheduler is a registry of future calls keyed by connection id. All
// methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string]*entry
	logger  log.Logger
}

type entry struct {
	when  time.Time
	timer clock.Timer
}

// New creates an empty scheduler on the given clock.
func New(clk clock.Clock, logger log.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		pending: map[string]*entry{},
		logger:  logger,
	}
}

// Schedule registers f to run at the given time for the connection id,
// replacing any prior entry. A deadline in the past fires immediately. The
// timer is armed outside the registry lock: the callback may run
// synchronously on clocks that fire expired timers inline.
func (s *Scheduler) Schedule(connectionID string, when time.Time, f func()) {
	e := &entry{when: when}
	s.mu.Lock()
	if prior, ok := s.pending[connectionID]; ok && prior.timer != nil {
		prior.timer.Stop()
	}
	s.pending[connectionID] = e
	s.mu.Unlock()

	timer := s.clock.AfterFunc(when.Sub(s.clock.Now()), func() {
		defer log.HandlePanic()
		s.mu.Lock()
		// The entry may have been replaced or cancelled between the timer
		// firing and this callback grabbing the lock.
		if cur, ok := s.pending[connectionID]; !ok || cur != e {
			s.mu.Unlock()
			return
		}
		delete(s.pending, connectionID)
		s.mu.Unlock()
		f()
	})

	s.mu.Lock()
	if cur, ok := s.pending[connectionID]; ok && cur == e {
		e.timer = timer
	} else {
		// already fired, replaced or cancelled
		timer.Stop()
	}
	s.mu.Unlock()
	s.logger.Debug("Scheduled call", "conn_id", connectionID, "when", when)
}

// Cancel removes the pending call for the connection id, if any.
func (s *Scheduler) Cancel(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[connectionID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.pending, connectionID)
	}
}

// HasScheduled reports whether a call is pending for the connection id.
func (s *Scheduler) HasScheduled(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[connectionID]
	return ok
}

// ScheduledAt returns the deadline of the pending call, if any.
func (s *Scheduler) ScheduledAt(connectionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[connectionID]
	if !ok {
		return time.Time{}, false
	}
	return e.when, true
}

// CancelAll removes every pending call. Used on service shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.pending, id)
	}
}
