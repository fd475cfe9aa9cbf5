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

// Package clock abstracts wall-clock time and timers so that time-driven
// behavior can be tested without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable pending call.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was prevented from
	// firing.
	Stop() bool
}

// Clock provides the current time and timer creation.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d. A non-positive d fires
	// immediately.
	AfterFunc(d time.Duration, f func()) Timer
}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock passes the deadline. A
// non-positive d fires on the next Advance call, or synchronously via Fire.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	if d <= 0 {
		c.fireDue()
	}
	return t
}

// Advance moves the clock forward and fires all timers that became due, in
// deadline order. Callbacks run synchronously on the calling goroutine.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fireDue()
}

func (c *Fake) fireDue() {
	for {
		c.mu.Lock()
		var due *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(c.now) {
				continue
			}
			if due == nil || t.at.Before(due.at) {
				due = t
			}
		}
		if due == nil {
			c.mu.Unlock()
			return
		}
		due.fired = true
		f := due.f
		c.mu.Unlock()
		f()
	}
}

// PendingAt returns the deadlines of all live timers, for test assertions.
func (c *Fake) PendingAt() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
