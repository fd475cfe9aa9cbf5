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

// Package calendar implements the reservation calendar: a flat table of
// (resource, interval) entries that detects temporal overlap per resource.
// Resource sets are small, a linear scan is sufficient.
package calendar

import (
	"sync"
	"time"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Entry is one reservation of a resource for an interval. A zero Start means
// "now"; a zero End means "forever".
type Entry struct {
	Resource string
	Start    time.Time
	End      time.Time
}

// Calendar is the reservation calendar. All methods are safe for concurrent
// use.
type Calendar struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// New creates an empty calendar.
func New() *Calendar {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty calendar with an injectable clock.
func NewWithClock(now func() time.Time) *Calendar {
	return &Calendar{now: now}
}

func (c *Calendar) validate(resource string, start, end time.Time) error {
	if resource == "" {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "empty resource")
	}
	now := c.now().UTC()
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = nsi.EndOfTime
	}
	if !start.Before(end) {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "reversed interval",
			"resource", resource, "start", start, "end", end)
	}
	if start.Before(now.Add(-nsi.StartTimeSkew)) {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "start time in the past",
			"resource", resource, "start", start, "now", now)
	}
	if start.After(nsi.MaxStartTime) {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "start time too far in the future",
			"resource", resource, "start", start)
	}
	return nil
}

// overlaps reports whether the two intervals intersect. A zero start is
// already running and sorts before everything; a zero end is open and becomes
// EndOfTime.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.IsZero() {
		aEnd = nsi.EndOfTime
	}
	if bEnd.IsZero() {
		bEnd = nsi.EndOfTime
	}
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Check reports whether the resource is free for the interval. A conflict is
// reported as an error joining nsi.ErrSTPUnavailable; an invalid interval as
// nsi.ErrPayload.
func (c *Calendar) Check(resource string, start, end time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(resource, start, end)
}

func (c *Calendar) checkLocked(resource string, start, end time.Time) error {
	if err := c.validate(resource, start, end); err != nil {
		return err
	}
	for _, e := range c.entries {
		if e.Resource != resource {
			continue
		}
		if overlaps(e.Start, e.End, start, end) {
			return serrors.Join(nsi.ErrSTPUnavailable, nil,
				"resource", resource, "start", start, "end", end,
				"conflict_start", e.Start, "conflict_end", e.End)
		}
	}
	return nil
}

// Add reserves the resource for the interval, performing the overlap check
// first.
func (c *Calendar) Add(resource string, start, end time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(resource, start, end); err != nil {
		return err
	}
	c.entries = append(c.entries, Entry{Resource: resource, Start: start, End: end})
	return nil
}

// Insert appends an entry without admission validation. It is used when the
// calendar is rebuilt from persisted reservations on startup, where start
// times may already lie in the past.
func (c *Calendar) Insert(resource string, start, end time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Resource: resource, Start: start, End: end})
}

// Remove deletes the exact (resource, start, end) triple. Absence is an
// error.
func (c *Calendar) Remove(resource string, start, end time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.Resource == resource && e.Start.Equal(start) && e.End.Equal(end) {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return nil
		}
	}
	return serrors.New("no such calendar entry",
		"resource", resource, "start", start, "end", end)
}

// Entries returns a snapshot of all entries.
func (c *Calendar) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
