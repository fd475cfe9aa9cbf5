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

package nsi

import (
	"time"

	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// EndOfTime is the sentinel for an open-ended reservation. Times are stored
// as naive UTC.
var EndOfTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// MaxStartTime is the latest admissible start time.
var MaxStartTime = time.Date(2095, 1, 1, 0, 0, 0, 0, time.UTC)

// StartTimeSkew is the tolerance for start times slightly in the past, to
// absorb clock skew between requester and provider.
const StartTimeSkew = 60 * time.Second

// Schedule is the validity interval of a reservation. A zero Start means
// "now"; a zero End means "forever" and is normalized to EndOfTime.
type Schedule struct {
	Start time.Time
	End   time.Time
}

// Normalize resolves the null-value conventions against the given current
// time and strips sub-second precision and time zone offsets.
func (s Schedule) Normalize(now time.Time) Schedule {
	start := s.Start
	if start.IsZero() {
		start = now
	}
	end := s.End
	if end.IsZero() {
		end = EndOfTime
	}
	return Schedule{
		Start: start.UTC().Truncate(time.Second),
		End:   end.UTC().Truncate(time.Second),
	}
}

// Validate checks the schedule invariants against the given current time.
// The schedule must be normalized.
func (s Schedule) Validate(now time.Time) error {
	if !s.Start.Before(s.End) {
		return serrors.Join(ErrPayload, nil, "reason", "reversed schedule",
			"start", s.Start, "end", s.End)
	}
	if s.Start.Before(now.Add(-StartTimeSkew)) {
		return serrors.Join(ErrPayload, nil, "reason", "start time in the past",
			"start", s.Start, "now", now)
	}
	if s.Start.After(MaxStartTime) {
		return serrors.Join(ErrPayload, nil, "reason", "start time too far in the future",
			"start", s.Start)
	}
	return nil
}
