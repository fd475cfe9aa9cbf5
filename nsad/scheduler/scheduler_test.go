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

package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/scheduler"
	"github.com/nordunet/opennsa-go/pkg/log/testlog"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
	"github.com/nordunet/opennsa-go/pkg/private/xtest"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func TestScheduleFires(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var fired int
	s.Schedule("C-1", t0.Add(10*time.Second), func() { fired++ })
	require.True(t, s.HasScheduled("C-1"))

	clk.Advance(5 * time.Second)
	assert.Equal(t, 0, fired)
	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, s.HasScheduled("C-1"))
}

func TestSchedulePastFiresImmediately(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var fired int
	s.Schedule("C-1", t0.Add(-time.Minute), func() { fired++ })
	assert.Equal(t, 1, fired)
	assert.False(t, s.HasScheduled("C-1"))
}

func TestRescheduleReplaces(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var first, second int
	s.Schedule("C-1", t0.Add(10*time.Second), func() { first++ })
	s.Schedule("C-1", t0.Add(20*time.Second), func() { second++ })

	when, ok := s.ScheduledAt("C-1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(20*time.Second), when)

	clk.Advance(time.Minute)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var fired int
	s.Schedule("C-1", t0.Add(10*time.Second), func() { fired++ })
	s.Cancel("C-1")
	s.Cancel("C-1") // idempotent
	s.Cancel("unknown")

	clk.Advance(time.Minute)
	assert.Equal(t, 0, fired)
}

func TestCancelAll(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var fired int
	s.Schedule("C-1", t0.Add(10*time.Second), func() { fired++ })
	s.Schedule("C-2", t0.Add(10*time.Second), func() { fired++ })
	s.CancelAll()

	clk.Advance(time.Minute)
	assert.Equal(t, 0, fired)
	assert.False(t, s.HasScheduled("C-1"))
	assert.False(t, s.HasScheduled("C-2"))
}

func TestSystemClock(t *testing.T) {
	s := scheduler.New(clock.System(), testlog.NewLogger(t))
	defer s.CancelAll()

	done := make(chan struct{})
	s.Schedule("C-1", time.Now().Add(time.Millisecond), func() { close(done) })
	xtest.AssertReadReturnsBefore(t, done, 5*time.Second)
}

func TestIndependentConnections(t *testing.T) {
	clk := clock.NewFake(t0)
	s := scheduler.New(clk, testlog.NewLogger(t))

	var order []string
	s.Schedule("C-2", t0.Add(20*time.Second), func() { order = append(order, "C-2") })
	s.Schedule("C-1", t0.Add(10*time.Second), func() { order = append(order, "C-1") })

	clk.Advance(time.Minute)
	assert.Equal(t, []string{"C-1", "C-2"}, order)
}
