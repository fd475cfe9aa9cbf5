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

package conndb_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
	"github.com/nordunet/opennsa-go/private/storage/db"
)

var dbSeq atomic.Int64

func newDB(t *testing.T) *conndb.Backend {
	t.Helper()
	name := fmt.Sprintf("conndb_test_%d", dbSeq.Add(1))
	backend, err := conndb.New(name, &db.SqliteConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func testConnection(id string) *conndb.Connection {
	start := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	return &conndb.Connection{
		ConnectionID:     id,
		RequesterNSA:     "urn:ogf:network:example.net:2013:nsa:requester",
		ReserveTime:      start.Add(-time.Minute),
		Description:      "test circuit",
		Revision:         0,
		ReservationState: nsi.ReserveChecking,
		ProvisionState:   nsi.Released,
		LifecycleState:   nsi.Created,
		SourceNetwork:    "example.net:2013",
		SourcePort:       "ps",
		SourceLabel:      &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1782)},
		DestNetwork:      "example.net:2013",
		DestPort:         "bon",
		DestLabel:        &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1782)},
		StartTime:        start,
		EndTime:          start.Add(time.Hour),
		Capacity:         200,
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	backend := newDB(t)
	ctx := context.Background()

	conn := testConnection("C-1")
	require.NoError(t, backend.CreateConnection(ctx, conn))

	got, err := backend.GetConnection(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, conn.ConnectionID, got.ConnectionID)
	assert.Equal(t, conn.RequesterNSA, got.RequesterNSA)
	assert.Equal(t, nsi.ReserveChecking, got.ReservationState)
	assert.Equal(t, conn.StartTime, got.StartTime)
	assert.Equal(t, conn.EndTime, got.EndTime)
	assert.True(t, conn.SourceLabel.Equal(got.SourceLabel))
	assert.Equal(t, int64(200), got.Capacity)
}

func TestGetConnectionNotFound(t *testing.T) {
	backend := newDB(t)
	_, err := backend.GetConnection(context.Background(), "nope")
	assert.True(t, errors.Is(err, conndb.ErrNotFound))
}

func TestUpdateConnection(t *testing.T) {
	backend := newDB(t)
	ctx := context.Background()

	conn := testConnection("C-1")
	require.NoError(t, backend.CreateConnection(ctx, conn))

	conn.ReservationState = nsi.ReserveHeld
	conn.DataPlaneActive = true
	conn.DataPlaneVersion = 1
	require.NoError(t, backend.UpdateConnection(ctx, conn))

	got, err := backend.GetConnection(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, nsi.ReserveHeld, got.ReservationState)
	assert.True(t, got.DataPlaneActive)
	assert.Equal(t, 1, got.DataPlaneVersion)

	missing := testConnection("C-2")
	err = backend.UpdateConnection(ctx, missing)
	assert.True(t, errors.Is(err, conndb.ErrNotFound))
}

func TestReversedScheduleRejected(t *testing.T) {
	backend := newDB(t)
	conn := testConnection("C-1")
	conn.StartTime, conn.EndTime = conn.EndTime, conn.StartTime
	err := backend.CreateConnection(context.Background(), conn)
	assert.Error(t, err)
}

func TestNonTerminatedConnections(t *testing.T) {
	backend := newDB(t)
	ctx := context.Background()

	live := testConnection("C-live")
	require.NoError(t, backend.CreateConnection(ctx, live))
	dead := testConnection("C-dead")
	dead.LifecycleState = nsi.Terminated
	require.NoError(t, backend.CreateConnection(ctx, dead))

	conns, err := backend.NonTerminatedConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "C-live", conns[0].ConnectionID)

	all, err := backend.ListConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubConnections(t *testing.T) {
	backend := newDB(t)
	ctx := context.Background()

	parent := testConnection("C-agg")
	require.NoError(t, backend.CreateConnection(ctx, parent))

	for i := 0; i < 2; i++ {
		sub := &conndb.SubConnection{
			ParentID:         "C-agg",
			Ordinal:          i,
			ProviderNSA:      fmt.Sprintf("urn:ogf:network:nsa:%d", i),
			ConnectionID:     fmt.Sprintf("S-%d", i),
			Local:            i == 0,
			ReservationState: nsi.ReserveChecking,
			ProvisionState:   nsi.Released,
			LifecycleState:   nsi.Created,
			SourceSTP:        "urn:ogf:network:a:ps",
			DestSTP:          "urn:ogf:network:a:bon",
		}
		require.NoError(t, backend.CreateSubConnection(ctx, sub))
	}

	subs, err := backend.SubConnections(ctx, "C-agg")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "S-0", subs[0].ConnectionID)
	assert.True(t, subs[0].Local)
	assert.False(t, subs[1].Local)

	subs[1].DataPlaneActive = true
	subs[1].DataPlaneVersion = 3
	require.NoError(t, backend.UpdateSubConnection(ctx, subs[1]))

	subs, err = backend.SubConnections(ctx, "C-agg")
	require.NoError(t, err)
	assert.True(t, subs[1].DataPlaneActive)
	assert.Equal(t, 3, subs[1].DataPlaneVersion)
}

func TestDeleteAll(t *testing.T) {
	backend := newDB(t)
	ctx := context.Background()

	require.NoError(t, backend.CreateConnection(ctx, testConnection("C-1")))
	require.NoError(t, backend.DeleteAll(ctx))
	conns, err := backend.ListConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}
