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

package backend_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/backend"
	"github.com/nordunet/opennsa-go/nsad/calendar"
	"github.com/nordunet/opennsa-go/nsad/scheduler"
	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/log/testlog"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
	"github.com/nordunet/opennsa-go/private/pubsub"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
	"github.com/nordunet/opennsa-go/private/storage/db"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

const (
	networkID    = "aruba.net:topology"
	providerURN  = "urn:ogf:network:aruba.net:nsa"
	requesterURN = "urn:ogf:network:requester.net:nsa"
)

const arubaNRM = `
ethernet ps     - vlan:1780-1789 1000 em0 -
ethernet ps2    - vlan:1780-1789 1000 em1 -
ethernet narrow - vlan:1785      1000 em2 -
ethernet sec    - vlan:1780-1789 1000 em3 project=deic
`

// fakeManager is a configurable in-memory connection manager.
type fakeManager struct {
	swap        bool
	setupErr    error
	teardownErr error

	mu        sync.Mutex
	nextID    int
	setups    []string
	teardowns []string
}

func (m *fakeManager) Resource(port string, labelValue int) string {
	return nsi.ResourceKey(port, labelValue)
}

func (m *fakeManager) Target(port string, labelValue int) (string, error) {
	return fmt.Sprintf("%s.%d", port, labelValue), nil
}

func (m *fakeManager) CanSwapLabel(labelType string) bool {
	return m.swap && labelType == nsi.LabelTypeVLAN
}

func (m *fakeManager) CreateConnectionID(src, dst nsi.STP) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("C-%d", m.nextID), nil
}

func (m *fakeManager) SetupLink(
	ctx context.Context, connectionID, srcTarget, dstTarget string, capacity int64,
) error {
	if m.setupErr != nil {
		return m.setupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setups = append(m.setups, connectionID)
	return nil
}

func (m *fakeManager) TeardownLink(
	ctx context.Context, connectionID, srcTarget, dstTarget string, capacity int64,
) error {
	if m.teardownErr != nil {
		return m.teardownErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns = append(m.teardowns, connectionID)
	return nil
}

func (m *fakeManager) setupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setups)
}

func (m *fakeManager) teardownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.teardowns)
}

// callback is one recorded requester notification.
type callback struct {
	name         string
	connectionID string
	conf         nsi.ReserveConfirmation
	status       nsi.DataPlaneStatus
	event        nsi.ErrorEvent
	timeout      nsi.ReserveTimeout
}

// recordingRequester pushes every received callback onto a channel.
type recordingRequester struct {
	ch chan callback
}

func newRecordingRequester() *recordingRequester {
	return &recordingRequester{ch: make(chan callback, 64)}
}

func (r *recordingRequester) ReserveConfirmed(
	ctx context.Context, header nsi.Header, conf nsi.ReserveConfirmation,
) error {
	r.ch <- callback{name: "reserveConfirmed", connectionID: conf.ConnectionID, conf: conf}
	return nil
}

func (r *recordingRequester) ReserveFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	r.ch <- callback{name: "reserveFailed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ReserveCommitConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	r.ch <- callback{name: "reserveCommitConfirmed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ReserveCommitFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	r.ch <- callback{name: "reserveCommitFailed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ReserveAbortConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	r.ch <- callback{name: "reserveAbortConfirmed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ProvisionConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	r.ch <- callback{name: "provisionConfirmed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ReleaseConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	r.ch <- callback{name: "releaseConfirmed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) TerminateConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	r.ch <- callback{name: "terminateConfirmed", connectionID: connectionID}
	return nil
}

func (r *recordingRequester) ErrorEvent(
	ctx context.Context, header nsi.Header, event nsi.ErrorEvent,
) error {
	r.ch <- callback{name: "errorEvent", connectionID: event.ConnectionID, event: event}
	return nil
}

func (r *recordingRequester) DataPlaneStateChange(
	ctx context.Context, header nsi.Header, connectionID string, status nsi.DataPlaneStatus,
) error {
	r.ch <- callback{name: "dataPlaneStateChange", connectionID: connectionID, status: status}
	return nil
}

func (r *recordingRequester) ReserveTimeout(
	ctx context.Context, header nsi.Header, timeout nsi.ReserveTimeout,
) error {
	r.ch <- callback{name: "reserveTimeout", connectionID: timeout.ConnectionID, timeout: timeout}
	return nil
}

// await reads callbacks until the named one arrives. Callbacks of other kinds
// received in the meantime are tolerated; concurrent notifications are
// delivered in no particular order.
func (r *recordingRequester) await(t *testing.T, name string) callback {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cb := <-r.ch:
			if cb.name == name {
				return cb
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s callback", name)
			return callback{}
		}
	}
}

var dbSeq atomic.Int64

type env struct {
	clk       *clock.Fake
	cm        *fakeManager
	db        *conndb.Backend
	cal       *calendar.Calendar
	sched     *scheduler.Scheduler
	bus       *pubsub.Bus
	backend   *backend.Backend
	requester *recordingRequester
}

func newEnv(t *testing.T, cm *fakeManager) *env {
	t.Helper()
	clk := clock.NewFake(t0)
	logger := testlog.NewLogger(t)

	network, err := topology.ParseNRM(strings.NewReader(arubaNRM), networkID, cm.swap)
	require.NoError(t, err)

	name := fmt.Sprintf("backend_test_%d", dbSeq.Add(1))
	database, err := conndb.New(name, &db.SqliteConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	e := &env{
		clk:       clk,
		cm:        cm,
		db:        database,
		cal:       calendar.NewWithClock(clk.Now),
		sched:     scheduler.New(clk, logger),
		bus:       pubsub.New(),
		requester: newRecordingRequester(),
	}
	e.backend = backend.New(backend.Config{
		NSAID:     providerURN,
		Network:   network,
		Manager:   cm,
		DB:        database,
		Calendar:  e.cal,
		Scheduler: e.sched,
		Bus:       e.bus,
		Clock:     clk,
		Logger:    logger,
	})
	e.backend.SetRequester(e.requester)
	t.Cleanup(e.backend.Close)
	return e
}

func mustSTP(t *testing.T, urn string) nsi.STP {
	t.Helper()
	stp, err := nsi.ParseSTP(urn)
	require.NoError(t, err)
	return stp
}

func (e *env) header() nsi.Header {
	return nsi.NewHeader(requesterURN, providerURN)
}

func (e *env) reserveRequest(t *testing.T, src, dst string, start, end time.Time) nsi.ReserveRequest {
	t.Helper()
	return nsi.ReserveRequest{
		Description: "test circuit",
		Criteria: nsi.Criteria{
			Schedule: nsi.Schedule{Start: start, End: end},
			Service: nsi.P2PService{
				Source:         mustSTP(t, src),
				Dest:           mustSTP(t, dst),
				Capacity:       200,
				Directionality: nsi.Bidirectional,
			},
		},
	}
}

func (e *env) connection(t *testing.T, connectionID string) *conndb.Connection {
	t.Helper()
	conn, err := e.db.GetConnection(context.Background(), connectionID)
	require.NoError(t, err)
	return conn
}

func stpURN(port, labels string) string {
	return "urn:ogf:network:" + networkID + ":" + port + "?vlan=" + labels
}

// Full happy path: reserve, commit, provision, activation at start time,
// termination at end time.
func TestConnectionLifecycle(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	start := t0.Add(10 * time.Minute)
	end := t0.Add(20 * time.Minute)

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"), start, end))
	require.NoError(t, err)
	require.NotEmpty(t, connID)

	conf := e.requester.await(t, "reserveConfirmed")
	assert.Equal(t, connID, conf.connectionID)
	srcLabel := conf.conf.Criteria.Service.Source.Label
	require.NotNil(t, srcLabel)
	_, err = srcLabel.Values.Single()
	assert.NoError(t, err, "confirmed criteria must carry a pinned label")

	require.NoError(t, e.backend.ReserveCommit(ctx, e.header(), connID))
	e.requester.await(t, "reserveCommitConfirmed")
	assert.Equal(t, nsi.ReserveStart, e.connection(t, connID).ReservationState)

	require.NoError(t, e.backend.Provision(ctx, e.header(), connID))
	e.requester.await(t, "provisionConfirmed")
	assert.Equal(t, 0, e.cm.setupCount(), "activation must wait for start time")

	e.clk.Advance(10 * time.Minute)
	cb := e.requester.await(t, "dataPlaneStateChange")
	assert.True(t, cb.status.Active)
	assert.Equal(t, 1, cb.status.Version)
	assert.Equal(t, 1, e.cm.setupCount())

	e.clk.Advance(10 * time.Minute)
	cb = e.requester.await(t, "dataPlaneStateChange")
	assert.False(t, cb.status.Active)
	assert.Equal(t, 1, e.cm.teardownCount())

	conn := e.connection(t, connID)
	assert.Equal(t, nsi.Terminated, conn.LifecycleState)
	assert.False(t, conn.Allocated)
}

// A held reservation that is not committed within the 2PC window is aborted
// and its resources become available again.
func TestReserveTimeoutReleasesHold(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	start := t0.Add(10 * time.Minute)
	end := t0.Add(20 * time.Minute)

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps", "1785"), start, end))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	e.clk.Advance(31 * time.Second)
	cb := e.requester.await(t, "reserveTimeout")
	assert.Equal(t, connID, cb.timeout.ConnectionID)
	assert.Equal(t, providerURN, cb.timeout.OriginatingNSA)
	assert.Equal(t, 30, cb.timeout.TimeoutValue)

	conn := e.connection(t, connID)
	assert.Equal(t, nsi.ReserveStart, conn.ReservationState)
	assert.False(t, conn.Allocated)

	// The single 1785 value on both ports is free again.
	_, err = e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps", "1785"), start, end))
	require.NoError(t, err)
}

// Without label swapping both endpoints are pinned to the same value from the
// intersection of the requested sets.
func TestReserveCommonLabelWithoutSwap(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("narrow", "1780-1789"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	conn := e.connection(t, connID)
	srcValue, err := conn.SourceLabel.Values.Single()
	require.NoError(t, err)
	dstValue, err := conn.DestLabel.Values.Single()
	require.NoError(t, err)
	assert.Equal(t, 1785, srcValue, "narrow only admits 1785")
	assert.Equal(t, srcValue, dstValue)
}

// With label swapping the endpoints are pinned independently.
func TestReserveIndependentLabelsWithSwap(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: true})
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780"), stpURN("ps2", "1789"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	conn := e.connection(t, connID)
	srcValue, err := conn.SourceLabel.Values.Single()
	require.NoError(t, err)
	dstValue, err := conn.DestLabel.Values.Single()
	require.NoError(t, err)
	assert.Equal(t, 1780, srcValue)
	assert.Equal(t, 1789, dstValue)
}

// An overlapping reservation of an exhausted resource is rejected.
func TestReserveConflict(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	start := t0.Add(time.Minute)
	end := t0.Add(time.Hour)

	_, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps", "1785"), start, end))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	_, err = e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps2", "1785"), start, end))
	require.ErrorIs(t, err, nsi.ErrSTPUnavailable)
	assert.Equal(t, nsi.ErrorIDSTPUnavailable, nsi.ErrorID(err))

	// A disjoint interval on the same resource is fine.
	_, err = e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps2", "1785"),
			end.Add(time.Minute), end.Add(time.Hour)))
	require.NoError(t, err)
}

// Aborting a held reservation releases the hold and confirms.
func TestReserveAbort(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	start := t0.Add(time.Minute)
	end := t0.Add(time.Hour)

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps", "1785"), start, end))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	require.NoError(t, e.backend.ReserveAbort(ctx, e.header(), connID))
	e.requester.await(t, "reserveAbortConfirmed")

	conn := e.connection(t, connID)
	assert.Equal(t, nsi.ReserveStart, conn.ReservationState)
	assert.False(t, conn.Allocated)

	_, err = e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("narrow", "1785"), stpURN("ps", "1785"), start, end))
	require.NoError(t, err)
}

// A reservation whose start time has passed activates during provision
// instead of waiting for a timer.
func TestProvisionActivatesImmediately(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			time.Time{}, t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")
	require.NoError(t, e.backend.ReserveCommit(ctx, e.header(), connID))
	e.requester.await(t, "reserveCommitConfirmed")

	require.NoError(t, e.backend.Provision(ctx, e.header(), connID))
	cb := e.requester.await(t, "dataPlaneStateChange")
	assert.True(t, cb.status.Active)
	assert.Equal(t, 1, e.cm.setupCount())
	e.requester.await(t, "provisionConfirmed")
}

// A failed device setup leaves the data plane inactive and raises an
// errorEvent instead of failing the provision.
func TestActivationFailure(t *testing.T) {
	cm := &fakeManager{swap: false, setupErr: fmt.Errorf("device unreachable")}
	e := newEnv(t, cm)
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			time.Time{}, t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")
	require.NoError(t, e.backend.ReserveCommit(ctx, e.header(), connID))
	e.requester.await(t, "reserveCommitConfirmed")

	require.NoError(t, e.backend.Provision(ctx, e.header(), connID))
	cb := e.requester.await(t, "errorEvent")
	assert.Equal(t, nsi.EventActivateFailed, cb.event.Event)
	require.NotNil(t, cb.event.ServiceException)
	assert.Equal(t, nsi.ErrorIDInternalNRMError, cb.event.ServiceException.ErrorID)

	conn := e.connection(t, connID)
	assert.False(t, conn.DataPlaneActive)
	assert.Equal(t, nsi.Provisioned, conn.ProvisionState)
}

// Release deactivates the data plane but keeps the reservation committed.
func TestRelease(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	end := t0.Add(time.Hour)

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			time.Time{}, end))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")
	require.NoError(t, e.backend.ReserveCommit(ctx, e.header(), connID))
	e.requester.await(t, "reserveCommitConfirmed")
	require.NoError(t, e.backend.Provision(ctx, e.header(), connID))
	e.requester.await(t, "provisionConfirmed")
	e.requester.await(t, "dataPlaneStateChange")

	require.NoError(t, e.backend.Release(ctx, e.header(), connID))
	e.requester.await(t, "releaseConfirmed")
	assert.Equal(t, 1, e.cm.teardownCount())

	conn := e.connection(t, connID)
	assert.Equal(t, nsi.Released, conn.ProvisionState)
	assert.Equal(t, nsi.ReserveStart, conn.ReservationState)
	assert.Equal(t, nsi.Created, conn.LifecycleState)
	assert.False(t, conn.DataPlaneActive)

	// The schedule still ends the connection.
	e.clk.Advance(2 * time.Hour)
	assert.Equal(t, nsi.Terminated, e.connection(t, connID).LifecycleState)
}

// Terminating an already terminated connection succeeds without a second
// confirmation.
func TestTerminateIdempotent(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	require.NoError(t, e.backend.Terminate(ctx, e.header(), connID))
	e.requester.await(t, "terminateConfirmed")
	assert.Equal(t, nsi.Terminated, e.connection(t, connID).LifecycleState)

	require.NoError(t, e.backend.Terminate(ctx, e.header(), connID))
	select {
	case cb := <-e.requester.ch:
		t.Fatalf("unexpected %s callback after repeated terminate", cb.name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOperationsOnUnknownConnection(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	err := e.backend.ReserveCommit(ctx, e.header(), "no-such-id")
	require.ErrorIs(t, err, nsi.ErrConnectionNonExistent)
	assert.Equal(t, nsi.ErrorIDConnectionNonExistent, nsi.ErrorID(err))

	require.ErrorIs(t, e.backend.Provision(ctx, e.header(), "no-such-id"),
		nsi.ErrConnectionNonExistent)
	require.ErrorIs(t, e.backend.Terminate(ctx, e.header(), "no-such-id"),
		nsi.ErrConnectionNonExistent)
}

// Provision of an uncommitted reservation is an invalid transition.
func TestProvisionBeforeCommit(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	err = e.backend.Provision(ctx, e.header(), connID)
	require.ErrorIs(t, err, nsi.ErrInvalidTransition)
	assert.Equal(t, nsi.ErrorIDInvalidTransition, nsi.ErrorID(err))
}

// Modify of an existing reservation is rejected.
func TestReserveModifyRejected(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	req := e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
		t0.Add(time.Minute), t0.Add(time.Hour))
	req.ConnectionID = "C-1"

	_, err := e.backend.Reserve(context.Background(), e.header(), req)
	require.ErrorIs(t, err, nsi.ErrPayload)
}

// Port access attributes gate reservations on protected ports.
func TestReserveAuthorization(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()
	req := e.reserveRequest(t, stpURN("sec", "1780-1789"), stpURN("ps", "1780-1789"),
		t0.Add(time.Minute), t0.Add(time.Hour))

	_, err := e.backend.Reserve(ctx, e.header(), req)
	require.ErrorIs(t, err, nsi.ErrUnauthorized)
	assert.Equal(t, nsi.ErrorIDUnauthorized, nsi.ErrorID(err))

	header := e.header()
	header.SecurityAttributes = []nsi.SecurityAttribute{{Type: "project", Value: "deic"}}
	_, err = e.backend.Reserve(ctx, header, req)
	require.NoError(t, err)
}

func TestQuerySummary(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	first, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780"), stpURN("ps2", "1780"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")
	second, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1781"), stpURN("ps2", "1781"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	results, err := e.backend.QuerySummary(ctx, e.header(), nsi.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = e.backend.QuerySummary(ctx, e.header(),
		nsi.QueryFilter{ConnectionIDs: []string{second}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, second, results[0].ConnectionID)
	assert.Equal(t, providerURN, results[0].ProviderNSA)
	assert.NotEqual(t, first, results[0].ConnectionID)

	// Foreign requesters see nothing with an empty filter.
	foreign := nsi.NewHeader("urn:ogf:network:other.net:nsa", providerURN)
	results, err = e.backend.QuerySummary(ctx, foreign, nsi.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

// Crash recovery: expired connections are terminated, held reservations get a
// fresh 2PC window and provisioned connections past start are activated.
func TestBuildSchedule(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	record := func(id string, mutate func(*conndb.Connection)) {
		conn := &conndb.Connection{
			ConnectionID:     id,
			RequesterNSA:     requesterURN,
			ReserveTime:      t0.Add(-time.Hour),
			ReservationState: nsi.ReserveStart,
			ProvisionState:   nsi.Released,
			LifecycleState:   nsi.Created,
			SourceNetwork:    networkID,
			SourcePort:       "ps",
			SourceLabel:      &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1780)},
			DestNetwork:      networkID,
			DestPort:         "ps2",
			DestLabel:        &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1780)},
			StartTime:        t0.Add(-30 * time.Minute),
			EndTime:          t0.Add(time.Hour),
			Capacity:         200,
		}
		mutate(conn)
		require.NoError(t, e.db.CreateConnection(ctx, conn))
	}

	record("expired", func(c *conndb.Connection) {
		c.EndTime = t0.Add(-time.Minute)
	})
	record("held", func(c *conndb.Connection) {
		c.ReservationState = nsi.ReserveHeld
		c.Allocated = true
		c.SourceLabel = &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1781)}
		c.DestLabel = &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1781)}
	})
	record("running", func(c *conndb.Connection) {
		c.ProvisionState = nsi.Provisioned
		c.Allocated = true
		c.SourceLabel = &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1782)}
		c.DestLabel = &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1782)}
	})

	require.NoError(t, e.backend.BuildSchedule(ctx))

	assert.Equal(t, nsi.Terminated, e.connection(t, "expired").LifecycleState)

	// The running connection was re-activated.
	cb := e.requester.await(t, "dataPlaneStateChange")
	assert.Equal(t, "running", cb.connectionID)
	assert.True(t, cb.status.Active)
	assert.Equal(t, 1, e.cm.setupCount())

	// The held reservation sits in a fresh 2PC window and can still be
	// committed...
	require.NoError(t, e.backend.ReserveCommit(ctx, e.header(), "held"))
	e.requester.await(t, "reserveCommitConfirmed")

	// ...and its rebuilt hold blocks a conflicting reservation.
	_, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1781"), stpURN("ps2", "1781"),
			t0.Add(time.Minute), t0.Add(30*time.Minute)))
	require.ErrorIs(t, err, nsi.ErrSTPUnavailable)
}

// A held reservation recovered from the database times out if it is not
// committed within the fresh window.
func TestBuildScheduleHeldTimeout(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	conn := &conndb.Connection{
		ConnectionID:     "held",
		RequesterNSA:     requesterURN,
		ReserveTime:      t0.Add(-time.Minute),
		ReservationState: nsi.ReserveHeld,
		ProvisionState:   nsi.Released,
		LifecycleState:   nsi.Created,
		Allocated:        true,
		SourceNetwork:    networkID,
		SourcePort:       "ps",
		SourceLabel:      &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1780)},
		DestNetwork:      networkID,
		DestPort:         "ps2",
		DestLabel:        &nsi.Label{Type: "vlan", Values: nsi.SingleValueSet(1780)},
		StartTime:        t0.Add(10 * time.Minute),
		EndTime:          t0.Add(time.Hour),
		Capacity:         200,
	}
	require.NoError(t, e.db.CreateConnection(ctx, conn))
	require.NoError(t, e.backend.BuildSchedule(ctx))

	e.clk.Advance(31 * time.Second)
	cb := e.requester.await(t, "reserveTimeout")
	assert.Equal(t, "held", cb.timeout.ConnectionID)
	assert.Equal(t, nsi.ReserveStart, e.connection(t, "held").ReservationState)
	assert.False(t, e.connection(t, "held").Allocated)
}

// State changes are published on the bus after being persisted.
func TestStateUpdatesPublished(t *testing.T) {
	e := newEnv(t, &fakeManager{swap: false})
	ctx := context.Background()

	updates, cancel := e.bus.Subscribe("")
	defer cancel()

	connID, err := e.backend.Reserve(ctx, e.header(),
		e.reserveRequest(t, stpURN("ps", "1780-1789"), stpURN("ps2", "1780-1789"),
			t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	e.requester.await(t, "reserveConfirmed")

	select {
	case update := <-updates:
		assert.Equal(t, connID, update.ConnectionID)
		assert.Equal(t, nsi.ReserveHeld, update.States.Reservation)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for state update")
	}
}
