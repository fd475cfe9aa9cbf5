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

// Package backend implements the generic UPA: the NSI provider for a single
// network. It drives the reservation calendar, the scheduler and the three
// connection state machines, and delegates data plane operations to an
// injected connection manager. Every state transition is persisted before any
// callback fires.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nordunet/opennsa-go/nsad/calendar"
	"github.com/nordunet/opennsa-go/nsad/scheduler"
	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
	"github.com/nordunet/opennsa-go/private/pubsub"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
)

// DefaultReserveTimeout is the two-phase commit hold time: a reservation that
// is not committed within this window is aborted.
const DefaultReserveTimeout = 30 * time.Second

// notifyTimeout bounds the delivery of one requester callback.
const notifyTimeout = 30 * time.Second

// Config assembles a Backend.
type Config struct {
	NSAID     string
	Network   *topology.Network
	Manager   ConnectionManager
	DB        conndb.DB
	Calendar  *calendar.Calendar
	Scheduler *scheduler.Scheduler
	Bus       *pubsub.Bus
	Clock     clock.Clock
	Logger    log.Logger
	Metrics   *Metrics
	// ReserveTimeout overrides DefaultReserveTimeout when positive.
	ReserveTimeout time.Duration
}

// Backend is the generic UPA for one network. It implements nsi.Provider.
type Backend struct {
	nsaID          string
	network        *topology.Network
	cm             ConnectionManager
	db             conndb.DB
	cal            *calendar.Calendar
	sched          *scheduler.Scheduler
	bus            *pubsub.Bus
	clock          clock.Clock
	logger         log.Logger
	metrics        *Metrics
	reserveTimeout time.Duration

	mu        sync.Mutex
	requester nsi.Requester
	locks     map[string]*sync.Mutex
}

var _ nsi.Provider = (*Backend)(nil)

// New creates a backend. The parent requester is injected later through
// SetRequester to break the construction cycle with the aggregator.
func New(cfg Config) *Backend {
	b := &Backend{
		nsaID:          cfg.NSAID,
		network:        cfg.Network,
		cm:             cfg.Manager,
		db:             cfg.DB,
		cal:            cfg.Calendar,
		sched:          cfg.Scheduler,
		bus:            cfg.Bus,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		reserveTimeout: cfg.ReserveTimeout,
		locks:          map[string]*sync.Mutex{},
	}
	if b.clock == nil {
		b.clock = clock.System()
	}
	if b.logger == nil {
		b.logger = log.Root()
	}
	if b.reserveTimeout <= 0 {
		b.reserveTimeout = DefaultReserveTimeout
	}
	return b
}

// SetRequester installs the parent requester receiving callbacks.
func (b *Backend) SetRequester(r nsi.Requester) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requester = r
}

// NetworkID returns the id of the network this backend manages.
func (b *Backend) NetworkID() string {
	return b.network.ID
}

func (b *Backend) requesterRef() nsi.Requester {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requester
}

// connLock returns the per-connection mutex serializing requests on one
// connection.
func (b *Backend) connLock(connectionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[connectionID] = l
	}
	return l
}

func (b *Backend) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Second)
}

// saveAndPublish persists the record and then publishes the state change.
func (b *Backend) saveAndPublish(ctx context.Context, conn *conndb.Connection) error {
	if err := b.db.UpdateConnection(ctx, conn); err != nil {
		return err
	}
	b.bus.Publish(pubsub.StateUpdate{
		ConnectionID: conn.ConnectionID,
		States:       conn.States(),
		DataPlane: nsi.DataPlaneStatus{
			Active:            conn.DataPlaneActive,
			Version:           conn.DataPlaneVersion,
			VersionConsistent: true,
		},
		Timestamp: b.now(),
	})
	return nil
}

func (b *Backend) setReservationState(
	ctx context.Context,
	conn *conndb.Connection,
	to nsi.ReservationState,
) error {
	if err := nsi.CheckReservationTransition(conn.ReservationState, to); err != nil {
		return err
	}
	conn.ReservationState = to
	return b.saveAndPublish(ctx, conn)
}

func (b *Backend) setProvisionState(
	ctx context.Context,
	conn *conndb.Connection,
	to nsi.ProvisionState,
) error {
	if err := nsi.CheckProvisionTransition(conn.ProvisionState, to); err != nil {
		return err
	}
	conn.ProvisionState = to
	return b.saveAndPublish(ctx, conn)
}

func (b *Backend) setLifecycleState(
	ctx context.Context,
	conn *conndb.Connection,
	to nsi.LifecycleState,
) error {
	if err := nsi.CheckLifecycleTransition(conn.LifecycleState, to); err != nil {
		return err
	}
	conn.LifecycleState = to
	return b.saveAndPublish(ctx, conn)
}

// notify delivers one requester callback on its own goroutine. Callbacks must
// not be delivered while the per-connection lock is held by the caller's
// goroutine chain, so delivery is always detached.
func (b *Backend) notify(
	connectionID, name string,
	send func(context.Context, nsi.Requester) error,
) {
	r := b.requesterRef()
	if r == nil {
		return
	}
	go func() {
		defer log.HandlePanic()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := send(ctx, r); err != nil {
			b.logger.Error("Delivering callback failed",
				"callback", name, "conn_id", connectionID, "err", err)
		}
	}()
}

func (b *Backend) getConnection(ctx context.Context, connectionID string) (
	*conndb.Connection, error) {

	conn, err := b.db.GetConnection(ctx, connectionID)
	if errors.Is(err, conndb.ErrNotFound) {
		return nil, serrors.Join(nsi.ErrConnectionNonExistent, nil, "conn_id", connectionID)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// getLiveConnection is getConnection plus the terminated-record guard used by
// all operations except terminate and the queries.
func (b *Backend) getLiveConnection(ctx context.Context, connectionID string) (
	*conndb.Connection, error) {

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.LifecycleState == nsi.Terminated {
		return nil, serrors.Join(nsi.ErrConnectionGone, nil, "conn_id", connectionID)
	}
	return conn, nil
}

// Reserve validates the request, pins one label value per endpoint, persists
// the connection in ReserveChecking and returns the new connection id. The
// transition to ReserveHeld and the reserveConfirmed callback happen
// asynchronously; a two-phase commit timeout is armed when the hold is
// placed.
func (b *Backend) Reserve(
	ctx context.Context,
	header nsi.Header,
	req nsi.ReserveRequest,
) (string, error) {
	connID, err := b.reserve(ctx, header, req)
	if err != nil {
		b.metrics.reservation("error")
		return "", err
	}
	b.metrics.reservation("ok")
	return connID, nil
}

func (b *Backend) reserve(
	ctx context.Context,
	header nsi.Header,
	req nsi.ReserveRequest,
) (string, error) {
	if req.ConnectionID != "" {
		return "", serrors.Join(nsi.ErrPayload, nil,
			"reason", "reservation modify not supported", "conn_id", req.ConnectionID)
	}
	svc := req.Criteria.Service
	if err := svc.Validate(); err != nil {
		return "", err
	}
	now := b.now()
	schedule := req.Criteria.Schedule.Normalize(now)
	if err := schedule.Validate(now); err != nil {
		return "", err
	}
	srcCand, err := b.candidateValues(header, svc.Source, svc.Capacity)
	if err != nil {
		return "", err
	}
	dstCand, err := b.candidateValues(header, svc.Dest, svc.Capacity)
	if err != nil {
		return "", err
	}

	var srcValue, dstValue int
	if b.cm.CanSwapLabel(svc.Source.Label.Type) {
		if srcValue, err = b.holdLabel(svc.Source.Port, srcCand, schedule); err != nil {
			return "", err
		}
		if dstValue, err = b.holdLabel(svc.Dest.Port, dstCand, schedule); err != nil {
			b.removeHold(svc.Source.Port, srcValue, schedule)
			return "", err
		}
	} else {
		value, err := b.holdCommonLabel(svc.Source.Port, svc.Dest.Port, srcCand, dstCand, schedule)
		if err != nil {
			return "", err
		}
		srcValue, dstValue = value, value
	}

	connectionID, err := b.cm.CreateConnectionID(svc.Source, svc.Dest)
	if err != nil {
		b.removeHold(svc.Source.Port, srcValue, schedule)
		b.removeHold(svc.Dest.Port, dstValue, schedule)
		return "", serrors.Join(nsi.ErrInternalServer, err)
	}

	conn := &conndb.Connection{
		ConnectionID:        connectionID,
		RequesterNSA:        header.RequesterNSA,
		ReserveTime:         now,
		GlobalReservationID: req.GlobalReservationID,
		Description:         req.Description,
		Revision:            req.Criteria.Revision,
		ReservationState:    nsi.ReserveChecking,
		ProvisionState:      nsi.Released,
		LifecycleState:      nsi.Created,
		Allocated:           true,
		SourceNetwork:       svc.Source.Network,
		SourcePort:          svc.Source.Port,
		SourceLabel:         &nsi.Label{Type: svc.Source.Label.Type, Values: nsi.SingleValueSet(srcValue)},
		DestNetwork:         svc.Dest.Network,
		DestPort:            svc.Dest.Port,
		DestLabel:           &nsi.Label{Type: svc.Dest.Label.Type, Values: nsi.SingleValueSet(dstValue)},
		StartTime:           schedule.Start,
		EndTime:             schedule.End,
		Capacity:            svc.Capacity,
	}
	if err := b.db.CreateConnection(ctx, conn); err != nil {
		b.removeHold(svc.Source.Port, srcValue, schedule)
		b.removeHold(svc.Dest.Port, dstValue, schedule)
		return "", err
	}
	b.logger.Info("Reservation checked", "conn_id", connectionID,
		"src", conn.SourceSTP().URN(), "dst", conn.DestSTP().URN(),
		"start", schedule.Start, "end", schedule.End, "capacity", svc.Capacity)

	go b.holdReservation(header, connectionID)
	return connectionID, nil
}

// candidateValues narrows the requested label against the port and checks
// authorization and endpoint capacity.
func (b *Backend) candidateValues(header nsi.Header, stp nsi.STP, capacity int64) (
	nsi.LabelSet, error) {

	if stp.Network != b.network.ID {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "STP not in this network", "stp", stp.URN(), "network", b.network.ID)
	}
	port, ok := b.network.Port(stp.Port)
	if !ok {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "unknown port", "stp", stp.URN())
	}
	if err := authorize(port, header.SecurityAttributes); err != nil {
		return nil, err
	}
	if port.Capacity < capacity {
		return nil, serrors.Join(nsi.ErrSTPUnavailable, nil,
			"reason", "insufficient port capacity", "stp", stp.URN(),
			"port_capacity", port.Capacity, "requested", capacity)
	}
	if port.Label == nil || port.Label.Type != stp.Label.Type {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "label type not available on port", "stp", stp.URN())
	}
	values, err := stp.Label.Values.Intersect(port.Label.Values)
	if err != nil {
		return nil, serrors.Join(nsi.ErrSTPUnavailable, err, "stp", stp.URN())
	}
	return values, nil
}

// authorize applies the port's access attributes: any single matching
// attribute grants access.
func authorize(port *topology.BidirectionalPort, attrs []nsi.SecurityAttribute) error {
	if len(port.Authz) == 0 {
		return nil
	}
	for _, attr := range attrs {
		if v, ok := port.Authz[attr.Type]; ok && v == attr.Value {
			return nil
		}
	}
	return serrors.Join(nsi.ErrUnauthorized, nil, "port", port.Name)
}

// holdLabel places a calendar hold on the first available value of the
// candidate set.
func (b *Backend) holdLabel(port string, candidates nsi.LabelSet, schedule nsi.Schedule) (
	int, error) {

	for _, v := range candidates.Enumerate() {
		err := b.cal.Add(b.cm.Resource(port, v), schedule.Start, schedule.End)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, nsi.ErrSTPUnavailable) {
			return 0, err
		}
	}
	return 0, serrors.Join(nsi.ErrSTPUnavailable, nil,
		"reason", "no label value available", "port", port,
		"candidates", candidates.String())
}

// holdCommonLabel pins source and destination to the same value: intersect
// first, then hold both resources, rolling back the source hold on partial
// failure.
func (b *Backend) holdCommonLabel(
	srcPort, dstPort string,
	srcCand, dstCand nsi.LabelSet,
	schedule nsi.Schedule,
) (int, error) {
	common, err := srcCand.Intersect(dstCand)
	if err != nil {
		return 0, serrors.Join(nsi.ErrSTPUnavailable, err,
			"src_port", srcPort, "dst_port", dstPort)
	}
	for _, v := range common.Enumerate() {
		err := b.cal.Add(b.cm.Resource(srcPort, v), schedule.Start, schedule.End)
		if err != nil {
			if !errors.Is(err, nsi.ErrSTPUnavailable) {
				return 0, err
			}
			continue
		}
		err = b.cal.Add(b.cm.Resource(dstPort, v), schedule.Start, schedule.End)
		if err == nil {
			return v, nil
		}
		b.removeHold(srcPort, v, schedule)
		if !errors.Is(err, nsi.ErrSTPUnavailable) {
			return 0, err
		}
	}
	return 0, serrors.Join(nsi.ErrSTPUnavailable, nil,
		"reason", "no common label value available",
		"src_port", srcPort, "dst_port", dstPort, "candidates", common.String())
}

func (b *Backend) removeHold(port string, value int, schedule nsi.Schedule) {
	if err := b.cal.Remove(b.cm.Resource(port, value), schedule.Start, schedule.End); err != nil {
		b.logger.Debug("Removing calendar hold", "port", port, "value", value, "err", err)
	}
}

// releaseHolds removes the calendar entries of a connection and clears the
// allocated flag on the record.
func (b *Backend) releaseHolds(conn *conndb.Connection) {
	if !conn.Allocated {
		return
	}
	schedule := nsi.Schedule{Start: conn.StartTime, End: conn.EndTime}
	for _, ep := range []struct {
		port  string
		label *nsi.Label
	}{
		{conn.SourcePort, conn.SourceLabel},
		{conn.DestPort, conn.DestLabel},
	} {
		v, err := ep.label.Values.Single()
		if err != nil {
			b.logger.Error("Releasing hold of unpinned label",
				"conn_id", conn.ConnectionID, "port", ep.port, "err", err)
			continue
		}
		b.removeHold(ep.port, v, schedule)
	}
	conn.Allocated = false
}

// holdReservation progresses a freshly checked reservation to ReserveHeld,
// arms the two-phase commit timeout and confirms to the requester.
func (b *Backend) holdReservation(header nsi.Header, connectionID string) {
	defer log.HandlePanic()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		b.logger.Error("Holding reservation", "conn_id", connectionID, "err", err)
		return
	}
	if err := b.setReservationState(ctx, conn, nsi.ReserveHeld); err != nil {
		b.logger.Error("Holding reservation", "conn_id", connectionID, "err", err)
		return
	}
	deadline := b.now().Add(b.reserveTimeout)
	if conn.EndTime.Before(deadline) {
		deadline = conn.EndTime
	}
	b.sched.Schedule(connectionID, deadline, func() {
		b.reserveTimedOut(connectionID)
	})

	conf := nsi.ReserveConfirmation{
		ConnectionID:        connectionID,
		GlobalReservationID: conn.GlobalReservationID,
		Description:         conn.Description,
		Criteria:            conn.Criteria(),
	}
	b.notify(connectionID, "reserveConfirmed", func(ctx context.Context, r nsi.Requester) error {
		return r.ReserveConfirmed(ctx, header.Reply(), conf)
	})
}

// reserveTimedOut is the two-phase commit timeout: the held reservation is
// aborted, its calendar holds are released and the requester is notified.
func (b *Backend) reserveTimedOut(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		b.logger.Error("Reserve timeout lookup", "conn_id", connectionID, "err", err)
		return
	}
	if conn.ReservationState != nsi.ReserveHeld {
		return
	}
	b.logger.Info("Reservation timed out", "conn_id", connectionID)
	b.metrics.timeout()
	for _, state := range []nsi.ReservationState{
		nsi.ReserveTimeoutSt, nsi.ReserveAborting, nsi.ReserveStart,
	} {
		if err := b.setReservationState(ctx, conn, state); err != nil {
			b.logger.Error("Reserve timeout transition", "conn_id", connectionID, "err", err)
			return
		}
		if state == nsi.ReserveAborting {
			b.releaseHolds(conn)
		}
	}

	timeout := nsi.ReserveTimeout{
		ConnectionID:            connectionID,
		TimeoutValue:            int(b.reserveTimeout.Seconds()),
		OriginatingConnectionID: connectionID,
		OriginatingNSA:          b.nsaID,
		Timestamp:               b.now(),
	}
	header := nsi.NewHeader(conn.RequesterNSA, b.nsaID)
	b.notify(connectionID, "reserveTimeout", func(ctx context.Context, r nsi.Requester) error {
		return r.ReserveTimeout(ctx, header, timeout)
	})
}

// ReserveCommit commits a held reservation and cancels the two-phase commit
// timeout.
func (b *Backend) ReserveCommit(ctx context.Context, header nsi.Header, connectionID string) error {
	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getLiveConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := b.setReservationState(ctx, conn, nsi.ReserveCommitting); err != nil {
		return err
	}
	b.sched.Cancel(connectionID)
	if err := b.setReservationState(ctx, conn, nsi.ReserveStart); err != nil {
		return err
	}
	b.logger.Info("Reservation committed", "conn_id", connectionID)
	b.notify(connectionID, "reserveCommitConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveCommitConfirmed(ctx, header.Reply(), connectionID)
		})
	return nil
}

// ReserveAbort aborts a held, failed or timed-out reservation and releases
// its calendar holds. A reservation past its end time is terminated on the
// spot.
func (b *Backend) ReserveAbort(ctx context.Context, header nsi.Header, connectionID string) error {
	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getLiveConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := b.setReservationState(ctx, conn, nsi.ReserveAborting); err != nil {
		return err
	}
	b.sched.Cancel(connectionID)
	b.releaseHolds(conn)
	if err := b.setReservationState(ctx, conn, nsi.ReserveStart); err != nil {
		return err
	}
	if b.now().After(conn.EndTime) {
		if err := b.doTerminate(ctx, conn); err != nil {
			return err
		}
	}
	b.logger.Info("Reservation aborted", "conn_id", connectionID)
	b.notify(connectionID, "reserveAbortConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveAbortConfirmed(ctx, header.Reply(), connectionID)
		})
	return nil
}

// Provision arms data plane activation: immediately when the start time has
// passed, otherwise scheduled at start time.
func (b *Backend) Provision(ctx context.Context, header nsi.Header, connectionID string) error {
	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getLiveConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.ReservationState != nsi.ReserveStart {
		return serrors.Join(nsi.ErrInvalidTransition, nil,
			"reason", "reservation not committed",
			"conn_id", connectionID, "reservation_state", conn.ReservationState)
	}
	now := b.now()
	if !conn.EndTime.After(now) {
		return serrors.Join(nsi.ErrConnectionGone, nil,
			"reason", "end time passed", "conn_id", connectionID, "end", conn.EndTime)
	}
	if err := b.setProvisionState(ctx, conn, nsi.Provisioning); err != nil {
		return err
	}
	if conn.StartTime.After(now) {
		b.sched.Schedule(connectionID, conn.StartTime, func() {
			b.scheduledActivate(connectionID)
		})
	} else {
		b.activate(ctx, conn)
	}
	if err := b.setProvisionState(ctx, conn, nsi.Provisioned); err != nil {
		return err
	}
	b.notify(connectionID, "provisionConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ProvisionConfirmed(ctx, header.Reply(), connectionID)
		})
	return nil
}

// Release deactivates the data plane but keeps the reservation: the
// connection stays committed and is terminated at end time.
func (b *Backend) Release(ctx context.Context, header nsi.Header, connectionID string) error {
	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getLiveConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := b.setProvisionState(ctx, conn, nsi.Releasing); err != nil {
		return err
	}
	b.sched.Cancel(connectionID)
	if conn.DataPlaneActive {
		b.deactivate(ctx, conn)
	}
	b.sched.Schedule(connectionID, conn.EndTime, func() {
		b.passedEndTime(connectionID)
	})
	if err := b.setProvisionState(ctx, conn, nsi.Released); err != nil {
		return err
	}
	b.notify(connectionID, "releaseConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReleaseConfirmed(ctx, header.Reply(), connectionID)
		})
	return nil
}

// Terminate ends the connection. A second terminate of an already terminated
// connection is a no-op.
func (b *Backend) Terminate(ctx context.Context, header nsi.Header, connectionID string) error {
	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.LifecycleState == nsi.Terminated {
		return nil
	}
	if err := b.doTerminate(ctx, conn); err != nil {
		return err
	}
	b.notify(connectionID, "terminateConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.TerminateConfirmed(ctx, header.Reply(), connectionID)
		})
	return nil
}

// doTerminate runs the terminate sequence with the connection lock held:
// cancel pending calls, tear down if active, release holds on successful
// teardown, transition to Terminated.
func (b *Backend) doTerminate(ctx context.Context, conn *conndb.Connection) error {
	b.sched.Cancel(conn.ConnectionID)
	teardownOK := true
	if conn.DataPlaneActive {
		teardownOK = b.deactivate(ctx, conn)
	}
	if teardownOK {
		b.releaseHolds(conn)
	}
	if conn.LifecycleState != nsi.Terminating {
		if err := b.setLifecycleState(ctx, conn, nsi.Terminating); err != nil {
			return err
		}
	}
	if err := b.setLifecycleState(ctx, conn, nsi.Terminated); err != nil {
		return err
	}
	b.logger.Info("Connection terminated", "conn_id", conn.ConnectionID)
	return nil
}

// scheduledActivate is the start-time callback armed by Provision.
func (b *Backend) scheduledActivate(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		b.logger.Error("Scheduled activate lookup", "conn_id", connectionID, "err", err)
		return
	}
	if conn.LifecycleState == nsi.Terminated || conn.LifecycleState == nsi.Terminating {
		return
	}
	if conn.ProvisionState != nsi.Provisioned && conn.ProvisionState != nsi.Provisioning {
		return
	}
	b.activate(ctx, conn)
}

// activate sets up the data plane link. Called with the connection lock held.
// Failures are reported asynchronously via errorEvent and do not terminate
// the connection.
func (b *Backend) activate(ctx context.Context, conn *conndb.Connection) {
	srcTarget, dstTarget, err := b.targets(conn)
	if err != nil {
		b.dataPlaneFailed(conn, nsi.EventActivateFailed, "setup", err)
		return
	}
	err = b.cm.SetupLink(ctx, conn.ConnectionID, srcTarget, dstTarget, conn.Capacity)
	if err != nil {
		b.dataPlaneFailed(conn, nsi.EventActivateFailed, "setup",
			serrors.Join(nsi.ErrInternalNRM, err))
		return
	}
	b.metrics.dataPlaneOp("setup", "ok")
	conn.DataPlaneActive = true
	conn.DataPlaneVersion++
	if err := b.saveAndPublish(ctx, conn); err != nil {
		b.logger.Error("Persisting activation", "conn_id", conn.ConnectionID, "err", err)
		return
	}
	b.logger.Info("Data plane activated", "conn_id", conn.ConnectionID,
		"version", conn.DataPlaneVersion)
	connectionID := conn.ConnectionID
	b.sched.Schedule(connectionID, conn.EndTime, func() {
		b.passedEndTime(connectionID)
	})
	b.notifyDataPlaneState(conn)
}

// deactivate tears down the data plane link. Called with the connection lock
// held. The data plane is reported inactive even when teardown fails, as NSI
// treats unknown state as inactive; the return value tells the caller whether
// teardown actually succeeded.
func (b *Backend) deactivate(ctx context.Context, conn *conndb.Connection) bool {
	srcTarget, dstTarget, err := b.targets(conn)
	if err == nil {
		err = b.cm.TeardownLink(ctx, conn.ConnectionID, srcTarget, dstTarget, conn.Capacity)
		if err != nil {
			err = serrors.Join(nsi.ErrInternalNRM, err)
		}
	}
	conn.DataPlaneActive = false
	if err != nil {
		b.dataPlaneFailed(conn, nsi.EventDeactivateFailed, "teardown", err)
		if persistErr := b.saveAndPublish(ctx, conn); persistErr != nil {
			b.logger.Error("Persisting deactivation", "conn_id", conn.ConnectionID,
				"err", persistErr)
		}
		return false
	}
	b.metrics.dataPlaneOp("teardown", "ok")
	if err := b.saveAndPublish(ctx, conn); err != nil {
		b.logger.Error("Persisting deactivation", "conn_id", conn.ConnectionID, "err", err)
		return true
	}
	b.logger.Info("Data plane deactivated", "conn_id", conn.ConnectionID)
	b.notifyDataPlaneState(conn)
	return true
}

func (b *Backend) targets(conn *conndb.Connection) (string, string, error) {
	srcValue, err := conn.SourceLabel.Values.Single()
	if err != nil {
		return "", "", err
	}
	dstValue, err := conn.DestLabel.Values.Single()
	if err != nil {
		return "", "", err
	}
	srcTarget, err := b.cm.Target(conn.SourcePort, srcValue)
	if err != nil {
		return "", "", serrors.Join(nsi.ErrInternalNRM, err, "port", conn.SourcePort)
	}
	dstTarget, err := b.cm.Target(conn.DestPort, dstValue)
	if err != nil {
		return "", "", serrors.Join(nsi.ErrInternalNRM, err, "port", conn.DestPort)
	}
	return srcTarget, dstTarget, nil
}

func (b *Backend) dataPlaneFailed(
	conn *conndb.Connection,
	event nsi.Event,
	operation string,
	err error,
) {
	b.metrics.dataPlaneOp(operation, "error")
	b.logger.Error("Data plane operation failed", "conn_id", conn.ConnectionID,
		"operation", operation, "err", err)
	errorEvent := nsi.ErrorEvent{
		ConnectionID:     conn.ConnectionID,
		Event:            event,
		OriginatingNSA:   b.nsaID,
		Timestamp:        b.now(),
		ServiceException: nsi.NewServiceException(b.nsaID, conn.ConnectionID, err),
	}
	header := nsi.NewHeader(conn.RequesterNSA, b.nsaID)
	b.notify(conn.ConnectionID, "errorEvent", func(ctx context.Context, r nsi.Requester) error {
		return r.ErrorEvent(ctx, header, errorEvent)
	})
}

func (b *Backend) notifyDataPlaneState(conn *conndb.Connection) {
	status := nsi.DataPlaneStatus{
		Active:            conn.DataPlaneActive,
		Version:           conn.DataPlaneVersion,
		VersionConsistent: true,
	}
	connectionID := conn.ConnectionID
	header := nsi.NewHeader(conn.RequesterNSA, b.nsaID)
	b.notify(connectionID, "dataPlaneStateChange",
		func(ctx context.Context, r nsi.Requester) error {
			return r.DataPlaneStateChange(ctx, header, connectionID, status)
		})
}

// passedEndTime is the end-of-schedule callback: tear down the data plane if
// needed and terminate the connection.
func (b *Backend) passedEndTime(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	l := b.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := b.getConnection(ctx, connectionID)
	if err != nil {
		b.logger.Error("End time lookup", "conn_id", connectionID, "err", err)
		return
	}
	if conn.LifecycleState == nsi.Terminated {
		return
	}
	b.logger.Info("End time passed", "conn_id", connectionID)
	if err := b.setLifecycleState(ctx, conn, nsi.PassedEndTime); err != nil {
		b.logger.Error("End time transition", "conn_id", connectionID, "err", err)
		return
	}
	if err := b.doTerminate(ctx, conn); err != nil {
		b.logger.Error("End time terminate", "conn_id", connectionID, "err", err)
	}
}

// QuerySummary returns the persisted records matching the filter. With an
// empty filter, all connections of the calling requester are returned.
func (b *Backend) QuerySummary(
	ctx context.Context,
	header nsi.Header,
	filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	conns, err := b.db.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	var out []nsi.QueryResult
	for _, conn := range conns {
		if !matchFilter(conn, header, filter) {
			continue
		}
		out = append(out, b.toQueryResult(conn))
	}
	return out, nil
}

// QueryRecursive is QuerySummary at the leaf: a backend connection has no
// children.
func (b *Backend) QueryRecursive(
	ctx context.Context,
	header nsi.Header,
	filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	return b.QuerySummary(ctx, header, filter)
}

func matchFilter(conn *conndb.Connection, header nsi.Header, filter nsi.QueryFilter) bool {
	if len(filter.ConnectionIDs) == 0 && len(filter.GlobalReservationIDs) == 0 {
		return header.RequesterNSA == "" || conn.RequesterNSA == header.RequesterNSA
	}
	for _, id := range filter.ConnectionIDs {
		if conn.ConnectionID == id {
			return true
		}
	}
	for _, gid := range filter.GlobalReservationIDs {
		if conn.GlobalReservationID != "" && conn.GlobalReservationID == gid {
			return true
		}
	}
	return false
}

func (b *Backend) toQueryResult(conn *conndb.Connection) nsi.QueryResult {
	return nsi.QueryResult{
		ConnectionID:        conn.ConnectionID,
		GlobalReservationID: conn.GlobalReservationID,
		Description:         conn.Description,
		RequesterNSA:        conn.RequesterNSA,
		ProviderNSA:         b.nsaID,
		ReserveTime:         conn.ReserveTime,
		States:              conn.States(),
		DataPlaneActive:     conn.DataPlaneActive,
		DataPlaneVersion:    conn.DataPlaneVersion,
		Criteria:            conn.Criteria(),
		StartTime:           conn.StartTime,
		EndTime:             conn.EndTime,
		Capacity:            conn.Capacity,
		SourceSTP:           conn.SourceSTP().URN(),
		DestSTP:             conn.DestSTP().URN(),
	}
}

// BuildSchedule is the crash recovery pass: it rebuilds the reservation
// calendar from persisted records and re-arms the per-connection future
// actions lost with the previous process.
func (b *Backend) BuildSchedule(ctx context.Context) error {
	conns, err := b.db.NonTerminatedConnections(ctx)
	if err != nil {
		return err
	}
	now := b.now()
	for _, conn := range conns {
		if err := b.recoverConnection(ctx, conn, now); err != nil {
			return serrors.WrapStr("recovering connection", err,
				"conn_id", conn.ConnectionID)
		}
	}
	b.logger.Info("Schedule rebuilt", "connections", len(conns))
	return nil
}

func (b *Backend) recoverConnection(
	ctx context.Context,
	conn *conndb.Connection,
	now time.Time,
) error {
	l := b.connLock(conn.ConnectionID)
	l.Lock()
	defer l.Unlock()

	if conn.EndTime.Before(now) {
		return b.doTerminate(ctx, conn)
	}

	if conn.Allocated {
		b.rebuildHolds(conn)
	}

	connectionID := conn.ConnectionID
	switch {
	case conn.ReservationState == nsi.ReserveChecking ||
		conn.ReservationState == nsi.ReserveHeld:
		// An uncommitted hold gets a fresh two-phase commit window; the
		// elapsed hold time of the previous process is unknowable.
		if conn.ReservationState == nsi.ReserveChecking {
			if err := b.setReservationState(ctx, conn, nsi.ReserveHeld); err != nil {
				return err
			}
		}
		deadline := now.Add(b.reserveTimeout)
		if conn.EndTime.Before(deadline) {
			deadline = conn.EndTime
		}
		b.sched.Schedule(connectionID, deadline, func() {
			b.reserveTimedOut(connectionID)
		})

	case conn.ProvisionState == nsi.Provisioned && !conn.DataPlaneActive:
		if conn.StartTime.After(now) {
			b.sched.Schedule(connectionID, conn.StartTime, func() {
				b.scheduledActivate(connectionID)
			})
		} else {
			b.activate(ctx, conn)
		}

	default:
		// Provisioned-and-active or still released: the only pending future
		// action is the end of the schedule.
		b.sched.Schedule(connectionID, conn.EndTime, func() {
			b.passedEndTime(connectionID)
		})
	}
	return nil
}

// rebuildHolds reinserts the calendar entries of a live reservation without
// admission checks; past start times are expected here.
func (b *Backend) rebuildHolds(conn *conndb.Connection) {
	for _, ep := range []struct {
		port  string
		label *nsi.Label
	}{
		{conn.SourcePort, conn.SourceLabel},
		{conn.DestPort, conn.DestLabel},
	} {
		v, err := ep.label.Values.Single()
		if err != nil {
			b.logger.Error("Rebuilding hold of unpinned label",
				"conn_id", conn.ConnectionID, "port", ep.port, "err", err)
			continue
		}
		b.cal.Insert(b.cm.Resource(ep.port, v), conn.StartTime, conn.EndTime)
	}
}

// Close cancels all pending scheduled calls. In-flight database writes finish
// on their own goroutines before their callbacks fire.
func (b *Backend) Close() {
	b.sched.CancelAll()
}
