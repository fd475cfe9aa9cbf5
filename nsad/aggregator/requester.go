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

package aggregator

import (
	"context"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
)

// The methods in this file receive child callbacks. Each one maps the child
// to its parent connection, records the child state, and raises the parent
// callback once every child has reached the target state. The parent state
// recorded before the fan-out (committing, aborting, provisioning, ...)
// selects which aggregate transition applies when children share a state.

func (a *Aggregator) upstreamHeader(conn *conndb.Connection) nsi.Header {
	return nsi.NewHeader(conn.RequesterNSA, a.nsaID)
}

// nestedException re-homes a child service exception onto the parent
// connection, keeping the child's error id and text. A missing child
// exception maps to the downstream error.
func (a *Aggregator) nestedException(parentID string, se *nsi.ServiceException) *nsi.ServiceException {
	if se == nil {
		return nsi.NewServiceException(a.nsaID, parentID, nsi.ErrDownstreamNSA)
	}
	return &nsi.ServiceException{
		NsaID:        a.nsaID,
		ConnectionID: parentID,
		ErrorID:      se.ErrorID,
		Text:         se.Text,
		Variables:    se.Variables,
	}
}

func (a *Aggregator) unknownChild(callback string, header nsi.Header, childConnID string) error {
	a.logger.Info("Dropping callback for unknown child",
		"callback", callback, "child_id", childConnID,
		"correlation_id", header.CorrelationID)
	return serrors.Join(nsi.ErrConnectionNonExistent, nil, "child_id", childConnID)
}

// childStateUpdate records one child state change and reports whether every
// child satisfies the done predicate. Must run with the parent lock held.
func (a *Aggregator) childStateUpdate(
	ctx context.Context,
	ref childRef,
	mutate func(*conndb.SubConnection),
	done func(*conndb.SubConnection) bool,
) (bool, error) {
	if err := a.updateSub(ctx, ref.parentID, ref.ordinal, mutate); err != nil {
		return false, err
	}
	subs, err := a.db.SubConnections(ctx, ref.parentID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if !done(sub) {
			return false, nil
		}
	}
	return true, nil
}

// ReserveConfirmed records a held child. When the last child confirms, the
// parent moves to held with the end-to-end labels narrowed from the outer
// segments, and the aggregated confirmation goes upstream.
func (a *Aggregator) ReserveConfirmed(
	ctx context.Context,
	header nsi.Header,
	conf nsi.ReserveConfirmation,
) error {
	ref, ok := a.resolveChild(header, conf.ConnectionID)
	if !ok {
		return a.unknownChild("reserveConfirmed", header, conf.ConnectionID)
	}
	a.registerChild(conf.ConnectionID, ref)

	l := a.connLock(ref.parentID)
	l.Lock()
	defer l.Unlock()

	all, err := a.childStateUpdate(ctx, ref,
		func(sub *conndb.SubConnection) {
			if sub.ConnectionID == "" {
				sub.ConnectionID = conf.ConnectionID
			}
			sub.ReservationState = nsi.ReserveHeld
			sub.SourceSTP = conf.Criteria.Service.Source.URN()
			sub.DestSTP = conf.Criteria.Service.Dest.URN()
		},
		func(sub *conndb.SubConnection) bool {
			return sub.ReservationState == nsi.ReserveHeld
		})
	if err != nil || !all {
		return err
	}

	conn, err := a.getConnection(ctx, ref.parentID)
	if err != nil {
		return err
	}
	if conn.ReservationState != nsi.ReserveChecking {
		return nil
	}
	if err := a.narrowParentLabels(ctx, conn); err != nil {
		return err
	}
	conn.ReservationState = nsi.ReserveHeld
	if err := a.saveAndPublish(ctx, conn); err != nil {
		return err
	}
	a.logger.Info("Reservation held", "conn_id", conn.ConnectionID)

	upstream := a.upstreamHeader(conn)
	parentConf := nsi.ReserveConfirmation{
		ConnectionID:        conn.ConnectionID,
		GlobalReservationID: conn.GlobalReservationID,
		Description:         conn.Description,
		Criteria:            conn.Criteria(),
	}
	a.notify(conn.ConnectionID, "reserveConfirmed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveConfirmed(ctx, upstream, parentConf)
		})
	return nil
}

// narrowParentLabels copies the labels confirmed for the outer segments onto
// the parent endpoints. Must run with the parent lock held.
func (a *Aggregator) narrowParentLabels(ctx context.Context, conn *conndb.Connection) error {
	subs, err := a.db.SubConnections(ctx, conn.ConnectionID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	first, err := nsi.ParseSTP(subs[0].SourceSTP)
	if err != nil {
		return serrors.WrapStr("parsing confirmed source", err, "conn_id", conn.ConnectionID)
	}
	last, err := nsi.ParseSTP(subs[len(subs)-1].DestSTP)
	if err != nil {
		return serrors.WrapStr("parsing confirmed dest", err, "conn_id", conn.ConnectionID)
	}
	conn.SourceLabel = first.Label
	conn.DestLabel = last.Label
	return nil
}

// ReserveFailed fails the parent and aborts the children already holding
// resources.
func (a *Aggregator) ReserveFailed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
	states nsi.ConnectionStates,
	se *nsi.ServiceException,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("reserveFailed", header, childConnID)
	}
	a.registerChild(childConnID, ref)

	l := a.connLock(ref.parentID)
	l.Lock()

	if err := a.updateSub(ctx, ref.parentID, ref.ordinal,
		func(sub *conndb.SubConnection) {
			if sub.ConnectionID == "" {
				sub.ConnectionID = childConnID
			}
			sub.ReservationState = nsi.ReserveFailed
		}); err != nil {
		l.Unlock()
		return err
	}
	conn, err := a.getConnection(ctx, ref.parentID)
	if err != nil {
		l.Unlock()
		return err
	}
	alreadyFailed := conn.ReservationState == nsi.ReserveFailed
	if !alreadyFailed {
		conn.ReservationState = nsi.ReserveFailed
		if err := a.saveAndPublish(ctx, conn); err != nil {
			l.Unlock()
			return err
		}
	}
	l.Unlock()
	if alreadyFailed {
		return nil
	}
	a.logger.Info("Reservation failed", "conn_id", conn.ConnectionID,
		"child_id", childConnID, "err", se)

	// Abort the siblings that reached held; their abort confirmations update
	// the child rows but the parent stays failed until the requester aborts.
	if err := a.fanOut(ctx, a.upstreamHeader(conn), conn.ConnectionID, "abort",
		func(sub *conndb.SubConnection) bool {
			return sub.ReservationState != nsi.ReserveHeld || sub.ConnectionID == ""
		},
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			return p.ReserveAbort(ctx, h, childID)
		}); err != nil {
		a.logger.Error("Aborting held children after failure",
			"conn_id", conn.ConnectionID, "err", err)
	}

	upstream := a.upstreamHeader(conn)
	parentStates := conn.States()
	a.notify(conn.ConnectionID, "reserveFailed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveFailed(ctx, upstream, conn.ConnectionID, parentStates,
				a.nestedException(conn.ConnectionID, se))
		})
	return nil
}

// finalizeWhen applies the aggregate parent transition once every child has
// reached the target state and the parent sits in the expected intermediate
// state, then raises the upstream callback.
func (a *Aggregator) finalizeWhen(
	ctx context.Context,
	ref childRef,
	mutate func(*conndb.SubConnection),
	done func(*conndb.SubConnection) bool,
	ready func(*conndb.Connection) bool,
	transition func(*conndb.Connection),
	callback string,
	send func(ctx context.Context, r nsi.Requester, header nsi.Header, parentID string) error,
) error {
	l := a.connLock(ref.parentID)
	l.Lock()
	defer l.Unlock()

	all, err := a.childStateUpdate(ctx, ref, mutate, done)
	if err != nil || !all {
		return err
	}
	conn, err := a.getConnection(ctx, ref.parentID)
	if err != nil {
		return err
	}
	if !ready(conn) {
		return nil
	}
	transition(conn)
	if err := a.saveAndPublish(ctx, conn); err != nil {
		return err
	}
	upstream := a.upstreamHeader(conn)
	parentID := conn.ConnectionID
	a.notify(parentID, callback, func(ctx context.Context, r nsi.Requester) error {
		return send(ctx, r, upstream, parentID)
	})
	return nil
}

// ReserveCommitConfirmed completes the parent commit when the last child
// commit confirms.
func (a *Aggregator) ReserveCommitConfirmed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("reserveCommitConfirmed", header, childConnID)
	}
	return a.finalizeWhen(ctx, ref,
		func(sub *conndb.SubConnection) { sub.ReservationState = nsi.ReserveStart },
		func(sub *conndb.SubConnection) bool {
			return sub.ReservationState == nsi.ReserveStart
		},
		func(conn *conndb.Connection) bool {
			return conn.ReservationState == nsi.ReserveCommitting
		},
		func(conn *conndb.Connection) { conn.ReservationState = nsi.ReserveStart },
		"reserveCommitConfirmed",
		func(ctx context.Context, r nsi.Requester, h nsi.Header, id string) error {
			return r.ReserveCommitConfirmed(ctx, h, id)
		})
}

// ReserveCommitFailed forwards a failed child commit upstream.
func (a *Aggregator) ReserveCommitFailed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
	states nsi.ConnectionStates,
	se *nsi.ServiceException,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("reserveCommitFailed", header, childConnID)
	}
	l := a.connLock(ref.parentID)
	l.Lock()
	conn, err := a.getConnection(ctx, ref.parentID)
	l.Unlock()
	if err != nil {
		return err
	}
	a.logger.Error("Child commit failed", "conn_id", conn.ConnectionID,
		"child_id", childConnID, "err", se)
	upstream := a.upstreamHeader(conn)
	parentStates := conn.States()
	a.notify(conn.ConnectionID, "reserveCommitFailed",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveCommitFailed(ctx, upstream, conn.ConnectionID, parentStates,
				a.nestedException(conn.ConnectionID, se))
		})
	return nil
}

// ReserveAbortConfirmed completes the parent abort when the last child abort
// confirms.
func (a *Aggregator) ReserveAbortConfirmed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("reserveAbortConfirmed", header, childConnID)
	}
	return a.finalizeWhen(ctx, ref,
		func(sub *conndb.SubConnection) { sub.ReservationState = nsi.ReserveStart },
		func(sub *conndb.SubConnection) bool {
			return sub.ReservationState == nsi.ReserveStart ||
				sub.ReservationState == nsi.ReserveFailed
		},
		func(conn *conndb.Connection) bool {
			return conn.ReservationState == nsi.ReserveAborting
		},
		func(conn *conndb.Connection) { conn.ReservationState = nsi.ReserveStart },
		"reserveAbortConfirmed",
		func(ctx context.Context, r nsi.Requester, h nsi.Header, id string) error {
			return r.ReserveAbortConfirmed(ctx, h, id)
		})
}

// ProvisionConfirmed completes the parent provision when the last child
// reaches provisioned.
func (a *Aggregator) ProvisionConfirmed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("provisionConfirmed", header, childConnID)
	}
	return a.finalizeWhen(ctx, ref,
		func(sub *conndb.SubConnection) { sub.ProvisionState = nsi.Provisioned },
		func(sub *conndb.SubConnection) bool {
			return sub.ProvisionState == nsi.Provisioned
		},
		func(conn *conndb.Connection) bool {
			return conn.ProvisionState == nsi.Provisioning
		},
		func(conn *conndb.Connection) { conn.ProvisionState = nsi.Provisioned },
		"provisionConfirmed",
		func(ctx context.Context, r nsi.Requester, h nsi.Header, id string) error {
			return r.ProvisionConfirmed(ctx, h, id)
		})
}

// ReleaseConfirmed completes the parent release when the last child reaches
// released.
func (a *Aggregator) ReleaseConfirmed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("releaseConfirmed", header, childConnID)
	}
	return a.finalizeWhen(ctx, ref,
		func(sub *conndb.SubConnection) { sub.ProvisionState = nsi.Released },
		func(sub *conndb.SubConnection) bool {
			return sub.ProvisionState == nsi.Released
		},
		func(conn *conndb.Connection) bool {
			return conn.ProvisionState == nsi.Releasing
		},
		func(conn *conndb.Connection) { conn.ProvisionState = nsi.Released },
		"releaseConfirmed",
		func(ctx context.Context, r nsi.Requester, h nsi.Header, id string) error {
			return r.ReleaseConfirmed(ctx, h, id)
		})
}

// TerminateConfirmed completes the parent terminate when the last child
// reaches terminated. Children that never received a connection id count as
// terminated.
func (a *Aggregator) TerminateConfirmed(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("terminateConfirmed", header, childConnID)
	}
	err := a.finalizeWhen(ctx, ref,
		func(sub *conndb.SubConnection) { sub.LifecycleState = nsi.Terminated },
		func(sub *conndb.SubConnection) bool {
			return sub.LifecycleState == nsi.Terminated || sub.ConnectionID == ""
		},
		func(conn *conndb.Connection) bool {
			return conn.LifecycleState == nsi.Terminating
		},
		func(conn *conndb.Connection) { conn.LifecycleState = nsi.Terminated },
		"terminateConfirmed",
		func(ctx context.Context, r nsi.Requester, h nsi.Header, id string) error {
			return r.TerminateConfirmed(ctx, h, id)
		})
	if err != nil {
		return err
	}
	// Release the callback indexes once the parent is fully terminated.
	l := a.connLock(ref.parentID)
	l.Lock()
	conn, getErr := a.getConnection(ctx, ref.parentID)
	l.Unlock()
	if getErr == nil && conn.LifecycleState == nsi.Terminated {
		a.forgetConnection(ref.parentID)
	}
	return nil
}

// ErrorEvent forwards a child error event upstream under the parent
// connection id.
func (a *Aggregator) ErrorEvent(
	ctx context.Context,
	header nsi.Header,
	event nsi.ErrorEvent,
) error {
	ref, ok := a.resolveChild(header, event.ConnectionID)
	if !ok {
		return a.unknownChild("errorEvent", header, event.ConnectionID)
	}
	l := a.connLock(ref.parentID)
	l.Lock()
	conn, err := a.getConnection(ctx, ref.parentID)
	l.Unlock()
	if err != nil {
		return err
	}
	a.logger.Info("Forwarding error event", "conn_id", conn.ConnectionID,
		"child_id", event.ConnectionID, "event", event.Event)
	forwarded := event
	forwarded.ConnectionID = conn.ConnectionID
	upstream := a.upstreamHeader(conn)
	a.notify(conn.ConnectionID, "errorEvent",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ErrorEvent(ctx, upstream, forwarded)
		})
	return nil
}

// DataPlaneStateChange folds a child data plane update into the parent view:
// the parent is active when every child is, its version is the highest child
// version, and it is consistent when every child reports that version. The
// upstream notification fires only when the parent view changes.
func (a *Aggregator) DataPlaneStateChange(
	ctx context.Context,
	header nsi.Header,
	childConnID string,
	status nsi.DataPlaneStatus,
) error {
	ref, ok := a.resolveChild(header, childConnID)
	if !ok {
		return a.unknownChild("dataPlaneStateChange", header, childConnID)
	}
	l := a.connLock(ref.parentID)
	l.Lock()
	defer l.Unlock()

	if err := a.updateSub(ctx, ref.parentID, ref.ordinal,
		func(sub *conndb.SubConnection) {
			sub.DataPlaneActive = status.Active
			sub.DataPlaneVersion = status.Version
			sub.VersionConsistent = status.VersionConsistent
		}); err != nil {
		return err
	}
	subs, err := a.db.SubConnections(ctx, ref.parentID)
	if err != nil {
		return err
	}
	active := true
	version := 0
	consistent := true
	for _, sub := range subs {
		if !sub.DataPlaneActive {
			active = false
		}
		if sub.DataPlaneVersion > version {
			version = sub.DataPlaneVersion
		}
		if !sub.VersionConsistent {
			consistent = false
		}
	}
	for _, sub := range subs {
		if sub.DataPlaneVersion != version {
			consistent = false
		}
	}

	conn, err := a.getConnection(ctx, ref.parentID)
	if err != nil {
		return err
	}
	if conn.DataPlaneActive == active && conn.DataPlaneVersion == version {
		return nil
	}
	conn.DataPlaneActive = active
	conn.DataPlaneVersion = version
	if err := a.saveAndPublish(ctx, conn); err != nil {
		return err
	}
	a.logger.Info("Aggregated data plane changed", "conn_id", conn.ConnectionID,
		"active", active, "version", version, "consistent", consistent)

	upstream := a.upstreamHeader(conn)
	parentStatus := nsi.DataPlaneStatus{
		Active:            active,
		Version:           version,
		VersionConsistent: consistent,
	}
	a.notify(conn.ConnectionID, "dataPlaneStateChange",
		func(ctx context.Context, r nsi.Requester) error {
			return r.DataPlaneStateChange(ctx, upstream, conn.ConnectionID, parentStatus)
		})
	return nil
}

// ReserveTimeout forwards a child hold timeout upstream, preserving the
// originating connection so the requester can see where the timeout fired.
func (a *Aggregator) ReserveTimeout(
	ctx context.Context,
	header nsi.Header,
	timeout nsi.ReserveTimeout,
) error {
	ref, ok := a.resolveChild(header, timeout.ConnectionID)
	if !ok {
		return a.unknownChild("reserveTimeout", header, timeout.ConnectionID)
	}
	l := a.connLock(ref.parentID)
	l.Lock()
	if err := a.updateSub(ctx, ref.parentID, ref.ordinal,
		func(sub *conndb.SubConnection) {
			sub.ReservationState = nsi.ReserveTimeoutSt
		}); err != nil {
		l.Unlock()
		return err
	}
	conn, err := a.getConnection(ctx, ref.parentID)
	if err != nil {
		l.Unlock()
		return err
	}
	if conn.ReservationState == nsi.ReserveHeld {
		conn.ReservationState = nsi.ReserveTimeoutSt
		if err := a.saveAndPublish(ctx, conn); err != nil {
			l.Unlock()
			return err
		}
	}
	l.Unlock()
	a.logger.Info("Forwarding reserve timeout", "conn_id", conn.ConnectionID,
		"child_id", timeout.ConnectionID)

	forwarded := timeout
	forwarded.ConnectionID = conn.ConnectionID
	upstream := a.upstreamHeader(conn)
	a.notify(conn.ConnectionID, "reserveTimeout",
		func(ctx context.Context, r nsi.Requester) error {
			return r.ReserveTimeout(ctx, upstream, forwarded)
		})
	return nil
}
