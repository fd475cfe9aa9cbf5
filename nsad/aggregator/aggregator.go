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

// Package aggregator implements the aggregating NSA: it decomposes a
// reservation into per-network child reservations, fans requests out to the
// responsible providers in parallel, and merges child confirmations and
// data plane notifications into a single parent view. It is both an NSI
// provider (to its parent requester) and an NSI requester (to its children).
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nordunet/opennsa-go/nsad/registry"
	"github.com/nordunet/opennsa-go/nsad/routing"
	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/clock"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
	"github.com/nordunet/opennsa-go/private/pubsub"
	"github.com/nordunet/opennsa-go/private/storage/conndb"
)

// notifyTimeout bounds the delivery of one parent callback.
const notifyTimeout = 30 * time.Second

// Authorizer gates reserve requests. Any-match semantics are the
// implementation's concern; the default allows everything.
type Authorizer interface {
	Authorize(header nsi.Header, req nsi.ReserveRequest) error
}

// AllowAll is the default authorizer.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(nsi.Header, nsi.ReserveRequest) error { return nil }

// Config assembles an Aggregator.
type Config struct {
	NSAID      string
	Network    *topology.Network
	Local      nsi.Provider
	Routes     *routing.Table
	Registry   *registry.Registry
	DB         conndb.DB
	Bus        *pubsub.Bus
	Clock      clock.Clock
	Logger     log.Logger
	Metrics    *Metrics
	Authorizer Authorizer
}

// childRef addresses one child of an aggregated connection.
type childRef struct {
	parentID string
	ordinal  int
}

// Aggregator decomposes and coordinates multi-network reservations.
type Aggregator struct {
	nsaID      string
	network    *topology.Network
	local      nsi.Provider
	routes     *routing.Table
	registry   *registry.Registry
	db         conndb.DB
	bus        *pubsub.Bus
	clock      clock.Clock
	logger     log.Logger
	metrics    *Metrics
	authorizer Authorizer

	mu        sync.Mutex
	requester nsi.Requester
	locks     map[string]*sync.Mutex
	// corrIndex resolves child callbacks that echo a correlation id issued
	// here; childIndex resolves notifications carrying only the child
	// connection id.
	corrIndex  map[string]childRef
	childIndex map[string]childRef
}

var (
	_ nsi.Provider  = (*Aggregator)(nil)
	_ nsi.Requester = (*Aggregator)(nil)
)

// New creates an aggregator. The parent requester is injected later through
// SetRequester.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		nsaID:      cfg.NSAID,
		network:    cfg.Network,
		local:      cfg.Local,
		routes:     cfg.Routes,
		registry:   cfg.Registry,
		db:         cfg.DB,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		authorizer: cfg.Authorizer,
		locks:      map[string]*sync.Mutex{},
		corrIndex:  map[string]childRef{},
		childIndex: map[string]childRef{},
	}
	if a.clock == nil {
		a.clock = clock.System()
	}
	if a.logger == nil {
		a.logger = log.Root()
	}
	if a.authorizer == nil {
		a.authorizer = AllowAll{}
	}
	return a
}

// SetRequester installs the parent requester receiving aggregated callbacks.
func (a *Aggregator) SetRequester(r nsi.Requester) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requester = r
}

func (a *Aggregator) requesterRef() nsi.Requester {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requester
}

func (a *Aggregator) connLock(parentID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[parentID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[parentID] = l
	}
	return l
}

func (a *Aggregator) registerCorrelation(correlationID string, ref childRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrIndex[correlationID] = ref
}

func (a *Aggregator) registerChild(connectionID string, ref childRef) {
	if connectionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.childIndex[connectionID] = ref
}

// resolveChild maps a child callback to the parent connection: first by the
// echoed correlation id, then by the child connection id.
func (a *Aggregator) resolveChild(header nsi.Header, childConnID string) (childRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.corrIndex[header.CorrelationID]; ok {
		return ref, true
	}
	ref, ok := a.childIndex[childConnID]
	return ref, ok
}

// forgetConnection drops the callback indexes of a terminated parent.
func (a *Aggregator) forgetConnection(parentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ref := range a.corrIndex {
		if ref.parentID == parentID {
			delete(a.corrIndex, id)
		}
	}
	for id, ref := range a.childIndex {
		if ref.parentID == parentID {
			delete(a.childIndex, id)
		}
	}
	delete(a.locks, parentID)
}

func (a *Aggregator) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Second)
}

// childHeader derives the header for a request to a child provider: this NSA
// becomes the requester and is appended to the connection trace.
func (a *Aggregator) childHeader(parent nsi.Header, providerNSA string) nsi.Header {
	h := nsi.NewHeader(a.nsaID, providerNSA)
	h.SecurityAttributes = parent.SecurityAttributes
	h.ConnectionTrace = append(append([]string{}, parent.ConnectionTrace...), a.nsaID)
	return h
}

func (a *Aggregator) saveAndPublish(ctx context.Context, conn *conndb.Connection) error {
	if err := a.db.UpdateConnection(ctx, conn); err != nil {
		return err
	}
	a.bus.Publish(pubsub.StateUpdate{
		ConnectionID: conn.ConnectionID,
		States:       conn.States(),
		DataPlane: nsi.DataPlaneStatus{
			Active:            conn.DataPlaneActive,
			Version:           conn.DataPlaneVersion,
			VersionConsistent: true,
		},
		Timestamp: a.now(),
	})
	return nil
}

// notify delivers one parent callback on its own goroutine.
func (a *Aggregator) notify(
	parentID, name string,
	send func(context.Context, nsi.Requester) error,
) {
	r := a.requesterRef()
	if r == nil {
		return
	}
	a.metrics.notification(name)
	go func() {
		defer log.HandlePanic()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := send(ctx, r); err != nil {
			a.logger.Error("Delivering aggregated callback failed",
				"callback", name, "conn_id", parentID, "err", err)
		}
	}()
}

func (a *Aggregator) getConnection(ctx context.Context, parentID string) (
	*conndb.Connection, error) {

	conn, err := a.db.GetConnection(ctx, parentID)
	if errors.Is(err, conndb.ErrNotFound) {
		return nil, serrors.Join(nsi.ErrConnectionNonExistent, nil, "conn_id", parentID)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Reserve validates and authorizes the request, decomposes it, persists the
// parent and all child rows, and issues the child reserves in parallel. It
// returns the parent connection id once every child has acknowledged its id;
// the aggregated confirmation follows asynchronously after all child
// confirmations.
func (a *Aggregator) Reserve(
	ctx context.Context,
	header nsi.Header,
	req nsi.ReserveRequest,
) (string, error) {
	parentID, err := a.reserve(ctx, header, req)
	if err != nil {
		a.metrics.reservation("error")
		return "", err
	}
	a.metrics.reservation("ok")
	return parentID, nil
}

func (a *Aggregator) reserve(
	ctx context.Context,
	header nsi.Header,
	req nsi.ReserveRequest,
) (string, error) {
	if req.ConnectionID != "" {
		return "", serrors.Join(nsi.ErrPayload, nil,
			"reason", "reservation modify not supported", "conn_id", req.ConnectionID)
	}
	if err := a.authorizer.Authorize(header, req); err != nil {
		return "", err
	}
	svc := req.Criteria.Service
	if err := svc.Validate(); err != nil {
		return "", err
	}
	now := a.now()
	schedule := req.Criteria.Schedule.Normalize(now)
	if err := schedule.Validate(now); err != nil {
		return "", err
	}
	segments, err := a.decompose(svc.Source, svc.Dest)
	if err != nil {
		return "", err
	}

	parentID := uuid.NewString()
	parent := &conndb.Connection{
		ConnectionID:        parentID,
		RequesterNSA:        header.RequesterNSA,
		ReserveTime:         now,
		GlobalReservationID: req.GlobalReservationID,
		Description:         req.Description,
		Revision:            req.Criteria.Revision,
		ReservationState:    nsi.ReserveChecking,
		ProvisionState:      nsi.Released,
		LifecycleState:      nsi.Created,
		SourceNetwork:       svc.Source.Network,
		SourcePort:          svc.Source.Port,
		SourceLabel:         svc.Source.Label,
		DestNetwork:         svc.Dest.Network,
		DestPort:            svc.Dest.Port,
		DestLabel:           svc.Dest.Label,
		StartTime:           schedule.Start,
		EndTime:             schedule.End,
		Capacity:            svc.Capacity,
	}
	if err := a.db.CreateConnection(ctx, parent); err != nil {
		return "", err
	}
	// All child rows exist before any child reserve is issued, so the
	// all-children-held check never runs against a partial set.
	for i, seg := range segments {
		sub := &conndb.SubConnection{
			ParentID:         parentID,
			Ordinal:          i,
			ProviderNSA:      seg.providerNSA,
			Local:            seg.local,
			ReservationState: nsi.ReserveStart,
			ProvisionState:   nsi.Released,
			LifecycleState:   nsi.Created,
			SourceSTP:        seg.src.URN(),
			DestSTP:          seg.dst.URN(),
		}
		if err := a.db.CreateSubConnection(ctx, sub); err != nil {
			return "", err
		}
	}
	a.logger.Info("Reservation decomposed", "conn_id", parentID,
		"src", svc.Source.URN(), "dst", svc.Dest.URN(), "children", len(segments))

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		i, seg := i, seg
		childHdr := a.childHeader(header, seg.providerNSA)
		a.registerCorrelation(childHdr.CorrelationID, childRef{parentID: parentID, ordinal: i})
		childReq := nsi.ReserveRequest{
			GlobalReservationID: req.GlobalReservationID,
			Description:         req.Description,
			Criteria: nsi.Criteria{
				Revision: req.Criteria.Revision,
				Schedule: schedule,
				Service: nsi.P2PService{
					Source:         seg.src,
					Dest:           seg.dst,
					Capacity:       svc.Capacity,
					Directionality: svc.Directionality,
				},
			},
		}
		g.Go(func() error {
			childID, err := seg.provider.Reserve(gctx, childHdr, childReq)
			if err != nil {
				a.metrics.childOp("reserve", "error")
				return serrors.WrapStr("child reserve", err, "provider_nsa", seg.providerNSA)
			}
			a.metrics.childOp("reserve", "ok")
			a.registerChild(childID, childRef{parentID: parentID, ordinal: i})
			l := a.connLock(parentID)
			l.Lock()
			defer l.Unlock()
			return a.updateSub(ctx, parentID, i, func(sub *conndb.SubConnection) {
				sub.ConnectionID = childID
			})
		})
	}
	if err := g.Wait(); err != nil {
		a.abandonReserve(ctx, header, parentID)
		return "", err
	}
	return parentID, nil
}

// abandonReserve rolls a failed reserve back: children that acknowledged an
// id are aborted and the parent is marked failed.
func (a *Aggregator) abandonReserve(ctx context.Context, header nsi.Header, parentID string) {
	l := a.connLock(parentID)
	l.Lock()
	defer l.Unlock()

	subs, err := a.db.SubConnections(ctx, parentID)
	if err != nil {
		a.logger.Error("Rolling back reservation", "conn_id", parentID, "err", err)
		return
	}
	for _, sub := range subs {
		if sub.ConnectionID == "" {
			continue
		}
		provider, err := a.providerForSub(sub)
		if err != nil {
			a.logger.Error("Rolling back child reservation", "conn_id", parentID,
				"provider_nsa", sub.ProviderNSA, "err", err)
			continue
		}
		childHdr := a.childHeader(header, sub.ProviderNSA)
		sub := sub
		go func() {
			defer log.HandlePanic()
			abortCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := provider.ReserveAbort(abortCtx, childHdr, sub.ConnectionID); err != nil {
				a.logger.Error("Aborting child reservation",
					"conn_id", parentID, "child_id", sub.ConnectionID, "err", err)
			}
		}()
	}

	conn, err := a.getConnection(ctx, parentID)
	if err != nil {
		a.logger.Error("Rolling back reservation", "conn_id", parentID, "err", err)
		return
	}
	conn.ReservationState = nsi.ReserveFailed
	if err := a.saveAndPublish(ctx, conn); err != nil {
		a.logger.Error("Rolling back reservation", "conn_id", parentID, "err", err)
	}
}

func (a *Aggregator) providerForSub(sub *conndb.SubConnection) (nsi.Provider, error) {
	if sub.Local {
		return a.local, nil
	}
	return a.registry.Provider(sub.ProviderNSA)
}

// updateSub applies a mutation to one child row, addressed by parent and
// ordinal. Must run with the parent lock held.
func (a *Aggregator) updateSub(
	ctx context.Context,
	parentID string,
	ordinal int,
	mutate func(*conndb.SubConnection),
) error {
	subs, err := a.db.SubConnections(ctx, parentID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Ordinal != ordinal {
			continue
		}
		mutate(sub)
		return a.db.UpdateSubConnection(ctx, sub)
	}
	return serrors.Join(nsi.ErrConnectionNonExistent, nil,
		"reason", "unknown child", "conn_id", parentID, "ordinal", ordinal)
}

// fanOut issues one operation to every child in parallel and returns the
// first error. The skip predicate filters children the operation no longer
// applies to.
func (a *Aggregator) fanOut(
	ctx context.Context,
	header nsi.Header,
	parentID, operation string,
	skip func(*conndb.SubConnection) bool,
	call func(ctx context.Context, header nsi.Header, p nsi.Provider, childID string) error,
) error {
	subs, err := a.db.SubConnections(ctx, parentID)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		if skip != nil && skip(sub) {
			continue
		}
		provider, err := a.providerForSub(sub)
		if err != nil {
			return err
		}
		childHdr := a.childHeader(header, sub.ProviderNSA)
		a.registerCorrelation(childHdr.CorrelationID,
			childRef{parentID: parentID, ordinal: sub.Ordinal})
		g.Go(func() error {
			if err := call(gctx, childHdr, provider, sub.ConnectionID); err != nil {
				a.metrics.childOp(operation, "error")
				return serrors.WrapStr("child "+operation, err,
					"provider_nsa", sub.ProviderNSA, "child_id", sub.ConnectionID)
			}
			a.metrics.childOp(operation, "ok")
			return nil
		})
	}
	return g.Wait()
}

// transitionParent loads the parent, applies the reservation/provision/
// lifecycle mutation and persists. Must run with the parent lock held.
func (a *Aggregator) transitionParent(
	ctx context.Context,
	parentID string,
	mutate func(*conndb.Connection) error,
) (*conndb.Connection, error) {
	conn, err := a.getConnection(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if conn.LifecycleState == nsi.Terminated {
		return nil, serrors.Join(nsi.ErrConnectionGone, nil, "conn_id", parentID)
	}
	if err := mutate(conn); err != nil {
		return nil, err
	}
	if err := a.saveAndPublish(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// ReserveCommit commits all child reservations.
func (a *Aggregator) ReserveCommit(ctx context.Context, header nsi.Header, parentID string) error {
	l := a.connLock(parentID)
	l.Lock()
	_, err := a.transitionParent(ctx, parentID, func(conn *conndb.Connection) error {
		if err := nsi.CheckReservationTransition(conn.ReservationState,
			nsi.ReserveCommitting); err != nil {
			return err
		}
		conn.ReservationState = nsi.ReserveCommitting
		return nil
	})
	l.Unlock()
	if err != nil {
		return err
	}
	return a.fanOut(ctx, header, parentID, "commit", nil,
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			return p.ReserveCommit(ctx, h, childID)
		})
}

// ReserveAbort aborts all child reservations that still hold resources.
func (a *Aggregator) ReserveAbort(ctx context.Context, header nsi.Header, parentID string) error {
	l := a.connLock(parentID)
	l.Lock()
	_, err := a.transitionParent(ctx, parentID, func(conn *conndb.Connection) error {
		if err := nsi.CheckReservationTransition(conn.ReservationState,
			nsi.ReserveAborting); err != nil {
			return err
		}
		conn.ReservationState = nsi.ReserveAborting
		return nil
	})
	l.Unlock()
	if err != nil {
		return err
	}
	return a.fanOut(ctx, header, parentID, "abort",
		func(sub *conndb.SubConnection) bool {
			// Children already back at the initial state have nothing to
			// abort (rolled back during a failed reserve).
			return sub.ConnectionID == "" || sub.ReservationState == nsi.ReserveStart
		},
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			return p.ReserveAbort(ctx, h, childID)
		})
}

// Provision provisions all children. On partial failure the children whose
// provision call succeeded are released again.
func (a *Aggregator) Provision(ctx context.Context, header nsi.Header, parentID string) error {
	l := a.connLock(parentID)
	l.Lock()
	_, err := a.transitionParent(ctx, parentID, func(conn *conndb.Connection) error {
		if conn.ReservationState != nsi.ReserveStart {
			return serrors.Join(nsi.ErrInvalidTransition, nil,
				"reason", "reservation not committed", "conn_id", parentID,
				"reservation_state", conn.ReservationState)
		}
		if err := nsi.CheckProvisionTransition(conn.ProvisionState, nsi.Provisioning); err != nil {
			return err
		}
		conn.ProvisionState = nsi.Provisioning
		return nil
	})
	l.Unlock()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var provisioned []string
	err = a.fanOut(ctx, header, parentID, "provision", nil,
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			if err := p.Provision(ctx, h, childID); err != nil {
				return err
			}
			mu.Lock()
			provisioned = append(provisioned, childID)
			mu.Unlock()
			return nil
		})
	if err == nil {
		return nil
	}
	// Roll the successful children back to released.
	subs, subErr := a.db.SubConnections(ctx, parentID)
	if subErr != nil {
		a.logger.Error("Rolling back provision", "conn_id", parentID, "err", subErr)
		return err
	}
	for _, sub := range subs {
		ok := false
		for _, id := range provisioned {
			if id == sub.ConnectionID {
				ok = true
				break
			}
		}
		if !ok {
			continue
		}
		provider, provErr := a.providerForSub(sub)
		if provErr != nil {
			continue
		}
		if relErr := provider.Release(ctx, a.childHeader(header, sub.ProviderNSA),
			sub.ConnectionID); relErr != nil {
			a.logger.Error("Releasing child after partial provision",
				"conn_id", parentID, "child_id", sub.ConnectionID, "err", relErr)
		}
	}
	return err
}

// Release releases all children.
func (a *Aggregator) Release(ctx context.Context, header nsi.Header, parentID string) error {
	l := a.connLock(parentID)
	l.Lock()
	_, err := a.transitionParent(ctx, parentID, func(conn *conndb.Connection) error {
		if err := nsi.CheckProvisionTransition(conn.ProvisionState, nsi.Releasing); err != nil {
			return err
		}
		conn.ProvisionState = nsi.Releasing
		return nil
	})
	l.Unlock()
	if err != nil {
		return err
	}
	return a.fanOut(ctx, header, parentID, "release", nil,
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			return p.Release(ctx, h, childID)
		})
}

// Terminate terminates all children. Terminating an already terminated
// connection is a no-op.
func (a *Aggregator) Terminate(ctx context.Context, header nsi.Header, parentID string) error {
	l := a.connLock(parentID)
	l.Lock()
	conn, err := a.getConnection(ctx, parentID)
	if err != nil {
		l.Unlock()
		return err
	}
	if conn.LifecycleState == nsi.Terminated {
		l.Unlock()
		return nil
	}
	if conn.LifecycleState != nsi.Terminating {
		if err := nsi.CheckLifecycleTransition(conn.LifecycleState, nsi.Terminating); err != nil {
			l.Unlock()
			return err
		}
		conn.LifecycleState = nsi.Terminating
		if err := a.saveAndPublish(ctx, conn); err != nil {
			l.Unlock()
			return err
		}
	}
	l.Unlock()
	return a.fanOut(ctx, header, parentID, "terminate",
		func(sub *conndb.SubConnection) bool {
			return sub.ConnectionID == "" || sub.LifecycleState == nsi.Terminated
		},
		func(ctx context.Context, h nsi.Header, p nsi.Provider, childID string) error {
			return p.Terminate(ctx, h, childID)
		})
}

// QuerySummary returns the aggregated parent records matching the filter.
// Child records carry this NSA as their requester and are not visible to
// external requesters through an empty filter.
func (a *Aggregator) QuerySummary(
	ctx context.Context,
	header nsi.Header,
	filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	conns, err := a.db.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	var out []nsi.QueryResult
	for _, conn := range conns {
		if !matchFilter(conn, header, filter) {
			continue
		}
		out = append(out, a.toQueryResult(conn))
	}
	return out, nil
}

// QueryRecursive is QuerySummary extended with the child tree as tracked in
// the sub-connection records.
func (a *Aggregator) QueryRecursive(
	ctx context.Context,
	header nsi.Header,
	filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	results, err := a.QuerySummary(ctx, header, filter)
	if err != nil {
		return nil, err
	}
	for i := range results {
		subs, err := a.db.SubConnections(ctx, results[i].ConnectionID)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			results[i].Children = append(results[i].Children, nsi.QueryResult{
				ConnectionID: sub.ConnectionID,
				RequesterNSA: a.nsaID,
				ProviderNSA:  sub.ProviderNSA,
				States: nsi.ConnectionStates{
					Reservation: sub.ReservationState,
					Provision:   sub.ProvisionState,
					Lifecycle:   sub.LifecycleState,
				},
				DataPlaneActive:  sub.DataPlaneActive,
				DataPlaneVersion: sub.DataPlaneVersion,
				SourceSTP:        sub.SourceSTP,
				DestSTP:          sub.DestSTP,
			})
		}
	}
	return results, nil
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

func (a *Aggregator) toQueryResult(conn *conndb.Connection) nsi.QueryResult {
	return nsi.QueryResult{
		ConnectionID:        conn.ConnectionID,
		GlobalReservationID: conn.GlobalReservationID,
		Description:         conn.Description,
		RequesterNSA:        conn.RequesterNSA,
		ProviderNSA:         a.nsaID,
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

// BuildState rebuilds the child callback indexes from the persisted records
// after a restart.
func (a *Aggregator) BuildState(ctx context.Context) error {
	conns, err := a.db.NonTerminatedConnections(ctx)
	if err != nil {
		return err
	}
	rebuilt := 0
	for _, conn := range conns {
		subs, err := a.db.SubConnections(ctx, conn.ConnectionID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			a.registerChild(sub.ConnectionID,
				childRef{parentID: conn.ConnectionID, ordinal: sub.Ordinal})
			rebuilt++
		}
	}
	a.logger.Info("Aggregator state rebuilt", "connections", len(conns), "children", rebuilt)
	return nil
}
