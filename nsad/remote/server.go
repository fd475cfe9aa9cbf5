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

package remote

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// CallbackRouter fans requester callbacks out to remote NSAs by the replyTo
// URL they advertised on their requests. It implements nsi.Requester so it
// can be installed directly as the parent requester of an aggregator.
type CallbackRouter struct {
	opts []ClientOption

	mu        sync.Mutex
	endpoints map[string]string
}

var _ nsi.Requester = (*CallbackRouter)(nil)

// NewCallbackRouter creates an empty router.
func NewCallbackRouter(opts ...ClientOption) *CallbackRouter {
	return &CallbackRouter{opts: opts, endpoints: map[string]string{}}
}

// Observe records the replyTo endpoint of an incoming request header.
func (r *CallbackRouter) Observe(header nsi.Header) {
	if header.RequesterNSA == "" || header.ReplyTo == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[header.RequesterNSA] = header.ReplyTo
}

func (r *CallbackRouter) clientFor(requesterNSA string) (*RequesterClient, error) {
	r.mu.Lock()
	endpoint, ok := r.endpoints[requesterNSA]
	r.mu.Unlock()
	if !ok {
		return nil, serrors.Join(nsi.ErrDownstreamNSA, nil,
			"reason", "no callback endpoint for requester", "nsa", requesterNSA)
	}
	return NewRequesterClient(endpoint, r.opts...), nil
}

func (r *CallbackRouter) ReserveConfirmed(
	ctx context.Context, header nsi.Header, conf nsi.ReserveConfirmation,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveConfirmed(ctx, header, conf)
}

func (r *CallbackRouter) ReserveFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveFailed(ctx, header, connectionID, states, se)
}

func (r *CallbackRouter) ReserveCommitConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveCommitConfirmed(ctx, header, connectionID)
}

func (r *CallbackRouter) ReserveCommitFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveCommitFailed(ctx, header, connectionID, states, se)
}

func (r *CallbackRouter) ReserveAbortConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveAbortConfirmed(ctx, header, connectionID)
}

func (r *CallbackRouter) ProvisionConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ProvisionConfirmed(ctx, header, connectionID)
}

func (r *CallbackRouter) ReleaseConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReleaseConfirmed(ctx, header, connectionID)
}

func (r *CallbackRouter) TerminateConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.TerminateConfirmed(ctx, header, connectionID)
}

func (r *CallbackRouter) ErrorEvent(
	ctx context.Context, header nsi.Header, event nsi.ErrorEvent,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ErrorEvent(ctx, header, event)
}

func (r *CallbackRouter) DataPlaneStateChange(
	ctx context.Context, header nsi.Header, connectionID string, status nsi.DataPlaneStatus,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.DataPlaneStateChange(ctx, header, connectionID, status)
}

func (r *CallbackRouter) ReserveTimeout(
	ctx context.Context, header nsi.Header, timeout nsi.ReserveTimeout,
) error {
	c, err := r.clientFor(header.RequesterNSA)
	if err != nil {
		return err
	}
	return c.ReserveTimeout(ctx, header, timeout)
}

// ProviderServer is the HTTP handler of the NSI-CS v2 provider endpoint. It
// decodes incoming SOAP requests, dispatches them to the provider and
// answers with an acknowledgment, a synchronous result, or a fault.
type ProviderServer struct {
	provider nsi.Provider
	// router, when set, learns replyTo endpoints from incoming requests.
	router *CallbackRouter
	logger log.Logger
}

// NewProviderServer creates the provider endpoint handler. The router may be
// nil when callbacks are routed elsewhere.
func NewProviderServer(p nsi.Provider, router *CallbackRouter, logger log.Logger) *ProviderServer {
	if logger == nil {
		logger = log.Root()
	}
	return &ProviderServer{provider: p, router: router, logger: logger}
}

func (s *ProviderServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	header, inner, err := decodeEnvelope(data)
	if err != nil {
		s.writeFault(w, nsi.Header{}, nsi.NewServiceException("", "", err))
		return
	}
	if s.router != nil {
		s.router.Observe(header)
	}
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)

	payload, err := s.dispatch(r, action, header, inner)
	if err != nil {
		s.logger.Info("Provider request failed", "action", action, "err", err)
		s.writeFault(w, header.Reply(), nsi.NewServiceException(
			header.ProviderNSA, "", err))
		return
	}
	s.writeEnvelope(w, http.StatusOK, header.Reply(), payload)
}

func (s *ProviderServer) dispatch(
	r *http.Request, action string, header nsi.Header, inner []byte,
) (any, error) {
	ctx := r.Context()
	ack := wireAcknowledgment{NS: Namespace}

	switch action {
	case ActionReserve:
		var msg wireReserve
		if err := decodeBody(inner, &msg); err != nil {
			return nil, err
		}
		criteria, err := fromWireCriteria(msg.Criteria)
		if err != nil {
			return nil, err
		}
		connectionID, err := s.provider.Reserve(ctx, header, nsi.ReserveRequest{
			ConnectionID:        msg.ConnectionID,
			GlobalReservationID: msg.GlobalReservationID,
			Description:         msg.Description,
			Criteria:            criteria,
		})
		if err != nil {
			return nil, err
		}
		return wireReserveResponse{NS: Namespace, ConnectionID: connectionID}, nil

	case ActionReserveCommit:
		return ack, s.genericOp(ctx, header, inner, s.provider.ReserveCommit)
	case ActionReserveAbort:
		return ack, s.genericOp(ctx, header, inner, s.provider.ReserveAbort)
	case ActionProvision:
		return ack, s.genericOp(ctx, header, inner, s.provider.Provision)
	case ActionRelease:
		return ack, s.genericOp(ctx, header, inner, s.provider.Release)
	case ActionTerminate:
		return ack, s.genericOp(ctx, header, inner, s.provider.Terminate)

	case ActionQuerySummary, ActionQuerySummarySync:
		return s.query(ctx, header, inner, s.provider.QuerySummary)
	case ActionQueryRecursive:
		return s.query(ctx, header, inner, s.provider.QueryRecursive)

	default:
		return nil, serrors.Join(nsi.ErrPayload, nil,
			"reason", "unknown action", "action", action)
	}
}

func (s *ProviderServer) genericOp(
	ctx context.Context, header nsi.Header, inner []byte,
	op func(context.Context, nsi.Header, string) error,
) error {
	var msg wireGenericRequest
	if err := decodeBody(inner, &msg); err != nil {
		return err
	}
	if msg.ConnectionID == "" {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "missing connection id")
	}
	return op(ctx, header, msg.ConnectionID)
}

func (s *ProviderServer) query(
	ctx context.Context, header nsi.Header, inner []byte,
	op func(context.Context, nsi.Header, nsi.QueryFilter) ([]nsi.QueryResult, error),
) (any, error) {
	var msg wireQuery
	if err := decodeBody(inner, &msg); err != nil {
		return nil, err
	}
	results, err := op(ctx, header, nsi.QueryFilter{
		ConnectionIDs:        msg.ConnectionIDs,
		GlobalReservationIDs: msg.GlobalReservationIDs,
	})
	if err != nil {
		return nil, err
	}
	resp := wireQueryConfirmed{NS: Namespace}
	for _, result := range results {
		resp.Reservations = append(resp.Reservations, toWireQueryResult(result))
	}
	return resp, nil
}

func toWireQueryResult(r nsi.QueryResult) wireQueryResult {
	w := wireQueryResult{
		ConnectionID:        r.ConnectionID,
		GlobalReservationID: r.GlobalReservationID,
		Description:         r.Description,
		RequesterNSA:        r.RequesterNSA,
		Criteria:            toWireCriteria(r.Criteria),
		ReservationState:    string(r.States.Reservation),
		ProvisionState:      string(r.States.Provision),
		LifecycleState:      string(r.States.Lifecycle),
		DataPlaneActive:     r.DataPlaneActive,
		DataPlaneVersion:    r.DataPlaneVersion,
	}
	for _, child := range r.Children {
		w.Children = append(w.Children, toWireQueryResult(child))
	}
	return w
}

func (s *ProviderServer) writeEnvelope(
	w http.ResponseWriter, status int, header nsi.Header, payload any,
) {
	body, err := encodeEnvelope(header, payload)
	if err != nil {
		s.logger.Error("Encoding response failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("Writing response failed", "err", err)
	}
}

func (s *ProviderServer) writeFault(
	w http.ResponseWriter, header nsi.Header, se *nsi.ServiceException,
) {
	fault := wireFault{
		Code:             "soapenv:Server",
		Reason:           se.Text,
		ServiceException: toWireException(se),
	}
	s.writeEnvelope(w, http.StatusInternalServerError, header, fault)
}

// RequesterServer is the HTTP handler of the requester callback endpoint:
// remote child NSAs deliver their asynchronous callbacks here.
type RequesterServer struct {
	requester nsi.Requester
	logger    log.Logger
}

// NewRequesterServer creates the callback endpoint handler.
func NewRequesterServer(r nsi.Requester, logger log.Logger) *RequesterServer {
	if logger == nil {
		logger = log.Root()
	}
	return &RequesterServer{requester: r, logger: logger}
}

func (s *RequesterServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	header, inner, err := decodeEnvelope(data)
	if err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)

	if err := s.dispatch(r, action, header, inner); err != nil {
		s.logger.Info("Callback rejected", "action", action, "err", err)
		http.Error(w, "callback rejected", http.StatusInternalServerError)
		return
	}
	body, err := encodeEnvelope(header.Reply(), wireAcknowledgment{NS: Namespace})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("Writing acknowledgment failed", "err", err)
	}
}

func (s *RequesterServer) dispatch(
	r *http.Request, action string, header nsi.Header, inner []byte,
) error {
	ctx := r.Context()
	switch action {
	case ActionReserveConfirmed:
		var msg wireReserveConfirmed
		if err := decodeBody(inner, &msg); err != nil {
			return err
		}
		criteria, err := fromWireCriteria(msg.Criteria)
		if err != nil {
			return err
		}
		return s.requester.ReserveConfirmed(ctx, header, nsi.ReserveConfirmation{
			ConnectionID:        msg.ConnectionID,
			GlobalReservationID: msg.GlobalReservationID,
			Description:         msg.Description,
			Criteria:            criteria,
		})

	case ActionReserveFailed, ActionReserveCommitFailed:
		var msg wireGenericFailed
		if err := decodeBody(inner, &msg); err != nil {
			return err
		}
		states := nsi.ConnectionStates{
			Reservation: nsi.ReservationState(msg.ConnectionStates.ReservationState),
			Provision:   nsi.ProvisionState(msg.ConnectionStates.ProvisionState),
			Lifecycle:   nsi.LifecycleState(msg.ConnectionStates.LifecycleState),
		}
		se := fromWireException(msg.ServiceException)
		if action == ActionReserveFailed {
			return s.requester.ReserveFailed(ctx, header, msg.ConnectionID, states, se)
		}
		return s.requester.ReserveCommitFailed(ctx, header, msg.ConnectionID, states, se)

	case ActionReserveCommitConfirmed:
		return s.confirmed(ctx, header, inner, s.requester.ReserveCommitConfirmed)
	case ActionReserveAbortConfirmed:
		return s.confirmed(ctx, header, inner, s.requester.ReserveAbortConfirmed)
	case ActionProvisionConfirmed:
		return s.confirmed(ctx, header, inner, s.requester.ProvisionConfirmed)
	case ActionReleaseConfirmed:
		return s.confirmed(ctx, header, inner, s.requester.ReleaseConfirmed)
	case ActionTerminateConfirmed:
		return s.confirmed(ctx, header, inner, s.requester.TerminateConfirmed)

	case ActionErrorEvent:
		var msg wireErrorEvent
		if err := decodeBody(inner, &msg); err != nil {
			return err
		}
		ts, err := parseTime(msg.TimeStamp)
		if err != nil {
			return err
		}
		return s.requester.ErrorEvent(ctx, header, nsi.ErrorEvent{
			ConnectionID:     msg.ConnectionID,
			Event:            nsi.Event(msg.Event),
			OriginatingNSA:   msg.OriginatingNSA,
			Timestamp:        ts,
			ServiceException: fromWireException(msg.ServiceException),
		})

	case ActionDataPlaneStateChange:
		var msg wireDataPlaneStateChange
		if err := decodeBody(inner, &msg); err != nil {
			return err
		}
		return s.requester.DataPlaneStateChange(ctx, header, msg.ConnectionID,
			nsi.DataPlaneStatus{
				Active:            msg.Active,
				Version:           msg.Version,
				VersionConsistent: msg.Consistent,
			})

	case ActionReserveTimeout:
		var msg wireReserveTimeout
		if err := decodeBody(inner, &msg); err != nil {
			return err
		}
		ts, err := parseTime(msg.TimeStamp)
		if err != nil {
			return err
		}
		return s.requester.ReserveTimeout(ctx, header, nsi.ReserveTimeout{
			ConnectionID:            msg.ConnectionID,
			TimeoutValue:            msg.TimeoutValue,
			OriginatingConnectionID: msg.OriginatingConnectionID,
			OriginatingNSA:          msg.OriginatingNSA,
			Timestamp:               ts,
		})

	default:
		return serrors.Join(nsi.ErrPayload, nil,
			"reason", "unknown action", "action", action)
	}
}

func (s *RequesterServer) confirmed(
	ctx context.Context, header nsi.Header, inner []byte,
	op func(context.Context, nsi.Header, string) error,
) error {
	var msg wireGenericConfirmed
	if err := decodeBody(inner, &msg); err != nil {
		return err
	}
	if msg.ConnectionID == "" {
		return serrors.Join(nsi.ErrPayload, nil, "reason", "missing connection id")
	}
	return op(ctx, header, msg.ConnectionID)
}
