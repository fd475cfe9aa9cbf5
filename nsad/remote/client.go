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
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/nordunet/opennsa-go/nsad/registry"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// DefaultTimeout bounds one SOAP request to a remote NSA.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps a SOAP response body.
const maxResponseSize = 4 << 20

// Client speaks the NSI-CS v2 provider protocol to one remote NSA.
type Client struct {
	nsaURN   string
	endpoint string
	// replyTo is advertised in request headers so the remote NSA knows where
	// to deliver callbacks.
	replyTo    string
	httpClient *http.Client
}

var _ nsi.Provider = (*Client)(nil)

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. for TLS configuration.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider proxy for the NSA at the given endpoint.
func NewClient(nsaURN, endpoint, replyTo string, opts ...ClientOption) *Client {
	c := &Client{
		nsaURN:     nsaURN,
		endpoint:   endpoint,
		replyTo:    replyTo,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns a registry factory producing SOAP provider proxies that
// advertise the given callback URL.
func Factory(replyTo string, opts ...ClientOption) registry.Factory {
	return func(nsaURN, endpoint string) (nsi.Provider, error) {
		return NewClient(nsaURN, endpoint, replyTo, opts...), nil
	}
}

// post sends one SOAP request and decodes the response body into out when out
// is non-nil. Transport failures and faults without a service exception map
// to the downstream error.
func (c *Client) post(
	ctx context.Context,
	action string,
	header nsi.Header,
	payload, out any,
) error {
	header.ReplyTo = c.replyTo
	body, err := encodeEnvelope(header, payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(body))
	if err != nil {
		return serrors.WrapStr("building request", err, "nsa", c.nsaURN)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("SOAPAction", `"`+action+`"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return serrors.Join(nsi.ErrDownstreamNSA, err,
			"nsa", c.nsaURN, "endpoint", c.endpoint)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return serrors.Join(nsi.ErrDownstreamNSA, err, "nsa", c.nsaURN)
	}

	if resp.StatusCode != http.StatusOK {
		if se := parseFaultException(data); se != nil {
			return se
		}
		return serrors.Join(nsi.ErrDownstreamNSA, nil,
			"nsa", c.nsaURN, "status", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	_, inner, err := decodeEnvelope(data)
	if err != nil {
		return serrors.Join(nsi.ErrDownstreamNSA, err, "nsa", c.nsaURN)
	}
	return decodeBody(inner, out)
}

// parseFaultException extracts the serviceException of a SOAP fault, nil if
// the body is not a fault or carries none.
func parseFaultException(data []byte) *nsi.ServiceException {
	var env parsedEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil
	}
	var fault parsedFault
	if err := xml.Unmarshal(env.Body.Inner, &fault); err != nil {
		return nil
	}
	return fromWireException(fault.ServiceException)
}

// Reserve submits the reservation and returns the connection id assigned by
// the remote NSA.
func (c *Client) Reserve(
	ctx context.Context, header nsi.Header, req nsi.ReserveRequest,
) (string, error) {
	payload := wireReserve{
		NS:                  Namespace,
		ConnectionID:        req.ConnectionID,
		GlobalReservationID: req.GlobalReservationID,
		Description:         req.Description,
		Criteria:            toWireCriteria(req.Criteria),
	}
	var resp wireReserveResponse
	if err := c.post(ctx, ActionReserve, header, payload, &resp); err != nil {
		return "", err
	}
	if resp.ConnectionID == "" {
		return "", serrors.Join(nsi.ErrDownstreamNSA, nil,
			"reason", "reserve response without connection id", "nsa", c.nsaURN)
	}
	return resp.ConnectionID, nil
}

func (c *Client) generic(
	ctx context.Context, action, element string, header nsi.Header, connectionID string,
) error {
	payload := wireGenericRequest{
		XMLName:      xml.Name{Local: element},
		NS:           Namespace,
		ConnectionID: connectionID,
	}
	return c.post(ctx, action, header, payload, nil)
}

func (c *Client) ReserveCommit(ctx context.Context, header nsi.Header, connectionID string) error {
	return c.generic(ctx, ActionReserveCommit, "reserveCommit", header, connectionID)
}

func (c *Client) ReserveAbort(ctx context.Context, header nsi.Header, connectionID string) error {
	return c.generic(ctx, ActionReserveAbort, "reserveAbort", header, connectionID)
}

func (c *Client) Provision(ctx context.Context, header nsi.Header, connectionID string) error {
	return c.generic(ctx, ActionProvision, "provision", header, connectionID)
}

func (c *Client) Release(ctx context.Context, header nsi.Header, connectionID string) error {
	return c.generic(ctx, ActionRelease, "release", header, connectionID)
}

func (c *Client) Terminate(ctx context.Context, header nsi.Header, connectionID string) error {
	return c.generic(ctx, ActionTerminate, "terminate", header, connectionID)
}

// QuerySummary runs the synchronous query variant and returns the records
// inline.
func (c *Client) QuerySummary(
	ctx context.Context, header nsi.Header, filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	return c.query(ctx, ActionQuerySummarySync, header, filter)
}

func (c *Client) QueryRecursive(
	ctx context.Context, header nsi.Header, filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	return c.query(ctx, ActionQueryRecursive, header, filter)
}

func (c *Client) query(
	ctx context.Context, action string, header nsi.Header, filter nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	payload := wireQuery{
		NS:                   Namespace,
		ConnectionIDs:        filter.ConnectionIDs,
		GlobalReservationIDs: filter.GlobalReservationIDs,
	}
	var resp wireQueryConfirmed
	if err := c.post(ctx, action, header, payload, &resp); err != nil {
		return nil, err
	}
	results := make([]nsi.QueryResult, 0, len(resp.Reservations))
	for _, r := range resp.Reservations {
		result, err := fromWireQueryResult(r, c.nsaURN)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func fromWireQueryResult(w wireQueryResult, providerNSA string) (nsi.QueryResult, error) {
	criteria, err := fromWireCriteria(w.Criteria)
	if err != nil {
		return nsi.QueryResult{}, err
	}
	result := nsi.QueryResult{
		ConnectionID:        w.ConnectionID,
		GlobalReservationID: w.GlobalReservationID,
		Description:         w.Description,
		RequesterNSA:        w.RequesterNSA,
		ProviderNSA:         providerNSA,
		States: nsi.ConnectionStates{
			Reservation: nsi.ReservationState(w.ReservationState),
			Provision:   nsi.ProvisionState(w.ProvisionState),
			Lifecycle:   nsi.LifecycleState(w.LifecycleState),
		},
		DataPlaneActive:  w.DataPlaneActive,
		DataPlaneVersion: w.DataPlaneVersion,
		Criteria:         criteria,
		StartTime:        criteria.Schedule.Start,
		EndTime:          criteria.Schedule.End,
		Capacity:         criteria.Service.Capacity,
		SourceSTP:        w.Criteria.P2PS.SourceSTP,
		DestSTP:          w.Criteria.P2PS.DestSTP,
	}
	for _, child := range w.Children {
		childResult, err := fromWireQueryResult(child, providerNSA)
		if err != nil {
			return nsi.QueryResult{}, err
		}
		result.Children = append(result.Children, childResult)
	}
	return result, nil
}

// RequesterClient delivers requester callbacks to a remote NSA's callback
// endpoint, typically the replyTo URL of the originating request.
type RequesterClient struct {
	endpoint   string
	httpClient *http.Client
}

var _ nsi.Requester = (*RequesterClient)(nil)

// NewRequesterClient creates a callback proxy for the given endpoint.
func NewRequesterClient(endpoint string, opts ...ClientOption) *RequesterClient {
	inner := &Client{httpClient: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(inner)
	}
	return &RequesterClient{endpoint: endpoint, httpClient: inner.httpClient}
}

func (c *RequesterClient) post(
	ctx context.Context, action string, header nsi.Header, payload any,
) error {
	proxy := &Client{
		nsaURN:     header.RequesterNSA,
		endpoint:   c.endpoint,
		httpClient: c.httpClient,
	}
	return proxy.post(ctx, action, header, payload, nil)
}

func (c *RequesterClient) ReserveConfirmed(
	ctx context.Context, header nsi.Header, conf nsi.ReserveConfirmation,
) error {
	return c.post(ctx, ActionReserveConfirmed, header, wireReserveConfirmed{
		NS:                  Namespace,
		ConnectionID:        conf.ConnectionID,
		GlobalReservationID: conf.GlobalReservationID,
		Description:         conf.Description,
		Criteria:            toWireCriteria(conf.Criteria),
	})
}

func (c *RequesterClient) failed(
	ctx context.Context, action, element string, header nsi.Header,
	connectionID string, states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	return c.post(ctx, action, header, wireGenericFailed{
		XMLName:      xml.Name{Local: element},
		NS:           Namespace,
		ConnectionID: connectionID,
		ConnectionStates: wireStates{
			ReservationState: string(states.Reservation),
			ProvisionState:   string(states.Provision),
			LifecycleState:   string(states.Lifecycle),
		},
		ServiceException: toWireException(se),
	})
}

func (c *RequesterClient) ReserveFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	return c.failed(ctx, ActionReserveFailed, "reserveFailed", header, connectionID, states, se)
}

func (c *RequesterClient) ReserveCommitFailed(
	ctx context.Context, header nsi.Header, connectionID string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	return c.failed(ctx, ActionReserveCommitFailed, "reserveCommitFailed",
		header, connectionID, states, se)
}

func (c *RequesterClient) confirmed(
	ctx context.Context, action, element string, header nsi.Header, connectionID string,
) error {
	return c.post(ctx, action, header, wireGenericConfirmed{
		XMLName:      xml.Name{Local: element},
		NS:           Namespace,
		ConnectionID: connectionID,
	})
}

func (c *RequesterClient) ReserveCommitConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	return c.confirmed(ctx, ActionReserveCommitConfirmed, "reserveCommitConfirmed",
		header, connectionID)
}

func (c *RequesterClient) ReserveAbortConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	return c.confirmed(ctx, ActionReserveAbortConfirmed, "reserveAbortConfirmed",
		header, connectionID)
}

func (c *RequesterClient) ProvisionConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	return c.confirmed(ctx, ActionProvisionConfirmed, "provisionConfirmed",
		header, connectionID)
}

func (c *RequesterClient) ReleaseConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	return c.confirmed(ctx, ActionReleaseConfirmed, "releaseConfirmed", header, connectionID)
}

func (c *RequesterClient) TerminateConfirmed(
	ctx context.Context, header nsi.Header, connectionID string,
) error {
	return c.confirmed(ctx, ActionTerminateConfirmed, "terminateConfirmed",
		header, connectionID)
}

func (c *RequesterClient) ErrorEvent(
	ctx context.Context, header nsi.Header, event nsi.ErrorEvent,
) error {
	return c.post(ctx, ActionErrorEvent, header, wireErrorEvent{
		NS:               Namespace,
		ConnectionID:     event.ConnectionID,
		Event:            string(event.Event),
		OriginatingNSA:   event.OriginatingNSA,
		TimeStamp:        formatTime(event.Timestamp),
		ServiceException: toWireException(event.ServiceException),
	})
}

func (c *RequesterClient) DataPlaneStateChange(
	ctx context.Context, header nsi.Header, connectionID string, status nsi.DataPlaneStatus,
) error {
	return c.post(ctx, ActionDataPlaneStateChange, header, wireDataPlaneStateChange{
		NS:           Namespace,
		ConnectionID: connectionID,
		TimeStamp:    formatTime(time.Now()),
		Active:       status.Active,
		Version:      status.Version,
		Consistent:   status.VersionConsistent,
	})
}

func (c *RequesterClient) ReserveTimeout(
	ctx context.Context, header nsi.Header, timeout nsi.ReserveTimeout,
) error {
	return c.post(ctx, ActionReserveTimeout, header, wireReserveTimeout{
		NS:                      Namespace,
		ConnectionID:            timeout.ConnectionID,
		TimeoutValue:            timeout.TimeoutValue,
		OriginatingConnectionID: timeout.OriginatingConnectionID,
		OriginatingNSA:          timeout.OriginatingNSA,
		TimeStamp:               formatTime(timeout.Timestamp),
	})
}
