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

package remote_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/remote"
	"github.com/nordunet/opennsa-go/pkg/log/testlog"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

const (
	providerURN  = "urn:ogf:network:aruba.net:nsa"
	requesterURN = "urn:ogf:network:requester.net:nsa"
)

// echoProvider records the last request of every operation and answers with
// canned results.
type echoProvider struct {
	lastHeader  nsi.Header
	lastReserve nsi.ReserveRequest
	lastConnID  string
	reserveErr  error
}

func (p *echoProvider) Reserve(
	ctx context.Context, header nsi.Header, req nsi.ReserveRequest,
) (string, error) {
	p.lastHeader, p.lastReserve = header, req
	if p.reserveErr != nil {
		return "", p.reserveErr
	}
	return "C-1", nil
}

func (p *echoProvider) op(header nsi.Header, connectionID string) error {
	p.lastHeader, p.lastConnID = header, connectionID
	return nil
}

func (p *echoProvider) ReserveCommit(ctx context.Context, h nsi.Header, id string) error {
	return p.op(h, id)
}

func (p *echoProvider) ReserveAbort(ctx context.Context, h nsi.Header, id string) error {
	return p.op(h, id)
}

func (p *echoProvider) Provision(ctx context.Context, h nsi.Header, id string) error {
	return p.op(h, id)
}

func (p *echoProvider) Release(ctx context.Context, h nsi.Header, id string) error {
	return p.op(h, id)
}

func (p *echoProvider) Terminate(ctx context.Context, h nsi.Header, id string) error {
	return p.op(h, id)
}

func (p *echoProvider) QuerySummary(
	ctx context.Context, h nsi.Header, f nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	p.lastHeader = h
	return []nsi.QueryResult{{
		ConnectionID: "C-1",
		RequesterNSA: h.RequesterNSA,
		States: nsi.ConnectionStates{
			Reservation: nsi.ReserveStart,
			Provision:   nsi.Provisioned,
			Lifecycle:   nsi.Created,
		},
		DataPlaneActive:  true,
		DataPlaneVersion: 2,
		Criteria: nsi.Criteria{
			Schedule: nsi.Schedule{
				Start: time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
			},
			Service: nsi.P2PService{
				Source:         mustSTP("urn:ogf:network:aruba.net:topology:ps?vlan=1782"),
				Dest:           mustSTP("urn:ogf:network:aruba.net:topology:ps2?vlan=1783"),
				Capacity:       200,
				Directionality: nsi.Bidirectional,
			},
		},
	}}, nil
}

func (p *echoProvider) QueryRecursive(
	ctx context.Context, h nsi.Header, f nsi.QueryFilter,
) ([]nsi.QueryResult, error) {
	return p.QuerySummary(ctx, h, f)
}

func mustSTP(urn string) nsi.STP {
	stp, err := nsi.ParseSTP(urn)
	if err != nil {
		panic(err)
	}
	return stp
}

func newClient(t *testing.T, provider *echoProvider) *remote.Client {
	t.Helper()
	server := httptest.NewServer(remote.NewProviderServer(
		provider, remote.NewCallbackRouter(), testlog.NewLogger(t)))
	t.Cleanup(server.Close)
	return remote.NewClient(providerURN, server.URL, "https://requester.net/callback")
}

func TestReserveRoundTrip(t *testing.T) {
	provider := &echoProvider{}
	client := newClient(t, provider)

	header := nsi.NewHeader(requesterURN, providerURN)
	header.SecurityAttributes = []nsi.SecurityAttribute{{Type: "project", Value: "deic"}}
	req := nsi.ReserveRequest{
		GlobalReservationID: "gid-1",
		Description:         "wire test",
		Criteria: nsi.Criteria{
			Revision: 0,
			Schedule: nsi.Schedule{
				Start: time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
			},
			Service: nsi.P2PService{
				Source:         mustSTP("urn:ogf:network:aruba.net:topology:ps?vlan=1782"),
				Dest:           mustSTP("urn:ogf:network:aruba.net:topology:ps2?vlan=1783"),
				Capacity:       500,
				Directionality: nsi.Bidirectional,
			},
		},
	}
	connectionID, err := client.Reserve(context.Background(), header, req)
	require.NoError(t, err)
	assert.Equal(t, "C-1", connectionID)

	// The full header crosses the wire, including the advertised callback
	// endpoint and the security attributes.
	assert.Equal(t, header.CorrelationID, provider.lastHeader.CorrelationID)
	assert.Equal(t, requesterURN, provider.lastHeader.RequesterNSA)
	assert.Equal(t, "https://requester.net/callback", provider.lastHeader.ReplyTo)
	assert.Equal(t, header.SecurityAttributes, provider.lastHeader.SecurityAttributes)

	assert.Equal(t, "gid-1", provider.lastReserve.GlobalReservationID)
	assert.Equal(t, req.Criteria.Schedule, provider.lastReserve.Criteria.Schedule)
	assert.Equal(t, req.Criteria.Service.Source.URN(),
		provider.lastReserve.Criteria.Service.Source.URN())
	assert.Equal(t, int64(500), provider.lastReserve.Criteria.Service.Capacity)
}

func TestGenericOperationsRoundTrip(t *testing.T) {
	provider := &echoProvider{}
	client := newClient(t, provider)
	ctx := context.Background()
	header := nsi.NewHeader(requesterURN, providerURN)

	ops := map[string]func() error{
		"commit":    func() error { return client.ReserveCommit(ctx, header, "C-7") },
		"abort":     func() error { return client.ReserveAbort(ctx, header, "C-7") },
		"provision": func() error { return client.Provision(ctx, header, "C-7") },
		"release":   func() error { return client.Release(ctx, header, "C-7") },
		"terminate": func() error { return client.Terminate(ctx, header, "C-7") },
	}
	for name, op := range ops {
		provider.lastConnID = ""
		require.NoError(t, op(), name)
		assert.Equal(t, "C-7", provider.lastConnID, name)
	}
}

func TestFaultCarriesServiceException(t *testing.T) {
	provider := &echoProvider{
		reserveErr: serrors.Join(nsi.ErrSTPUnavailable, nil, "reason", "no vlan"),
	}
	client := newClient(t, provider)

	_, err := client.Reserve(context.Background(),
		nsi.NewHeader(requesterURN, providerURN), nsi.ReserveRequest{
			Criteria: nsi.Criteria{
				Schedule: nsi.Schedule{
					Start: time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
					End:   time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
				},
				Service: nsi.P2PService{
					Source: mustSTP("urn:ogf:network:aruba.net:topology:ps?vlan=1782"),
					Dest:   mustSTP("urn:ogf:network:aruba.net:topology:ps2?vlan=1783"),
				},
			},
		})
	require.Error(t, err)
	var se *nsi.ServiceException
	require.True(t, errors.As(err, &se))
	assert.Equal(t, nsi.ErrorIDSTPUnavailable, se.ErrorID)
}

func TestUnreachableEndpointIsDownstreamError(t *testing.T) {
	client := remote.NewClient(providerURN, "http://127.0.0.1:1/soap", "")
	err := client.Provision(context.Background(),
		nsi.NewHeader(requesterURN, providerURN), "C-1")
	require.Error(t, err)
	assert.Equal(t, nsi.ErrorIDDownstreamNSA, nsi.ErrorID(err))
}

func TestQuerySummaryRoundTrip(t *testing.T) {
	provider := &echoProvider{}
	client := newClient(t, provider)

	results, err := client.QuerySummary(context.Background(),
		nsi.NewHeader(requesterURN, providerURN), nsi.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "C-1", results[0].ConnectionID)
	assert.Equal(t, providerURN, results[0].ProviderNSA)
	assert.Equal(t, nsi.Provisioned, results[0].States.Provision)
	assert.True(t, results[0].DataPlaneActive)
	assert.Equal(t, 2, results[0].DataPlaneVersion)
	assert.Equal(t, int64(200), results[0].Capacity)
}

// recordingRequester captures delivered callbacks.
type recordingRequester struct {
	confs    chan nsi.ReserveConfirmation
	statuses chan nsi.DataPlaneStatus
	timeouts chan nsi.ReserveTimeout
	events   chan nsi.ErrorEvent
	ids      chan string
}

func newRecordingRequester() *recordingRequester {
	return &recordingRequester{
		confs:    make(chan nsi.ReserveConfirmation, 8),
		statuses: make(chan nsi.DataPlaneStatus, 8),
		timeouts: make(chan nsi.ReserveTimeout, 8),
		events:   make(chan nsi.ErrorEvent, 8),
		ids:      make(chan string, 8),
	}
}

func (r *recordingRequester) ReserveConfirmed(
	ctx context.Context, h nsi.Header, conf nsi.ReserveConfirmation,
) error {
	r.confs <- conf
	return nil
}

func (r *recordingRequester) ReserveFailed(
	ctx context.Context, h nsi.Header, id string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ReserveCommitConfirmed(
	ctx context.Context, h nsi.Header, id string,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ReserveCommitFailed(
	ctx context.Context, h nsi.Header, id string,
	states nsi.ConnectionStates, se *nsi.ServiceException,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ReserveAbortConfirmed(
	ctx context.Context, h nsi.Header, id string,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ProvisionConfirmed(
	ctx context.Context, h nsi.Header, id string,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ReleaseConfirmed(
	ctx context.Context, h nsi.Header, id string,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) TerminateConfirmed(
	ctx context.Context, h nsi.Header, id string,
) error {
	r.ids <- id
	return nil
}

func (r *recordingRequester) ErrorEvent(
	ctx context.Context, h nsi.Header, event nsi.ErrorEvent,
) error {
	r.events <- event
	return nil
}

func (r *recordingRequester) DataPlaneStateChange(
	ctx context.Context, h nsi.Header, id string, status nsi.DataPlaneStatus,
) error {
	r.statuses <- status
	return nil
}

func (r *recordingRequester) ReserveTimeout(
	ctx context.Context, h nsi.Header, timeout nsi.ReserveTimeout,
) error {
	r.timeouts <- timeout
	return nil
}

func TestCallbackRoundTrip(t *testing.T) {
	requester := newRecordingRequester()
	server := httptest.NewServer(remote.NewRequesterServer(requester, testlog.NewLogger(t)))
	t.Cleanup(server.Close)

	client := remote.NewRequesterClient(server.URL)
	ctx := context.Background()
	header := nsi.NewHeader(requesterURN, providerURN)

	conf := nsi.ReserveConfirmation{
		ConnectionID: "C-1",
		Description:  "wire test",
		Criteria: nsi.Criteria{
			Schedule: nsi.Schedule{
				Start: time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
			},
			Service: nsi.P2PService{
				Source:         mustSTP("urn:ogf:network:aruba.net:topology:ps?vlan=1782"),
				Dest:           mustSTP("urn:ogf:network:aruba.net:topology:ps2?vlan=1783"),
				Capacity:       200,
				Directionality: nsi.Bidirectional,
			},
		},
	}
	require.NoError(t, client.ReserveConfirmed(ctx, header, conf))
	got := <-requester.confs
	assert.Equal(t, conf.ConnectionID, got.ConnectionID)
	assert.Equal(t, conf.Criteria.Service.Source.URN(), got.Criteria.Service.Source.URN())

	require.NoError(t, client.ProvisionConfirmed(ctx, header, "C-1"))
	assert.Equal(t, "C-1", <-requester.ids)

	status := nsi.DataPlaneStatus{Active: true, Version: 3, VersionConsistent: true}
	require.NoError(t, client.DataPlaneStateChange(ctx, header, "C-1", status))
	assert.Equal(t, status, <-requester.statuses)

	timeout := nsi.ReserveTimeout{
		ConnectionID:            "C-1",
		TimeoutValue:            30,
		OriginatingConnectionID: "C-1",
		OriginatingNSA:          providerURN,
		Timestamp:               time.Date(2026, 9, 1, 13, 0, 30, 0, time.UTC),
	}
	require.NoError(t, client.ReserveTimeout(ctx, header, timeout))
	assert.Equal(t, timeout, <-requester.timeouts)

	event := nsi.ErrorEvent{
		ConnectionID:   "C-1",
		Event:          nsi.EventActivateFailed,
		OriginatingNSA: providerURN,
		Timestamp:      time.Date(2026, 9, 1, 13, 0, 30, 0, time.UTC),
		ServiceException: &nsi.ServiceException{
			NsaID:   providerURN,
			ErrorID: nsi.ErrorIDInternalNRMError,
			Text:    "switch unreachable",
		},
	}
	require.NoError(t, client.ErrorEvent(ctx, header, event))
	got2 := <-requester.events
	assert.Equal(t, event.Event, got2.Event)
	require.NotNil(t, got2.ServiceException)
	assert.Equal(t, nsi.ErrorIDInternalNRMError, got2.ServiceException.ErrorID)
}

// The callback router learns replyTo endpoints from observed request headers
// and refuses to deliver to requesters it has never seen.
func TestCallbackRouter(t *testing.T) {
	requester := newRecordingRequester()
	server := httptest.NewServer(remote.NewRequesterServer(requester, testlog.NewLogger(t)))
	t.Cleanup(server.Close)

	router := remote.NewCallbackRouter()
	ctx := context.Background()

	err := router.ProvisionConfirmed(ctx, nsi.NewHeader(requesterURN, providerURN), "C-1")
	require.Error(t, err)
	assert.Equal(t, nsi.ErrorIDDownstreamNSA, nsi.ErrorID(err))

	observed := nsi.NewHeader(requesterURN, providerURN)
	observed.ReplyTo = server.URL
	router.Observe(observed)

	require.NoError(t,
		router.ProvisionConfirmed(ctx, nsi.NewHeader(requesterURN, providerURN), "C-1"))
	assert.Equal(t, "C-1", <-requester.ids)
}
