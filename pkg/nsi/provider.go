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
	"context"
	"time"
)

// ReserveRequest is the payload of a reserve operation.
type ReserveRequest struct {
	// ConnectionID must be empty: modify of an existing reservation is not
	// supported and a non-empty id is rejected.
	ConnectionID        string
	GlobalReservationID string
	Description         string
	Criteria            Criteria
}

// QueryFilter selects connections for query operations. Empty filters match
// everything owned by the requester.
type QueryFilter struct {
	ConnectionIDs        []string
	GlobalReservationIDs []string
}

// QueryResult is one connection record as returned by query operations.
type QueryResult struct {
	ConnectionID        string           `json:"connection_id"`
	GlobalReservationID string           `json:"global_reservation_id,omitempty"`
	Description         string           `json:"description,omitempty"`
	RequesterNSA        string           `json:"requester_nsa"`
	ProviderNSA         string           `json:"provider_nsa"`
	ReserveTime         time.Time        `json:"reserve_time"`
	States              ConnectionStates `json:"states"`
	DataPlaneActive     bool             `json:"data_plane_active"`
	DataPlaneVersion    int              `json:"data_plane_version"`
	Criteria            Criteria         `json:"-"`
	StartTime           time.Time        `json:"start_time"`
	EndTime             time.Time        `json:"end_time"`
	Capacity            int64            `json:"capacity"`
	SourceSTP           string           `json:"source_stp"`
	DestSTP             string           `json:"dest_stp"`
	Children            []QueryResult    `json:"children,omitempty"`
}

// Provider is the NSI-CS provider contract. Reserve returns the
// provider-assigned connection id synchronously; the outcome of this and all
// other operations is delivered asynchronously through the Requester
// callbacks.
type Provider interface {
	Reserve(ctx context.Context, header Header, req ReserveRequest) (string, error)
	ReserveCommit(ctx context.Context, header Header, connectionID string) error
	ReserveAbort(ctx context.Context, header Header, connectionID string) error
	Provision(ctx context.Context, header Header, connectionID string) error
	Release(ctx context.Context, header Header, connectionID string) error
	Terminate(ctx context.Context, header Header, connectionID string) error
	QuerySummary(ctx context.Context, header Header, filter QueryFilter) ([]QueryResult, error)
	QueryRecursive(ctx context.Context, header Header, filter QueryFilter) ([]QueryResult, error)
}

// ReserveConfirmation is the payload of a reserveConfirmed callback, carrying
// the criteria with narrowed labels.
type ReserveConfirmation struct {
	ConnectionID        string
	GlobalReservationID string
	Description         string
	Criteria            Criteria
}

// DataPlaneStatus describes the data plane of a connection.
type DataPlaneStatus struct {
	Active            bool `json:"active"`
	Version           int  `json:"version"`
	VersionConsistent bool `json:"version_consistent"`
}

// Event identifies the kind of an errorEvent notification.
type Event string

// Error event kinds.
const (
	EventActivateFailed   Event = "activateFailed"
	EventDeactivateFailed Event = "deactivateFailed"
	EventDataPlaneError   Event = "dataplaneError"
	EventForcedEnd        Event = "forcedEnd"
)

// ErrorEvent is an asynchronous error notification.
type ErrorEvent struct {
	ConnectionID     string
	Event            Event
	OriginatingNSA   string
	Timestamp        time.Time
	AdditionalInfo   []TypeValuePair
	ServiceException *ServiceException
}

// ReserveTimeout notifies that the 2PC hold of a reservation timed out.
type ReserveTimeout struct {
	ConnectionID            string
	TimeoutValue            int // seconds
	OriginatingConnectionID string
	OriginatingNSA          string
	Timestamp               time.Time
}

// Requester is the NSI-CS requester contract: the callbacks a provider
// delivers to its requester.
type Requester interface {
	ReserveConfirmed(ctx context.Context, header Header, conf ReserveConfirmation) error
	ReserveFailed(ctx context.Context, header Header, connectionID string,
		states ConnectionStates, se *ServiceException) error
	ReserveCommitConfirmed(ctx context.Context, header Header, connectionID string) error
	ReserveCommitFailed(ctx context.Context, header Header, connectionID string,
		states ConnectionStates, se *ServiceException) error
	ReserveAbortConfirmed(ctx context.Context, header Header, connectionID string) error
	ProvisionConfirmed(ctx context.Context, header Header, connectionID string) error
	ReleaseConfirmed(ctx context.Context, header Header, connectionID string) error
	TerminateConfirmed(ctx context.Context, header Header, connectionID string) error
	ErrorEvent(ctx context.Context, header Header, event ErrorEvent) error
	DataPlaneStateChange(ctx context.Context, header Header, connectionID string,
		status DataPlaneStatus) error
	ReserveTimeout(ctx context.Context, header Header, timeout ReserveTimeout) error
}
