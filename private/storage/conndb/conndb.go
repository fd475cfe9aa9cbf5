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

// Package conndb persists connection and sub-connection records. The
// database is the single source of truth for the service: every state
// machine transition is written here before any callback fires, and the
// reservation calendar is rebuilt from these records on startup.
package conndb

import (
	"context"
	"time"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// ErrNotFound indicates that no record matches the lookup.
var ErrNotFound = serrors.New("connection not found")

// Connection is the persistent record of one connection.
type Connection struct {
	ConnectionID        string
	RequesterNSA        string
	ReserveTime         time.Time
	GlobalReservationID string
	Description         string
	Revision            int

	ReservationState nsi.ReservationState
	ProvisionState   nsi.ProvisionState
	LifecycleState   nsi.LifecycleState

	// Allocated reports whether the record currently holds reservation
	// calendar entries. Cleared on abort, timeout and terminate; used to
	// rebuild the calendar on startup.
	Allocated bool

	DataPlaneActive  bool
	DataPlaneVersion int

	SourceNetwork string
	SourcePort    string
	SourceLabel   *nsi.Label
	DestNetwork   string
	DestPort      string
	DestLabel     *nsi.Label

	StartTime time.Time
	EndTime   time.Time
	Capacity  int64
}

// States returns the three state variables as a bundle.
func (c *Connection) States() nsi.ConnectionStates {
	return nsi.ConnectionStates{
		Reservation: c.ReservationState,
		Provision:   c.ProvisionState,
		Lifecycle:   c.LifecycleState,
	}
}

// SourceSTP reconstructs the narrowed source STP.
func (c *Connection) SourceSTP() nsi.STP {
	return nsi.STP{Network: c.SourceNetwork, Port: c.SourcePort, Label: c.SourceLabel}
}

// DestSTP reconstructs the narrowed destination STP.
func (c *Connection) DestSTP() nsi.STP {
	return nsi.STP{Network: c.DestNetwork, Port: c.DestPort, Label: c.DestLabel}
}

// Criteria reconstructs the reservation criteria of the record.
func (c *Connection) Criteria() nsi.Criteria {
	return nsi.Criteria{
		Revision: c.Revision,
		Schedule: nsi.Schedule{Start: c.StartTime, End: c.EndTime},
		Service: nsi.P2PService{
			Source:         c.SourceSTP(),
			Dest:           c.DestSTP(),
			Capacity:       c.Capacity,
			Directionality: nsi.Bidirectional,
		},
	}
}

// SubConnection is one child reservation of an aggregated connection, in
// decomposition order.
type SubConnection struct {
	ParentID     string
	Ordinal      int
	ProviderNSA  string
	ConnectionID string
	Local        bool

	ReservationState nsi.ReservationState
	ProvisionState   nsi.ProvisionState
	LifecycleState   nsi.LifecycleState

	DataPlaneActive   bool
	DataPlaneVersion  int
	VersionConsistent bool

	SourceSTP string
	DestSTP   string
}

// DB is the connection store contract.
type DB interface {
	CreateConnection(ctx context.Context, conn *Connection) error
	UpdateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, connectionID string) (*Connection, error)
	ListConnections(ctx context.Context) ([]*Connection, error)
	// NonTerminatedConnections returns all connections whose lifecycle has
	// not reached Terminated, for crash recovery.
	NonTerminatedConnections(ctx context.Context) ([]*Connection, error)

	CreateSubConnection(ctx context.Context, sub *SubConnection) error
	UpdateSubConnection(ctx context.Context, sub *SubConnection) error
	SubConnections(ctx context.Context, parentID string) ([]*SubConnection, error)

	// DeleteAll destroys every record. Terminated records are otherwise
	// retained for query purposes.
	DeleteAll(ctx context.Context) error
	Close() error
}
