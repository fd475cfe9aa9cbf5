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

package conndb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/private/storage/db"
)

// timeLayout is the naive UTC column format. Lexicographic order equals
// chronological order, which the start_time < end_time CHECK relies on.
const timeLayout = "2006-01-02 15:04:05"

const schema = `
CREATE TABLE IF NOT EXISTS service_connection (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL UNIQUE,
	requester_nsa TEXT NOT NULL,
	reserve_time TEXT NOT NULL,
	global_reservation_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL,
	reservation_state TEXT NOT NULL,
	provision_state TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	allocated INTEGER NOT NULL DEFAULT 0,
	data_plane_active INTEGER NOT NULL,
	data_plane_version INTEGER NOT NULL,
	source_network TEXT NOT NULL,
	source_port TEXT NOT NULL,
	source_label TEXT NOT NULL DEFAULT '',
	dest_network TEXT NOT NULL,
	dest_port TEXT NOT NULL,
	dest_label TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	CHECK (start_time < end_time)
);
CREATE TABLE IF NOT EXISTS sub_connection (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id TEXT NOT NULL
		REFERENCES service_connection (connection_id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	provider_nsa TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	local INTEGER NOT NULL,
	reservation_state TEXT NOT NULL,
	provision_state TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	data_plane_active INTEGER NOT NULL,
	data_plane_version INTEGER NOT NULL,
	version_consistent INTEGER NOT NULL,
	source_stp TEXT NOT NULL,
	dest_stp TEXT NOT NULL,
	UNIQUE (parent_id, ordinal)
);
`

// Backend is the sqlite implementation of DB.
type Backend struct {
	db *sql.DB
}

var _ DB = (*Backend)(nil)

// New opens the connection database at path and creates the schema if
// needed.
func New(path string, cfg *db.SqliteConfig) (*Backend, error) {
	database, err := db.NewSqlite(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		defer database.Close()
		return nil, db.NewWriteError("creating schema", err)
	}
	return &Backend{db: database}, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatLabel(l *nsi.Label) string {
	return l.String()
}

func parseLabel(s string) (*nsi.Label, error) {
	if s == "" {
		return nil, nil
	}
	return nsi.ParseLabel(s)
}

// CreateConnection inserts a new connection record.
func (b *Backend) CreateConnection(ctx context.Context, conn *Connection) error {
	const q = `
INSERT INTO service_connection (connection_id, requester_nsa, reserve_time,
	global_reservation_id, description, revision,
	reservation_state, provision_state, lifecycle_state, allocated,
	data_plane_active, data_plane_version,
	source_network, source_port, source_label,
	dest_network, dest_port, dest_label,
	start_time, end_time, capacity)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := b.db.ExecContext(ctx, q,
		conn.ConnectionID, conn.RequesterNSA, formatTime(conn.ReserveTime),
		conn.GlobalReservationID, conn.Description, conn.Revision,
		string(conn.ReservationState), string(conn.ProvisionState),
		string(conn.LifecycleState), conn.Allocated,
		conn.DataPlaneActive, conn.DataPlaneVersion,
		conn.SourceNetwork, conn.SourcePort, formatLabel(conn.SourceLabel),
		conn.DestNetwork, conn.DestPort, formatLabel(conn.DestLabel),
		formatTime(conn.StartTime), formatTime(conn.EndTime), conn.Capacity,
	)
	if err != nil {
		return db.NewWriteError("inserting connection", err,
			"conn_id", conn.ConnectionID)
	}
	return nil
}

// UpdateConnection rewrites the mutable columns of a connection record.
func (b *Backend) UpdateConnection(ctx context.Context, conn *Connection) error {
	const q = `
UPDATE service_connection SET
	revision = ?,
	reservation_state = ?, provision_state = ?, lifecycle_state = ?,
	allocated = ?, data_plane_active = ?, data_plane_version = ?,
	source_label = ?, dest_label = ?,
	start_time = ?, end_time = ?
WHERE connection_id = ?`
	res, err := b.db.ExecContext(ctx, q,
		conn.Revision,
		string(conn.ReservationState), string(conn.ProvisionState),
		string(conn.LifecycleState),
		conn.Allocated, conn.DataPlaneActive, conn.DataPlaneVersion,
		formatLabel(conn.SourceLabel), formatLabel(conn.DestLabel),
		formatTime(conn.StartTime), formatTime(conn.EndTime),
		conn.ConnectionID,
	)
	if err != nil {
		return db.NewWriteError("updating connection", err,
			"conn_id", conn.ConnectionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.NewWriteError("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const connectionColumns = `connection_id, requester_nsa, reserve_time,
	global_reservation_id, description, revision,
	reservation_state, provision_state, lifecycle_state, allocated,
	data_plane_active, data_plane_version,
	source_network, source_port, source_label,
	dest_network, dest_port, dest_label,
	start_time, end_time, capacity`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var reserveTime, start, end, srcLabel, dstLabel string
	var resSt, provSt, lifeSt string
	err := row.Scan(&c.ConnectionID, &c.RequesterNSA, &reserveTime,
		&c.GlobalReservationID, &c.Description, &c.Revision,
		&resSt, &provSt, &lifeSt, &c.Allocated,
		&c.DataPlaneActive, &c.DataPlaneVersion,
		&c.SourceNetwork, &c.SourcePort, &srcLabel,
		&c.DestNetwork, &c.DestPort, &dstLabel,
		&start, &end, &c.Capacity,
	)
	if err != nil {
		return nil, err
	}
	c.ReservationState = nsi.ReservationState(resSt)
	c.ProvisionState = nsi.ProvisionState(provSt)
	c.LifecycleState = nsi.LifecycleState(lifeSt)
	if c.ReserveTime, err = parseTime(reserveTime); err != nil {
		return nil, db.NewDataError("reserve_time", err)
	}
	if c.StartTime, err = parseTime(start); err != nil {
		return nil, db.NewDataError("start_time", err)
	}
	if c.EndTime, err = parseTime(end); err != nil {
		return nil, db.NewDataError("end_time", err)
	}
	if c.SourceLabel, err = parseLabel(srcLabel); err != nil {
		return nil, db.NewDataError("source_label", err)
	}
	if c.DestLabel, err = parseLabel(dstLabel); err != nil {
		return nil, db.NewDataError("dest_label", err)
	}
	return &c, nil
}

// GetConnection returns the record with the given connection id.
func (b *Backend) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	q := `SELECT ` + connectionColumns + ` FROM service_connection WHERE connection_id = ?`
	conn, err := scanConnection(b.db.QueryRowContext(ctx, q, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, db.NewReadError("reading connection", err, "conn_id", connectionID)
	}
	return conn, nil
}

func (b *Backend) queryConnections(ctx context.Context, q string, args ...any) (
	[]*Connection, error) {

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, db.NewReadError("querying connections", err)
	}
	defer rows.Close()
	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, db.NewReadError("scanning connection", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterating connections", err)
	}
	return conns, nil
}

// ListConnections returns all connection records ordered by reserve time.
func (b *Backend) ListConnections(ctx context.Context) ([]*Connection, error) {
	q := `SELECT ` + connectionColumns + ` FROM service_connection ORDER BY id`
	return b.queryConnections(ctx, q)
}

// NonTerminatedConnections returns all records whose lifecycle has not
// reached Terminated.
func (b *Backend) NonTerminatedConnections(ctx context.Context) ([]*Connection, error) {
	q := `SELECT ` + connectionColumns +
		` FROM service_connection WHERE lifecycle_state != ? ORDER BY id`
	return b.queryConnections(ctx, q, string(nsi.Terminated))
}

// CreateSubConnection inserts a new sub-connection record.
func (b *Backend) CreateSubConnection(ctx context.Context, sub *SubConnection) error {
	const q = `
INSERT INTO sub_connection (parent_id, ordinal, provider_nsa, connection_id,
	local, reservation_state, provision_state, lifecycle_state,
	data_plane_active, data_plane_version, version_consistent,
	source_stp, dest_stp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := b.db.ExecContext(ctx, q,
		sub.ParentID, sub.Ordinal, sub.ProviderNSA, sub.ConnectionID,
		sub.Local, string(sub.ReservationState), string(sub.ProvisionState),
		string(sub.LifecycleState),
		sub.DataPlaneActive, sub.DataPlaneVersion, sub.VersionConsistent,
		sub.SourceSTP, sub.DestSTP,
	)
	if err != nil {
		return db.NewWriteError("inserting sub-connection", err,
			"parent_id", sub.ParentID, "ordinal", sub.Ordinal)
	}
	return nil
}

// UpdateSubConnection rewrites the mutable columns of a sub-connection,
// addressed by parent id and ordinal.
func (b *Backend) UpdateSubConnection(ctx context.Context, sub *SubConnection) error {
	const q = `
UPDATE sub_connection SET
	connection_id = ?,
	reservation_state = ?, provision_state = ?, lifecycle_state = ?,
	data_plane_active = ?, data_plane_version = ?, version_consistent = ?
WHERE parent_id = ? AND ordinal = ?`
	res, err := b.db.ExecContext(ctx, q,
		sub.ConnectionID,
		string(sub.ReservationState), string(sub.ProvisionState),
		string(sub.LifecycleState),
		sub.DataPlaneActive, sub.DataPlaneVersion, sub.VersionConsistent,
		sub.ParentID, sub.Ordinal,
	)
	if err != nil {
		return db.NewWriteError("updating sub-connection", err,
			"parent_id", sub.ParentID, "ordinal", sub.Ordinal)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.NewWriteError("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SubConnections returns the children of an aggregated connection in
// decomposition order.
func (b *Backend) SubConnections(ctx context.Context, parentID string) ([]*SubConnection, error) {
	const q = `
SELECT parent_id, ordinal, provider_nsa, connection_id, local,
	reservation_state, provision_state, lifecycle_state,
	data_plane_active, data_plane_version, version_consistent,
	source_stp, dest_stp
FROM sub_connection WHERE parent_id = ? ORDER BY ordinal`
	rows, err := b.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, db.NewReadError("querying sub-connections", err, "parent_id", parentID)
	}
	defer rows.Close()
	var subs []*SubConnection
	for rows.Next() {
		var s SubConnection
		var resSt, provSt, lifeSt string
		err := rows.Scan(&s.ParentID, &s.Ordinal, &s.ProviderNSA, &s.ConnectionID,
			&s.Local, &resSt, &provSt, &lifeSt,
			&s.DataPlaneActive, &s.DataPlaneVersion, &s.VersionConsistent,
			&s.SourceSTP, &s.DestSTP,
		)
		if err != nil {
			return nil, db.NewReadError("scanning sub-connection", err)
		}
		s.ReservationState = nsi.ReservationState(resSt)
		s.ProvisionState = nsi.ProvisionState(provSt)
		s.LifecycleState = nsi.LifecycleState(lifeSt)
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterating sub-connections", err)
	}
	return subs, nil
}

// DeleteAll destroys every connection and sub-connection record.
func (b *Backend) DeleteAll(ctx context.Context) error {
	return db.InTx(ctx, b.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sub_connection`); err != nil {
			return db.NewWriteError("deleting sub-connections", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_connection`); err != nil {
			return db.NewWriteError("deleting connections", err)
		}
		return nil
	})
}
