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

// Package db contains helpers for the sqlite databases of the service.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver
)

// SqliteConfig allows configuring the sqlite database instance.
type SqliteConfig struct {
	MaxOpenConns int
	// InMemory creates a named in-memory database. The path must still be a
	// unique name so that independent databases do not alias each other.
	InMemory bool
}

// NewSqlite opens a sqlite database at the given path with the pragmas the
// service relies on (WAL journal, immediate transactions, busy timeout,
// foreign keys).
func NewSqlite(path string, cfg *SqliteConfig) (*sql.DB, error) {
	c := SqliteConfig{}
	if cfg != nil {
		c = *cfg
	}
	if strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("use explicitly named memory database")
	}
	noFile, hadPrefix := strings.CutPrefix(path, "file:")

	connParams := make(url.Values)
	// Transactions start in DEFERRED mode by default and are upgraded to
	// write transactions in flight, which bypasses busy_timeout and yields
	// spurious SQLITE_BUSY errors. BEGIN IMMEDIATE avoids that.
	connParams.Add("_txlock", "immediate")
	connParams.Add("_pragma", "journal_mode(WAL)")
	connParams.Add("_pragma", "busy_timeout(1000)")
	connParams.Add("_pragma", "synchronous(NORMAL)")
	connParams.Add("_pragma", "foreign_keys(1)")
	if c.InMemory {
		connParams.Add("mode", "memory")
		// Shared cache so that all pool connections see the same in-memory
		// database.
		connParams.Add("cache", "shared")
	}

	connURL := path + "?" + connParams.Encode()
	if !hadPrefix {
		connURL = "file:" + noFile + "?" + connParams.Encode()
	}
	database, err := sql.Open("sqlite", connURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if c.MaxOpenConns > 0 {
		database.SetMaxOpenConns(c.MaxOpenConns)
	} else {
		// A single writer connection sidesteps sqlite lock contention.
		database.SetMaxOpenConns(1)
	}
	if err := database.Ping(); err != nil {
		defer database.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return database, nil
}

// InTx runs f inside a transaction, committing on nil return and rolling back
// otherwise.
func InTx(ctx context.Context, database *sql.DB, f func(tx *sql.Tx) error) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return NewTxError("create tx", err)
	}
	if err := f(tx); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			return NewTxError("rollback", errRollback)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewTxError("commit", err)
	}
	return nil
}
