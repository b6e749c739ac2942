// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package walsource is the server's view of changes since a given LSN:
// a table-by-table snapshot for initial sync, and an ordered delta feed
// for catchup and live, both backed by the authoritative store and its
// change_journal.
package walsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
)

// Source is everything a session needs to drive initial_sync, catchup,
// and live streaming. Current is cheap and synchronous since, in this
// single-process server, the LSN sequence is owned in-process (see
// internal/server/inbound.Allocator); Snapshot and Since hit the store.
type Source interface {
	// Snapshot returns every row currently in table, encoded as insert
	// Changes, for the initial-sync stream.
	Snapshot(ctx context.Context, table string) ([]protocol.Change, error)
	// Since returns every change journaled with LSN > after, in LSN
	// order, capped at limit (0 means unlimited).
	Since(ctx context.Context, after lsn.LSN, limit int) ([]protocol.Change, error)
	// Current returns the highest LSN this source has assigned so far.
	Current() lsn.LSN
}

// currentFunc abstracts the in-process LSN allocator so this package
// does not import internal/server/inbound (which would create an
// import cycle: inbound's Apply needs no knowledge of walsource, but a
// server wiring both together is free to hand this closure in).
type currentFunc func() lsn.LSN

// PostgresSource reads table snapshots and the change_journal directly
// from the authoritative Postgres store.
type PostgresSource struct {
	db      *sql.DB
	current currentFunc
}

// NewPostgresSource builds a Source over db, reporting Current via
// currentLSN (typically (*inbound.Allocator).Current).
func NewPostgresSource(db *sql.DB, currentLSN func() lsn.LSN) *PostgresSource {
	return &PostgresSource{db: db, current: currentLSN}
}

// Current implements Source.
func (s *PostgresSource) Current() lsn.LSN { return s.current() }

// Snapshot implements Source.
func (s *PostgresSource) Snapshot(ctx context.Context, table string) ([]protocol.Change, error) {
	desc, err := tables.Get(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
		strings.Join(desc.Columns, ", "), desc.Name, strings.Join(desc.PrimaryKey, ", "))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "walsource: snapshot %s", table)
	}
	defer rows.Close()

	var changes []protocol.Change
	for rows.Next() {
		scanDest := make([]any, len(desc.Columns))
		scanInto := make([]any, len(desc.Columns))
		for i := range scanDest {
			scanInto[i] = &scanDest[i]
		}
		if err := rows.Scan(scanInto...); err != nil {
			return nil, errors.Wrapf(err, "walsource: scan %s row", table)
		}

		row := make(map[string]any, len(desc.Columns))
		var updatedAt int64
		for i, col := range desc.Columns {
			row[col] = scanDest[i]
			if col == tables.LWWColumn {
				if v, ok := scanDest[i].(int64); ok {
					updatedAt = v
				}
			}
		}
		data, err := json.Marshal(row)
		if err != nil {
			return nil, errors.Wrapf(err, "walsource: encode %s row", table)
		}
		changes = append(changes, protocol.Change{
			Table:     table,
			Operation: protocol.OpInsert,
			Data:      data,
			UpdatedAt: updatedAt,
		})
	}
	return changes, errors.Wrap(rows.Err(), "walsource: iterate snapshot rows")
}

// Since implements Source.
func (s *PostgresSource) Since(ctx context.Context, after lsn.LSN, limit int) ([]protocol.Change, error) {
	query := `
		SELECT lsn_major, lsn_minor, tbl, operation, data, old_data, updated_at
		FROM change_journal
		WHERE (lsn_major, lsn_minor) > ($1, $2)
		ORDER BY lsn_major, lsn_minor`
	args := []any{after.Major, after.Minor}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "walsource: query change_journal")
	}
	defer rows.Close()

	var changes []protocol.Change
	for rows.Next() {
		var major, minor uint32
		var table, op string
		var data, oldData []byte
		var updatedAt int64
		if err := rows.Scan(&major, &minor, &table, &op, &data, &oldData, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "walsource: scan change_journal row")
		}
		assigned := lsn.LSN{Major: major, Minor: minor}
		changes = append(changes, protocol.Change{
			Table:     table,
			Operation: protocol.Operation(op),
			Data:      json.RawMessage(data),
			OldData:   json.RawMessage(oldData),
			LSN:       &assigned,
			UpdatedAt: updatedAt,
		})
	}
	return changes, errors.Wrap(rows.Err(), "walsource: iterate change_journal rows")
}
