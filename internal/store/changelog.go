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

package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3" // register the "sqlite3" driver
	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
)

// ChangeRecord is one row of the client-side change log. For
// from_server records, ProcessedSync is always true (the server is
// authoritative); for locally-originated records, a record is complete
// only once both ProcessedLocal and ProcessedSync are true.
type ChangeRecord struct {
	ID        int64
	Table     string
	PrimaryKey json.RawMessage
	Operation  protocol.Operation
	Data       json.RawMessage
	OldData    json.RawMessage
	Timestamp  int64 // ms since epoch, local insertion time
	LSN        *lsn.LSN

	ProcessedLocal bool
	ProcessedSync  bool
	FromServer     bool

	Attempts int
	Error    string
}

// ChangeLog is the append-only local record of every change applied or
// originated by the client.
type ChangeLog interface {
	// Append records a new change. For locally originated changes this
	// must be called atomically with the SQL mutation it describes
	// (same transaction).
	Append(ctx context.Context, rec ChangeRecord) (int64, error)

	// MarkSynced records that the server has confirmed a locally
	// originated change, along with its server-assigned LSN.
	MarkSynced(ctx context.Context, id int64, assigned lsn.LSN) error

	// MarkLocalApplied records that a server-originated change has
	// been applied to the client's local tables.
	MarkLocalApplied(ctx context.Context, id int64) error

	// IncrementAttempt records a failed application/sync attempt.
	IncrementAttempt(ctx context.Context, id int64, errMsg string) error

	// SelectUnsynced returns locally originated, not-yet-confirmed
	// records in timestamp order, for replay after reconnection.
	// limit <= 0 means unlimited.
	SelectUnsynced(ctx context.Context, limit int) ([]ChangeRecord, error)

	// SelectFailed returns records that failed local application and
	// have not yet exhausted max_attempts.
	SelectFailed(ctx context.Context, maxAttempts int) ([]ChangeRecord, error)

	// AppliedAtOrAbove reports whether a change with this identity has
	// already been recorded at an LSN >= the given one — the
	// idempotence check that makes replay of a server change safe.
	AppliedAtOrAbove(ctx context.Context, table string, primaryKey json.RawMessage, at lsn.LSN) (bool, error)
}

// SQLChangeLog is a ChangeLog backed by the client's embedded SQL
// engine (database/sql + the sqlite3 driver).
type SQLChangeLog struct {
	db *sql.DB
}

var _ ChangeLog = (*SQLChangeLog)(nil)

// OpenSQLChangeLog opens (or creates) the change_log table on db.
func OpenSQLChangeLog(ctx context.Context, db *sql.DB) (*SQLChangeLog, error) {
	if _, err := db.ExecContext(ctx, changeLogSchema); err != nil {
		return nil, errors.Wrap(err, "store: create change_log table")
	}
	if _, err := db.ExecContext(ctx, changeLogIdentityIndex); err != nil {
		return nil, errors.Wrap(err, "store: create change_log identity index")
	}
	return &SQLChangeLog{db: db}, nil
}

// querier is satisfied by *sql.DB and *sql.Tx, so Append can run
// either standalone or inside a caller's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ querier = (*sql.DB)(nil)
	_ querier = (*sql.Tx)(nil)
)

// AppendTx is like Append but runs against an explicit transaction, so
// a caller can atomically pair it with the SQL mutation it describes.
func AppendTx(ctx context.Context, tx *sql.Tx, rec ChangeRecord) (int64, error) {
	return appendInto(ctx, tx, rec)
}

// Append implements ChangeLog.
func (l *SQLChangeLog) Append(ctx context.Context, rec ChangeRecord) (int64, error) {
	return appendInto(ctx, l.db, rec)
}

func appendInto(ctx context.Context, q querier, rec ChangeRecord) (int64, error) {
	var lsnMajor, lsnMinor any
	if rec.LSN != nil {
		lsnMajor, lsnMinor = rec.LSN.Major, rec.LSN.Minor
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO change_log
			(tbl, primary_key, operation, data, old_data, timestamp, lsn_major, lsn_minor,
			 processed_local, processed_sync, from_server, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Table, string(rec.PrimaryKey), string(rec.Operation), nullableString(rec.Data), nullableString(rec.OldData),
		rec.Timestamp, lsnMajor, lsnMinor,
		boolToInt(rec.ProcessedLocal), boolToInt(rec.ProcessedSync), boolToInt(rec.FromServer),
		rec.Attempts, rec.Error,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: append change_log row")
	}
	return res.LastInsertId()
}

// MarkSynced implements ChangeLog.
func (l *SQLChangeLog) MarkSynced(ctx context.Context, id int64, assigned lsn.LSN) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE change_log SET processed_sync = 1, lsn_major = ?, lsn_minor = ? WHERE id = ?
	`, assigned.Major, assigned.Minor, id)
	if err != nil {
		return errors.Wrapf(err, "store: mark change_log row %d synced", id)
	}
	return nil
}

// MarkLocalApplied implements ChangeLog.
func (l *SQLChangeLog) MarkLocalApplied(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE change_log SET processed_local = 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "store: mark change_log row %d applied", id)
	}
	return nil
}

// IncrementAttempt implements ChangeLog.
func (l *SQLChangeLog) IncrementAttempt(ctx context.Context, id int64, errMsg string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE change_log SET attempts = attempts + 1, error = ? WHERE id = ?
	`, errMsg, id)
	if err != nil {
		return errors.Wrapf(err, "store: increment attempts for change_log row %d", id)
	}
	return nil
}

// SelectUnsynced implements ChangeLog. limit <= 0 means unlimited.
func (l *SQLChangeLog) SelectUnsynced(ctx context.Context, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means no limit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tbl, primary_key, operation, data, old_data, timestamp, lsn_major, lsn_minor,
		       processed_local, processed_sync, from_server, attempts, error
		FROM change_log
		WHERE from_server = 0 AND processed_sync = 0
		ORDER BY timestamp ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: select unsynced change_log rows")
	}
	defer rows.Close()
	return scanRows(rows)
}

// SelectFailed implements ChangeLog.
func (l *SQLChangeLog) SelectFailed(ctx context.Context, maxAttempts int) ([]ChangeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tbl, primary_key, operation, data, old_data, timestamp, lsn_major, lsn_minor,
		       processed_local, processed_sync, from_server, attempts, error
		FROM change_log
		WHERE processed_local = 0 AND attempts < ?
		ORDER BY timestamp ASC
	`, maxAttempts)
	if err != nil {
		return nil, errors.Wrap(err, "store: select failed change_log rows")
	}
	defer rows.Close()
	return scanRows(rows)
}

// AppliedAtOrAbove implements ChangeLog.
func (l *SQLChangeLog) AppliedAtOrAbove(ctx context.Context, table string, primaryKey json.RawMessage, at lsn.LSN) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_log
		WHERE tbl = ? AND primary_key = ? AND from_server = 1
		  AND (lsn_major > ? OR (lsn_major = ? AND lsn_minor >= ?))
	`, table, string(primaryKey), at.Major, at.Major, at.Minor).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "store: idempotence check")
	}
	return count > 0, nil
}

func scanRows(rows *sql.Rows) ([]ChangeRecord, error) {
	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var pk, data, oldData, operation string
		var lsnMajor, lsnMinor sql.NullInt64
		var processedLocal, processedSync, fromServer int
		var errMsg sql.NullString

		if err := rows.Scan(&rec.ID, &rec.Table, &pk, &operation, &data, &oldData, &rec.Timestamp,
			&lsnMajor, &lsnMinor, &processedLocal, &processedSync, &fromServer, &rec.Attempts, &errMsg); err != nil {
			return nil, errors.Wrap(err, "store: scan change_log row")
		}

		rec.PrimaryKey = json.RawMessage(pk)
		rec.Operation = protocol.Operation(operation)
		if data != "" {
			rec.Data = json.RawMessage(data)
		}
		if oldData != "" {
			rec.OldData = json.RawMessage(oldData)
		}
		rec.ProcessedLocal = processedLocal != 0
		rec.ProcessedSync = processedSync != 0
		rec.FromServer = fromServer != 0
		rec.Error = errMsg.String
		if lsnMajor.Valid && lsnMinor.Valid {
			l := lsn.LSN{Major: uint32(lsnMajor.Int64), Minor: uint32(lsnMinor.Int64)}
			rec.LSN = &l
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	return string(raw)
}
