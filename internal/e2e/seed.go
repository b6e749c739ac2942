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

package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
)

// SeedSnapshotRow writes row directly into the server's table with no
// matching change_journal entry, standing in for data that was already
// present when the server started rather than something journaled
// during the session under test. Initial sync reads it via Snapshot;
// unlike SeedChange it never reappears through Since, so it is the
// right seed for a scenario that needs data a cold-start client
// receives exactly once, through init_changes alone.
func (f *Fixture) SeedSnapshotRow(t *testing.T, table string, row map[string]any, updatedAt int64) {
	t.Helper()
	desc, err := tables.Get(table)
	if err != nil {
		t.Fatal(err)
	}
	row[tables.LWWColumn] = updatedAt

	cols := desc.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		desc.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := f.ServerDB.Exec(query, args...); err != nil {
		t.Fatalf("e2e: seed snapshot row into %s: %v", table, err)
	}
}

// SeedChange writes row directly into the server's authoritative table
// and appends the matching change_journal entry at a freshly allocated
// LSN, exactly mirroring what inbound.Receiver.Apply leaves behind for
// a client-submitted write — except this one stands in for a change
// that originated somewhere other than the client under test (another
// replica, a direct write against the source database), which is what
// S2/S3/S6 need already sitting in the journal before a client ever
// connects.
func (f *Fixture) SeedChange(t *testing.T, op protocol.Operation, table string, row map[string]any, updatedAt int64) lsn.LSN {
	t.Helper()
	desc, err := tables.Get(table)
	if err != nil {
		t.Fatal(err)
	}
	assigned := f.Allocator.Next()

	switch op {
	case protocol.OpInsert, protocol.OpUpdate:
		row[tables.LWWColumn] = updatedAt
		cols := desc.Columns
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = "?"
			args[i] = row[c]
		}
		updates := make([]string, 0, len(desc.NonKeyColumns()))
		for _, c := range desc.NonKeyColumns() {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (%s) VALUES (%s)
			ON CONFLICT (%s) DO UPDATE SET %s
		`,
			desc.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
			strings.Join(desc.PrimaryKey, ", "), strings.Join(updates, ", "),
		)
		if _, err := f.ServerDB.Exec(query, args...); err != nil {
			t.Fatalf("e2e: seed %s into %s: %v", op, table, err)
		}
	case protocol.OpDelete:
		conds := make([]string, len(desc.PrimaryKey))
		args := make([]any, len(desc.PrimaryKey))
		for i, pk := range desc.PrimaryKey {
			conds[i] = pk + " = ?"
			args[i] = row[pk]
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, desc.Name, strings.Join(conds, " AND "))
		if _, err := f.ServerDB.Exec(query, args...); err != nil {
			t.Fatalf("e2e: seed delete from %s: %v", table, err)
		}
	default:
		t.Fatalf("e2e: unknown operation %q", op)
	}

	data, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ServerDB.Exec(`
		INSERT INTO change_journal (lsn_major, lsn_minor, tbl, operation, data, old_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, assigned.Major, assigned.Minor, table, string(op), string(data), "", updatedAt); err != nil {
		t.Fatalf("e2e: append change_journal: %v", err)
	}
	return assigned
}

// SeedUser is a SeedChange convenience for an insert into users.
func (f *Fixture) SeedUser(t *testing.T, id, email, displayName string, updatedAt int64) lsn.LSN {
	return f.SeedChange(t, protocol.OpInsert, "users", map[string]any{
		"id": id, "email": email, "display_name": displayName,
	}, updatedAt)
}

// SeedTask is a SeedChange convenience for an insert into tasks.
func (f *Fixture) SeedTask(t *testing.T, id, userID, title string, done bool, updatedAt int64) lsn.LSN {
	doneInt := 0
	if done {
		doneInt = 1
	}
	return f.SeedChange(t, protocol.OpInsert, "tasks", map[string]any{
		"id": id, "user_id": userID, "title": title, "done": doneInt,
	}, updatedAt)
}

// ClientTaskTitle returns the title column of a client-side tasks row,
// or ok=false if no such row exists.
func (f *Fixture) ClientTaskTitle(t *testing.T, id string) (title string, ok bool) {
	t.Helper()
	err := f.ClientDB.QueryRow(`SELECT title FROM tasks WHERE id = ?`, id).Scan(&title)
	if err != nil {
		return "", false
	}
	return title, true
}

// ClientTaskCount returns how many rows are currently in the client's
// local tasks table.
func (f *Fixture) ClientTaskCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.ClientDB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

// ClientUserCount returns how many rows are currently in the client's
// local users table.
func (f *Fixture) ClientUserCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.ClientDB.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

// LocalWrite inserts a row directly into the client's local table and
// appends a matching, not-yet-synced change_log record in the same
// transaction — the shape any local write path in a real client must
// take, per store.ChangeRecord's doc comment that a locally originated
// Append must be atomic with the mutation it describes.
func (f *Fixture) LocalWrite(t *testing.T, table string, row map[string]any, updatedAt int64) int64 {
	t.Helper()
	desc, err := tables.Get(table)
	if err != nil {
		t.Fatal(err)
	}
	row[tables.LWWColumn] = updatedAt

	ctx := context.Background()
	tx, err := f.ClientDB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	cols := desc.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}
	updates := make([]string, 0, len(desc.NonKeyColumns()))
	for _, c := range desc.NonKeyColumns() {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s
	`,
		desc.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(desc.PrimaryKey, ", "), strings.Join(updates, ", "),
	)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("e2e: local write into %s: %v", table, err)
	}

	pk, err := json.Marshal(extractPK(desc, row))
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.AppendTx(ctx, tx, store.ChangeRecord{
		Table:          table,
		PrimaryKey:     pk,
		Operation:      protocol.OpUpdate,
		Data:           data,
		Timestamp:      updatedAt,
		ProcessedLocal: true,
		ProcessedSync:  false,
		FromServer:     false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return id
}

// ChangeLogState reports the attempts, processed_sync, and error
// columns of a change_log row, for asserting how a locally originated
// change was reconciled (or why it wasn't).
func (f *Fixture) ChangeLogState(t *testing.T, id int64) (attempts int, processedSync bool, errMsg string) {
	t.Helper()
	var e sql.NullString
	if err := f.ClientDB.QueryRow(`
		SELECT attempts, processed_sync, error FROM change_log WHERE id = ?
	`, id).Scan(&attempts, &processedSync, &e); err != nil {
		t.Fatal(err)
	}
	return attempts, processedSync, e.String
}

func extractPK(desc tables.Descriptor, row map[string]any) map[string]any {
	out := make(map[string]any, len(desc.PrimaryKey))
	for _, pk := range desc.PrimaryKey {
		out[pk] = row[pk]
	}
	return out
}
