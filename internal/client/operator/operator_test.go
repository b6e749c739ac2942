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

package operator

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/applier"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/supervisor"
	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
)

type fakeState struct {
	id      string
	applied lsn.LSN
	resets  int
}

func (f *fakeState) ClientID() string   { return f.id }
func (f *fakeState) AppliedLSN() lsn.LSN { return f.applied }
func (f *fakeState) AdvanceLSN(l lsn.LSN) error { f.applied = l; return nil }
func (f *fakeState) Reset() error {
	f.resets++
	f.id = "reset-client"
	f.applied = lsn.Zero
	return nil
}

var _ store.StateStore = (*fakeState)(nil)

func setupDB(t *testing.T) (*sql.DB, store.ChangeLog) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE tasks (
		id TEXT PRIMARY KEY, user_id TEXT, title TEXT, done INTEGER, updated_at INTEGER
	)`); err != nil {
		t.Fatal(err)
	}
	changeLog, err := store.OpenSQLChangeLog(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return db, changeLog
}

func TestResetLSNDelegatesToStateStore(t *testing.T) {
	state := &fakeState{id: "original", applied: lsn.LSN{Major: 5}}
	o := New(state, nil, nil, nil, "", "")

	if err := o.ResetLSN(); err != nil {
		t.Fatalf("ResetLSN: %v", err)
	}
	if state.resets != 1 {
		t.Fatalf("expected one Reset call, got %d", state.resets)
	}
	if !state.applied.IsZero() {
		t.Fatalf("expected applied LSN reset to zero, got %s", state.applied)
	}
}

func TestDropStateRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	dbPath := filepath.Join(dir, "client.db")
	if err := os.WriteFile(statePath, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbPath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	o := New(nil, nil, nil, nil, statePath, dbPath)
	if err := o.DropState(); err != nil {
		t.Fatalf("DropState: %v", err)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Fatalf("expected state file removed, stat err = %v", err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("expected db file removed, stat err = %v", err)
	}

	// Removing an already-absent pair is not an error.
	if err := o.DropState(); err != nil {
		t.Fatalf("DropState on absent files: %v", err)
	}
}

func TestSetOfflineNilSupervisorIsNoop(t *testing.T) {
	o := New(&fakeState{}, nil, nil, nil, "", "")
	o.SetOffline(true) // must not panic
}

func TestSetOfflineTogglesSupervisor(t *testing.T) {
	sup := supervisor.New(nil, nil)
	o := New(&fakeState{}, nil, nil, sup, "", "")

	o.SetOffline(true)
	if !sup.Offline() {
		t.Fatal("expected supervisor to report offline")
	}
	o.SetOffline(false)
	if sup.Offline() {
		t.Fatal("expected supervisor to report online")
	}
}

func TestListPendingReportsUnsyncedOutbound(t *testing.T) {
	ctx := context.Background()
	_, changeLog := setupDB(t)

	if _, err := changeLog.Append(ctx, store.ChangeRecord{
		Table:     "tasks",
		PrimaryKey: json.RawMessage(`{"id":"1"}`),
		Operation:  protocol.OpInsert,
		Data:       json.RawMessage(`{"id":"1","title":"write tests"}`),
		Timestamp:  1000,
	}); err != nil {
		t.Fatal(err)
	}

	o := New(&fakeState{}, changeLog, nil, nil, "", "")
	pending, err := o.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Table != "tasks" {
		t.Fatalf("expected one pending tasks record, got %+v", pending)
	}
}

func TestRetryFailedReappliesAndClears(t *testing.T) {
	ctx := context.Background()
	db, changeLog := setupDB(t)
	state := &fakeState{}
	appl := applier.New(db, changeLog, state)

	id, err := changeLog.Append(ctx, store.ChangeRecord{
		Table:      "tasks",
		PrimaryKey: json.RawMessage(`{"id":"1"}`),
		Operation:  protocol.OpInsert,
		Data:       json.RawMessage(`{"id":"1","user_id":"u1","title":"retry me","done":0,"updated_at":1000}`),
		Timestamp:  1000,
		FromServer: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := changeLog.IncrementAttempt(ctx, id, "simulated failure"); err != nil {
		t.Fatal(err)
	}

	o := New(state, changeLog, appl, nil, "", "")

	failed, err := o.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed record, got %d", len(failed))
	}

	retried, stillFailing, err := o.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 || stillFailing != 0 {
		t.Fatalf("expected 1 retried, 0 still failing, got %d/%d", retried, stillFailing)
	}

	var title string
	if err := db.QueryRow(`SELECT title FROM tasks WHERE id = ?`, "1").Scan(&title); err != nil {
		t.Fatalf("query applied row: %v", err)
	}
	if title != "retry me" {
		t.Fatalf("expected applied title %q, got %q", "retry me", title)
	}
}
