package inbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
)

// upsertPG and deletePG build Postgres-flavored SQL ($N placeholders,
// ON CONFLICT ... excluded), but sqlite's query planner accepts the
// same syntax, so exercising them against an in-memory sqlite database
// verifies the generated SQL without a live Postgres connection.
func setupTasksDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		title TEXT,
		done INTEGER,
		updated_at INTEGER
	)`); err != nil {
		t.Fatal(err)
	}
	return db
}

func taskDesc(t *testing.T) tables.Descriptor {
	t.Helper()
	desc, err := tables.Get("tasks")
	if err != nil {
		t.Fatal(err)
	}
	return desc
}

func TestUpsertPGInsertsNewRow(t *testing.T) {
	db := setupTasksDB(t)
	desc := taskDesc(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	change := protocol.Change{
		Table:     "tasks",
		Operation: protocol.OpInsert,
		Data:      json.RawMessage(`{"id":"t1","user_id":"u1","title":"first","done":false}`),
	}
	wrote, err := upsertPG(ctx, tx, desc, change, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Fatal("expected a fresh insert to be written")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var title string
	var updatedAt int64
	if err := db.QueryRow(`SELECT title, updated_at FROM tasks WHERE id = 't1'`).Scan(&title, &updatedAt); err != nil {
		t.Fatal(err)
	}
	if title != "first" || updatedAt != 100 {
		t.Fatalf("expected first/100, got %s/%d", title, updatedAt)
	}
}

func TestUpsertPGRejectsStaleWrite(t *testing.T) {
	db := setupTasksDB(t)
	desc := taskDesc(t)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO tasks (id, user_id, title, done, updated_at) VALUES ('t1', 'u1', 'newer', 0, 500)`); err != nil {
		t.Fatal(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	change := protocol.Change{
		Table:     "tasks",
		Operation: protocol.OpUpdate,
		Data:      json.RawMessage(`{"id":"t1","user_id":"u1","title":"stale","done":false}`),
	}
	wrote, err := upsertPG(ctx, tx, desc, change, 100)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("expected stale write to be rejected")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var title string
	if err := db.QueryRow(`SELECT title FROM tasks WHERE id = 't1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "newer" {
		t.Fatalf("expected stale write to be rejected, got title %q", title)
	}
}

// TestApplyRejectsStaleWriteAsBatchFailure confirms Receiver.Apply
// surfaces a superseded update as a whole-batch failure (S6: the
// client's pending change loses the conflict and is reported back so
// its own outbox can mark it failed) rather than silently no-op'ing
// it.
func TestApplyRejectsStaleWriteAsBatchFailure(t *testing.T) {
	db := setupTasksDB(t)
	if _, err := db.Exec(`CREATE TABLE change_journal (
		lsn_major INTEGER, lsn_minor INTEGER, tbl TEXT, operation TEXT,
		data TEXT, old_data TEXT, updated_at INTEGER,
		PRIMARY KEY (lsn_major, lsn_minor)
	)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO tasks (id, user_id, title, done, updated_at) VALUES ('t1', 'u1', 'server wins', 0, 5)`); err != nil {
		t.Fatal(err)
	}

	r := NewReceiver(db, NewAllocator(1, 0))
	_, success, errMsg := r.Apply(context.Background(), "client-1", []protocol.Change{
		{
			Table:     "tasks",
			Operation: protocol.OpUpdate,
			Data:      json.RawMessage(`{"id":"t1","user_id":"u1","title":"stale local edit","done":false}`),
			UpdatedAt: 3,
		},
	})
	if success {
		t.Fatal("expected the stale write to fail the batch")
	}
	if errMsg == "" {
		t.Fatal("expected a non-empty error message")
	}

	var title string
	if err := db.QueryRow(`SELECT title FROM tasks WHERE id = 't1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "server wins" {
		t.Fatalf("expected server's row to survive the conflict, got title %q", title)
	}
}

func TestDeletePGIsIdempotent(t *testing.T) {
	db := setupTasksDB(t)
	desc := taskDesc(t)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO tasks (id, user_id, title, done, updated_at) VALUES ('t1', 'u1', 'x', 0, 100)`); err != nil {
		t.Fatal(err)
	}

	del := protocol.Change{
		Table:     "tasks",
		Operation: protocol.OpDelete,
		OldData:   json.RawMessage(`{"id":"t1"}`),
	}

	for i := 0; i < 2; i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := deletePG(ctx, tx, desc, del); err != nil {
			t.Fatalf("delete attempt %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = 't1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected row gone, found %d", count)
	}
}

func TestApplyFailsWholeBatchOnUnknownTable(t *testing.T) {
	db := setupTasksDB(t)
	r := NewReceiver(db, NewAllocator(1, 0))

	_, success, errMsg := r.Apply(context.Background(), "client-1", []protocol.Change{
		{Table: "no_such_table", Operation: protocol.OpInsert, Data: json.RawMessage(`{}`)},
	})
	if success {
		t.Fatal("expected failure for unknown table")
	}
	if errMsg == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestApplyPersistsJournalAndAllocatesLSN(t *testing.T) {
	db := setupTasksDB(t)
	if _, err := db.Exec(`CREATE TABLE change_journal (
		lsn_major INTEGER, lsn_minor INTEGER, tbl TEXT, operation TEXT,
		data TEXT, old_data TEXT, updated_at INTEGER,
		PRIMARY KEY (lsn_major, lsn_minor)
	)`); err != nil {
		t.Fatal(err)
	}

	r := NewReceiver(db, NewAllocator(1, 0))
	applied, success, errMsg := r.Apply(context.Background(), "client-1", []protocol.Change{
		{Table: "tasks", Operation: protocol.OpInsert, Data: json.RawMessage(`{"id":"t1","user_id":"u1","title":"x","done":false}`)},
	})
	if !success {
		t.Fatalf("expected success, got error %q", errMsg)
	}
	if len(applied) != 1 || applied[0].LSN.Minor != 1 {
		t.Fatalf("expected a single applied change with LSN minor 1, got %+v", applied)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_journal`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one journal row, got %d", count)
	}
}

func TestApplySerializesPerClient(t *testing.T) {
	db := setupTasksDB(t)
	r := NewReceiver(db, NewAllocator(1, 0))

	lockA := r.lockFor("client-a")
	lockB := r.lockFor("client-b")
	if lockA == lockB {
		t.Fatal("expected distinct clients to get distinct locks")
	}
	if r.lockFor("client-a") != lockA {
		t.Fatal("expected the same client to reuse its lock")
	}
}
