package walsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

func setupDB(t *testing.T) *sql.DB {
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
	if _, err := db.Exec(`CREATE TABLE change_journal (
		lsn_major INTEGER, lsn_minor INTEGER, tbl TEXT, operation TEXT,
		data TEXT, old_data TEXT, updated_at INTEGER,
		PRIMARY KEY (lsn_major, lsn_minor)
	)`); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestSnapshotReturnsEveryRowAsInsert(t *testing.T) {
	db := setupDB(t)
	if _, err := db.Exec(`INSERT INTO tasks VALUES ('t1','u1','a',0,10), ('t2','u1','b',1,20)`); err != nil {
		t.Fatal(err)
	}

	src := NewPostgresSource(db, func() lsn.LSN { return lsn.LSN{Major: 1, Minor: 2} })
	changes, err := src.Snapshot(context.Background(), "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for _, c := range changes {
		if c.Operation != "insert" {
			t.Fatalf("expected insert op, got %s", c.Operation)
		}
	}
}

func TestSinceOrdersByLSNAndRespectsAfter(t *testing.T) {
	db := setupDB(t)
	insert := `INSERT INTO change_journal VALUES (?, ?, 'tasks', 'insert', ?, NULL, ?)`
	if _, err := db.Exec(insert, 1, 1, `{"id":"t1"}`, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(insert, 1, 2, `{"id":"t2"}`, 20); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(insert, 1, 3, `{"id":"t3"}`, 30); err != nil {
		t.Fatal(err)
	}

	src := NewPostgresSource(db, func() lsn.LSN { return lsn.LSN{Major: 1, Minor: 3} })
	changes, err := src.Since(context.Background(), lsn.LSN{Major: 1, Minor: 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes after minor=1, got %d", len(changes))
	}
	var ids []string
	for _, c := range changes {
		var row map[string]string
		if err := json.Unmarshal(c.Data, &row); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, row["id"])
	}
	if ids[0] != "t2" || ids[1] != "t3" {
		t.Fatalf("expected [t2 t3] in order, got %v", ids)
	}
}

func TestSinceRespectsLimit(t *testing.T) {
	db := setupDB(t)
	insert := `INSERT INTO change_journal VALUES (?, ?, 'tasks', 'insert', ?, NULL, ?)`
	for i := 1; i <= 5; i++ {
		if _, err := db.Exec(insert, 1, i, `{}`, int64(i)*10); err != nil {
			t.Fatal(err)
		}
	}

	src := NewPostgresSource(db, func() lsn.LSN { return lsn.LSN{Major: 1, Minor: 5} })
	changes, err := src.Since(context.Background(), lsn.LSN{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(changes))
	}
}

func TestCurrentDelegatesToProvidedFunc(t *testing.T) {
	db := setupDB(t)
	want := lsn.LSN{Major: 7, Minor: 9}
	src := NewPostgresSource(db, func() lsn.LSN { return want })
	if got := src.Current(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
