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

package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/inbound"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// emptySource is a walsource.Source with nothing to stream: enough for
// handler-level tests that only care about the HTTP surface, not
// session data-flow (which internal/server/session covers directly).
type emptySource struct{}

func (emptySource) Snapshot(ctx context.Context, table string) ([]protocol.Change, error) {
	return nil, nil
}
func (emptySource) Since(ctx context.Context, after lsn.LSN, limit int) ([]protocol.Change, error) {
	return nil, nil
}
func (emptySource) Current() lsn.LSN { return lsn.Zero }

func setupTestReceiver(t *testing.T) *inbound.Receiver {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE change_journal (
		lsn_major INTEGER, lsn_minor INTEGER, tbl TEXT, operation TEXT,
		data TEXT, old_data TEXT, updated_at INTEGER,
		PRIMARY KEY (lsn_major, lsn_minor)
	)`); err != nil {
		t.Fatal(err)
	}
	return inbound.NewReceiver(db, inbound.NewAllocator(1, 0))
}

func newTestHandler(t *testing.T, cfg *Config) *Handler {
	t.Helper()
	return &Handler{Config: cfg, Receiver: setupTestReceiver(t), Source: emptySource{}}
}

func TestSyncRejectsMissingBearerToken(t *testing.T) {
	h := newTestHandler(t, &Config{AuthToken: "secret"})
	ctx := stopper.WithContext(context.Background())
	t.Cleanup(func() { ctx.Stop(time.Second) })

	srv := httptest.NewServer(h.NewMux(ctx))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sync")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSyncAcceptsValidBearerToken(t *testing.T) {
	h := newTestHandler(t, &Config{AuthToken: "secret"})
	ctx := stopper.WithContext(context.Background())
	t.Cleanup(func() { ctx.Stop(time.Second) })

	srv := httptest.NewServer(h.NewMux(ctx))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/api/sync"
	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestReplicationInitCallsBootstrapEveryTimeAndAcceptsRepeats(t *testing.T) {
	h := newTestHandler(t, &Config{DisableAuth: true})
	var calls int
	h.Bootstrap = func() error { calls++; return nil }

	ctx := stopper.WithContext(context.Background())
	t.Cleanup(func() { ctx.Stop(time.Second) })
	srv := httptest.NewServer(h.NewMux(ctx))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/replication/init", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	if calls != 2 {
		t.Fatalf("expected Bootstrap called twice (idempotent per call), got %d", calls)
	}
}

func TestReplicationInitRejectsGet(t *testing.T) {
	h := newTestHandler(t, &Config{DisableAuth: true})
	ctx := stopper.WithContext(context.Background())
	t.Cleanup(func() { ctx.Stop(time.Second) })
	srv := httptest.NewServer(h.NewMux(ctx))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/replication/init")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
