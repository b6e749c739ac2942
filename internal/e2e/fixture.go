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

// Package e2e wires a real server session and a real client session
// together over one in-process websocket, each backed by its own
// sqlite database, so the protocol can be driven end to end the way a
// server and a client actually would rather than through either side's
// package-level test doubles.
package e2e

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/applier"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/chunkrecv"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/outbox"
	clientsession "github.com/codevibesmatter/vibestack-sub001/internal/client/session"
	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/inbound"
	serversession "github.com/codevibesmatter/vibestack-sub001/internal/server/session"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/walsource"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

const schema = `
CREATE TABLE users (id TEXT PRIMARY KEY, email TEXT, display_name TEXT, updated_at INTEGER);
CREATE TABLE tasks (id TEXT PRIMARY KEY, user_id TEXT, title TEXT, done INTEGER, updated_at INTEGER);
`

const journalSchema = `
CREATE TABLE change_journal (
  lsn_major INTEGER, lsn_minor INTEGER, tbl TEXT, operation TEXT,
  data TEXT, old_data TEXT, updated_at INTEGER,
  PRIMARY KEY (lsn_major, lsn_minor)
)`

// memState is an in-memory store.StateStore, standing in for a
// client's persisted {clientId, applied_lsn} snapshot file across one
// fixture's lifetime (or, across a Reconnect, carried forward by hand
// to simulate what a real on-disk FileStateStore would have retained).
type memState struct {
	clientID string
	applied  lsn.LSN
}

func (s *memState) ClientID() string          { return s.clientID }
func (s *memState) AppliedLSN() lsn.LSN        { return s.applied }
func (s *memState) AdvanceLSN(l lsn.LSN) error { s.applied = l; return nil }
func (s *memState) Reset() error               { s.applied = lsn.Zero; return nil }

var _ store.StateStore = (*memState)(nil)

// Fixture bundles a server-side sqlite store (walsource + inbound
// receiver) and a client-side sqlite store (applier + outbox +
// chunkrecv) for one S1-S6 scenario, the way internal/sinktest/all's
// Fixture bundles a CockroachDB connection and staging schema for a
// sinktest.
type Fixture struct {
	t *testing.T

	ServerDB *sql.DB
	ClientDB *sql.DB

	Receiver  *inbound.Receiver
	Allocator *inbound.Allocator
	Source    *walsource.PostgresSource
	ChangeLog store.ChangeLog
	State     *memState
}

// New builds a Fixture with empty server and client schemas.
func New(t *testing.T) *Fixture {
	t.Helper()

	serverDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { serverDB.Close() })
	if _, err := serverDB.Exec(schema); err != nil {
		t.Fatal(err)
	}
	if _, err := serverDB.Exec(journalSchema); err != nil {
		t.Fatal(err)
	}

	alloc := inbound.NewAllocator(1, 0)
	receiver := inbound.NewReceiver(serverDB, alloc)
	source := walsource.NewPostgresSource(serverDB, alloc.Current)

	clientDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { clientDB.Close() })
	if _, err := clientDB.Exec(schema); err != nil {
		t.Fatal(err)
	}
	changeLog, err := store.OpenSQLChangeLog(context.Background(), clientDB)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureMigrationsTable(context.Background(), clientDB); err != nil {
		t.Fatal(err)
	}
	for _, name := range store.RequiredForPhase {
		if err := store.MarkApplied(context.Background(), clientDB, name, 0); err != nil {
			t.Fatal(err)
		}
	}

	return &Fixture{
		t:         t,
		ServerDB:  serverDB,
		ClientDB:  clientDB,
		Receiver:  receiver,
		Allocator: alloc,
		Source:    source,
		ChangeLog: changeLog,
		State:     &memState{clientID: "e2e-client"},
	}
}

// Session is one real client connected to one real server over a real
// websocket, both driven by their own Run loop.
type Session struct {
	ServerCtx *stopper.Context
	ClientCtx *stopper.Context

	serverDone chan error
	clientDone chan error
	closeConn  func()
}

// Connect dials a fresh websocket between a serversession.Server (over
// f.Receiver/f.Source) and a clientsession.Client (over f.ClientDB's
// applier/outbox/chunkrecv), and starts both Run loops. Connect may be
// called more than once on the same Fixture to simulate a reconnect:
// each call builds a fresh Client bound to f.State, so the new session
// announces whatever applied_lsn the previous session left behind.
func (f *Fixture) Connect() *Session {
	f.t.Helper()

	var srvConn *websocket.Conn
	accepted := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			f.t.Errorf("e2e: accept: %v", err)
			return
		}
		srvConn = c
		close(accepted)
	})
	httpSrv := httptest.NewServer(mux)

	url := "ws" + httpSrv.URL[len("http"):] + "/ws"
	cliConn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		f.t.Fatalf("e2e: dial: %v", err)
	}
	<-accepted

	serverWire := wire.NewConn(srvConn, 0)
	clientWire := wire.NewConn(cliConn, 0)

	srv := serversession.NewServer(serverWire, f.Receiver, f.Source)
	srv.ChunkTimeout = 2 * time.Second
	srv.LivePollInterval = 20 * time.Millisecond

	chunks := chunkrecv.New(clientWire, f.State)
	appl := applier.New(f.ClientDB, f.ChangeLog, f.State)
	drainer := outbox.New(clientWire, f.ChangeLog)
	cli := clientsession.New(clientWire, f.ClientDB, f.State, chunks, appl, drainer)
	cli.HeartbeatInterval = time.Hour
	cli.DrainInterval = 30 * time.Millisecond

	serverCtx := stopper.WithContext(context.Background())
	clientCtx := stopper.WithContext(context.Background())

	serverDone := make(chan error, 1)
	clientDone := make(chan error, 1)
	serverCtx.Go(func() error { serverDone <- srv.Run(serverCtx); return nil })
	clientCtx.Go(func() error { clientDone <- cli.Run(clientCtx); return nil })

	return &Session{
		ServerCtx:  serverCtx,
		ClientCtx:  clientCtx,
		serverDone: serverDone,
		clientDone: clientDone,
		closeConn: func() {
			cliConn.Close(websocket.StatusNormalClosure, "")
			srvConn.Close(websocket.StatusNormalClosure, "")
			httpSrv.Close()
		},
	}
}

// Disconnect tears down the underlying websocket without waiting for
// either Run loop to observe a clean disconnect frame, simulating a
// dropped connection (S3) rather than a graceful one.
func (s *Session) Disconnect() {
	s.closeConn()
}

// Close tears down both Run loops and the connection. Once live, a
// session's Run loops only return on disconnect or shutdown, so a
// scenario always ends by calling Close (or Disconnect, to simulate a
// drop) and then asserting on the fixture's databases directly rather
// than on either loop's return value.
func (s *Session) Close() {
	s.closeConn()
	s.ServerCtx.Stop(time.Second)
	s.ClientCtx.Stop(time.Second)
}

// WaitUntil polls cond every 10ms until it reports true or deadline
// elapses, failing the test in the latter case. Scenarios use this to
// wait for an asynchronous effect (a row landing in a table, applied_lsn
// advancing) rather than racing the session's own goroutines.
func WaitUntil(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	if cond() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if cond() {
				return
			}
		case <-timer.C:
			t.Fatalf("e2e: condition not met within %s", deadline)
		}
	}
}
