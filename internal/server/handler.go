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

// Package server wires the sync protocol's network surface: the
// /api/sync websocket upgrade that drives one session.Server
// per connection, and /api/replication/init, an idempotent HTTP
// endpoint that runs the injected Bootstrap the way internal/source/cdc's single
// HTTP endpoint wires its otherwise-background changefeed loop.
package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/server/inbound"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/session"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/walsource"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultHeartbeatStaleness is the heartbeat interval every accepted
// wire.Conn is built with; the connection counts as stale once twice
// this long passes without a frame.
const DefaultHeartbeatStaleness = 30 * time.Second

// Handler serves the sync protocol's HTTP surface for one server
// process: one accepted websocket per client, and the replication
// bootstrap endpoint.
type Handler struct {
	Config   *Config
	Receiver *inbound.Receiver
	Source   walsource.Source

	// Bootstrap prepares the store Receiver/Source use (cmd/syncserver's
	// closure creates the change_journal table once). No WAL tailer
	// process is started; walsource reads change_journal directly.
	Bootstrap func() error
}

// NewMux builds the HTTP handler tree. ctx is the process-wide stopper
// that every accepted session's goroutine runs under; a session ending
// does not stop the process, only ctx stopping does.
func (h *Handler) NewMux(ctx *stopper.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", h.serveSync(ctx))
	mux.HandleFunc("/api/replication/init", h.serveReplicationInit)
	return mux
}

func (h *Handler) serveSync(ctx *stopper.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.authenticate(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("server: websocket accept failed")
			return
		}
		sessionsAccepted.Inc()
		sessionsActive.Inc()

		conn := wire.NewConn(ws, DefaultHeartbeatStaleness)
		srv := session.NewServer(conn, h.Receiver, h.Source)

		start := time.Now()
		ctx.Go(func() error {
			defer sessionsActive.Dec()
			err := srv.Run(ctx)
			sessionDurations.Observe(time.Since(start).Seconds())
			if err != nil {
				sessionErrors.WithLabelValues("run").Inc()
				log.WithError(err).Warn("server: session ended")
			}
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return nil
		})
	}
}

// serveReplicationInit invokes Bootstrap on every request; the
// injected closure does its work the first time and is a no-op on every
// later call. The handler itself doesn't track call count so the endpoint stays safe to call
// repeatedly (a retried request, a second operator running the same
// command), matching internal/source/cdc's "one HTTP endpoint wires an
// otherwise-background loop" shape.
func (h *Handler) serveReplicationInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.authenticate(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if h.Bootstrap != nil {
		if err := h.Bootstrap(); err != nil {
			replicationInitRequests.WithLabelValues("error").Inc()
			http.Error(w, errors.Wrap(err, "server: bootstrap replication").Error(), http.StatusInternalServerError)
			return
		}
	}
	replicationInitRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// authenticate checks the bearer token against Config.AuthToken. A
// constant-time comparison avoids leaking the token's length/contents
// through response timing.
func (h *Handler) authenticate(r *http.Request) error {
	if h.Config == nil || h.Config.DisableAuth {
		return nil
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return errors.New("missing bearer token")
	}
	token := auth[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.Config.AuthToken)) != 1 {
		return errors.New("invalid bearer token")
	}
	return nil
}
