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

// Package chunkrecv is the client-side half of chunked delivery: it
// deduplicates chunks by (messageId, chunk), acknowledges every chunk
// exactly once per arrival, and advances the persisted applied LSN
// before acknowledging a catch-up or live chunk.
package chunkrecv

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/metrics"
	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// Receiver tracks chunk dedup state for the lifetime of one session
// (one wire.Conn). A fresh Receiver is required per reconnect.
type Receiver struct {
	conn  *wire.Conn
	state store.StateStore

	mu   sync.Mutex
	seen map[string]map[int]bool
}

// New builds a Receiver bound to conn and state.
func New(conn *wire.Conn, state store.StateStore) *Receiver {
	return &Receiver{conn: conn, state: state, seen: make(map[string]map[int]bool)}
}

// markSeen records (messageID, chunk) and reports whether it had
// already been seen this session.
func (r *Receiver) markSeen(messageID string, chunk int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.seen[messageID]
	if !ok {
		set = make(map[int]bool)
		r.seen[messageID] = set
	}
	dup := set[chunk]
	set[chunk] = true
	return dup
}

// ReceiveInit processes one init_changes chunk. Initial-sync chunks
// carry no LSN of their own (the server's LSN arrives later, with
// init_complete), so acknowledging never touches persisted state.
// dup reports whether this chunk had already been seen.
func (r *Receiver) ReceiveInit(ctx context.Context, msg protocol.InitChanges) (dup bool, err error) {
	metrics.ChunksReceived.WithLabelValues("init").Inc()
	dup = r.markSeen(msg.MessageID, msg.Sequence.Chunk)
	if dup {
		metrics.DuplicateChunks.WithLabelValues("init").Inc()
	}
	ack := protocol.InitReceived{
		Envelope: protocol.Envelope{Type: protocol.TypeInitReceived, MessageID: msg.MessageID},
		Chunk:    msg.Sequence.Chunk,
	}
	if err := r.conn.Send(ctx, ack); err != nil {
		return dup, errors.Wrap(err, "chunkrecv: send init_received")
	}
	metrics.AcksSent.WithLabelValues("init").Inc()
	return dup, nil
}

// ReceiveCatchup processes one catchup_changes chunk: the persisted
// applied LSN is advanced to the chunk's highest LSN before the
// acknowledgement is sent, so a crash between persist and ack only
// risks a redundant (idempotent) resend, never a lost advance.
func (r *Receiver) ReceiveCatchup(ctx context.Context, msg protocol.CatchupChanges) (dup bool, err error) {
	metrics.ChunksReceived.WithLabelValues("catchup").Inc()
	dup = r.markSeen(msg.MessageID, msg.Sequence.Chunk)
	if !dup {
		if err := r.advance(msg.LastLSN); err != nil {
			return dup, err
		}
	} else {
		metrics.DuplicateChunks.WithLabelValues("catchup").Inc()
	}
	ack := protocol.CatchupReceived{
		Envelope: protocol.Envelope{Type: protocol.TypeCatchupReceived, MessageID: msg.MessageID},
		Chunk:    msg.Sequence.Chunk,
		LSN:      msg.LastLSN,
	}
	if err := r.conn.Send(ctx, ack); err != nil {
		return dup, errors.Wrap(err, "chunkrecv: send catchup_received")
	}
	metrics.AcksSent.WithLabelValues("catchup").Inc()
	return dup, nil
}

// ReceiveLive processes one live_changes chunk the same way
// ReceiveCatchup does for catch-up chunks.
func (r *Receiver) ReceiveLive(ctx context.Context, msg protocol.LiveChanges) (dup bool, err error) {
	metrics.ChunksReceived.WithLabelValues("live").Inc()
	dup = r.markSeen(msg.MessageID, msg.Sequence.Chunk)
	if !dup {
		if err := r.advance(msg.LastLSN); err != nil {
			return dup, err
		}
	} else {
		metrics.DuplicateChunks.WithLabelValues("live").Inc()
	}
	ack := protocol.ChangesReceivedClient{
		Envelope:  protocol.Envelope{Type: protocol.TypeChangesReceived, MessageID: msg.MessageID},
		ChangeIDs: nil,
		LastLSN:   msg.LastLSN,
	}
	if err := r.conn.Send(ctx, ack); err != nil {
		return dup, errors.Wrap(err, "chunkrecv: send changes_received")
	}
	metrics.AcksSent.WithLabelValues("live").Inc()
	return dup, nil
}

func (r *Receiver) advance(newLSN lsn.LSN) error {
	if newLSN.IsZero() {
		return nil
	}
	if lsn.Less(newLSN, r.state.AppliedLSN()) {
		// The server resent a chunk at or below our current position
		// (e.g. after a reconnect); never regress.
		return nil
	}
	if err := r.state.AdvanceLSN(newLSN); err != nil {
		return errors.Wrap(err, "chunkrecv: advance applied LSN")
	}
	return nil
}
