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

// Package outbox drains locally originated changes to the server while
// a session is in the live phase. It is a sender only: the session's
// receive loop routes inbound changes_received/changes_applied frames
// to HandleReceived/HandleApplied as they arrive.
package outbox

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/metrics"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultBatchSize bounds how many unsynced records one drain cycle
// emits in a single send_changes message.
const DefaultBatchSize = 100

// DefaultMaxRetries is how many delivery failures a record tolerates
// before it is surfaced to the operator as a user-visible error.
const DefaultMaxRetries = 3

// Drainer sends unsynced locally originated changes and reconciles the
// change log against the server's eventual changes_applied response.
type Drainer struct {
	conn      *wire.Conn
	changeLog store.ChangeLog

	BatchSize  int
	MaxRetries int

	mu       sync.Mutex
	inFlight map[string][]int64 // messageId -> change_log row ids, in send order
}

// New builds a Drainer bound to conn and changeLog.
func New(conn *wire.Conn, changeLog store.ChangeLog) *Drainer {
	return &Drainer{
		conn:      conn,
		changeLog: changeLog,
		BatchSize: DefaultBatchSize,
		MaxRetries: DefaultMaxRetries,
		inFlight:  make(map[string][]int64),
	}
}

// DrainOnce selects one batch of unsynced records and sends them. It
// reports false if there was nothing to send.
func (d *Drainer) DrainOnce(ctx context.Context) (bool, error) {
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	recs, err := d.changeLog.SelectUnsynced(ctx, batchSize)
	if err != nil {
		return false, errors.Wrap(err, "outbox: select unsynced")
	}
	if len(recs) == 0 {
		return false, nil
	}

	changes := make([]protocol.Change, len(recs))
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		changes[i] = protocol.Change{
			Table:     rec.Table,
			Operation: rec.Operation,
			Data:      rec.Data,
			OldData:   rec.OldData,
			UpdatedAt: rec.Timestamp,
		}
		ids[i] = rec.ID
	}

	messageID := uuid.NewString()
	msg := protocol.SendChanges{
		Envelope: protocol.Envelope{Type: protocol.TypeSendChanges, MessageID: messageID},
		Changes:  changes,
	}
	if err := d.conn.Send(ctx, msg); err != nil {
		return false, errors.Wrap(err, "outbox: send send_changes")
	}
	metrics.OutboxBatchesSent.Inc()

	d.mu.Lock()
	d.inFlight[messageID] = ids
	d.mu.Unlock()
	return true, nil
}

// HandleReceived records the server's acknowledgement that a batch was
// accepted for processing. No change-log state changes yet: that
// happens on HandleApplied.
func (d *Drainer) HandleReceived(msg protocol.ChangesReceivedServer) {
	log.WithField("messageId", msg.MessageID).Debug("outbox: server accepted batch for processing")
}

// HandleApplied reconciles the outcome of a previously sent batch. On
// success, each record is marked synced with its server-assigned LSN.
// On failure, every record in the batch has its attempt count
// incremented; once a record's attempts reach MaxRetries it is left
// pending (never dropped) and SurfaceExhausted will report it.
func (d *Drainer) HandleApplied(ctx context.Context, msg protocol.ChangesApplied) error {
	d.mu.Lock()
	ids, ok := d.inFlight[msg.MessageID]
	delete(d.inFlight, msg.MessageID)
	d.mu.Unlock()

	if !ok {
		// Unknown or already-reconciled messageId: a duplicate reply,
		// nothing to do.
		return nil
	}

	if msg.Success {
		for i, id := range ids {
			if i >= len(msg.AppliedChanges) {
				break
			}
			if err := d.changeLog.MarkSynced(ctx, id, msg.AppliedChanges[i].LSN); err != nil {
				return errors.Wrap(err, "outbox: mark synced")
			}
		}
		return nil
	}

	for _, id := range ids {
		if err := d.changeLog.IncrementAttempt(ctx, id, msg.Error); err != nil {
			return errors.Wrap(err, "outbox: increment attempt after failed batch")
		}
		metrics.ChangesRetried.Inc()
	}
	return nil
}

// SurfaceExhausted returns unsynced records that have exhausted
// MaxRetries, for the operator surface to report to the user.
func (d *Drainer) SurfaceExhausted(ctx context.Context) ([]store.ChangeRecord, error) {
	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	unsynced, err := d.changeLog.SelectUnsynced(ctx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "outbox: select unsynced")
	}
	var exhausted []store.ChangeRecord
	for _, rec := range unsynced {
		if rec.Attempts >= maxRetries {
			exhausted = append(exhausted, rec)
		}
	}
	return exhausted, nil
}
