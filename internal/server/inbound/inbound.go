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

// Package inbound is the server-side receipt path for client-originated
// changes (C8): it applies a client's batch to the authoritative
// Postgres store, assigning each change its server LSN and timestamp,
// serialized per client so a single client's changes are observed in
// the order it produced them.
package inbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
)

// Receiver applies client-originated batches against the server's
// Postgres store.
type Receiver struct {
	db    *sql.DB
	lsns  *Allocator
	clock func() int64

	// perClient serializes concurrent batches from the same client, so
	// changes from one client are applied in the order it sent them
	// even if two of its batches race on the wire.
	mu        sync.Mutex
	perClient map[string]*sync.Mutex
}

// NewReceiver builds a Receiver over an already-open Postgres pool.
func NewReceiver(db *sql.DB, lsns *Allocator) *Receiver {
	return &Receiver{
		db:        db,
		lsns:      lsns,
		clock:     func() int64 { return time.Now().UnixMilli() },
		perClient: make(map[string]*sync.Mutex),
	}
}

func (r *Receiver) lockFor(clientID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.perClient[clientID]
	if !ok {
		l = &sync.Mutex{}
		r.perClient[clientID] = l
	}
	return l
}

// Apply applies every change in order inside a single transaction,
// assigning a fresh server LSN to each and resolving conflicts by
// comparing the change's own updated_at against whatever row is
// already on the server. A change whose primary key is unresolvable
// or whose table is unregistered is a fatal outcome for the whole
// batch. A stale write — one superseded by a concurrently applied,
// newer-timestamped row — is reported as a whole-batch failure too,
// so the caller's outbox records it as a rejected change rather than
// silently dropping it.
func (r *Receiver) Apply(ctx context.Context, clientID string, changes []protocol.Change) (applied []protocol.AppliedChange, success bool, errMsg string) {
	clientLock := r.lockFor(clientID)
	clientLock.Lock()
	defer clientLock.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "inbound: begin transaction").Error()
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	applied = make([]protocol.AppliedChange, 0, len(changes))
	now := r.clock()

	for i, change := range changes {
		desc, err := tables.Get(change.Table)
		if err != nil {
			return nil, false, err.Error()
		}

		ts := change.UpdatedAt
		if ts == 0 {
			ts = now
		}

		assigned := r.lsns.Next()
		wrote, err := applyOne(ctx, tx, desc, change, ts)
		if err != nil {
			log.WithError(err).WithField("table", change.Table).Warn("inbound: failed to apply client change")
			return nil, false, errors.Wrapf(err, "applying change %d", i).Error()
		}
		if !wrote {
			return nil, false, fmt.Sprintf("change %d rejected: a newer version of %s was already applied", i, change.Table)
		}
		if err := appendJournal(ctx, tx, change.Table, string(change.Operation), change.Data, change.OldData, assigned, ts); err != nil {
			return nil, false, err.Error()
		}

		applied = append(applied, protocol.AppliedChange{
			ChangeID: fmt.Sprintf("%d", i),
			LSN:      assigned,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "inbound: commit").Error()
	}
	return applied, true, ""
}

// applyOne dispatches a single change against tx, reporting whether it
// was actually written. A delete is idempotent and always reports
// true; an insert/update reports false when the LWW comparison in
// upsertPG rejected it as stale.
func applyOne(ctx context.Context, tx *sql.Tx, desc tables.Descriptor, change protocol.Change, ts int64) (bool, error) {
	switch change.Operation {
	case protocol.OpInsert, protocol.OpUpdate:
		return upsertPG(ctx, tx, desc, change, ts)
	case protocol.OpDelete:
		return true, deletePG(ctx, tx, desc, change)
	default:
		return false, errors.Errorf("inbound: unknown operation %q", change.Operation)
	}
}

func upsertPG(ctx context.Context, tx *sql.Tx, desc tables.Descriptor, change protocol.Change, ts int64) (bool, error) {
	var row map[string]any
	if err := json.Unmarshal(change.Data, &row); err != nil {
		return false, errors.Wrapf(err, "decode row for %s", desc.Name)
	}
	row[tables.LWWColumn] = ts

	cols := desc.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}

	updates := make([]string, 0, len(desc.NonKeyColumns()))
	for _, c := range desc.NonKeyColumns() {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s
		WHERE excluded.%s >= %s.%s
	`,
		desc.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(desc.PrimaryKey, ", "), strings.Join(updates, ", "),
		tables.LWWColumn, desc.Name, tables.LWWColumn,
	)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func deletePG(ctx context.Context, tx *sql.Tx, desc tables.Descriptor, change protocol.Change) error {
	var row map[string]any
	if err := json.Unmarshal(change.Identity(), &row); err != nil {
		return errors.Wrapf(err, "decode primary key for %s", desc.Name)
	}

	conds := make([]string, len(desc.PrimaryKey))
	args := make([]any, len(desc.PrimaryKey))
	for i, pk := range desc.PrimaryKey {
		conds[i] = fmt.Sprintf("%s = $%d", pk, i+1)
		args[i] = row[pk]
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, desc.Name, strings.Join(conds, " AND "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
