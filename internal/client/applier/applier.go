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

// Package applier applies server-originated changes to the client's
// local tables: upsert-by-primary-key with last-writer-wins conflict
// resolution, and idempotent delete.
package applier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
)

// Result is the three-valued outcome of applying a batch, replacing
// exceptions-for-control-flow with an explicit return.
type Result int

const (
	// Ok means every change in the batch was applied and committed.
	Ok Result = iota
	// Retryable means the batch failed for a transient reason and
	// should be retried, subject to MaxRetries.
	Retryable
	// Fatal means the batch cannot succeed as given; it has been
	// rolled back and recorded as failed.
	Fatal
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DefaultMaxRetries is the number of retryable attempts before a batch
// escalates to Fatal.
const DefaultMaxRetries = 3

// Applier applies chunks of server-originated changes to the client's
// local sqlite tables and records them in the change log.
type Applier struct {
	db        *sql.DB
	changeLog store.ChangeLog
	state     store.StateStore

	MaxRetries int
}

// New builds an Applier over an already-open client database.
func New(db *sql.DB, changeLog store.ChangeLog, state store.StateStore) *Applier {
	return &Applier{db: db, changeLog: changeLog, state: state, MaxRetries: DefaultMaxRetries}
}

// Apply executes the batch inside a single transaction, dispatching
// each change on its operation, and on success persists the batch to
// the change log and advances the applied LSN. Retryable errors are
// retried with exponential backoff up to MaxRetries before escalating
// to Fatal.
func (a *Applier) Apply(ctx context.Context, batch []protocol.Change) Result {
	attempt := 0
	backoff := 50 * time.Millisecond
	for {
		result, err := a.applyOnce(ctx, batch)
		if result != Retryable {
			if err != nil {
				log.WithError(err).WithField("result", result).Warn("applier: batch did not apply")
			}
			return result
		}
		attempt++
		if attempt >= a.maxRetries() {
			log.WithError(err).Warn("applier: retries exhausted, escalating to fatal")
			return Fatal
		}
		log.WithError(err).WithField("attempt", attempt).Warn("applier: retryable error, backing off")
		select {
		case <-ctx.Done():
			return Retryable
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (a *Applier) maxRetries() int {
	if a.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return a.MaxRetries
}

func (a *Applier) applyOnce(ctx context.Context, batch []protocol.Change) (Result, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err), errors.Wrap(err, "applier: begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var maxLSN lsn.LSN
	for _, change := range batch {
		if err := applyChange(ctx, tx, change); err != nil {
			result := classify(err)
			if result == Fatal {
				_ = a.markFailed(ctx, change, err)
			}
			return result, err
		}
		if _, err := store.AppendTx(ctx, tx, store.ChangeRecord{
			Table:          change.Table,
			PrimaryKey:     change.Identity(),
			Operation:      change.Operation,
			Data:           change.Data,
			OldData:        change.OldData,
			Timestamp:      change.UpdatedAt,
			LSN:            change.LSN,
			ProcessedLocal: true,
			ProcessedSync:  true,
			FromServer:     true,
		}); err != nil {
			return classify(err), errors.Wrap(err, "applier: append change_log row")
		}
		if change.LSN != nil && lsn.Less(maxLSN, *change.LSN) {
			maxLSN = *change.LSN
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err), errors.Wrap(err, "applier: commit")
	}

	if !maxLSN.IsZero() {
		if err := a.state.AdvanceLSN(maxLSN); err != nil {
			// The sqlite side already committed; a failure here only
			// delays the next catchup window, it does not reapply
			// already-applied rows (AppliedAtOrAbove covers replay).
			log.WithError(err).Error("applier: advance persisted LSN after commit")
		}
	}
	return Ok, nil
}

func (a *Applier) markFailed(ctx context.Context, change protocol.Change, cause error) error {
	id, err := a.changeLog.Append(ctx, store.ChangeRecord{
		Table:      change.Table,
		PrimaryKey: change.Identity(),
		Operation:  change.Operation,
		Data:       change.Data,
		OldData:    change.OldData,
		Timestamp:  change.UpdatedAt,
		LSN:        change.LSN,
		FromServer: true,
		Error:      cause.Error(),
	})
	if err != nil {
		return err
	}
	return a.changeLog.IncrementAttempt(ctx, id, cause.Error())
}

// applyChange dispatches a single change against tx.
func applyChange(ctx context.Context, tx *sql.Tx, change protocol.Change) error {
	desc, err := tables.Get(change.Table)
	if err != nil {
		return errors.Wrap(protocol.ErrApplierFatal, err.Error())
	}

	switch change.Operation {
	case protocol.OpInsert, protocol.OpUpdate:
		return upsert(ctx, tx, desc, change)
	case protocol.OpDelete:
		return deleteRow(ctx, tx, desc, change)
	default:
		return errors.Wrapf(protocol.ErrApplierFatal, "unknown operation %q", change.Operation)
	}
}

func upsert(ctx context.Context, tx *sql.Tx, desc tables.Descriptor, change protocol.Change) error {
	var row map[string]any
	if err := json.Unmarshal(change.Data, &row); err != nil {
		return errors.Wrapf(protocol.ErrApplierFatal, "decode row for %s: %v", desc.Name, err)
	}

	cols := desc.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}

	pkCols := make([]string, len(desc.PrimaryKey))
	copy(pkCols, desc.PrimaryKey)

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
		strings.Join(pkCols, ", "), strings.Join(updates, ", "),
		tables.LWWColumn, desc.Name, tables.LWWColumn,
	)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(classifyErrAsProtocolErr(err), "applier: upsert into %s", desc.Name)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, desc tables.Descriptor, change protocol.Change) error {
	var row map[string]any
	if err := json.Unmarshal(change.Identity(), &row); err != nil {
		return errors.Wrapf(protocol.ErrApplierFatal, "decode primary key for %s: %v", desc.Name, err)
	}

	conds := make([]string, len(desc.PrimaryKey))
	args := make([]any, len(desc.PrimaryKey))
	for i, pk := range desc.PrimaryKey {
		conds[i] = pk + " = ?"
		args[i] = row[pk]
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, desc.Name, strings.Join(conds, " AND "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		// Deleting an absent row is success (idempotent); only a real
		// driver error reaches here.
		return errors.Wrapf(classifyErrAsProtocolErr(err), "applier: delete from %s", desc.Name)
	}
	return nil
}

func classifyErrAsProtocolErr(err error) error {
	if isConstraintViolation(err) {
		return protocol.ErrApplierFatal
	}
	return protocol.ErrApplierRetryable
}

// classify maps a raw error into the three-valued Result, honoring an
// already-wrapped sentinel when call sites set one explicitly.
func classify(err error) Result {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, protocol.ErrApplierFatal):
		return Fatal
	case errors.Is(err, protocol.ErrApplierRetryable):
		return Retryable
	case isConstraintViolation(err):
		return Fatal
	default:
		return Retryable
	}
}

// isConstraintViolation recognizes the sqlite3 driver's error text for
// schema/constraint problems that upsert cannot reconcile.
func isConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named")
}
