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

package inbound

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

// journalSchema is the server's append-only record of every accepted
// change, keyed by LSN. A WAL-tail source (internal/server/walsource)
// reads from this table to drive catch-up and live delivery to other
// clients, generalized from a single per-endpoint bookkeeping row to
// one row per change.
const journalSchema = `
CREATE TABLE IF NOT EXISTS change_journal (
  lsn_major  BIGINT NOT NULL,
  lsn_minor  BIGINT NOT NULL,
  tbl        TEXT   NOT NULL,
  operation  TEXT   NOT NULL,
  data       JSONB,
  old_data   JSONB,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (lsn_major, lsn_minor)
)`

// EnsureJournal creates the change_journal table if it does not
// already exist.
func EnsureJournal(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		return errors.Wrap(err, "inbound: ensure change_journal table")
	}
	return nil
}

// EnsureSchema creates whatever tables this Receiver's store needs,
// currently just change_journal. It is the body of the
// /api/replication/init bootstrap endpoint's injected closure.
func (r *Receiver) EnsureSchema(ctx context.Context) error {
	return EnsureJournal(ctx, r.db)
}

func appendJournal(ctx context.Context, tx *sql.Tx, table string, op string, data, oldData json.RawMessage, assigned lsn.LSN, updatedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_journal (lsn_major, lsn_minor, tbl, operation, data, old_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, assigned.Major, assigned.Minor, table, op, nullableJSON(data), nullableJSON(oldData), updatedAt)
	if err != nil {
		return errors.Wrap(err, "inbound: append change_journal row")
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
