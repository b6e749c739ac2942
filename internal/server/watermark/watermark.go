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

// Package watermark tracks the single resolved-LSN mark the server's
// LSN allocator has durably advanced to, so a restarted server knows
// where to resume. It is the single-stream analogue of the per-target-schema
// resolved-timestamp bookkeeping in internal/source/cdc/resolver.go.
package watermark

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

// metaTable is the bookkeeping table name, mirroring resolver.go's
// %[1]s-templated metaTable substitution.
const metaTable = "sync_resolved_lsn"

// markTemplate conditionally inserts a new mark only if there is no
// previous mark or the proposed one is strictly greater, the same
// not-before/to-insert CTE shape as resolver.go's markTemplate,
// generalized from a per-target_schema key to this server's one
// global stream.
const markTemplate = `
WITH
not_before AS (
  SELECT lsn_major, lsn_minor FROM %[1]s
  ORDER BY lsn_major DESC, lsn_minor DESC
  FOR UPDATE
  LIMIT 1),
to_insert AS (
  SELECT $1::INT, $2::INT
  WHERE (SELECT count(*) FROM not_before) = 0
     OR ($1::INT, $2::INT) > (SELECT (lsn_major, lsn_minor) FROM not_before))
INSERT INTO %[1]s (lsn_major, lsn_minor)
SELECT * FROM to_insert`

const selectTemplate = `
SELECT lsn_major, lsn_minor FROM %[1]s
ORDER BY lsn_major DESC, lsn_minor DESC
LIMIT 1`

const createTableTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	lsn_major BIGINT NOT NULL,
	lsn_minor BIGINT NOT NULL,
	marked_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is the resolved-LSN watermark, backed by a pgxpool connection
// to the authoritative store.
type Store struct {
	pool *pgxpool.Pool

	sql struct {
		mark   string
		sel    string
		create string
	}
}

// Open ensures the bookkeeping table exists and returns a Store bound
// to pool.
func Open(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	s.sql.mark = fmt.Sprintf(markTemplate, metaTable)
	s.sql.sel = fmt.Sprintf(selectTemplate, metaTable)
	s.sql.create = fmt.Sprintf(createTableTemplate, metaTable)

	if _, err := pool.Exec(ctx, s.sql.create); err != nil {
		return nil, errors.Wrap(err, "watermark: create bookkeeping table")
	}
	return s, nil
}

// Mark durably records at as the new resolved LSN, a no-op if at is
// not strictly greater than the current mark.
func (s *Store) Mark(ctx context.Context, at lsn.LSN) error {
	tag, err := s.pool.Exec(ctx, s.sql.mark, int64(at.Major), int64(at.Minor))
	if err != nil {
		return errors.Wrap(err, "watermark: mark")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// Current returns the latest resolved LSN, or lsn.Zero if none has
// been marked yet.
func (s *Store) Current(ctx context.Context) (lsn.LSN, error) {
	row := s.pool.QueryRow(ctx, s.sql.sel)
	var major, minor int64
	if err := row.Scan(&major, &minor); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lsn.Zero, nil
		}
		return lsn.Zero, errors.Wrap(err, "watermark: select current")
	}
	return lsn.LSN{Major: uint32(major), Minor: uint32(minor)}, nil
}
