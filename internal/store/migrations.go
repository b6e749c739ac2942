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

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// MigrationStatus records whether a schema migration has been applied.
// Missing is always recoverable: EnsureMigrationsTable creates the
// table on first need and it is never dropped.
type MigrationStatus struct {
	Name      string
	AppliedAt int64
	Status    string
}

// Statuses used in the migrations_status table.
const (
	MigrationApplied = "applied"
	MigrationFailed  = "failed"
)

// EnsureMigrationsTable creates the migrations_status table if it does
// not already exist. It is safe to call on every session start.
func EnsureMigrationsTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsStatusSchema); err != nil {
		return errors.Wrap(err, "store: ensure migrations_status table")
	}
	return nil
}

// IsApplied reports whether the named migration has a recorded
// "applied" status.
func IsApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var status string
	err := db.QueryRowContext(ctx,
		`SELECT status FROM migrations_status WHERE name = ?`, name,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "store: query migration status for %q", name)
	default:
		return status == MigrationApplied, nil
	}
}

// MarkApplied records a migration as applied at the given unix-millis
// timestamp.
func MarkApplied(ctx context.Context, db *sql.DB, name string, appliedAtMs int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO migrations_status (name, applied_at, status)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET applied_at = excluded.applied_at, status = excluded.status
	`, name, appliedAtMs, MigrationApplied)
	if err != nil {
		return errors.Wrapf(err, "store: mark migration %q applied", name)
	}
	return nil
}

// RequiredForPhase lists the migrations that must be applied before a
// session may proceed in any phase other than initial_sync.
var RequiredForPhase = []string{"001_change_log", "002_migrations_status"}

// CheckRequired returns an error if any migration in RequiredForPhase
// has not been applied. Callers only need to check this when entering
// catchup or live; initial_sync is always permitted so a fresh client
// can bootstrap.
func CheckRequired(ctx context.Context, db *sql.DB) error {
	for _, name := range RequiredForPhase {
		ok, err := IsApplied(ctx, db, name)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("store: required migration %q not applied; session cannot leave initial_sync", name)
		}
	}
	return nil
}
