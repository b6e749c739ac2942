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

// Schema declared here for ease of reference, keeping every SQL
// template for a concern in a single file near its query constants.
const changeLogSchema = `
CREATE TABLE IF NOT EXISTS change_log (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  tbl             TEXT    NOT NULL,
  primary_key     TEXT    NOT NULL,
  operation       TEXT    NOT NULL,
  data            TEXT,
  old_data        TEXT,
  timestamp       INTEGER NOT NULL,
  lsn_major       INTEGER,
  lsn_minor       INTEGER,
  processed_local INTEGER NOT NULL DEFAULT 0,
  processed_sync  INTEGER NOT NULL DEFAULT 0,
  from_server     INTEGER NOT NULL DEFAULT 0,
  attempts        INTEGER NOT NULL DEFAULT 0,
  error           TEXT
)`

const changeLogIdentityIndex = `
CREATE INDEX IF NOT EXISTS change_log_identity
  ON change_log (tbl, primary_key, lsn_major, lsn_minor)`

const migrationsStatusSchema = `
CREATE TABLE IF NOT EXISTS migrations_status (
  name       TEXT PRIMARY KEY,
  applied_at INTEGER NOT NULL,
  status     TEXT    NOT NULL
)`
