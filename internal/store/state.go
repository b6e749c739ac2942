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

// Package store provides the client-side durable state: the
// {clientId, applied_lsn} snapshot file, and the change_log /
// migrations_status tables in the client's embedded SQL engine.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

// Snapshot is the on-disk shape of the client's persisted
// identity/progress.
type Snapshot struct {
	ClientID   string  `json:"clientId"`
	AppliedLSN lsn.LSN `json:"applied_lsn"`
	Timestamp  int64   `json:"timestamp"`
}

// StateStore is the durable per-client state: a write-once client
// identity and a monotonic applied LSN.
type StateStore interface {
	// ClientID returns the persisted client identity, assigning and
	// persisting a new one on first use.
	ClientID() string

	// AppliedLSN returns the last LSN durably applied by this client.
	AppliedLSN() lsn.LSN

	// AdvanceLSN persists a new applied LSN. It is an error to regress
	// except via Reset.
	AdvanceLSN(newLSN lsn.LSN) error

	// Reset forces the next session to run a full initial_sync: it
	// assigns a fresh client identity and resets applied_lsn to zero.
	Reset() error
}

// clock is overridden in tests so Snapshot.Timestamp is deterministic.
var clock = func() int64 { return time.Now().UnixMilli() }

// FileStateStore persists a Snapshot as a JSON file, rewritten
// atomically (temp file + rename) after every LSN advance. A file that
// fails to parse is backed up and the store silently restarts from
// 0/0 with a freshly assigned client id — the next session is
// therefore a full initial_sync.
type FileStateStore struct {
	path string

	mu   sync.Mutex
	snap Snapshot
}

var _ StateStore = (*FileStateStore)(nil)

// OpenFileStateStore loads (or initializes) the snapshot file at path.
func OpenFileStateStore(path string) (*FileStateStore, error) {
	s := &FileStateStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var snap Snapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			if backupErr := s.backupCorrupt(data); backupErr != nil {
				return nil, errors.Wrap(backupErr, "store: backing up corrupt state file")
			}
			s.snap = s.fresh()
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		s.snap = snap
	case os.IsNotExist(err):
		s.snap = s.fresh()
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(err, "store: reading state file")
	}

	return s, nil
}

func (s *FileStateStore) fresh() Snapshot {
	return Snapshot{
		ClientID:   uuid.NewString(),
		AppliedLSN: lsn.Zero,
		Timestamp:  clock(),
	}
}

func (s *FileStateStore) backupCorrupt(data []byte) error {
	backupPath := s.path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
	return os.WriteFile(backupPath, data, 0o600)
}

// ClientID implements StateStore.
func (s *FileStateStore) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.ClientID
}

// AppliedLSN implements StateStore.
func (s *FileStateStore) AppliedLSN() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.AppliedLSN
}

// AdvanceLSN implements StateStore.
func (s *FileStateStore) AdvanceLSN(newLSN lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lsn.Less(newLSN, s.snap.AppliedLSN) {
		return errors.Errorf("store: refusing to regress applied_lsn from %s to %s", s.snap.AppliedLSN, newLSN)
	}
	s.snap.AppliedLSN = newLSN
	s.snap.Timestamp = clock()
	return s.persistLocked()
}

// Reset implements StateStore.
func (s *FileStateStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = s.fresh()
	return s.persistLocked()
}

// persistLocked rewrites the snapshot file atomically. Callers must
// hold s.mu.
func (s *FileStateStore) persistLocked() error {
	data, err := json.Marshal(s.snap)
	if err != nil {
		return errors.Wrap(err, "store: marshal snapshot")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return errors.Wrap(err, "store: create temp state file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "store: write temp state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "store: close temp state file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "store: rename temp state file into place")
	}
	return nil
}
