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

// Package operator implements the actions behind the client's
// administrative surface: forcing a resync, dropping local state,
// toggling offline mode, and inspecting or retrying records the live
// session couldn't reconcile on its own. It is deliberately
// transport-agnostic; cmd/syncctl maps its subcommands onto these
// actions and binds only client.Config to flags.
package operator

import (
	"context"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/applier"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/supervisor"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
)

// PendingOutbound is one locally originated change still waiting on
// the server's acknowledgement.
type PendingOutbound struct {
	ID        int64
	Table     string
	Operation protocol.Operation
	Attempts  int
}

// PendingFailure is one server-originated change the applier could
// not commit locally.
type PendingFailure struct {
	ID        int64
	Table     string
	Operation protocol.Operation
	Attempts  int
	Error     string
}

// Operator bundles the durable state a running client leaves behind,
// for inspection and repair between sessions.
type Operator struct {
	state      store.StateStore
	changeLog  store.ChangeLog
	applier    *applier.Applier
	supervisor *supervisor.Supervisor

	statePath string
	dbPath    string
}

// New builds an Operator over an already-open client's durable state.
// supervisor may be nil when the operator runs standalone (no live
// client in this process); SetOffline is then a no-op. SetOffline only
// reaches a supervisor running in this same process.
func New(state store.StateStore, changeLog store.ChangeLog, appl *applier.Applier, sup *supervisor.Supervisor, statePath, dbPath string) *Operator {
	return &Operator{state: state, changeLog: changeLog, applier: appl, supervisor: sup, statePath: statePath, dbPath: dbPath}
}

// ResetLSN forces the next session to run a full initial_sync by
// assigning a fresh client identity and zeroing the applied LSN.
func (o *Operator) ResetLSN() error {
	return o.state.Reset()
}

// DropState removes the on-disk state file and embedded database,
// wiping all local progress and pending records. A running client
// must be stopped first; DropState does not coordinate with one.
func (o *Operator) DropState() error {
	if o.statePath != "" {
		if err := os.Remove(o.statePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "operator: remove state file")
		}
	}
	if o.dbPath != "" {
		if err := os.Remove(o.dbPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "operator: remove database file")
		}
	}
	return nil
}

// SetOffline toggles the running supervisor's hard-offline switch. It
// is a no-op if this Operator was built without a supervisor.
func (o *Operator) SetOffline(offline bool) {
	if o.supervisor != nil {
		o.supervisor.SetOffline(offline)
	}
}

// ListPending reports every locally originated change still awaiting
// the server's acknowledgement.
func (o *Operator) ListPending(ctx context.Context) ([]PendingOutbound, error) {
	recs, err := o.changeLog.SelectUnsynced(ctx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "operator: select unsynced")
	}
	out := make([]PendingOutbound, len(recs))
	for i, rec := range recs {
		out[i] = PendingOutbound{ID: rec.ID, Table: rec.Table, Operation: rec.Operation, Attempts: rec.Attempts}
	}
	return out, nil
}

// ListFailed reports every server-originated change the applier has
// recorded as failed, regardless of how many attempts it has made.
func (o *Operator) ListFailed(ctx context.Context) ([]PendingFailure, error) {
	recs, err := o.changeLog.SelectFailed(ctx, math.MaxInt32)
	if err != nil {
		return nil, errors.Wrap(err, "operator: select failed")
	}
	out := make([]PendingFailure, len(recs))
	for i, rec := range recs {
		out[i] = PendingFailure{ID: rec.ID, Table: rec.Table, Operation: rec.Operation, Attempts: rec.Attempts, Error: rec.Error}
	}
	return out, nil
}

// RetryFailed re-attempts every recorded local-application failure
// against the live database. It reports how many of the failures now
// applied cleanly; the rest remain recorded for a future retry.
func (o *Operator) RetryFailed(ctx context.Context) (retried int, stillFailing int, err error) {
	recs, err := o.changeLog.SelectFailed(ctx, math.MaxInt32)
	if err != nil {
		return 0, 0, errors.Wrap(err, "operator: select failed")
	}

	for _, rec := range recs {
		change := protocol.Change{
			Table:     rec.Table,
			Operation: rec.Operation,
			Data:      rec.Data,
			OldData:   rec.OldData,
			LSN:       rec.LSN,
			UpdatedAt: rec.Timestamp,
		}
		result := o.applier.Apply(ctx, []protocol.Change{change})
		switch result {
		case applier.Ok:
			if err := o.changeLog.MarkLocalApplied(ctx, rec.ID); err != nil {
				return retried, stillFailing, errors.Wrap(err, "operator: mark retried record applied")
			}
			retried++
		default:
			stillFailing++
		}
	}
	return retried, stillFailing, nil
}
