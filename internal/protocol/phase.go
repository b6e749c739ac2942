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

package protocol

import "github.com/pkg/errors"

// Phase is a session's position in the sync lifecycle, shared by the
// server and client state machines so the two sides can never drift
// into inconsistent vocabularies.
type Phase string

// The five session phases and their allowed transitions.
const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseInitialSync  Phase = "initial_sync"
	PhaseCatchup      Phase = "catchup"
	PhaseLive         Phase = "live"
)

// ErrIllegalTransition is returned by Transition for any edge not in
// the allowed set below.
var ErrIllegalTransition = errors.New("protocol: illegal phase transition")

// allowedTransitions enumerates every edge in the session diagram.
// Equal-to-equal (re-entering the same phase) is never allowed; each
// phase change is a distinct, deliberate event.
var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseDisconnected: {
		PhaseConnecting: true, // reconnect
	},
	PhaseConnecting: {
		PhaseInitialSync:  true, // open ok, applied_lsn == 0/0
		PhaseCatchup:      true, // open ok, has_lsn
		PhaseLive:         true, // open ok, has_lsn, server has nothing newer
		PhaseDisconnected: true, // close before handshake completes
	},
	PhaseInitialSync: {
		PhaseCatchup:      true, // init_complete
		PhaseDisconnected: true, // close
	},
	PhaseCatchup: {
		PhaseLive:         true, // catchup_completed
		PhaseDisconnected: true, // close
	},
	PhaseLive: {
		PhaseDisconnected: true, // close
	},
}

// Transition reports whether moving from the receiver to next is a
// legal edge in the session diagram.
func (p Phase) Transition(next Phase) error {
	if allowedTransitions[p][next] {
		return nil
	}
	return errors.Wrapf(ErrIllegalTransition, "%s -> %s", p, next)
}
