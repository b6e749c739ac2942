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

// Package session drives one client-side connection through its full
// phase lifecycle. The server decides the shape of the handshake
// (whether initial_sync runs at all, whether catchup has any backlog),
// so the client side is a single dispatch loop keyed on the frame type
// it receives rather than a sequence of blocking awaits.
package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/applier"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/chunkrecv"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/outbox"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/store"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultHeartbeatInterval bounds how long a live session goes without
// announcing itself to the server.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultDrainInterval bounds how long locally originated changes sit
// unsent in the outbox before the next drain attempt.
const DefaultDrainInterval = 1 * time.Second

// Client drives one connection to the server. A fresh Client is
// required per reconnect; it is not safe for concurrent use.
type Client struct {
	conn    *wire.Conn
	db      *sql.DB
	state   store.StateStore
	chunks  *chunkrecv.Receiver
	applier *applier.Applier
	drainer *outbox.Drainer

	HeartbeatInterval time.Duration
	DrainInterval     time.Duration
}

// New builds a Client for one connection attempt. db is the client's
// own embedded database, consulted once at the start of Run to refuse
// resuming in catchup or live if a required migration is missing.
func New(conn *wire.Conn, db *sql.DB, state store.StateStore, chunks *chunkrecv.Receiver, appl *applier.Applier, drainer *outbox.Drainer) *Client {
	return &Client{conn: conn, db: db, state: state, chunks: chunks, applier: appl, drainer: drainer}
}

func (c *Client) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return c.HeartbeatInterval
}

func (c *Client) drainInterval() time.Duration {
	if c.DrainInterval <= 0 {
		return DefaultDrainInterval
	}
	return c.DrainInterval
}

// Run drives the session to completion: a clean disconnect, a framing
// or protocol error, or ctx stopping.
func (c *Client) Run(ctx *stopper.Context) error {
	frames := make(chan wire.Frame, 8)
	readErr := make(chan error, 1)
	ctx.Go(func() error {
		for {
			f, err := c.conn.Recv(ctx)
			if err != nil {
				readErr <- err
				return nil
			}
			select {
			case frames <- f:
			case <-ctx.Stopping():
				return nil
			}
		}
	})

	phase := protocol.PhaseDisconnected
	advance := func(next protocol.Phase) error {
		if err := phase.Transition(next); err != nil {
			return err
		}
		phase = next
		return nil
	}

	lastLSN := c.state.AppliedLSN()
	if !lastLSN.IsZero() {
		// A nonzero applied_lsn means this session will skip
		// initial_sync and resume directly in catchup; refuse before
		// ever announcing that LSN if a required migration is missing.
		if err := store.CheckRequired(ctx, c.db); err != nil {
			return err
		}
	}

	sync := protocol.Sync{
		Envelope: protocol.Envelope{Type: protocol.TypeSync, MessageID: uuid.NewString()},
		ClientID: c.state.ClientID(),
		LastLSN:  lastLSN,
	}
	if err := c.conn.Send(ctx, sync); err != nil {
		return errors.Wrap(err, "session: send sync")
	}
	if err := advance(protocol.PhaseConnecting); err != nil {
		return err
	}

	for {
		f, err := c.nextFrame(ctx, frames, readErr)
		if err != nil {
			return err
		}

		switch f.Type {
		case protocol.TypeInitStart:
			if err := advance(protocol.PhaseInitialSync); err != nil {
				return err
			}

		case protocol.TypeInitChanges:
			var msg protocol.InitChanges
			if err := f.Decode(&msg); err != nil {
				return err
			}
			if err := c.applyBatch(ctx, msg.Changes); err != nil {
				return err
			}
			if _, err := c.chunks.ReceiveInit(ctx, msg); err != nil {
				return err
			}

		case protocol.TypeInitComplete:
			var msg protocol.InitComplete
			if err := f.Decode(&msg); err != nil {
				return err
			}
			if !msg.ServerLSN.IsZero() {
				if err := c.state.AdvanceLSN(msg.ServerLSN); err != nil {
					return errors.Wrap(err, "session: advance LSN from init_complete")
				}
			}
			done := protocol.InitProcessed{
				Envelope: protocol.Envelope{Type: protocol.TypeInitProcessed, MessageID: uuid.NewString()},
			}
			if err := c.conn.Send(ctx, done); err != nil {
				return errors.Wrap(err, "session: send init_processed")
			}
			if phase == protocol.PhaseInitialSync {
				if err := advance(protocol.PhaseCatchup); err != nil {
					return err
				}
			}

		case protocol.TypeCatchupChanges:
			if phase == protocol.PhaseConnecting {
				if err := advance(protocol.PhaseCatchup); err != nil {
					return err
				}
			}
			var msg protocol.CatchupChanges
			if err := f.Decode(&msg); err != nil {
				return err
			}
			if err := c.applyBatch(ctx, msg.Changes); err != nil {
				return err
			}
			if _, err := c.chunks.ReceiveCatchup(ctx, msg); err != nil {
				return err
			}

		case protocol.TypeCatchupCompleted:
			// catchup_completed ends a catchup that carried a backlog; the
			// server sends live_start instead only when there was none.
			if err := advance(protocol.PhaseLive); err != nil {
				return err
			}
			return c.runLive(ctx, frames, readErr)

		case protocol.TypeLiveStart:
			if err := advance(protocol.PhaseLive); err != nil {
				return err
			}
			return c.runLive(ctx, frames, readErr)

		case protocol.TypeHeartbeat:
			// A heartbeat before live is just a liveness check; nothing
			// to reply with yet since ClientHeartbeat carries our LSN,
			// which hasn't changed.

		case protocol.TypeError:
			var msg protocol.ErrorMessage
			if err := f.Decode(&msg); err != nil {
				return err
			}
			return errors.Wrapf(protocol.ErrProtocol, "server error %s: %s", msg.Code, msg.Message)

		case protocol.TypeDisconnect:
			return nil

		default:
			return errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s before live", f.Type)
		}
	}
}

func (c *Client) nextFrame(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error) (wire.Frame, error) {
	select {
	case f := <-frames:
		return f, nil
	case err := <-readErr:
		return wire.Frame{}, err
	case <-ctx.Stopping():
		return wire.Frame{}, context.Canceled
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// applyBatch commits changes to local tables before the chunk is
// acknowledged. A Fatal result ends the session with an error wrapping
// protocol.ErrApplierFatal, so the chunk is never acked and the applied
// LSN does not advance past it; the offending rows are recorded by the
// applier's own failure bookkeeping. Retryable already exhausts its own
// backoff inside Apply.
func (c *Client) applyBatch(ctx context.Context, changes []protocol.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if result := c.applier.Apply(ctx, changes); result == applier.Fatal {
		log.WithField("count", len(changes)).Warn("session: batch applied fatally, ending session")
		return errors.Wrapf(protocol.ErrApplierFatal, "session: batch of %d changes failed to apply", len(changes))
	}
	return nil
}

// runLive services the live phase: inbound live_changes/lsn_update/
// changes_received/changes_applied/heartbeat/disconnect frames, a
// heartbeat ticker, and an outbox drain ticker, all on one loop so
// nothing but this goroutine touches the connection or local state.
func (c *Client) runLive(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error) error {
	heartbeat := time.NewTicker(c.heartbeatInterval())
	defer heartbeat.Stop()
	drain := time.NewTicker(c.drainInterval())
	defer drain.Stop()
	stale := time.NewTicker(c.conn.HeartbeatInterval())
	defer stale.Stop()

	for {
		select {
		case f := <-frames:
			done, err := c.handleLiveFrame(ctx, f)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case err := <-readErr:
			return err
		case <-stale.C:
			if c.conn.IsStale() {
				return errors.Wrap(protocol.ErrFraming, "session: no traffic from server for 2x heartbeat interval")
			}
		case <-heartbeat.C:
			msg := protocol.ClientHeartbeat{
				Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, MessageID: uuid.NewString()},
				LSN:      c.state.AppliedLSN(),
				Active:   true,
			}
			if err := c.conn.Send(ctx, msg); err != nil {
				return errors.Wrap(err, "session: send heartbeat")
			}
		case <-drain.C:
			if _, err := c.drainer.DrainOnce(ctx); err != nil {
				return err
			}
		case <-ctx.Stopping():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) handleLiveFrame(ctx *stopper.Context, f wire.Frame) (done bool, err error) {
	switch f.Type {
	case protocol.TypeLiveChanges:
		var msg protocol.LiveChanges
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		if err := c.applyBatch(ctx, msg.Changes); err != nil {
			return false, err
		}
		if _, err := c.chunks.ReceiveLive(ctx, msg); err != nil {
			return false, err
		}
		return false, nil

	case protocol.TypeLSNUpdate:
		var msg protocol.LSNUpdate
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		if msg.LSN.IsZero() {
			return false, nil
		}
		if err := c.state.AdvanceLSN(msg.LSN); err != nil {
			return false, errors.Wrap(err, "session: advance LSN from lsn_update")
		}
		return false, nil

	case protocol.TypeChangesReceived:
		var msg protocol.ChangesReceivedServer
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		c.drainer.HandleReceived(msg)
		return false, nil

	case protocol.TypeChangesApplied:
		var msg protocol.ChangesApplied
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		return false, c.drainer.HandleApplied(ctx, msg)

	case protocol.TypeHeartbeat:
		return false, nil

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		return false, errors.Wrapf(protocol.ErrProtocol, "server error %s: %s", msg.Code, msg.Message)

	case protocol.TypeDisconnect:
		return true, nil

	default:
		return false, errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s during live", f.Type)
	}
}
