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

// Package session drives one server-side connection through its full
// phase lifecycle: connecting, initial_sync (if the client announces
// applied_lsn 0/0), catchup, and live. Exactly one goroutine processes
// inbound frames in arrival order; a second goroutine only shuttles raw
// frames off the wire so Recv never blocks the session's own writes.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/chunker"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/inbound"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/walsource"
	"github.com/codevibesmatter/vibestack-sub001/internal/tables"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultLivePollInterval bounds how long a live session waits before
// re-checking the wal source for new changes when nothing else woke it.
const DefaultLivePollInterval = 2 * time.Second

// Server drives one client connection. A fresh Server is required per
// connection; it is not safe for concurrent use by multiple goroutines.
type Server struct {
	conn     *wire.Conn
	receiver *inbound.Receiver
	source   walsource.Source

	ChunkTimeout     time.Duration
	LivePollInterval time.Duration
}

// NewServer builds a Server for one accepted connection.
func NewServer(conn *wire.Conn, receiver *inbound.Receiver, source walsource.Source) *Server {
	return &Server{conn: conn, receiver: receiver, source: source}
}

func (s *Server) livePollInterval() time.Duration {
	if s.LivePollInterval <= 0 {
		return DefaultLivePollInterval
	}
	return s.LivePollInterval
}

// Run drives the session to completion: a clean disconnect, a framing
// or protocol error (caller should close with the matching code), or
// ctx stopping. It never returns while the connection is healthy.
func (s *Server) Run(ctx *stopper.Context) error {
	frames := make(chan wire.Frame, 8)
	readErr := make(chan error, 1)
	ctx.Go(func() error {
		for {
			f, err := s.conn.Recv(ctx)
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

	var syncMsg protocol.Sync
	f, err := s.nextFrame(ctx, frames, readErr)
	if err != nil {
		return err
	}
	if f.Type != protocol.TypeSync {
		return errors.Wrapf(protocol.ErrProtocol, "expected sync, got %s", f.Type)
	}
	if err := f.Decode(&syncMsg); err != nil {
		return err
	}
	if err := advance(protocol.PhaseConnecting); err != nil {
		return err
	}

	sender := chunker.NewSender(s.conn, s.ChunkTimeout)
	defer sender.Stop()

	lastLSN := syncMsg.LastLSN
	if lastLSN.IsZero() || syncMsg.ResetSync {
		if err := advance(protocol.PhaseInitialSync); err != nil {
			return err
		}
		if err := s.runInitialSync(ctx, sender, frames, readErr); err != nil {
			return err
		}
		if err := advance(protocol.PhaseCatchup); err != nil {
			return err
		}
	} else {
		if err := advance(protocol.PhaseCatchup); err != nil {
			return err
		}
	}

	finalLSN, err := s.runCatchup(ctx, sender, frames, readErr, lastLSN)
	if err != nil {
		return err
	}

	if err := advance(protocol.PhaseLive); err != nil {
		return err
	}
	return s.runLive(ctx, sender, frames, readErr, syncMsg.ClientID, finalLSN)
}

// nextFrame blocks for the next inbound frame, a read error, or session
// shutdown, whichever comes first.
func (s *Server) nextFrame(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error) (wire.Frame, error) {
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

func (s *Server) runInitialSync(ctx *stopper.Context, sender *chunker.Sender, frames <-chan wire.Frame, readErr <-chan error) error {
	start := protocol.InitStart{
		Envelope:  protocol.Envelope{Type: protocol.TypeInitStart, MessageID: uuid.NewString()},
		ServerLSN: s.source.Current(),
	}
	if err := s.conn.Send(ctx, start); err != nil {
		return errors.Wrap(err, "session: send init_start")
	}

	for _, table := range tables.Names() {
		rows, err := s.source.Snapshot(ctx, table)
		if err != nil {
			return err
		}
		if err := s.sendChunked(ctx, sender, frames, readErr, rows, func(messageID string, seq protocol.Sequence, group []protocol.Change) any {
			return protocol.InitChanges{
				Envelope: protocol.Envelope{Type: protocol.TypeInitChanges, MessageID: messageID},
				Sequence: seq,
				Changes:  group,
			}
		}, s.awaitInitAck); err != nil {
			return err
		}
	}

	complete := protocol.InitComplete{
		Envelope:  protocol.Envelope{Type: protocol.TypeInitComplete, MessageID: uuid.NewString()},
		ServerLSN: s.source.Current(),
	}
	if err := s.conn.Send(ctx, complete); err != nil {
		return errors.Wrap(err, "session: send init_complete")
	}

	for {
		f, err := s.nextFrame(ctx, frames, readErr)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.TypeInitProcessed:
			return nil
		case protocol.TypeHeartbeat:
			continue
		case protocol.TypeDisconnect:
			return errors.Wrap(protocol.ErrProtocol, "client disconnected before init_processed")
		default:
			return errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s awaiting init_processed", f.Type)
		}
	}
}

func (s *Server) runCatchup(ctx *stopper.Context, sender *chunker.Sender, frames <-chan wire.Frame, readErr <-chan error, from lsn.LSN) (lsn.LSN, error) {
	changes, err := s.source.Since(ctx, from, 0)
	if err != nil {
		return lsn.LSN{}, err
	}

	if len(changes) == 0 {
		final := s.source.Current()
		msg := protocol.LiveStart{
			Envelope: protocol.Envelope{Type: protocol.TypeLiveStart, MessageID: uuid.NewString()},
			FinalLSN: final,
		}
		if err := s.conn.Send(ctx, msg); err != nil {
			return lsn.LSN{}, errors.Wrap(err, "session: send live_start")
		}
		return final, nil
	}

	if err := s.sendChunked(ctx, sender, frames, readErr, changes, func(messageID string, seq protocol.Sequence, group []protocol.Change) any {
		return protocol.CatchupChanges{
			Envelope: protocol.Envelope{Type: protocol.TypeCatchupChanges, MessageID: messageID},
			Sequence: seq,
			Changes:  group,
			LastLSN:  chunker.HighestLSN(group),
		}
	}, s.awaitCatchupAck); err != nil {
		return lsn.LSN{}, err
	}

	final := s.source.Current()
	completed := protocol.CatchupCompleted{
		Envelope:    protocol.Envelope{Type: protocol.TypeCatchupCompleted, MessageID: uuid.NewString()},
		FinalLSN:    final,
		ChangeCount: len(changes),
		Success:     true,
	}
	if err := s.conn.Send(ctx, completed); err != nil {
		return lsn.LSN{}, errors.Wrap(err, "session: send catchup_completed")
	}
	return final, nil
}

// sendChunked splits changes into chunker-sized groups, each its own
// chunk-timer-tracked message, sending them in order and blocking on
// awaitAck before moving to the next chunk.
func (s *Server) sendChunked(
	ctx *stopper.Context,
	sender *chunker.Sender,
	frames <-chan wire.Frame,
	readErr <-chan error,
	changes []protocol.Change,
	build func(messageID string, seq protocol.Sequence, group []protocol.Change) any,
	awaitAck func(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error, sender *chunker.Sender, messageID string, chunk int) error,
) error {
	groups, total := chunker.Chunks(changes)
	for i, group := range groups {
		chunkNum := i + 1
		messageID := uuid.NewString()
		msg := build(messageID, chunker.BuildSequence(chunkNum, total), group)
		if err := sender.Send(ctx, messageID, chunkNum, msg); err != nil {
			return errors.Wrap(err, "session: send chunk")
		}
		if err := awaitAck(ctx, frames, readErr, sender, messageID, chunkNum); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) awaitInitAck(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error, sender *chunker.Sender, messageID string, chunk int) error {
	for {
		select {
		case f := <-frames:
			switch f.Type {
			case protocol.TypeInitReceived:
				var ack protocol.InitReceived
				if err := f.Decode(&ack); err != nil {
					return err
				}
				if f.MessageID == messageID && ack.Chunk == chunk {
					sender.Ack(messageID, chunk)
					return nil
				}
				// An ack for an earlier, already-acked chunk; discard.
			case protocol.TypeHeartbeat:
			case protocol.TypeDisconnect:
				return errors.Wrap(protocol.ErrProtocol, "client disconnected during initial sync")
			default:
				return errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s awaiting init ack", f.Type)
			}
		case err := <-readErr:
			return err
		case ev := <-sender.Timeouts():
			if ev.MessageID == messageID && ev.Chunk == chunk {
				return errors.Wrapf(protocol.ErrProtocol, "chunk %d of %s timed out waiting for ack", chunk, messageID)
			}
		case <-ctx.Stopping():
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) awaitCatchupAck(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error, sender *chunker.Sender, messageID string, chunk int) error {
	for {
		select {
		case f := <-frames:
			switch f.Type {
			case protocol.TypeCatchupReceived:
				var ack protocol.CatchupReceived
				if err := f.Decode(&ack); err != nil {
					return err
				}
				if f.MessageID == messageID && ack.Chunk == chunk {
					sender.Ack(messageID, chunk)
					return nil
				}
			case protocol.TypeHeartbeat:
			case protocol.TypeDisconnect:
				return errors.Wrap(protocol.ErrProtocol, "client disconnected during catchup")
			default:
				return errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s awaiting catchup ack", f.Type)
			}
		case err := <-readErr:
			return err
		case ev := <-sender.Timeouts():
			if ev.MessageID == messageID && ev.Chunk == chunk {
				return errors.Wrapf(protocol.ErrProtocol, "chunk %d of %s timed out waiting for ack", chunk, messageID)
			}
		case <-ctx.Stopping():
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) awaitLiveAck(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error, sender *chunker.Sender, messageID string, chunk int, clientID string) error {
	for {
		select {
		case f := <-frames:
			switch f.Type {
			case protocol.TypeChangesReceived:
				if f.MessageID == messageID {
					sender.Ack(messageID, chunk)
					return nil
				}
			case protocol.TypeHeartbeat:
			case protocol.TypeDisconnect:
				return errors.Wrap(protocol.ErrProtocol, "client disconnected during live streaming")
			case protocol.TypeSendChanges, protocol.TypeChangesApplied:
				// The client's own outbound traffic is independent of
				// the chunk this call is waiting on; service it inline
				// and keep waiting for the ack.
				if _, err := s.handleLiveFrame(ctx, f, clientID); err != nil {
					return err
				}
			default:
				return errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s awaiting live ack", f.Type)
			}
		case err := <-readErr:
			return err
		case ev := <-sender.Timeouts():
			if ev.MessageID == messageID && ev.Chunk == chunk {
				return errors.Wrapf(protocol.ErrProtocol, "chunk %d of %s timed out waiting for ack", chunk, messageID)
			}
		case <-ctx.Stopping():
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runLive streams new wal-sourced changes as they appear (polled on a
// fixed interval) while concurrently servicing inbound client frames:
// send_changes (the client's own outbound queue), heartbeat, and
// disconnect.
func (s *Server) runLive(ctx *stopper.Context, sender *chunker.Sender, frames <-chan wire.Frame, readErr <-chan error, clientID string, lastLSN lsn.LSN) error {
	pollTimer := time.NewTimer(s.livePollInterval())
	defer pollTimer.Stop()
	stale := time.NewTicker(s.conn.HeartbeatInterval())
	defer stale.Stop()

	for {
		select {
		case f := <-frames:
			done, err := s.handleLiveFrame(ctx, f, clientID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case err := <-readErr:
			return err
		case <-stale.C:
			if s.conn.IsStale() {
				return errors.Wrap(protocol.ErrFraming, "session: no traffic from client for 2x heartbeat interval")
			}
		case ev := <-sender.Timeouts():
			return errors.Wrapf(protocol.ErrProtocol, "live chunk %d of %s timed out", ev.Chunk, ev.MessageID)
		case <-pollTimer.C:
			next, err := s.source.Since(ctx, lastLSN, 0)
			if err != nil {
				return err
			}
			if len(next) > 0 {
				if err := s.sendChunked(ctx, sender, frames, readErr, next, func(messageID string, seq protocol.Sequence, group []protocol.Change) any {
					return protocol.LiveChanges{
						Envelope: protocol.Envelope{Type: protocol.TypeLiveChanges, MessageID: messageID},
						Sequence: seq,
						Changes:  group,
						LastLSN:  chunker.HighestLSN(group),
					}
				}, func(ctx *stopper.Context, frames <-chan wire.Frame, readErr <-chan error, sender *chunker.Sender, messageID string, chunk int) error {
					return s.awaitLiveAck(ctx, frames, readErr, sender, messageID, chunk, clientID)
				}); err != nil {
					return err
				}
				lastLSN = chunker.HighestLSN(next)
			}
			pollTimer.Reset(s.livePollInterval())
		case <-ctx.Stopping():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) handleLiveFrame(ctx *stopper.Context, f wire.Frame, clientID string) (done bool, err error) {
	switch f.Type {
	case protocol.TypeSendChanges:
		var msg protocol.SendChanges
		if err := f.Decode(&msg); err != nil {
			return false, err
		}
		return false, s.handleSendChanges(ctx, f.MessageID, clientID, msg)
	case protocol.TypeHeartbeat:
		ack := protocol.Heartbeat{Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, MessageID: uuid.NewString()}}
		return false, s.conn.Send(ctx, ack)
	case protocol.TypeDisconnect:
		return true, nil
	case protocol.TypeChangesApplied:
		// Informational: the client confirms it durably applied a
		// live_changes chunk. No server-side action is required since
		// the chunk already advanced past its ACK timer.
		return false, nil
	default:
		return false, errors.Wrapf(protocol.ErrProtocol, "unexpected frame %s during live", f.Type)
	}
}

func (s *Server) handleSendChanges(ctx *stopper.Context, messageID, clientID string, msg protocol.SendChanges) error {
	ids := make([]string, len(msg.Changes))
	for i := range msg.Changes {
		ids[i] = fmt.Sprintf("%d", i)
	}
	received := protocol.ChangesReceivedServer{
		Envelope:  protocol.Envelope{Type: protocol.TypeChangesReceived, MessageID: messageID},
		ChangeIDs: ids,
	}
	if err := s.conn.Send(ctx, received); err != nil {
		return errors.Wrap(err, "session: send changes_received")
	}

	applied, success, errMsg := s.receiver.Apply(ctx, clientID, msg.Changes)
	result := protocol.ChangesApplied{
		Envelope:       protocol.Envelope{Type: protocol.TypeChangesApplied, MessageID: messageID},
		AppliedChanges: applied,
		Success:        success,
		Error:          errMsg,
	}
	if err := s.conn.Send(ctx, result); err != nil {
		return errors.Wrap(err, "session: send changes_applied")
	}
	return nil
}

