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

// Package chunker is the server-side half of chunked delivery: it
// tracks every chunk sent under a messageId until the client
// acknowledges it, and reports a timeout if an ACK does not arrive in
// time.
package chunker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultChunkTimeout is the time a sent chunk may go unacknowledged
// before the connection is considered stalled.
const DefaultChunkTimeout = 30 * time.Second

var (
	chunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_server_chunks_sent_total",
		Help: "Chunks sent to clients, across all sessions.",
	})
	chunksAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_server_chunks_acked_total",
		Help: "Chunks acknowledged by clients.",
	})
	chunkTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_server_chunk_timeouts_total",
		Help: "Chunks that went unacknowledged past the chunk timeout.",
	})
)

type chunkKey struct {
	messageID string
	chunk     int
}

// TimeoutEvent reports that a chunk went unacknowledged too long. The
// caller must close the connection; the supervisor on the other end
// will reconnect and resume from the client's last acknowledged LSN.
type TimeoutEvent struct {
	MessageID string
	Chunk     int
}

// Sender sends chunked change streams over a wire.Conn and tracks
// outstanding ACKs.
type Sender struct {
	conn    *wire.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[chunkKey]*time.Timer
	timedOut chan TimeoutEvent
}

// NewSender builds a Sender. timeout <= 0 uses DefaultChunkTimeout.
func NewSender(conn *wire.Conn, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}
	return &Sender{
		conn:     conn,
		timeout:  timeout,
		pending:  make(map[chunkKey]*time.Timer),
		timedOut: make(chan TimeoutEvent, 1),
	}
}

// Send writes msg (one chunk of a chunked message) and starts its
// per-chunk ACK timer.
func (s *Sender) Send(ctx context.Context, messageID string, chunk int, msg any) error {
	if err := s.conn.Send(ctx, msg); err != nil {
		return err
	}
	chunksSent.Inc()

	key := chunkKey{messageID, chunk}
	timer := time.AfterFunc(s.timeout, func() { s.onTimeout(key) })

	s.mu.Lock()
	s.pending[key] = timer
	s.mu.Unlock()
	return nil
}

func (s *Sender) onTimeout(key chunkKey) {
	s.mu.Lock()
	_, stillPending := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if !stillPending {
		return
	}
	chunkTimeouts.Inc()
	log.WithFields(log.Fields{"messageId": key.messageID, "chunk": key.chunk}).
		Warn("chunker: chunk ACK timed out, connection will be closed")

	select {
	case s.timedOut <- TimeoutEvent{MessageID: key.messageID, Chunk: key.chunk}:
	default:
		// A timeout was already queued; the session is about to close
		// the connection regardless.
	}
}

// Ack records receipt of an ACK for (messageID, chunk), stopping its
// timer. It returns false if the chunk was not (or is no longer)
// pending — e.g. a duplicate ACK, which callers should discard without
// re-processing.
func (s *Sender) Ack(messageID string, chunk int) bool {
	key := chunkKey{messageID, chunk}

	s.mu.Lock()
	timer, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	timer.Stop()
	chunksAcked.Inc()
	return true
}

// Timeouts returns the channel on which TimeoutEvents are delivered.
func (s *Sender) Timeouts() <-chan TimeoutEvent { return s.timedOut }

// Pending reports how many chunks are still awaiting ACK, for tests
// and diagnostics.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every outstanding timer. Call this once the connection
// is closing so timers don't fire against a dead Sender.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.pending {
		timer.Stop()
		delete(s.pending, key)
	}
}

// BuildSequence is a small helper shared by callers that split a slice
// of changes into fixed-size chunks.
func BuildSequence(chunk, total int) protocol.Sequence {
	return protocol.Sequence{Chunk: chunk, Total: total}
}

// ChunkSize is the default number of changes carried per chunk.
const ChunkSize = 100

// Chunks splits changes into groups of at most ChunkSize, returning
// the total chunk count alongside each group for convenience.
func Chunks(changes []protocol.Change) (groups [][]protocol.Change, total int) {
	if len(changes) == 0 {
		return nil, 0
	}
	for i := 0; i < len(changes); i += ChunkSize {
		end := i + ChunkSize
		if end > len(changes) {
			end = len(changes)
		}
		groups = append(groups, changes[i:end])
	}
	return groups, len(groups)
}

// HighestLSN returns the greatest LSN among changes, or lsn.Zero if
// changes is empty or carries no LSNs.
func HighestLSN(changes []protocol.Change) lsn.LSN {
	var max lsn.LSN
	for _, c := range changes {
		if c.LSN != nil && lsn.Less(max, *c.LSN) {
			max = *c.LSN
		}
	}
	return max
}
