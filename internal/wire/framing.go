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

// Package wire implements the framing layer: one JSON object per
// frame, each frame required to carry a `type` and a `messageId`.
// Frames travel as discrete websocket text messages, so the message
// boundary itself supplies the framing that a raw stream would
// otherwise need a byte length-prefix for (see DESIGN.md).
package wire

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
)

// Frame is a parsed-but-not-yet-decoded message: the envelope fields
// needed to dispatch, plus the full raw bytes so the caller can decode
// into the concrete payload type for Type.
type Frame struct {
	Type      protocol.Type
	MessageID string
	Raw       json.RawMessage
}

// Decode unmarshals the frame's raw bytes into dst, which should be a
// pointer to one of the concrete message structs in package protocol.
func (f Frame) Decode(dst any) error {
	if err := json.Unmarshal(f.Raw, dst); err != nil {
		return errors.Wrapf(protocol.ErrFraming, "decoding %s: %v", f.Type, err)
	}
	return nil
}

// Conn wraps a websocket connection with envelope-aware framing,
// including heartbeat-timeout detection.
type Conn struct {
	ws *websocket.Conn

	heartbeatInterval time.Duration

	mu       sync.Mutex
	lastRecv time.Time
}

// NewConn wraps an already-upgraded websocket connection.
// heartbeatInterval configures how often callers are expected to send
// heartbeats (default 5 minutes); IsStale reports a protocol timeout
// once twice that interval has elapsed with no inbound traffic.
func NewConn(ws *websocket.Conn, heartbeatInterval time.Duration) *Conn {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Minute
	}
	return &Conn{ws: ws, heartbeatInterval: heartbeatInterval, lastRecv: time.Now()}
}

// Send marshals msg (which must already carry its own `type` and
// `messageId` via an embedded protocol.Envelope) and writes it as a
// single text frame.
func (c *Conn) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "wire: marshal frame")
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrap(err, "wire: write frame")
	}
	return nil
}

// envelopeProbe extracts just the dispatch fields from a frame without
// committing to a concrete payload type.
type envelopeProbe struct {
	Type      protocol.Type `json:"type"`
	MessageID string        `json:"messageId"`
}

// Recv reads the next frame and parses its envelope. A malformed JSON
// body, a missing `type`, or an unknown type is a framing error and
// must close the connection.
func (c *Conn) Recv(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, errors.Wrap(err, "wire: read frame")
	}

	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()

	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, errors.Wrapf(protocol.ErrFraming, "malformed JSON: %v", err)
	}
	if probe.Type == "" {
		return Frame{}, errors.Wrap(protocol.ErrFraming, "missing `type` field")
	}
	t := protocol.NormalizeType(probe.Type)
	if !protocol.KnownType(t) {
		return Frame{}, errors.Wrapf(protocol.ErrFraming, "unknown type %q", probe.Type)
	}

	return Frame{Type: t, MessageID: probe.MessageID, Raw: data}, nil
}

// IsStale reports whether the connection has gone silent for 2x the
// configured heartbeat interval — the protocol timeout condition.
func (c *Conn) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRecv) > 2*c.heartbeatInterval
}

// HeartbeatInterval returns the configured heartbeat cadence.
func (c *Conn) HeartbeatInterval() time.Duration { return c.heartbeatInterval }

// Close closes the underlying connection with the given protocol
// close code and reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// CloseFraming closes the connection with a framing-error status,
// logging the triggering error for an operator.
func (c *Conn) CloseFraming(err error) error {
	log.WithError(err).Warn("wire: closing connection after framing error")
	return c.Close(websocket.StatusProtocolError, "framing error")
}

