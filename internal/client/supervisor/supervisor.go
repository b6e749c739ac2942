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

// Package supervisor owns the client's connection lifecycle: dial, run
// one session to completion, wait out a jittered interval, repeat.
// It never retries faster than the configured interval and never grows
// a backoff; a hard-offline toggle suspends reconnect attempts without
// tearing down the supervisor goroutine itself.
package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/client/metrics"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/notify"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

// DefaultReconnectInterval is the fixed wait between a session ending
// and the next dial attempt, before jitter.
const DefaultReconnectInterval = 30 * time.Second

// JitterFraction bounds the reconnect interval's random spread: the
// actual wait is uniformly distributed in
// [interval*(1-JitterFraction), interval*(1+JitterFraction)].
const JitterFraction = 0.10

// Dialer opens a fresh transport connection for one session attempt.
type Dialer func(ctx context.Context) (*wire.Conn, error)

// RunSession drives conn through exactly one session's lifetime and
// reports the outcome. The supervisor does not interpret the error; it
// only decides whether and when to try again.
type RunSession func(ctx *stopper.Context, conn *wire.Conn) error

// Supervisor dials, runs, and redials a client session, forever, until
// ctx stops or is permanently taken offline.
type Supervisor struct {
	dial Dialer
	run  RunSession

	ReconnectInterval time.Duration

	offline notify.Var[bool]
	status  notify.Var[bool] // true once a session is live
}

// New builds a Supervisor that dials with dial and drives each
// connection with run.
func New(dial Dialer, run RunSession) *Supervisor {
	return &Supervisor{dial: dial, run: run}
}

func (s *Supervisor) reconnectInterval() time.Duration {
	if s.ReconnectInterval <= 0 {
		return DefaultReconnectInterval
	}
	return s.ReconnectInterval
}

// jitter returns the reconnect interval spread by ±JitterFraction.
func (s *Supervisor) jitter() time.Duration {
	base := s.reconnectInterval()
	spread := float64(base) * JitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(offset)
}

// SetOffline toggles the hard-offline switch. Going offline does not
// interrupt a session already in progress; it only suspends the next
// reconnect attempt until SetOffline(false) is called.
func (s *Supervisor) SetOffline(offline bool) {
	s.offline.Set(offline)
}

// Offline reports the current hard-offline state.
func (s *Supervisor) Offline() bool {
	v, _ := s.offline.Get()
	return v
}

// Status reports whether a session is currently live, and a channel
// that closes the next time that changes.
func (s *Supervisor) Status() (bool, <-chan struct{}) {
	return s.status.Get()
}

// Run dials and drives sessions until ctx stops. It never returns a
// non-nil error for an ordinary reconnect; it only returns once ctx
// signals shutdown.
func (s *Supervisor) Run(ctx *stopper.Context) error {
	for {
		if s.Offline() {
			if err := s.waitUntilOnline(ctx); err != nil {
				return nil
			}
		}

		metrics.ReconnectAttempts.Inc()
		conn, err := s.dial(ctx)
		if err != nil {
			metrics.ReconnectFailures.Inc()
			log.WithError(err).Warn("supervisor: dial failed")
			if !s.sleep(ctx, s.jitter()) {
				return nil
			}
			continue
		}

		s.status.Set(true)
		start := time.Now()
		runErr := s.run(ctx, conn)
		metrics.SessionDurations.Observe(time.Since(start).Seconds())
		s.status.Set(false)
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")

		if runErr != nil {
			log.WithError(runErr).Warn("supervisor: session ended")
		}

		select {
		case <-ctx.Stopping():
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if !s.sleep(ctx, s.jitter()) {
			return nil
		}
	}
}

// waitUntilOnline blocks until SetOffline(false) or ctx stops. It
// returns an error only when ctx stopped first.
func (s *Supervisor) waitUntilOnline(ctx *stopper.Context) error {
	for {
		offline, changed := s.offline.Get()
		if !offline {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Stopping():
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sleep waits for d or an early shutdown signal, reporting false if
// shutdown arrived first.
func (s *Supervisor) sleep(ctx *stopper.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Stopping():
		return false
	case <-ctx.Done():
		return false
	}
}
