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

// Package metrics holds the client's prometheus instrumentation as a
// leaf package: chunkrecv, outbox, and supervisor all import it
// directly rather than a shared "client" package, the same
// import-cycle-avoidance reason internal/util/notify and
// internal/util/stopper live below everything that uses them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconnectBuckets = []float64{.1, .5, 1, 5, 10, 30, 60, 300}

var (
	// ChunksReceived counts inbound chunk messages by kind
	// (init/catchup/live) before dedup is applied.
	ChunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_client_chunks_received_total",
		Help: "the number of chunk messages received from the server, by kind",
	}, []string{"kind"})

	// DuplicateChunks counts chunks seen more than once in a session,
	// the normal and expected cost of at-least-once chunk delivery.
	DuplicateChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_client_duplicate_chunks_total",
		Help: "the number of chunk messages that were already acknowledged this session, by kind",
	}, []string{"kind"})

	// AcksSent counts acknowledgements sent back to the server, by
	// kind, regardless of whether the chunk was a duplicate.
	AcksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_client_acks_sent_total",
		Help: "the number of chunk acknowledgements sent to the server, by kind",
	}, []string{"kind"})

	// OutboxBatchesSent counts send_changes messages emitted by the
	// outbox drainer.
	OutboxBatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_client_outbox_batches_sent_total",
		Help: "the number of send_changes batches sent to the server",
	})

	// ChangesRetried counts individual change-log rows whose attempt
	// count was incremented after a failed batch.
	ChangesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_client_changes_retried_total",
		Help: "the number of locally originated changes that were retried after a failed batch",
	})

	// ReconnectAttempts counts every dial the supervisor makes,
	// including the first connection of a run.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_client_reconnect_attempts_total",
		Help: "the number of times the supervisor dialed the sync server",
	})

	// ReconnectFailures counts dials that returned an error.
	ReconnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_client_reconnect_failures_total",
		Help: "the number of supervisor dial attempts that failed",
	})

	// SessionDurations tracks how long each session ran before ending,
	// the client-side counterpart to the server's sessionDurations.
	SessionDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_client_session_duration_seconds",
		Help:    "the length of time a session ran before ending or disconnecting",
		Buckets: reconnectBuckets,
	})
)
