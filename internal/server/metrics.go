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

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets mirrors internal/staging/stage's histogram buckets: a
// histogram resolution wide enough to cover a single round trip up to
// a stalled minute-scale session.
var latencyBuckets = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60}

var (
	sessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_sessions_accepted_total",
		Help: "the number of client connections accepted on /api/sync",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_sessions_active",
		Help: "the number of client sessions currently in the live phase or earlier",
	})
	sessionDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_session_duration_seconds",
		Help:    "the length of time a client session ran before ending",
		Buckets: latencyBuckets,
	})
	sessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_session_errors_total",
		Help: "the number of sessions that ended with a non-nil error, by phase",
	}, []string{"phase"})
	replicationInitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_replication_init_requests_total",
		Help: "the number of POST /api/replication/init requests, by outcome",
	}, []string{"outcome"})
)
