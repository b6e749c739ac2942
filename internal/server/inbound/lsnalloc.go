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

package inbound

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

// Marker durably records the latest allocated LSN so a restarted
// server resumes in a generation past it rather than reissuing LSNs a
// client may already hold. watermark.Store satisfies this directly.
type Marker interface {
	Mark(ctx context.Context, at lsn.LSN) error
}

// Allocator hands out strictly increasing LSNs for server-assigned
// writes (both WAL-sourced changes and accepted client mutations
// share one sequence so there is a single total order). Major is the
// server process generation (bumped on restart so LSNs never regress
// across a crash); Minor counts within a generation.
type Allocator struct {
	mu     sync.Mutex
	major  uint32
	minor  uint32
	marker Marker
}

// NewAllocator starts a sequence at the given generation, resuming
// from resumeMinor (typically the highest minor seen in the WAL
// position the server restored from).
func NewAllocator(generation uint32, resumeMinor uint32) *Allocator {
	return &Allocator{major: generation, minor: resumeMinor}
}

// SetMarker wires a backing store that Next reports each freshly
// allocated LSN to, so the next restart's generation bump starts past
// it. Nil (the default) leaves Next a pure in-memory counter, which is
// what tests and the e2e fixture want.
func (a *Allocator) SetMarker(m Marker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marker = m
}

// Next returns the next LSN in sequence, durably marking it through
// the configured Marker in the background so the allocation itself
// never blocks on the watermark store's own round trip.
func (a *Allocator) Next() lsn.LSN {
	a.mu.Lock()
	a.minor++
	next := lsn.LSN{Major: a.major, Minor: a.minor}
	marker := a.marker
	a.mu.Unlock()

	if marker != nil {
		go func() {
			if err := marker.Mark(context.Background(), next); err != nil {
				log.WithError(err).WithField("lsn", next).Warn("inbound: failed to mark watermark")
			}
		}()
	}
	return next
}

// Current returns the most recently allocated LSN without advancing
// the sequence.
func (a *Allocator) Current() lsn.LSN {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lsn.LSN{Major: a.major, Minor: a.minor}
}
