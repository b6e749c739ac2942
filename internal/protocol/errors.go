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

// The error-kind taxonomy. These are sentinels:
// call sites wrap them with errors.Wrap/WithMessage to attach context,
// and callers test with errors.Is.
var (
	// ErrFraming: malformed message or unknown type. Closes the
	// connection; the supervisor reconnects.
	ErrFraming = errors.New("protocol: framing error")

	// ErrProtocol: a semantic violation, e.g. a chunk out of order or
	// an ACK for an unknown chunk. Closes the connection; the
	// supervisor reconnects and logs for an operator.
	ErrProtocol = errors.New("protocol: violation")

	// ErrTransientIO: a network blip or engine contention. Retried
	// with backoff bounded by max_retries.
	ErrTransientIO = errors.New("protocol: transient I/O error")

	// ErrApplierRetryable: the target transaction aborted for a
	// transient reason. Retried the same way as ErrTransientIO.
	ErrApplierRetryable = errors.New("protocol: applier retryable error")

	// ErrApplierFatal: a constraint violation not reconcilable by
	// upsert, or a schema mismatch. Aborts the session; the record is
	// marked failed and surfaced to an operator.
	ErrApplierFatal = errors.New("protocol: applier fatal error")

	// ErrAuth: missing or expired identity. Aborts the session and
	// does not reconnect until the identity is refreshed.
	ErrAuth = errors.New("protocol: authentication error")
)
