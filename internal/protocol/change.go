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

// Package protocol defines the wire vocabulary exchanged between a
// client replica and the server: the Change envelope and every message
// type for row-level mutations.
package protocol

import (
	"encoding/json"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

// Operation is the kind of row-level mutation a Change describes.
type Operation string

// The three operations a Change may carry.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change is a single row-level mutation. Its
// stable identity is (Table, primary key extracted from Data/OldData);
// for a given identity, LSN order on the server is canonical.
type Change struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
	OldData   json.RawMessage `json:"old_data,omitempty"`
	LSN       *lsn.LSN        `json:"lsn,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// Identity returns the row image that carries this change's primary
// key: the post-image (insert/update) when present, else the pre-image
// (delete). The whole image is returned, not only its primary-key
// columns.
func (c Change) Identity() json.RawMessage {
	if len(c.Data) > 0 {
		return c.Data
	}
	return c.OldData
}
