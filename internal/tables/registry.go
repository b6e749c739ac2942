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

// Package tables is a compile-time registry of the domain tables this
// replica schema knows how to replicate. It replaces the source's
// reflection-based, string-keyed table dispatch: an unknown table name
// is a framing error, not a value silently dropped on the floor.
package tables

import "github.com/pkg/errors"

// LWWColumn is the column every registered table uses to break
// conflicting concurrent writes: the row with the greater value wins.
const LWWColumn = "updated_at"

// Descriptor describes a replicated table: its name, primary-key
// columns (in declaration order) and its full column set (which
// always includes LWWColumn).
type Descriptor struct {
	Name       string
	PrimaryKey []string
	Columns    []string
}

// IsPrimaryKey reports whether col is part of the table's primary key.
func (d Descriptor) IsPrimaryKey(col string) bool {
	for _, pk := range d.PrimaryKey {
		if pk == col {
			return true
		}
	}
	return false
}

// NonKeyColumns returns Columns minus PrimaryKey, in declaration order.
func (d Descriptor) NonKeyColumns() []string {
	out := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if !d.IsPrimaryKey(c) {
			out = append(out, c)
		}
	}
	return out
}

// ErrUnknownTable is returned by Get when a Change names a table this
// replica was not built to understand.
var ErrUnknownTable = errors.New("tables: unknown table")

var registry = map[string]Descriptor{
	"users": {
		Name:       "users",
		PrimaryKey: []string{"id"},
		Columns:    []string{"id", "email", "display_name", "updated_at"},
	},
	"tasks": {
		Name:       "tasks",
		PrimaryKey: []string{"id"},
		Columns:    []string{"id", "user_id", "title", "done", "updated_at"},
	},
}

// Get looks up the descriptor for a table name. It returns
// ErrUnknownTable if the table was never registered.
func Get(name string) (Descriptor, error) {
	d, ok := registry[name]
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrUnknownTable, "%q", name)
	}
	return d, nil
}

// Names returns every registered table name, in a stable order. Used
// by the server to drive the initial-sync snapshot table-by-table.
func Names() []string {
	// Fixed order: callers depend on a stable, repeatable snapshot
	// ordering across restarts.
	return []string{"users", "tasks"}
}
