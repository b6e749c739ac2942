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

// Package client assembles a running sync client: the durable state
// and embedded database, the applier/outbox/chunk-receiver trio a
// session drives, and the supervisor that keeps a session connected.
package client

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible configuration for running a sync
// client.
type Config struct {
	ServerURL    string
	AuthToken    string
	StatePath    string
	DBPath       string
	StartOffline bool
}

// Bind registers flags onto flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.ServerURL,
		"serverURL",
		"",
		"the websocket URL of the sync server's /api/sync endpoint")
	flags.StringVar(
		&c.AuthToken,
		"authToken",
		"",
		"the bearer token to present to the sync server")
	flags.StringVar(
		&c.StatePath,
		"statePath",
		"sync-state.json",
		"path to the client's persisted {clientId, applied_lsn} snapshot")
	flags.StringVar(
		&c.DBPath,
		"dbPath",
		"sync-client.db",
		"path to the client's embedded sqlite database")
	flags.BoolVar(
		&c.StartOffline,
		"startOffline",
		false,
		"start the client with reconnection suspended until set online")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.ServerURL == "" {
		return errors.New("serverURL unset")
	}
	if c.StatePath == "" {
		return errors.New("statePath unset")
	}
	if c.DBPath == "" {
		return errors.New("dbPath unset")
	}
	return nil
}
