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
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible configuration for running a sync
// server.
type Config struct {
	BindAddr      string
	PostgresURL   string
	DisableAuth   bool
	AuthToken     string
	TLSCertFile   string
	TLSPrivateKey string
}

// Bind registers flags onto flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.BindAddr,
		"bindAddr",
		":26260",
		"the network address to bind to")
	flags.StringVar(
		&c.PostgresURL,
		"postgresURL",
		"",
		"the connection string for the authoritative Postgres store")
	flags.BoolVar(
		&c.DisableAuth,
		"disableAuthentication",
		false,
		"disable bearer-token authentication of incoming sessions; not recommended for production")
	flags.StringVar(
		&c.AuthToken,
		"authToken",
		"",
		"the bearer token clients must present to open a session")
	flags.StringVar(
		&c.TLSCertFile,
		"tlsCertificate",
		"",
		"a path to a PEM-encoded TLS certificate chain")
	flags.StringVar(
		&c.TLSPrivateKey,
		"tlsPrivateKey",
		"",
		"a path to a PEM-encoded TLS private key")
}

// Preflight validates the configuration and fills in defaults.
func (c *Config) Preflight() error {
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.PostgresURL == "" {
		return errors.New("postgresURL unset")
	}
	if !c.DisableAuth && c.AuthToken == "" {
		return errors.New("authToken unset; pass one or set disableAuthentication")
	}
	if (c.TLSCertFile == "") != (c.TLSPrivateKey == "") {
		return errors.New("either both of tlsCertificate and tlsPrivateKey must be set, or none")
	}
	return nil
}
