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

//go:build wireinject
// +build wireinject

package client

import "github.com/google/wire"

// InitializeApp builds every durable and in-memory component a running
// client needs from a validated Config. See wire_gen.go for the
// generated body; this file only exists to describe the provider
// graph to `wire`.
func InitializeApp(cfg *Config) (*App, func(), error) {
	wire.Build(
		ProvideDB, ProvideState, ProvideChangeLog, ProvideApplier,
		ProvideDialer, ProvideRunSession, ProvideSupervisor, ProvideApp,
	)
	return nil, nil, nil
}
