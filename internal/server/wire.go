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

package server

import "github.com/google/wire"

// InitializeHandler builds a Handler and everything it depends on from
// a validated Config. See wire_gen.go for the generated body; this
// file only exists to describe the provider graph to `wire`.
func InitializeHandler(cfg *Config) (*Handler, func(), error) {
	wire.Build(
		ProvideDB, ProvidePool, ProvideWatermark, ProvideAllocator,
		ProvideSource, ProvideReceiver, ProvideHandler,
	)
	return nil, nil, nil
}
