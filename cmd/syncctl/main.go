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

// Command syncctl runs the sync client as a long-lived daemon (the
// "run" subcommand) or performs a single administrative action against
// its durable state (reset, drop, list-pending, list-failed,
// retry-failed) and exits. The online and offline subcommands toggle
// the hard-offline switch of the supervisor built inside this
// short-lived process only; the switch is not persisted, so they do not
// affect a separately running daemon.
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/codevibesmatter/vibestack-sub001/internal/client"
	"github.com/codevibesmatter/vibestack-sub001/internal/client/operator"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	subcommand := os.Args[1]

	cfg := &client.Config{}
	flags := pflag.NewFlagSet(subcommand, pflag.ExitOnError)
	cfg.Bind(flags)
	if err := flags.Parse(os.Args[2:]); err != nil {
		log.WithError(err).Fatal("syncctl: invalid flags")
	}
	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("syncctl: invalid configuration")
	}

	app, cleanup, err := client.InitializeApp(cfg)
	if err != nil {
		log.WithError(err).Fatal("syncctl: failed to initialize")
	}
	defer cleanup()

	op := operator.New(app.State, app.ChangeLog, app.Applier, app.Supervisor, cfg.StatePath, cfg.DBPath)
	ctx := context.Background()

	switch subcommand {
	case "run":
		if cfg.StartOffline {
			app.Supervisor.SetOffline(true)
		}
		runDaemon(app)
	case "reset":
		exitOn(op.ResetLSN())
	case "drop":
		exitOn(op.DropState())
	case "online":
		op.SetOffline(false)
	case "offline":
		op.SetOffline(true)
	case "list-pending":
		pending, err := op.ListPending(ctx)
		exitOn(err)
		printPending(pending)
	case "list-failed":
		failed, err := op.ListFailed(ctx)
		exitOn(err)
		printFailed(failed)
	case "retry-failed":
		retried, stillFailing, err := op.RetryFailed(ctx)
		exitOn(err)
		fmt.Printf("retried: %d, still failing: %d\n", retried, stillFailing)
	default:
		usage()
		os.Exit(2)
	}
}

// runDaemon runs the supervisor until a termination signal arrives,
// the same stopper.Context lifecycle cmd/syncserver drives its own
// long-running loop with.
func runDaemon(app *client.App) {
	ctx := stopper.WithContext(context.Background())
	if err := app.Supervisor.Run(ctx); err != nil {
		log.WithError(err).Fatal("syncctl: supervisor exited with error")
	}
}

func exitOn(err error) {
	if err != nil {
		log.WithError(err).Fatal("syncctl: command failed")
	}
}

func printPending(pending []operator.PendingOutbound) {
	for _, p := range pending {
		fmt.Printf("%d\t%s\t%s\tattempts=%d\n", p.ID, p.Table, p.Operation, p.Attempts)
	}
}

func printFailed(failed []operator.PendingFailure) {
	for _, f := range failed {
		fmt.Printf("%d\t%s\t%s\tattempts=%d\terror=%s\n", f.ID, f.Table, f.Operation, f.Attempts, f.Error)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: syncctl <run|reset|drop|online|offline|list-pending|list-failed|retry-failed> [flags]")
}
