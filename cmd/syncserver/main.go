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

// Command syncserver runs the sync protocol's server: the /api/sync
// websocket upgrade and the /api/replication/init bootstrap endpoint
// over a single authoritative Postgres store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/codevibesmatter/vibestack-sub001/internal/server"
	"github.com/codevibesmatter/vibestack-sub001/internal/server/inbound"
	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
)

func main() {
	cfg := &server.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("syncserver: invalid configuration")
	}

	handler, cleanup, err := server.InitializeHandler(cfg)
	if err != nil {
		log.WithError(err).Fatal("syncserver: failed to initialize")
	}
	defer cleanup()

	handler.Bootstrap = bootstrapOnce(handler.Receiver)

	ctx := stopper.WithContext(context.Background())

	mux := handler.NewMux(ctx)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	ctx.Go(func() error {
		log.WithField("addr", cfg.BindAddr).Info("syncserver: listening")
		var err error
		if cfg.TLSCertFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSPrivateKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("syncserver: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := ctx.Stop(10 * time.Second); err != nil {
		log.WithError(err).Warn("syncserver: session goroutines did not all drain cleanly")
	}
}

// bootstrapOnce wraps inbound.EnsureJournal in a sync.Once so
// /api/replication/init can be called any number of times — by an
// operator retrying a request, or by more than one caller racing to
// bring up a fresh store — while the journal table is only ever
// created once.
func bootstrapOnce(receiver *inbound.Receiver) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			err = receiver.EnsureSchema(context.Background())
		})
		return err
	}
}
