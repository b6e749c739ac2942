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

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codevibesmatter/vibestack-sub001/internal/util/stopper"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

func newEchoServer(t *testing.T) (dialURL string, closeServer func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		c.Close(websocket.StatusNormalClosure, "")
	}))
	return "ws" + srv.URL[len("http"):], srv.Close
}

func dialerFor(t *testing.T, url string) Dialer {
	return func(ctx context.Context) (*wire.Conn, error) {
		ws, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return wire.NewConn(ws, 0), nil
	}
}

func TestRunDialsAndRetriesOnSessionError(t *testing.T) {
	url, closeServer := newEchoServer(t)
	defer closeServer()

	var attempts int32
	run := func(ctx *stopper.Context, conn *wire.Conn) error {
		atomic.AddInt32(&attempts, 1)
		return errDeliberate
	}
	s := New(dialerFor(t, url), run)
	s.ReconnectInterval = 20 * time.Millisecond

	ctx := stopper.WithContext(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&attempts) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least 3 session attempts")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ctx.Stop(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestOfflineSuspendsReconnects(t *testing.T) {
	url, closeServer := newEchoServer(t)
	defer closeServer()

	var attempts int32
	run := func(ctx *stopper.Context, conn *wire.Conn) error {
		atomic.AddInt32(&attempts, 1)
		return errDeliberate
	}
	s := New(dialerFor(t, url), run)
	s.ReconnectInterval = 20 * time.Millisecond
	s.SetOffline(true)

	ctx := stopper.WithContext(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { ctx.Stop(time.Second) })

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&attempts) != 0 {
		t.Fatalf("expected no attempts while offline, got %d", attempts)
	}

	s.SetOffline(false)
	deadline := time.After(time.Second)
	for atomic.LoadInt32(&attempts) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected an attempt after going back online")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusReflectsLiveSession(t *testing.T) {
	url, closeServer := newEchoServer(t)
	defer closeServer()

	release := make(chan struct{})
	run := func(ctx *stopper.Context, conn *wire.Conn) error {
		<-release
		return nil
	}
	s := New(dialerFor(t, url), run)

	ctx := stopper.WithContext(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { ctx.Stop(time.Second) })

	deadline := time.After(time.Second)
	for {
		live, _ := s.Status()
		if live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected status to become live")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(release)
	deadline = time.After(time.Second)
	for {
		live, _ := s.Status()
		if !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected status to go non-live after session ends")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var errDeliberate = &testError{"deliberate session failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
