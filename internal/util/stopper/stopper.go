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

// Package stopper provides a single-owner, graceful-shutdown context
// that background loops derive from. A session or supervisor starts its
// goroutines with Go; Stop requests cooperative shutdown and waits
// (bounded by a timeout) for all of them to return.
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with cooperative-shutdown bookkeeping.
// It satisfies context.Context itself so it can be threaded through
// ordinary context-aware calls.
type Context struct {
	context.Context

	cancel func()

	mu struct {
		sync.Mutex
		stopping chan struct{}
		wg       sync.WaitGroup
		err      error
		stopped  bool
	}
}

// WithContext derives a stopper.Context from a parent context.Context.
// Canceling the parent cancels the returned Context.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	ret := &Context{Context: ctx, cancel: cancel}
	ret.mu.stopping = make(chan struct{})
	return ret
}

// Go runs fn in a new goroutine tracked by the Context. If fn returns a
// non-nil error, it is recorded (the first error wins) and Stopping is
// triggered so sibling goroutines unwind.
func (c *Context) Go(fn func() error) {
	c.mu.Lock()
	c.mu.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.mu.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
			c.triggerStopping()
		}
	}()
}

// Stopping returns a channel that is closed once shutdown has been
// requested, either via Stop or because a tracked goroutine failed.
// Long-running loops select on this alongside Done().
func (c *Context) Stopping() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.stopping
}

func (c *Context) triggerStopping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.stopped {
		c.mu.stopped = true
		close(c.mu.stopping)
	}
}

// Stop requests cooperative shutdown of all goroutines started with Go
// and blocks until they return or the timeout elapses, whichever comes
// first. It returns the first non-nil error returned by any goroutine,
// or a timeout error if the deadline was reached first.
func (c *Context) Stop(timeout time.Duration) error {
	c.triggerStopping()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.mu.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.Errorf("stopper: timed out after %s waiting for goroutines to exit", timeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}
