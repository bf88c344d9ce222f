// Copyright 2018 The gVisor Authors.
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

// Package testutil contains utility functions for lock tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"pilock.dev/pilock/pkg/log"
)

// defaultPollInterval is the interval between Poll attempts.
const defaultPollInterval = 10 * time.Millisecond

// Poll retries the call until it succeeds or the timeout expires.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(defaultPollInterval), ctx)
	return backoff.Retry(cb, b)
}

// PollCond is like Poll, but takes a predicate. The description is used to
// build the error returned while cond is false.
func PollCond(cond func() bool, timeout time.Duration, format string, v ...any) error {
	return Poll(func() error {
		if cond() {
			return nil
		}
		return fmt.Errorf(format, v...)
	}, timeout)
}

// SetTestLogger routes the global logger to t for the duration of the test,
// at debug level.
func SetTestLogger(t testing.TB) {
	old := log.Log()
	log.SetTarget(&log.TestEmitter{TestLogger: t})
	log.SetLevel(log.Debug)
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})
}
