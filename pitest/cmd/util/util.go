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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"pilock.dev/pilock/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller of pitest, so they are kept separate from the debug
// log.
var ErrorLogger io.Writer

// pollInterval is the interval between WaitFor attempts.
const pollInterval = 5 * time.Millisecond

// Errorf logs error to the error log (--log) or stderr, and to the debug
// logs. It returns subcommands.ExitFailure for convenience with
// subcommand.Execute() methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)

	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if ErrorLogger == nil {
		fmt.Fprintln(os.Stderr, msg)
		return
	}
	j, err := json.Marshal(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		fmt.Fprintf(ErrorLogger, "error marshaling message: %q, err: %v\n", msg, err)
		return
	}
	ErrorLogger.Write(append(j, '\n'))
}

// WaitFor polls cond until it returns true or ctx is done.
func WaitFor(ctx context.Context, desc string, cond func() bool) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	return backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return fmt.Errorf("timed out waiting for %s", desc)
	}, b)
}
