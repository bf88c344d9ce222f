// Copyright 2023 The gVisor Authors.
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

package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"pilock.dev/pilock/pitest/flag"
	"pilock.dev/pilock/pkg/rtmutex"
	"pilock.dev/pilock/pkg/test/testutil"
)

func TestChain(t *testing.T) {
	for _, length := range []int{1, 2, 5} {
		c := Chain{length: length, low: 130, high: 5, timeout: 10 * time.Second}
		var out bytes.Buffer
		if err := c.run(context.Background(), &out); err != nil {
			t.Fatalf("length %d: %v\n%s", length, err, out.String())
		}
		if !strings.Contains(out.String(), "link-0") || !strings.Contains(out.String(), "Released:") {
			t.Errorf("length %d: unexpected output:\n%s", length, out.String())
		}
	}
}

func TestChainFlags(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    Chain
	}{
		{name: "inverted", c: Chain{length: 2, low: 10, high: 20}},
		{name: "range", c: Chain{length: 2, low: rtmutex.MaxPrio, high: 20}},
		{name: "length", c: Chain{length: 0, low: 120, high: 20}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.c.run(context.Background(), &bytes.Buffer{}); err == nil {
				t.Errorf("run() succeeded, want error")
			}
		})
	}
}

func TestDeadlock(t *testing.T) {
	testutil.SetTestLogger(t)
	for _, length := range []int{1, 2, 4} {
		d := Deadlock{length: length, timeout: 10 * time.Second}
		var out bytes.Buffer
		if err := d.run(context.Background(), &out); err != nil {
			t.Fatalf("length %d: %v", length, err)
		}
		if !strings.Contains(out.String(), "deadlock detected") {
			t.Errorf("length %d: unexpected output:\n%s", length, out.String())
		}
	}
}

// TestDeadlockExitStatus runs the command the way the CLI does. A detected
// cycle is the expected outcome and must exit successfully.
func TestDeadlockExitStatus(t *testing.T) {
	d := Deadlock{}
	f := flag.NewFlagSet("deadlock", flag.ContinueOnError)
	d.SetFlags(f)
	if err := f.Parse([]string{"-length=3"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.Execute(context.Background(), f); got != subcommands.ExitSuccess {
		t.Errorf("Execute() = %v, want %v", got, subcommands.ExitSuccess)
	}
}

func TestStress(t *testing.T) {
	s := Stress{
		tasks:    6,
		mutexes:  3,
		duration: 200 * time.Millisecond,
		timeout:  2 * time.Millisecond,
		seed:     1,
	}
	var out bytes.Buffer
	if err := s.run(context.Background(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "operations") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestFutex(t *testing.T) {
	f := Futex{tasks: 4, iterations: 200, timeout: 30 * time.Second}
	var out bytes.Buffer
	if err := f.run(context.Background(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "800 lock operations") {
		t.Errorf("unexpected output: %q", out.String())
	}
}
