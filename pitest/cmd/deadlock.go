// Copyright 2022 The gVisor Authors.
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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"pilock.dev/pilock/pitest/cmd/util"
	"pilock.dev/pilock/pitest/flag"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/rtmutex"
)

// Deadlock implements subcommands.Command for the "deadlock" command.
type Deadlock struct {
	length  int
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Deadlock) Name() string {
	return "deadlock"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Deadlock) Synopsis() string {
	return "close a lock cycle and check that it is reported"
}

// Usage implements subcommands.Command.Usage.
func (*Deadlock) Usage() string {
	return `deadlock [flags] - has each of -length tasks hold one mutex and block on the
next one. The task closing the cycle must get EDEADLK instead of sleeping.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Deadlock) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.length, "length", 2, "number of tasks in the cycle, 1 is a self deadlock.")
	f.DurationVar(&d.timeout, "timeout", 10*time.Second, "how long the last task waits before giving up.")
}

// Execute implements subcommands.Command.Execute.
func (d *Deadlock) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := d.run(ctx, os.Stdout); err != nil {
		return util.Errorf("deadlock: %v", err)
	}
	return subcommands.ExitSuccess
}

func (d *Deadlock) run(ctx context.Context, w io.Writer) error {
	if d.length < 1 {
		return fmt.Errorf("-length must be positive, got %d", d.length)
	}
	if depth := rtmutex.CurrentConfig().MaxLockDepth; d.length > depth {
		return fmt.Errorf("-length %d exceeds the maximum lock depth %d", d.length, depth)
	}

	n := d.length
	tasks := make([]*rtmutex.Task, n)
	locks := make([]rtmutex.Mutex, n)
	for i := range tasks {
		tasks[i] = rtmutex.NewTask(fmt.Sprintf("cycle-%d", i), rtmutex.DefaultPrio)
		locks[i].Init()
		locks[i].Lock(tasks[i])
	}

	// Every task but the last blocks on its successor's lock.
	var g errgroup.Group
	for i := 0; i < n-1; i++ {
		i := i
		g.Go(func() error {
			t := tasks[i]
			if err := locks[i+1].LockInterruptible(t, true); err != nil {
				return fmt.Errorf("task %v: %w", t, err)
			}
			locks[i+1].Unlock(t)
			locks[i].Unlock(t)
			return nil
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := util.WaitFor(waitCtx, "tasks to block", func() bool {
		for _, t := range tasks[:n-1] {
			if !t.Blocked() {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}

	last := tasks[n-1]
	err := locks[0].LockContext(waitCtx, last, true)
	switch {
	case errors.Is(err, rtmutex.ErrWouldDeadlock):
		log.Infof("Cycle of %d tasks detected", n)
		fmt.Fprintf(w, "%v: deadlock detected closing a cycle of %d tasks\n", last, n)
		err = nil
	case err == nil:
		// Only possible if the cycle was broken, which would be a bug.
		locks[0].Unlock(last)
		err = fmt.Errorf("task %v acquired a lock held in a cycle", last)
	default:
		err = fmt.Errorf("task %v: got %w, want %v", last, err, rtmutex.ErrWouldDeadlock)
	}

	// Unwind the cycle from the last lock backwards.
	locks[n-1].Unlock(last)
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	return printTasks(w, tasks...)
}
