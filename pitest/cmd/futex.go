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
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"pilock.dev/pilock/pitest/cmd/util"
	"pilock.dev/pilock/pitest/flag"
	"pilock.dev/pilock/pkg/futexpi"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/rtmutex"
)

// Futex implements subcommands.Command for the "futex" command.
type Futex struct {
	tasks      int
	iterations int
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Futex) Name() string {
	return "futex"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Futex) Synopsis() string {
	return "contend on a PI futex word"
}

// Usage implements subcommands.Command.Usage.
func (*Futex) Usage() string {
	return `futex [flags] - has tasks of increasing priority lock and unlock a shared
PI futex word, checking that the word and the kernel side state agree.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fu *Futex) SetFlags(f *flag.FlagSet) {
	f.IntVar(&fu.tasks, "tasks", 4, "number of concurrent tasks.")
	f.IntVar(&fu.iterations, "iterations", 1000, "lock operations per task.")
	f.DurationVar(&fu.timeout, "timeout", time.Minute, "overall timeout.")
}

// Execute implements subcommands.Command.Execute.
func (fu *Futex) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := fu.run(ctx, os.Stdout); err != nil {
		return util.Errorf("futex: %v", err)
	}
	return subcommands.ExitSuccess
}

func (fu *Futex) run(ctx context.Context, w io.Writer) error {
	if fu.tasks < 1 || fu.iterations < 1 {
		return fmt.Errorf("-tasks and -iterations must be positive, got %d and %d", fu.tasks, fu.iterations)
	}

	var (
		registry futexpi.Registry
		word     atomic.Uint32
		counter  int
	)
	m := futexpi.NewManager(&registry)
	tasks := make([]*rtmutex.Task, fu.tasks)
	for i := range tasks {
		prio := rtmutex.DefaultPrio - i*(rtmutex.DefaultPrio/fu.tasks)
		tasks[i] = rtmutex.NewTask(fmt.Sprintf("futex-%d", i), prio)
		registry.Register(tasks[i])
	}
	defer func() {
		for _, t := range tasks {
			registry.Unregister(t)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, fu.timeout)
	defer cancel()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			for i := 0; i < fu.iterations; i++ {
				if err := m.LockPI(gctx, t, &word); err != nil {
					return fmt.Errorf("task %v: lock: %w", t, err)
				}
				counter++
				if err := m.UnlockPI(t, &word); err != nil {
					return fmt.Errorf("task %v: unlock: %w", t, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if want := fu.tasks * fu.iterations; counter != want {
		return fmt.Errorf("counter is %d, want %d", counter, want)
	}
	if v := word.Load(); v != 0 {
		return fmt.Errorf("futex word is %#x after all unlocks", v)
	}
	if n := m.Contended(); n != 0 {
		return fmt.Errorf("%d futexes still have kernel state", n)
	}
	log.Infof("Futex: %d lock operations in %v", counter, elapsed)
	fmt.Fprintf(w, "%d lock operations in %v\n", counter, elapsed)
	return nil
}
