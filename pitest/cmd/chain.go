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

// Chain implements subcommands.Command for the "chain" command.
type Chain struct {
	length  int
	low     int
	high    int
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Chain) Name() string {
	return "chain"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Chain) Synopsis() string {
	return "boost a chain of blocked lock owners and unwind it"
}

// Usage implements subcommands.Command.Usage.
func (*Chain) Usage() string {
	return `chain [flags] - builds a chain of tasks, each holding one mutex and blocked
on the previous one, then blocks a high priority task on the last mutex and
checks that its priority reaches the head of the chain.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Chain) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.length, "length", 4, "number of tasks in the chain.")
	f.IntVar(&c.low, "low", rtmutex.DefaultPrio, "priority of the tasks in the chain.")
	f.IntVar(&c.high, "high", 10, "priority of the task blocking on the chain.")
	f.DurationVar(&c.timeout, "timeout", 10*time.Second, "how long to wait for the boost to propagate.")
}

// Execute implements subcommands.Command.Execute.
func (c *Chain) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.run(ctx, os.Stdout); err != nil {
		return util.Errorf("chain: %v", err)
	}
	return subcommands.ExitSuccess
}

func (c *Chain) run(ctx context.Context, w io.Writer) error {
	if err := checkPrio("low", c.low); err != nil {
		return err
	}
	if err := checkPrio("high", c.high); err != nil {
		return err
	}
	if c.high >= c.low {
		return fmt.Errorf("-high (%d) must be more important, i.e. lower, than -low (%d)", c.high, c.low)
	}
	if c.length < 1 {
		return fmt.Errorf("-length must be positive, got %d", c.length)
	}
	if depth := rtmutex.CurrentConfig().MaxLockDepth; c.length > depth {
		return fmt.Errorf("-length %d exceeds the maximum lock depth %d", c.length, depth)
	}

	tasks := make([]*rtmutex.Task, c.length)
	locks := make([]rtmutex.Mutex, c.length)
	for i := range tasks {
		tasks[i] = rtmutex.NewTask(fmt.Sprintf("link-%d", i), c.low)
		locks[i].Init()
		locks[i].Lock(tasks[i])
	}

	var g errgroup.Group
	for i := 1; i < c.length; i++ {
		i := i
		g.Go(func() error {
			t := tasks[i]
			locks[i-1].Lock(t)
			locks[i-1].Unlock(t)
			locks[i].Unlock(t)
			return nil
		})
	}
	top := rtmutex.NewTask("top", c.high)
	g.Go(func() error {
		last := &locks[c.length-1]
		last.Lock(top)
		last.Unlock(top)
		return nil
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	boostErr := util.WaitFor(waitCtx, "boost of the chain head", func() bool {
		return tasks[0].Prio() == c.high
	})
	log.Infof("Chain of %d tasks boosted: %v", c.length, boostErr == nil)
	fmt.Fprintf(w, "Blocked:\n")
	if err := printTasks(w, append(tasks, top)...); err != nil {
		return err
	}

	// Releasing the head lets every link run in turn.
	locks[0].Unlock(tasks[0])
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Released:\n")
	if err := printTasks(w, append(tasks, top)...); err != nil {
		return err
	}

	if boostErr != nil {
		return boostErr
	}
	for i := range tasks {
		if tasks[i].Boosted() {
			return fmt.Errorf("task %v still boosted to %d", tasks[i], tasks[i].Prio())
		}
		if err := locks[i].Destroy(); err != nil {
			return fmt.Errorf("destroying lock %d: %w", i, err)
		}
	}
	return nil
}
