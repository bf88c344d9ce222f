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
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"pilock.dev/pilock/pitest/cmd/util"
	"pilock.dev/pilock/pitest/flag"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/rtmutex"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	tasks    int
	mutexes  int
	duration time.Duration
	timeout  time.Duration
	seed     int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer every lock kind from tasks of mixed priority"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs tasks that take mutexes, nested in order, the rw
lock in both modes and the spin lock, with timeouts and priority changes,
checking mutual exclusion throughout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.tasks, "tasks", 8, "number of concurrent tasks.")
	f.IntVar(&s.mutexes, "mutexes", 4, "number of mutexes.")
	f.DurationVar(&s.duration, "duration", 2*time.Second, "how long to run.")
	f.DurationVar(&s.timeout, "op-timeout", 5*time.Millisecond, "timeout of a single blocking lock operation.")
	f.Int64Var(&s.seed, "seed", 0, "random seed, 0 picks one from the clock.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.run(ctx, os.Stdout); err != nil {
		return util.Errorf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

// guarded is a mutex together with the number of tasks inside it.
type guarded struct {
	mu      rtmutex.Mutex
	holders atomic.Int32
}

func (g *guarded) enter() error {
	if n := g.holders.Add(1); n != 1 {
		return fmt.Errorf("mutual exclusion violated: %d holders", n)
	}
	return nil
}

func (g *guarded) exit() {
	g.holders.Add(-1)
}

// stressState is shared by all stress tasks.
type stressState struct {
	timeout time.Duration
	mutexes []guarded
	rw      rtmutex.RWMutex
	readers atomic.Int32
	writers atomic.Int32
	spin    rtmutex.SpinLock
	spinIn  atomic.Int32

	ops      atomic.Uint64
	timeouts atomic.Uint64
	progress *rate.Limiter
}

func (s *Stress) run(ctx context.Context, w io.Writer) error {
	if s.tasks < 1 || s.mutexes < 1 {
		return fmt.Errorf("-tasks and -mutexes must be positive, got %d and %d", s.tasks, s.mutexes)
	}
	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Infof("Stress: %d tasks, %d mutexes, %v, seed %d", s.tasks, s.mutexes, s.duration, seed)

	st := &stressState{
		timeout:  s.timeout,
		mutexes:  make([]guarded, s.mutexes),
		progress: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for i := range st.mutexes {
		st.mutexes[i].mu.Init()
	}
	st.rw.Init()
	st.spin.Init()

	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	tasks := make([]*rtmutex.Task, s.tasks)
	for i := range tasks {
		r := rand.New(rand.NewSource(seed + int64(i)))
		t := rtmutex.NewTask(fmt.Sprintf("stress-%d", i), r.Intn(rtmutex.MaxPrio))
		tasks[i] = t
		g.Go(func() error {
			return st.worker(gctx, t, r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range st.mutexes {
		if err := st.mutexes[i].mu.Destroy(); err != nil {
			return fmt.Errorf("mutex %d: %w", i, err)
		}
	}
	if err := st.rw.Destroy(); err != nil {
		return fmt.Errorf("rw mutex: %w", err)
	}
	if err := st.spin.Destroy(); err != nil {
		return fmt.Errorf("spin lock: %w", err)
	}
	for _, t := range tasks {
		if t.Boosted() {
			return fmt.Errorf("task %v left boosted to %d", t, t.Prio())
		}
	}
	fmt.Fprintf(w, "%d operations, %d timed out or interrupted\n", st.ops.Load(), st.timeouts.Load())
	return nil
}

// worker runs random operations for t until ctx is done.
func (st *stressState) worker(ctx context.Context, t *rtmutex.Task, r *rand.Rand) error {
	for ctx.Err() == nil {
		var err error
		switch r.Intn(6) {
		case 0:
			i := r.Intn(len(st.mutexes))
			j := i + r.Intn(len(st.mutexes)-i)
			err = st.nested(ctx, t, i, j)
		case 1:
			err = st.try(t, r.Intn(len(st.mutexes)))
		case 2:
			err = st.read(ctx, t)
		case 3:
			err = st.write(ctx, t)
		case 4:
			err = st.spinOnce(t)
		case 5:
			t.SetPriority(r.Intn(rtmutex.MaxPrio))
		}
		switch {
		case err == nil:
			st.ops.Add(1)
		case errors.Is(err, rtmutex.ErrTimedOut), errors.Is(err, rtmutex.ErrInterrupted):
			st.timeouts.Add(1)
		default:
			return fmt.Errorf("task %v: %w", t, err)
		}
		if st.progress.Allow() {
			log.Infof("Stress: %d operations, %d timed out or interrupted", st.ops.Load(), st.timeouts.Load())
		}
	}
	return nil
}

// nested takes mutexes i and j, in that order.
func (st *stressState) nested(ctx context.Context, t *rtmutex.Task, i, j int) error {
	opCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	outer := &st.mutexes[i]
	if err := outer.mu.LockContext(opCtx, t, true); err != nil {
		return err
	}
	defer outer.mu.Unlock(t)
	if err := outer.enter(); err != nil {
		return err
	}
	defer outer.exit()
	if j == i {
		return nil
	}

	inner := &st.mutexes[j]
	if err := inner.mu.LockContext(opCtx, t, true); err != nil {
		return err
	}
	defer inner.mu.Unlock(t)
	if err := inner.enter(); err != nil {
		return err
	}
	inner.exit()
	return nil
}

func (st *stressState) try(t *rtmutex.Task, i int) error {
	g := &st.mutexes[i]
	if !g.mu.TryLock(t) {
		return nil
	}
	defer g.mu.Unlock(t)
	if err := g.enter(); err != nil {
		return err
	}
	g.exit()
	return nil
}

func (st *stressState) read(ctx context.Context, t *rtmutex.Task) error {
	opCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	if err := st.rw.RLockContext(opCtx, t, true); err != nil {
		return err
	}
	defer st.rw.RUnlock(t)
	st.readers.Add(1)
	defer st.readers.Add(-1)
	if n := st.writers.Load(); n != 0 {
		return fmt.Errorf("reader inside with %d writers", n)
	}
	return nil
}

func (st *stressState) write(ctx context.Context, t *rtmutex.Task) error {
	opCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	if err := st.rw.LockContext(opCtx, t, true); err != nil {
		return err
	}
	defer st.rw.Unlock(t)
	n := st.writers.Add(1)
	defer st.writers.Add(-1)
	if n != 1 {
		return fmt.Errorf("%d writers inside", n)
	}
	if r := st.readers.Load(); r != 0 {
		return fmt.Errorf("writer inside with %d readers", r)
	}
	return nil
}

func (st *stressState) spinOnce(t *rtmutex.Task) error {
	st.spin.Lock(t)
	defer st.spin.Unlock(t)
	if n := st.spinIn.Add(1); n != 1 {
		st.spinIn.Add(-1)
		return fmt.Errorf("spin lock held by %d tasks", n)
	}
	st.spinIn.Add(-1)
	return nil
}
