// Copyright 2024 The gVisor Authors.
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

package rtmutex

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"pilock.dev/pilock/pkg/test/testutil"
)

const pollTimeout = 10 * time.Second

// waitFor polls cond until it holds.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	if err := testutil.PollCond(cond, pollTimeout, "%s", desc); err != nil {
		t.Fatalf("timed out waiting for %s", desc)
	}
}

// async runs fn in a goroutine and returns a channel that receives its
// result.
func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- fn()
	}()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(pollTimeout):
		t.Fatalf("timed out waiting for lock operation")
		return nil
	}
}

func TestUncontended(t *testing.T) {
	testutil.SetTestLogger(t)
	a := NewTask("a", DefaultPrio)
	var m Mutex
	if m.IsLocked() {
		t.Fatalf("zero Mutex is locked")
	}
	m.Lock(a)
	if !m.IsLocked() || m.Owner() != a {
		t.Errorf("after Lock: IsLocked = %t, Owner = %v, want true, %v", m.IsLocked(), m.Owner(), a)
	}
	if err := m.Destroy(); err != ErrBusy {
		t.Errorf("Destroy of locked mutex = %v, want %v", err, ErrBusy)
	}
	m.Unlock(a)
	if m.IsLocked() || m.Owner() != nil {
		t.Errorf("after Unlock: IsLocked = %t, Owner = %v, want false, nil", m.IsLocked(), m.Owner())
	}
	if err := m.Destroy(); err != nil {
		t.Errorf("Destroy of unlocked mutex = %v, want nil", err)
	}
}

func TestTryLock(t *testing.T) {
	a := NewTask("a", DefaultPrio)
	b := NewTask("b", DefaultPrio)
	var m Mutex
	if !m.TryLock(a) {
		t.Fatalf("TryLock of free mutex failed")
	}
	if m.TryLock(b) {
		t.Errorf("TryLock of held mutex succeeded")
	}
	if m.TryLock(a) {
		t.Errorf("TryLock by the owner succeeded")
	}
	m.Unlock(a)
	if !m.TryLock(b) {
		t.Errorf("TryLock after Unlock failed")
	}
	m.Unlock(b)
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked mutex did not panic")
		}
	}()
	var m Mutex
	m.Unlock(NewTask("a", DefaultPrio))
}

func TestErrorsMatchErrno(t *testing.T) {
	for _, tc := range []struct {
		err   error
		errno unix.Errno
	}{
		{ErrWouldDeadlock, unix.EDEADLK},
		{ErrInterrupted, unix.EINTR},
		{ErrTimedOut, unix.ETIMEDOUT},
		{ErrBusy, unix.EBUSY},
	} {
		if !errors.Is(tc.err, tc.errno) {
			t.Errorf("errors.Is(%v, %v) = false, want true", tc.err, tc.errno)
		}
	}
}

// TestInheritance blocks two tasks on a mutex held by a less important one.
// The owner runs at the priority of its most important waiter, and the lock
// is handed to that waiter first.
func TestInheritance(t *testing.T) {
	testutil.SetTestLogger(t)
	low := NewTask("low", 30)
	mid := NewTask("mid", 20)
	high := NewTask("high", 10)
	var m Mutex
	m.Lock(low)

	var order []string
	var mu sync.Mutex
	locker := func(task *Task) <-chan error {
		return async(func() error {
			m.Lock(task)
			mu.Lock()
			order = append(order, task.Name())
			mu.Unlock()
			m.Unlock(task)
			return nil
		})
	}

	midDone := locker(mid)
	waitFor(t, "low boosted to 20", func() bool { return low.Prio() == 20 })
	highDone := locker(high)
	waitFor(t, "low boosted to 10", func() bool { return low.Prio() == 10 })
	if got := m.NextOwner(); got != high {
		t.Errorf("NextOwner = %v, want %v", got, high)
	}
	if !m.HasWaiters() {
		t.Errorf("HasWaiters = false, want true")
	}

	m.Unlock(low)
	if got := low.Prio(); got != 30 {
		t.Errorf("low prio after Unlock = %d, want 30", got)
	}
	wait(t, highDone)
	wait(t, midDone)
	if len(order) != 2 || order[0] != "high" || order[1] != "mid" {
		t.Errorf("lock order = %v, want [high mid]", order)
	}
	for _, task := range []*Task{low, mid, high} {
		if task.Boosted() {
			t.Errorf("%v still boosted to %d", task, task.Prio())
		}
	}
	if m.IsLocked() {
		t.Errorf("mutex still locked")
	}
}

// TestChain checks that a boost propagates through a task that is itself
// blocked, and is undone when the booster gives up.
func TestChain(t *testing.T) {
	testutil.SetTestLogger(t)
	a := NewTask("a", 50)
	b := NewTask("b", 40)
	c := NewTask("c", 10)
	var l1, l2 Mutex
	l1.Lock(a)

	bHolds := make(chan struct{})
	bDone := async(func() error {
		l2.Lock(b)
		close(bHolds)
		l1.Lock(b)
		l1.Unlock(b)
		l2.Unlock(b)
		return nil
	})
	<-bHolds
	waitFor(t, "a boosted by b", func() bool { return a.Prio() == 40 })

	cDone := async(func() error {
		return l2.LockInterruptible(c, false)
	})
	waitFor(t, "a and b boosted by c", func() bool { return a.Prio() == 10 && b.Prio() == 10 })

	c.Interrupt()
	if err := wait(t, cDone); err != ErrInterrupted {
		t.Fatalf("LockInterruptible = %v, want %v", err, ErrInterrupted)
	}
	if a.Prio() != 40 || b.Prio() != 40 {
		t.Errorf("after interrupt: a prio %d, b prio %d, want 40, 40", a.Prio(), b.Prio())
	}
	if c.Blocked() {
		t.Errorf("c still blocked")
	}

	l1.Unlock(a)
	wait(t, bDone)
	if a.Prio() != 50 || b.Prio() != 40 || c.Prio() != 10 {
		t.Errorf("final prios a=%d b=%d c=%d, want 50 40 10", a.Prio(), b.Prio(), c.Prio())
	}
}

func TestSetPriority(t *testing.T) {
	a := NewTask("a", 110)
	b := NewTask("b", 120)
	var m Mutex
	m.Lock(a)
	done := async(func() error {
		m.Lock(b)
		m.Unlock(b)
		return nil
	})
	waitFor(t, "b blocked", b.Blocked)
	if got := a.Prio(); got != 110 {
		t.Errorf("a prio = %d, want 110", got)
	}

	b.SetPriority(20)
	if got := a.Prio(); got != 20 {
		t.Errorf("after raising b: a prio = %d, want 20", got)
	}
	b.SetPriority(130)
	if got := a.Prio(); got != 110 {
		t.Errorf("after lowering b: a prio = %d, want 110", got)
	}

	// Raising the owner itself takes effect immediately.
	a.SetPriority(5)
	if got := a.Prio(); got != 5 {
		t.Errorf("a prio = %d, want 5", got)
	}
	m.Unlock(a)
	wait(t, done)
}

func TestDeadlockDetection(t *testing.T) {
	testutil.SetTestLogger(t)
	a := NewTask("a", DefaultPrio)
	b := NewTask("b", DefaultPrio)
	var l1, l2 Mutex
	l1.Lock(a)
	l2.Lock(b)

	aDone := async(func() error {
		if err := l2.LockInterruptible(a, true); err != nil {
			return err
		}
		l2.Unlock(a)
		l1.Unlock(a)
		return nil
	})
	waitFor(t, "a blocked", a.Blocked)

	before := deadlockMetric.Value()
	if err := l1.LockInterruptible(b, true); err != ErrWouldDeadlock {
		t.Fatalf("LockInterruptible = %v, want %v", err, ErrWouldDeadlock)
	}
	if got := deadlockMetric.Value(); got != before+1 {
		t.Errorf("deadlock metric = %d, want %d", got, before+1)
	}
	if b.Blocked() {
		t.Errorf("b blocked after deadlock")
	}
	if a.Boosted() {
		t.Errorf("a still boosted to %d", a.Prio())
	}

	l2.Unlock(b)
	if err := wait(t, aDone); err != nil {
		t.Errorf("a: %v", err)
	}
}

func TestSelfDeadlock(t *testing.T) {
	a := NewTask("a", DefaultPrio)
	var m Mutex
	m.Lock(a)
	if err := m.LockInterruptible(a, true); err != ErrWouldDeadlock {
		t.Fatalf("relock = %v, want %v", err, ErrWouldDeadlock)
	}
	if a.Blocked() || m.HasWaiters() {
		t.Errorf("blocked = %t, waiters = %t after deadlock", a.Blocked(), m.HasWaiters())
	}
	a.piLock.Lock()
	leaked := !a.piWaiters.Empty()
	a.piLock.Unlock()
	if leaked {
		t.Errorf("pi waiter left on owner")
	}
	m.Unlock(a)
	if m.IsLocked() {
		t.Errorf("mutex still locked")
	}
}

func TestMaxLockDepth(t *testing.T) {
	old := CurrentConfig()
	c := old
	c.MaxLockDepth = 2
	if err := SetConfig(c); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	t.Cleanup(func() { SetConfig(old) })

	// tasks[i] holds locks[i] and waits for locks[i-1].
	const n = 4
	var (
		tasks [n]*Task
		locks [n]Mutex
		done  [n]<-chan error
	)
	for i := range tasks {
		tasks[i] = NewTask("chain", 100+i)
		locks[i].Lock(tasks[i])
	}
	for i := 1; i < n; i++ {
		i := i
		done[i] = async(func() error {
			locks[i-1].Lock(tasks[i])
			locks[i-1].Unlock(tasks[i])
			locks[i].Unlock(tasks[i])
			return nil
		})
		waitFor(t, "chain task blocked", tasks[i].Blocked)
	}

	top := NewTask("top", 10)
	if err := locks[n-1].LockInterruptible(top, true); err != ErrWouldDeadlock {
		t.Errorf("LockInterruptible past max depth = %v, want %v", err, ErrWouldDeadlock)
	}

	locks[0].Unlock(tasks[0])
	for i := 1; i < n; i++ {
		wait(t, done[i])
	}
}

func TestSleepTimeRecorded(t *testing.T) {
	owner := NewTask("owner", DefaultPrio)
	waiter := NewTask("waiter", DefaultPrio)
	var m Mutex
	m.Lock(owner)
	before := sleepTimeMetric.Count()
	done := async(func() error {
		m.Lock(waiter)
		m.Unlock(waiter)
		return nil
	})
	waitFor(t, "waiter asleep", func() bool { return !waiter.OnCPU() })
	m.Unlock(owner)
	wait(t, done)
	if got := sleepTimeMetric.Count(); got <= before {
		t.Errorf("sleep time samples = %d, want more than %d", got, before)
	}
}

func TestTimeout(t *testing.T) {
	a := NewTask("a", 100)
	b := NewTask("b", 10)
	var m Mutex
	m.Lock(a)
	start := time.Now()
	if err := m.LockTimed(b, start.Add(50*time.Millisecond), false); err != ErrTimedOut {
		t.Fatalf("LockTimed = %v, want %v", err, ErrTimedOut)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("LockTimed returned early")
	}
	if a.Boosted() || b.Blocked() {
		t.Errorf("a boosted = %t, b blocked = %t after timeout", a.Boosted(), b.Blocked())
	}
	m.Unlock(a)

	// A deadline on a free lock does not matter.
	if err := m.LockTimed(b, start, false); err != nil {
		t.Errorf("LockTimed of free mutex = %v", err)
	}
	m.Unlock(b)
}

func TestLockContext(t *testing.T) {
	a := NewTask("a", DefaultPrio)
	b := NewTask("b", DefaultPrio)
	var m Mutex
	m.Lock(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := async(func() error {
		return m.LockContext(ctx, b, false)
	})
	waitFor(t, "b blocked", b.Blocked)
	cancel()
	if err := wait(t, done); err != ErrInterrupted {
		t.Errorf("LockContext after cancel = %v, want %v", err, ErrInterrupted)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.LockContext(ctx, b, false); err != ErrTimedOut {
		t.Errorf("LockContext after deadline = %v, want %v", err, ErrTimedOut)
	}
	m.Unlock(a)
}

func TestInterruptIsKept(t *testing.T) {
	a := NewTask("a", DefaultPrio)
	b := NewTask("b", DefaultPrio)
	var m, other Mutex

	// An uncontended lock does not consume the interrupt.
	b.Interrupt()
	if err := other.LockInterruptible(b, false); err != nil {
		t.Fatalf("LockInterruptible of free mutex = %v", err)
	}
	other.Unlock(b)

	m.Lock(a)
	if err := m.LockInterruptible(b, false); err != ErrInterrupted {
		t.Errorf("LockInterruptible = %v, want %v", err, ErrInterrupted)
	}
	// The interrupt was consumed.
	done := async(func() error {
		return m.LockInterruptible(b, false)
	})
	waitFor(t, "b blocked", b.Blocked)
	m.Unlock(a)
	if err := wait(t, done); err != nil {
		t.Errorf("second LockInterruptible = %v", err)
	}
	m.Unlock(b)
}

func TestUninterruptible(t *testing.T) {
	a := NewTask("a", DefaultPrio)
	b := NewTask("b", DefaultPrio)
	var m Mutex
	m.Lock(a)
	done := async(func() error {
		m.Lock(b)
		return nil
	})
	waitFor(t, "b blocked", b.Blocked)
	b.Interrupt()
	time.Sleep(10 * time.Millisecond)
	if !b.Blocked() {
		t.Errorf("Lock returned after interrupt")
	}
	m.Unlock(a)
	wait(t, done)
	if m.Owner() != b {
		t.Errorf("owner = %v, want %v", m.Owner(), b)
	}
	m.Unlock(b)
	// The interrupt is still pending.
	if !b.takeInterrupt() {
		t.Errorf("interrupt was lost")
	}
}

func TestStealable(t *testing.T) {
	for _, tc := range []struct {
		name      string
		cur, pend int
		mode      stealMode
		want      bool
	}{
		{"more important", 110, 120, stealNormal, true},
		{"less important", 120, 110, stealNormal, false},
		{"equal normal", 120, 120, stealNormal, false},
		{"equal lateral", 120, 120, stealLateral, true},
		{"equal lateral rt", 50, 50, stealLateral, false},
		{"less important lateral", 121, 120, stealLateral, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cur := NewTask("cur", tc.cur)
			pend := NewTask("pend", tc.pend)
			if got := stealable(cur, pend, tc.mode); got != tc.want {
				t.Errorf("stealable = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestStealFromPendingOwner(t *testing.T) {
	pend := NewTask("pend", 120)
	low := NewTask("low", 130)
	high := NewTask("high", 110)
	var m Mutex
	m.waitLock.Lock()
	m.setOwner(taskOwner(pend, true, false))
	m.waitLock.Unlock()

	if m.TryLock(low) {
		t.Errorf("less important task stole the lock")
	}
	before := stealMetric.Value(stealNormal.String())
	if !m.TryLock(high) {
		t.Fatalf("more important task could not steal the lock")
	}
	if m.Owner() != high {
		t.Errorf("owner = %v, want %v", m.Owner(), high)
	}
	if got := stealMetric.Value(stealNormal.String()); got != before+1 {
		t.Errorf("steal metric = %d, want %d", got, before+1)
	}
	m.Unlock(high)
	if m.IsLocked() {
		t.Errorf("mutex still locked")
	}
}

func TestProxy(t *testing.T) {
	a := NewTask("a", 120)
	b := NewTask("b", 20)
	var m Mutex
	m.InitProxyLocked(a)
	if m.Owner() != a || m.NextOwner() != nil {
		t.Fatalf("Owner = %v, NextOwner = %v, want %v, nil", m.Owner(), m.NextOwner(), a)
	}
	done := async(func() error {
		m.Lock(b)
		return nil
	})
	waitFor(t, "a boosted", func() bool { return a.Prio() == 20 })
	if m.NextOwner() != b {
		t.Errorf("NextOwner = %v, want %v", m.NextOwner(), b)
	}
	m.Unlock(a)
	wait(t, done)
	if m.Owner() != b || a.Boosted() {
		t.Errorf("Owner = %v, a boosted = %t", m.Owner(), a.Boosted())
	}
	m.ProxyUnlock(b)
	if m.IsLocked() {
		t.Errorf("mutex locked after ProxyUnlock")
	}
	m.Init()
	if m.IsLocked() || m.HasWaiters() {
		t.Errorf("Init left the mutex in use")
	}
}

func TestMutualExclusion(t *testing.T) {
	const (
		workers = 8
		iters   = 500
	)
	var (
		m       Mutex
		wg      sync.WaitGroup
		counter int
		inside  int32
		tasks   []*Task
	)
	for i := 0; i < workers; i++ {
		tasks = append(tasks, NewTask("worker", 90+i*5))
	}
	errs := make(chan string, workers)
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			for n := 0; n < iters; n++ {
				switch r.Intn(4) {
				case 0:
					if !m.TryLock(task) {
						continue
					}
				case 1:
					if err := m.LockTimed(task, time.Now().Add(time.Millisecond), false); err != nil {
						continue
					}
				case 2:
					if err := m.LockInterruptible(task, true); err != nil {
						errs <- err.Error()
						return
					}
				default:
					m.Lock(task)
				}
				inside++
				if inside != 1 {
					errs <- "two owners"
					inside--
					m.Unlock(task)
					return
				}
				counter++
				inside--
				m.Unlock(task)
			}
		}(i, task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("worker: %s", err)
	}
	if m.IsLocked() || m.HasWaiters() {
		t.Errorf("mutex left locked = %t, waiters = %t", m.IsLocked(), m.HasWaiters())
	}
	for _, task := range tasks {
		if task.Boosted() || task.Blocked() {
			t.Errorf("%v left boosted = %t, blocked = %t", task, task.Boosted(), task.Blocked())
		}
	}
	if counter == 0 || counter > workers*iters {
		t.Errorf("counter = %d", counter)
	}
}

func BenchmarkUncontended(b *testing.B) {
	task := NewTask("bench", DefaultPrio)
	var m Mutex
	for i := 0; i < b.N; i++ {
		m.Lock(task)
		m.Unlock(task)
	}
}

func BenchmarkContended(b *testing.B) {
	var m Mutex
	b.RunParallel(func(pb *testing.PB) {
		task := NewTask("bench", DefaultPrio)
		for pb.Next() {
			m.Lock(task)
			m.Unlock(task)
		}
	})
}
