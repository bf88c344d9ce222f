// Copyright 2025 The gVisor Authors.
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
	"sync/atomic"

	"pilock.dev/pilock/pkg/sync"
)

// SpinLock is a Mutex whose waiters spin while the owner is running and sleep
// only once it stops. Equally important non-real-time tasks may take the lock
// from a pending owner. The zero value is an unlocked SpinLock.
//
// Waits on a SpinLock cannot be interrupted and never detect deadlocks.
type SpinLock struct {
	m Mutex
}

// Init resets l to the unlocked state.
func (l *SpinLock) Init() {
	l.m.Init()
}

// Destroy returns ErrBusy if l is still locked.
func (l *SpinLock) Destroy() error {
	return l.m.Destroy()
}

// IsLocked returns true if l is held.
func (l *SpinLock) IsLocked() bool {
	return l.m.IsLocked()
}

// Owner returns the task that holds l, or nil.
func (l *SpinLock) Owner() *Task {
	return l.m.Owner()
}

// Lock locks l for t. Locking a SpinLock that t already holds panics.
func (l *SpinLock) Lock(t *Task) {
	if l.m.owner.CompareAndSwap(nil, &t.owned[0]) {
		return
	}
	slowPathMetric.Increment(kindSpin)
	l.slowLock(t)
}

// TryLock tries to lock l for t without waiting.
func (l *SpinLock) TryLock(t *Task) bool {
	return l.m.TryLock(t)
}

// Unlock unlocks l, which t holds.
func (l *SpinLock) Unlock(t *Task) {
	l.m.Unlock(t)
}

// UnlockWait waits until l is released by its current holder, without
// keeping it.
func (l *SpinLock) UnlockWait(t *Task) {
	if !l.IsLocked() {
		return
	}
	l.Lock(t)
	l.Unlock(t)
}

// AtomicDecAndLock decrements v and, if it drops to zero, returns true with l
// locked by t. Otherwise l is left unlocked.
func (l *SpinLock) AtomicDecAndLock(t *Task, v *atomic.Int32) bool {
	// Decrement without the lock unless this might be the last reference.
	for {
		old := v.Load()
		if old == 1 {
			break
		}
		if v.CompareAndSwap(old, old-1) {
			return false
		}
	}
	l.Lock(t)
	if v.Add(-1) == 0 {
		return true
	}
	l.Unlock(t)
	return false
}

func (l *SpinLock) slowLock(t *Task) {
	m := &l.m
	var w waiter
	s := sleeper{}
	t.drainWake()
	m.waitLock.Lock()

	if m.ownerState().owner() == t && !m.ownerState().isPending() {
		m.waitLock.Unlock()
		panic("rtmutex: recursive spin lock by " + t.String())
	}
	for {
		if m.tryTake(t, stealLateral) {
			break
		}
		if w.task.Load() == nil {
			m.blocksOn(t, &w, false)
			if w.task.Load() == nil {
				continue
			}
		}
		owner := m.ownerState().owner()
		m.waitLock.Unlock()
		if adaptiveWait(&w, owner) && w.task.Load() != nil {
			s.sleep(t)
		}
		m.waitLock.Lock()
	}

	if w.task.Load() != nil {
		m.removeWaiter(t, &w)
	}
	m.fixupWaiters()
	m.waitLock.Unlock()
}

// adaptiveWait spins while w is queued and owner holds the lock and is
// running. It returns true if the caller should sleep.
func adaptiveWait(w *waiter, owner *Task) bool {
	limit := CurrentConfig().SpinLimit
	for i := 0; ; i++ {
		if w.task.Load() == nil {
			return false
		}
		// The owner changed; try to take the lock again.
		if w.lock.ownerState().owner() != owner {
			return false
		}
		if owner == nil || !owner.OnCPU() || (limit > 0 && i >= limit) {
			adaptiveSleepMetric.Increment()
			return true
		}
		sync.Relax(i)
	}
}
