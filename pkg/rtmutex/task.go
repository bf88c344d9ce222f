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
	"fmt"
	"sync/atomic"

	"pilock.dev/pilock/pkg/abi/linux"
	"pilock.dev/pilock/pkg/ilist"
	"pilock.dev/pilock/pkg/plist"
	"pilock.dev/pilock/pkg/sync"
)

// Priority bounds. Lower values are more important.
const (
	// MaxPrio is one past the least important priority.
	MaxPrio = linux.MAX_PRIO

	// MaxRTPrio is one past the least important real-time priority.
	MaxRTPrio = linux.MAX_RT_PRIO

	// DefaultPrio is the priority of a nice 0 task.
	DefaultPrio = linux.DEFAULT_PRIO
)

// MaxReadLocks is the number of read locks a task tracks at once. Read
// acquisitions beyond this are still granted but do not boost the holder.
const MaxReadLocks = 5

var lastTaskID atomic.Int32

// Task is a schedulable entity that owns and waits for locks. A Task is used
// by one goroutine at a time; any goroutine may change its priority or
// interrupt it.
type Task struct {
	name string
	id   int32

	// normalPrio is the priority the task has without any boosting.
	normalPrio atomic.Int32

	// prio is the effective priority. It is written with piLock held and
	// may be read without it.
	prio atomic.Int32

	// piLock protects piWaiters and piBlockedOn.
	piLock sync.Mutex

	// piWaiters holds the top waiter of each lock owned by the task, sorted
	// by priority.
	piWaiters plist.List[*waiter]

	// piBlockedOn is the waiter the task is currently blocked with.
	piBlockedOn *waiter

	// wake is posted to when the task's waiter is granted. It is buffered so
	// that a wakeup sent before the task sleeps is not lost.
	wake chan struct{}

	// interrupt is posted to by Interrupt.
	interrupt chan struct{}

	// onCPU is false while the task sleeps in a lock wait.
	onCPU atomic.Bool

	// owned and rwOwned are the canonical owner states naming this task. See
	// lockOwner and rwOwner.
	owned   [4]lockOwner
	rwOwned [4]rwOwner

	// readLocks tracks the read locks held by the task. Slots are only
	// allocated and released by the task itself, but other tasks inspect
	// them with the lock's waitLock held.
	readLocks     [MaxReadLocks]readerLock
	readLockCount atomic.Int32
}

// NewTask returns a task with the given name and normal priority.
func NewTask(name string, prio int) *Task {
	t := &Task{
		name:      name,
		id:        lastTaskID.Add(1) & linux.FUTEX_TID_MASK,
		wake:      make(chan struct{}, 1),
		interrupt: make(chan struct{}, 1),
	}
	prio = clampPrio(prio)
	t.normalPrio.Store(int32(prio))
	t.prio.Store(int32(prio))
	t.onCPU.Store(true)
	for i := range t.owned {
		t.owned[i] = lockOwner{
			kind:    ownerTask,
			task:    t,
			pending: i&ownedPending != 0,
			waiters: i&ownedWaiters != 0,
		}
	}
	for i := range t.rwOwned {
		t.rwOwned[i] = rwOwner{
			kind:   rwTask,
			task:   t,
			writer: i&rwOwnedWriter != 0,
			check:  i&rwOwnedCheck != 0,
		}
	}
	for i := range t.readLocks {
		t.readLocks[i].task = t
	}
	return t
}

func clampPrio(prio int) int {
	switch {
	case prio < 0:
		return 0
	case prio >= MaxPrio:
		return MaxPrio - 1
	}
	return prio
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// ID returns the task's thread ID. IDs fit in linux.FUTEX_TID_MASK.
func (t *Task) ID() int32 {
	return t.id
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%s (%d)", t.name, t.id)
}

// Prio returns the task's effective priority, including any boost.
func (t *Task) Prio() int {
	return int(t.prio.Load())
}

// NormalPrio returns the task's priority without boosting.
func (t *Task) NormalPrio() int {
	return int(t.normalPrio.Load())
}

// IsRT returns true if the task currently runs at a real-time priority.
func (t *Task) IsRT() bool {
	return linux.IsRTPrio(t.Prio())
}

// Boosted returns true if the effective priority is above the normal one.
func (t *Task) Boosted() bool {
	return t.Prio() < t.NormalPrio()
}

// Blocked returns true if the task is currently waiting for a lock.
func (t *Task) Blocked() bool {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	return t.piBlockedOn != nil
}

// SetPriority changes the task's normal priority. If the task is blocked on a
// lock, its position in the wait list and the boost of the lock owner chain
// are updated.
func (t *Task) SetPriority(prio int) {
	t.piLock.Lock()
	t.normalPrio.Store(int32(clampPrio(prio)))
	t.adjustPrioLocked()
	w := t.piBlockedOn
	if w == nil || w.listEntry.Prio() == t.Prio() {
		t.piLock.Unlock()
		return
	}
	t.piLock.Unlock()
	adjustPrioChain(t, chainWalk{topTask: t})
}

// Interrupt interrupts the task's current or next interruptible wait. It has
// no effect on uninterruptible waits.
func (t *Task) Interrupt() {
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

// takeInterrupt consumes a pending interrupt.
func (t *Task) takeInterrupt() bool {
	select {
	case <-t.interrupt:
		return true
	default:
		return false
	}
}

// SetOnCPU records whether the task is running. A task that is off CPU stops
// spin lock waiters from spinning on it.
func (t *Task) SetOnCPU(on bool) {
	t.onCPU.Store(on)
}

// OnCPU returns true if the task is running.
func (t *Task) OnCPU() bool {
	return t.onCPU.Load()
}

// wakeUp posts a wakeup to the task.
func (t *Task) wakeUp() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// drainWake discards a wakeup left over from an earlier wait.
func (t *Task) drainWake() {
	select {
	case <-t.wake:
	default:
	}
}

// getPrio returns the priority the task should run at.
//
// Preconditions: t.piLock is held.
func (t *Task) getPrio() int {
	prio := t.NormalPrio()
	if p := t.readersPrio(); p < prio {
		prio = p
	}
	if top := t.piWaiters.First(); top != nil && top.Prio() < prio {
		prio = top.Prio()
	}
	return prio
}

// adjustPrioLocked recomputes the effective priority.
//
// Preconditions: t.piLock is held.
func (t *Task) adjustPrioLocked() {
	if p := t.getPrio(); t.Prio() != p {
		t.prio.Store(int32(p))
	}
}

func (t *Task) adjustPrio() {
	t.piLock.Lock()
	t.adjustPrioLocked()
	t.piLock.Unlock()
}

// readerLock is a read lock held by a task. A slot is in use while lock is
// set.
type readerLock struct {
	ilist.Entry[*readerLock]

	lock atomic.Pointer[rwLock]
	task *Task

	// count is the number of times the task holds lock. Only the task
	// touches it.
	count int

	// onList is true if the slot is on lock.readers. Protected by the
	// lock's waitLock.
	onList bool
}

// readersPrio returns the most important priority inherited through the
// read locks held by t, or MaxPrio.
func (t *Task) readersPrio() int {
	prio := MaxPrio
	for i := range t.readLocks {
		if l := t.readLocks[i].lock.Load(); l != nil {
			if p := l.aggregatePrio(); p < prio {
				prio = p
			}
		}
	}
	return prio
}

// findReadLock returns the slot that tracks l, or nil.
func (t *Task) findReadLock(l *rwLock) *readerLock {
	for i := range t.readLocks {
		if t.readLocks[i].lock.Load() == l {
			return &t.readLocks[i]
		}
	}
	return nil
}

// allocReadLock claims a free slot for l. It returns nil if the task already
// tracks MaxReadLocks read locks.
func (t *Task) allocReadLock(l *rwLock) *readerLock {
	for i := range t.readLocks {
		rl := &t.readLocks[i]
		if rl.lock.Load() == nil {
			rl.count = 1
			rl.lock.Store(l)
			t.readLockCount.Add(1)
			return rl
		}
	}
	warnLimited.Warningf("Task %v holds more than %d read locks; not tracking %p", t, MaxReadLocks, l)
	return nil
}

// releaseReadLock frees rl.
func (t *Task) releaseReadLock(rl *readerLock) {
	rl.count = 0
	rl.lock.Store(nil)
	t.readLockCount.Add(-1)
}

// ReadLocks returns the number of read locks the task holds.
func (t *Task) ReadLocks() int {
	return int(t.readLockCount.Load())
}
