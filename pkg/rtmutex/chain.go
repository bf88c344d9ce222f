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
	"sync/atomic"

	"pilock.dev/pilock/pkg/errors/linuxerr"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/plist"
	"pilock.dev/pilock/pkg/sync"
)

// waiter is a task queued on a lock. It lives on the stack of the blocking
// call.
type waiter struct {
	// listEntry is on lock.waiters, ordered by the task's priority at the
	// time it was queued or last requeued. Its priority is changed only
	// with both lock.waitLock and the task's piLock held.
	listEntry plist.Node[*waiter]

	// piEntry is on the owner's piWaiters while this is the lock's top
	// waiter. Protected by lock.waitLock and the owner's piLock.
	piEntry plist.Node[*waiter]

	// task is the blocked task. It is cleared when the waiter is granted
	// the lock or dequeued, which tells the task to stop waiting.
	task atomic.Pointer[Task]

	lock *Mutex

	// writeLock is set for writers of a read-write lock.
	writeLock bool
}

func (w *waiter) init(t *Task, m *Mutex) {
	w.listEntry.Value = w
	w.piEntry.Value = w
	w.lock = m
	w.task.Store(t)
}

// chainWalk holds the arguments of a priority chain walk.
type chainWalk struct {
	// detect enables deadlock detection. It also makes the walk continue
	// past locks whose top waiter did not change.
	detect bool

	// origLock is the lock the walk was started for, if any.
	origLock *Mutex

	// origWaiter is the waiter the walk was started for, if any. The walk
	// stops if it is dequeued.
	origWaiter *waiter

	// topWaiter, if set, must be the top pi waiter of the first task.
	topWaiter *waiter

	// topTask is the task that started the walk.
	topTask *Task

	// fanOut is the number of read-write fan-outs the walk went through.
	fanOut int
}

// maxDepthWarned holds the last depth limit that was reported, so that each
// limit is reported once.
var maxDepthWarned atomic.Int64

// adjustPrioChain propagates priority changes along the chain of locks that
// starts at the lock task is blocked on.
//
// Preconditions: no waitLock or piLock is held.
func adjustPrioChain(task *Task, c chainWalk) error {
	hops, err := walkChain(task, c)
	chainLengthMetric.AddSample(int64(hops))
	return err
}

func walkChain(task *Task, c chainWalk) (int, error) {
	maxDepth := CurrentConfig().MaxLockDepth
	topWaiter := c.topWaiter
	for depth := 1; ; depth++ {
		if depth > maxDepth {
			maxDepthMetric.Increment()
			if maxDepthWarned.Swap(int64(maxDepth)) != int64(maxDepth) {
				log.Warningf("Maximum lock depth %d reached task: %s (%d)", maxDepth, c.topTask.name, c.topTask.id)
			}
			if c.detect {
				deadlockMetric.Increment()
				return depth, linuxerr.EDEADLK
			}
			return depth, nil
		}

		var (
			w    *waiter
			lock *Mutex
		)
		for i := 0; ; i++ {
			task.piLock.Lock()
			w = task.piBlockedOn
			// The task got the lock or gave up waiting.
			if w == nil || w.task.Load() == nil {
				task.piLock.Unlock()
				return depth, nil
			}
			// The waiter that started the walk is gone.
			if c.origWaiter != nil && c.origWaiter.task.Load() == nil {
				task.piLock.Unlock()
				return depth, nil
			}
			// The top waiter changed since the previous hop; whoever
			// changed it is walking the rest of the chain.
			if topWaiter != nil {
				if top := task.piWaiters.First(); top == nil || top.Value != topWaiter {
					task.piLock.Unlock()
					return depth, nil
				}
			}
			if !c.detect && w.listEntry.Prio() == task.Prio() {
				task.piLock.Unlock()
				return depth, nil
			}
			lock = w.lock
			if lock.waitLock.TryLock() {
				break
			}
			task.piLock.Unlock()
			sync.Relax(i)
		}

		if lock == c.origLock || lock.ownerState().owner() == c.topTask {
			lock.waitLock.Unlock()
			task.piLock.Unlock()
			if c.detect {
				deadlockMetric.Increment()
				return depth, linuxerr.EDEADLK
			}
			return depth, nil
		}

		topWaiter = lock.topWaiter()
		lock.waiters.Requeue(&w.listEntry, task.Prio())
		task.piLock.Unlock()

		o := lock.ownerState()
		if o.isReaders() {
			rw := lock.rw
			readers := rw.fanOutLocked()
			lock.waitLock.Unlock()
			return depth, rw.adjustReaders(readers, c)
		}
		owner := o.owner()
		if owner == nil {
			lock.waitLock.Unlock()
			return depth, nil
		}

		owner.piLock.Lock()
		if w == lock.topWaiter() {
			// Boost the owner.
			owner.piWaiters.Del(&topWaiter.piEntry)
			owner.piWaiters.Add(&w.piEntry, w.listEntry.Prio())
			owner.adjustPrioLocked()
		} else if topWaiter == w {
			// Deboost the owner.
			owner.piWaiters.Del(&w.piEntry)
			w = lock.topWaiter()
			owner.piWaiters.Add(&w.piEntry, w.listEntry.Prio())
			owner.adjustPrioLocked()
		}
		owner.piLock.Unlock()

		topWaiter = lock.topWaiter()
		lock.waitLock.Unlock()

		if !c.detect && w != topWaiter {
			return depth, nil
		}
		task = owner
	}
}

// blocksOn queues w for t on m and boosts the owner.
//
// Preconditions: m.waitLock is held. It is dropped and reacquired if a chain
// walk is needed.
func (m *Mutex) blocksOn(t *Task, w *waiter, detect bool) error {
	o := m.ownerState()

	t.piLock.Lock()
	t.adjustPrioLocked()
	w.init(t, m)
	topWaiter := w
	if top := m.topWaiter(); top != nil {
		topWaiter = top
	}
	m.waiters.Add(&w.listEntry, t.Prio())
	t.piBlockedOn = w
	t.piLock.Unlock()

	walk := false
	owner := o.owner()
	if w == m.topWaiter() {
		if o.isReaders() {
			readers := m.rw.fanOutLocked()
			m.waitLock.Unlock()
			err := m.rw.adjustReaders(readers, chainWalk{
				detect:     detect,
				origLock:   m,
				origWaiter: w,
				topTask:    t,
			})
			m.waitLock.Lock()
			return err
		}
		if owner == nil {
			return nil
		}
		owner.piLock.Lock()
		owner.piWaiters.Del(&topWaiter.piEntry)
		owner.piWaiters.Add(&w.piEntry, w.listEntry.Prio())
		owner.adjustPrioLocked()
		walk = owner.piBlockedOn != nil
		owner.piLock.Unlock()
	} else if detect {
		walk = owner != nil
	}
	if !walk {
		return nil
	}

	m.waitLock.Unlock()
	err := adjustPrioChain(owner, chainWalk{
		detect:     detect,
		origLock:   m,
		origWaiter: w,
		topWaiter:  w,
		topTask:    t,
	})
	m.waitLock.Lock()
	return err
}

// removeWaiter dequeues w, which is t's waiter on m, and deboosts the owner.
//
// Preconditions: m.waitLock is held. It is dropped and reacquired if a chain
// walk is needed.
func (m *Mutex) removeWaiter(t *Task, w *waiter) {
	first := w == m.topWaiter()
	o := m.ownerState()

	t.piLock.Lock()
	m.waiters.Del(&w.listEntry)
	w.task.Store(nil)
	t.piBlockedOn = nil
	t.piLock.Unlock()

	if !first {
		return
	}
	if o.isReaders() {
		readers := m.rw.fanOutLocked()
		m.waitLock.Unlock()
		m.rw.adjustReaders(readers, chainWalk{origLock: m, topTask: t})
		m.waitLock.Lock()
		return
	}
	owner := o.owner()
	if owner == nil {
		return
	}
	owner.piLock.Lock()
	owner.piWaiters.Del(&w.piEntry)
	if next := m.topWaiter(); next != nil {
		owner.piWaiters.Add(&next.piEntry, next.listEntry.Prio())
	}
	owner.adjustPrioLocked()
	walk := owner != t && owner.piBlockedOn != nil
	owner.piLock.Unlock()
	if !walk {
		return
	}

	m.waitLock.Unlock()
	adjustPrioChain(owner, chainWalk{origLock: m, topTask: t})
	m.waitLock.Lock()
}

// wakeNext hands m to its top waiter as pending owner and wakes it. cur is
// the releasing task.
//
// Preconditions: m.waitLock is held and m has waiters.
func (m *Mutex) wakeNext(cur *Task) *Task {
	cur.piLock.Lock()
	w := m.topWaiter()
	m.waiters.Del(&w.listEntry)
	cur.piWaiters.Del(&w.piEntry)
	pend := w.task.Load()
	w.task.Store(nil)
	m.setOwner(taskOwner(pend, true, false))
	cur.piLock.Unlock()

	pend.piLock.Lock()
	warnOn(pend.piBlockedOn != w, "rtmutex: pending owner %v not blocked on %p", pend, m)
	pend.piBlockedOn = nil
	if next := m.topWaiter(); next != nil {
		pend.piWaiters.Add(&next.piEntry, next.listEntry.Prio())
	}
	pend.adjustPrioLocked()
	pend.piLock.Unlock()

	pend.wakeUp()
	return pend
}

type stealMode int

const (
	// stealNormal lets a task take a pending lock only from a less
	// important pending owner.
	stealNormal stealMode = iota

	// stealLateral also lets non-real-time tasks take it from an equally
	// important pending owner.
	stealLateral
)

func (s stealMode) String() string {
	if s == stealLateral {
		return "lateral"
	}
	return "normal"
}

// stealable returns true if cur may take a lock from pend.
func stealable(cur, pend *Task, mode stealMode) bool {
	if mode == stealNormal || cur.IsRT() {
		return cur.Prio() < pend.Prio()
	}
	return cur.Prio() <= pend.Prio()
}

// trySteal returns true if t may take m from its pending owner. On success,
// the boost of the top waiter moves from the pending owner to t.
//
// Preconditions: m.waitLock is held.
func (m *Mutex) trySteal(t *Task, mode stealMode) bool {
	o := m.ownerState()
	if !o.isPending() {
		return false
	}
	pend := o.owner()
	if pend == t {
		return true
	}

	pend.piLock.Lock()
	if !stealable(t, pend, mode) {
		pend.piLock.Unlock()
		return false
	}
	stealMetric.Increment(mode.String())
	next := m.topWaiter()
	if next == nil {
		pend.piLock.Unlock()
		return true
	}
	pend.piWaiters.Del(&next.piEntry)
	pend.adjustPrioLocked()
	pend.piLock.Unlock()

	if next.task.Load() != t {
		t.piLock.Lock()
		t.piWaiters.Add(&next.piEntry, next.listEntry.Prio())
		t.adjustPrioLocked()
		t.piLock.Unlock()
	}
	return true
}

// tryTake tries to make t the owner of m.
//
// Preconditions: m.waitLock is held.
func (m *Mutex) tryTake(t *Task, mode stealMode) bool {
	// The waiters flag keeps the owner out of its fast unlock path while we
	// look at the lock.
	m.markWaiters()
	if !m.ownerState().free() && !m.trySteal(t, mode) {
		return false
	}
	m.setOwner(taskOwner(t, false, false))
	return true
}
