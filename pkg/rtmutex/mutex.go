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
	"sync/atomic"
	"time"

	"pilock.dev/pilock/pkg/errors/linuxerr"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/plist"
	"pilock.dev/pilock/pkg/sync"
)

// Mutex is a priority-inheritance mutex. The zero value is an unlocked
// mutex.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	owner atomic.Pointer[lockOwner]

	// waitLock protects waiters and the slow paths.
	waitLock sync.Mutex

	// waiters are the blocked tasks, most important first.
	waiters plist.List[*waiter]

	// rw is the read-write lock m belongs to, if any. Protected by waitLock.
	rw *rwLock
}

func (m *Mutex) ownerState() *lockOwner {
	return m.owner.Load()
}

// topWaiter returns the most important waiter, or nil.
//
// Preconditions: m.waitLock is held.
func (m *Mutex) topWaiter() *waiter {
	if n := m.waiters.First(); n != nil {
		return n.Value
	}
	return nil
}

// setOwner stores o, with the waiters flag reflecting the wait list.
//
// Preconditions: m.waitLock is held.
func (m *Mutex) setOwner(o *lockOwner) {
	m.owner.Store(o.withWaiters(!m.waiters.Empty()))
}

// markWaiters sets the waiters flag, which forces the fast paths to fail.
func (m *Mutex) markWaiters() {
	for {
		o := m.owner.Load()
		if o.hasWaiters() || m.owner.CompareAndSwap(o, o.withWaiters(true)) {
			return
		}
	}
}

// fixupWaiters clears the waiters flag set by markWaiters if the wait list is
// empty.
//
// Preconditions: m.waitLock is held.
func (m *Mutex) fixupWaiters() {
	if m.waiters.Empty() {
		if o := m.owner.Load(); o.hasWaiters() {
			m.owner.Store(o.withWaiters(false))
		}
	}
}

// Init resets m to the unlocked state. m must not be in use.
func (m *Mutex) Init() {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	m.owner.Store(nil)
	m.waiters = plist.List[*waiter]{}
}

// InitProxyLocked initializes m as locked by t, on behalf of t. This is used
// to hand a lock to a task that is not running, such as the owner of a
// contended futex.
func (m *Mutex) InitProxyLocked(t *Task) {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	m.waiters = plist.List[*waiter]{}
	m.setOwner(taskOwner(t, false, false))
}

// ProxyUnlock releases m on behalf of its owner t, which must not have
// waiters queued behind it.
func (m *Mutex) ProxyUnlock(t *Task) {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	warnOn(m.ownerState().owner() != t, "rtmutex: proxy unlock of %p by non-owner %v", m, t)
	warnOn(!m.waiters.Empty(), "rtmutex: proxy unlock of %p with waiters", m)
	m.owner.Store(nil)
}

// Destroy marks m as unusable. It returns ErrBusy if m is still locked.
func (m *Mutex) Destroy() error {
	if warnOn(m.IsLocked(), "rtmutex: destroy of locked mutex %p", m) {
		return ErrBusy
	}
	return nil
}

// IsLocked returns true if m is held.
func (m *Mutex) IsLocked() bool {
	return !m.ownerState().free()
}

// Owner returns the task that holds m, or nil if m is free or held by
// readers. A pending owner is reported as the owner.
func (m *Mutex) Owner() *Task {
	return m.ownerState().owner()
}

// HasWaiters returns true if a task is blocked on m.
func (m *Mutex) HasWaiters() bool {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	return !m.waiters.Empty()
}

// NextOwner returns the task that would be handed m by an unlock, or nil.
func (m *Mutex) NextOwner() *Task {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	if w := m.topWaiter(); w != nil {
		return w.task.Load()
	}
	return nil
}

// Lock locks m for t. The wait cannot be interrupted.
func (m *Mutex) Lock(t *Task) {
	if m.owner.CompareAndSwap(nil, &t.owned[0]) {
		return
	}
	slowPathMetric.Increment(kindMutex)
	m.slowLock(t, &sleeper{}, false)
}

// LockInterruptible locks m for t. It returns ErrInterrupted if t is
// interrupted while waiting. If detect is set, it returns ErrWouldDeadlock
// instead of waiting when the wait would close a cycle.
func (m *Mutex) LockInterruptible(t *Task, detect bool) error {
	return m.lock(t, &sleeper{interruptible: true}, detect)
}

// LockTimed is like LockInterruptible, but returns ErrTimedOut once the
// deadline passes. A zero deadline waits forever.
func (m *Mutex) LockTimed(t *Task, deadline time.Time, detect bool) error {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	return m.LockContext(ctx, t, detect)
}

// LockContext is like LockInterruptible, but also gives up when ctx is done:
// with ErrTimedOut if its deadline passed and ErrInterrupted otherwise.
func (m *Mutex) LockContext(ctx context.Context, t *Task, detect bool) error {
	return m.lock(t, &sleeper{interruptible: true, ctx: ctx}, detect)
}

func (m *Mutex) lock(t *Task, s *sleeper, detect bool) error {
	if !detect && m.owner.CompareAndSwap(nil, &t.owned[0]) {
		return nil
	}
	slowPathMetric.Increment(kindMutex)
	return m.slowLock(t, s, detect)
}

// TryLock tries to lock m for t without waiting.
func (m *Mutex) TryLock(t *Task) bool {
	if m.owner.CompareAndSwap(nil, &t.owned[0]) {
		return true
	}
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	if m.ownerState().owner() == t {
		return false
	}
	ok := m.tryTake(t, stealNormal)
	m.fixupWaiters()
	return ok
}

// Unlock unlocks m, which t holds.
func (m *Mutex) Unlock(t *Task) {
	if m.owner.CompareAndSwap(&t.owned[0], nil) {
		return
	}
	m.slowUnlock(t)
}

func (m *Mutex) slowLock(t *Task, s *sleeper, detect bool) error {
	var w waiter
	t.drainWake()
	m.waitLock.Lock()

	var err error
	for {
		if m.tryTake(t, stealNormal) {
			break
		}
		if s.interruptible {
			if err = s.check(t); err != nil {
				break
			}
		}
		if w.task.Load() == nil {
			err = m.blocksOn(t, &w, detect)
			// We were granted the lock during the chain walk.
			if w.task.Load() == nil {
				err = nil
				continue
			}
			if err != nil {
				break
			}
		}
		m.waitLock.Unlock()
		if w.task.Load() != nil {
			s.sleep(t)
		}
		m.waitLock.Lock()
	}

	if w.task.Load() != nil {
		m.removeWaiter(t, &w)
	}
	m.fixupWaiters()
	m.waitLock.Unlock()

	if err != nil {
		t.adjustPrio()
	}
	s.finish(t, err)
	return err
}

func (m *Mutex) slowUnlock(t *Task) {
	m.waitLock.Lock()
	o := m.ownerState()
	if o.free() {
		m.waitLock.Unlock()
		panic("rtmutex: unlock of unlocked mutex")
	}
	warnOn(o.owner() != t, "rtmutex: unlock of %p by non-owner %v", m, t)
	if m.waiters.Empty() {
		m.owner.Store(nil)
		m.waitLock.Unlock()
		return
	}
	m.wakeNext(t)
	m.waitLock.Unlock()

	// Undo the boost from the waiters we just handed the lock to.
	t.adjustPrio()
}

// sleeper is how a task waits in a slow path.
type sleeper struct {
	interruptible bool

	// ctx, if set, ends the wait when done.
	ctx context.Context

	// interrupted is set once an interrupt was consumed by this wait.
	interrupted bool
}

// check returns the error that ends the wait, if any.
func (s *sleeper) check(t *Task) error {
	var err error
	if s.interrupted || t.takeInterrupt() {
		s.interrupted = true
		err = linuxerr.EINTR
	}
	if s.ctx != nil {
		switch s.ctx.Err() {
		case context.DeadlineExceeded:
			err = linuxerr.ETIMEDOUT
		case context.Canceled:
			err = linuxerr.EINTR
		}
	}
	return err
}

// sleep blocks until t is woken, interrupted, or ctx is done.
func (s *sleeper) sleep(t *Task) {
	var intr chan struct{}
	if s.interruptible && !s.interrupted {
		intr = t.interrupt
	}
	var done <-chan struct{}
	if s.ctx != nil {
		done = s.ctx.Done()
	}
	start := time.Now()
	t.onCPU.Store(false)
	select {
	case <-t.wake:
	case <-intr:
		s.interrupted = true
	case <-done:
	}
	t.onCPU.Store(true)
	sleepTimeMetric.AddSample(int64(time.Since(start)))
}

// finish re-posts an interrupt consumed by a wait that ended for another
// reason, so that it interrupts the next one.
func (s *sleeper) finish(t *Task, err error) {
	if s.interrupted && err != linuxerr.EINTR {
		log.Debugf("Task %v: lock wait ended with %v, keeping interrupt", t, err)
		t.Interrupt()
	}
}
