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
	"context"
	"sync/atomic"
	"time"

	"pilock.dev/pilock/pkg/ilist"
)

// rwLock is the implementation shared by RWMutex and RWSpinLock.
//
// Readers that find the lock free take it with a single compare and swap,
// recording themselves as the lone reader. Any contention sets the check
// flag in the owner word, after which all operations go through mutex.waitLock
// and the set of readers is tracked in readers so that a blocked writer can
// boost them.
type rwLock struct {
	owner atomic.Pointer[rwOwner]

	// mutex queues the waiters of both kinds. Its owner is the writer, the
	// pending owner, or readersOwner while readers hold the lock.
	mutex Mutex

	// readers are the tracked read holders. Protected by mutex.waitLock.
	readers ilist.List[*readerLock]

	// count is the number of read acquisitions held.
	count atomic.Int32

	// owners is the number of distinct tasks holding a read lock.
	owners atomic.Int32

	// prio is the priority inherited by every reader, plus one. Zero means
	// MaxPrio.
	prio atomic.Int32
}

func modeFor(spin bool) stealMode {
	if spin {
		return stealLateral
	}
	return stealNormal
}

// aggregatePrio returns the priority readers of l inherit.
func (l *rwLock) aggregatePrio() int {
	if p := l.prio.Load(); p != 0 {
		return int(p) - 1
	}
	return MaxPrio
}

func (l *rwLock) setAggregatePrio(prio int) {
	if prio >= MaxPrio {
		l.prio.Store(0)
		return
	}
	l.prio.Store(int32(prio) + 1)
}

// refreshPrioLocked sets the inherited priority from the top waiter.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) refreshPrioLocked() {
	prio := MaxPrio
	if w := l.mutex.topWaiter(); w != nil {
		prio = w.listEntry.Prio()
		if t := w.task.Load(); t != nil {
			prio = t.Prio()
		}
	}
	l.setAggregatePrio(prio)
}

// fanOutLocked refreshes the inherited priority and returns the tracked
// readers, whose own priorities must then be adjusted with adjustReaders.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) fanOutLocked() []*Task {
	l.refreshPrioLocked()
	var readers []*Task
	for rl := l.readers.Front(); rl != nil; rl = rl.Next() {
		readers = append(readers, rl.task)
	}
	return readers
}

// adjustReaders applies the inherited priority to each reader and continues
// the chain walk through the locks they are blocked on.
//
// Preconditions: no waitLock or piLock is held.
func (l *rwLock) adjustReaders(readers []*Task, c chainWalk) error {
	if warnOn(c.fanOut >= MaxReadLocks, "rtmutex: read lock fan-out deeper than %d", MaxReadLocks) {
		return nil
	}
	c.fanOut++
	c.topWaiter = nil
	var ret error
	for _, r := range readers {
		r.adjustPrio()
		if err := adjustPrioChain(r, c); err != nil && ret == nil {
			ret = err
		}
	}
	return ret
}

// markCheck sets the check flag, which forces the fast paths to fail.
func (l *rwLock) markCheck() {
	for {
		o := l.owner.Load()
		if (o != nil && o.check) || l.owner.CompareAndSwap(o, o.withCheck()) {
			return
		}
	}
}

// trackLocked puts rl on the reader list.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) trackLocked(rl *readerLock) {
	if rl != nil && !rl.onList {
		l.readers.PushBack(rl)
		rl.onList = true
	}
}

// untrackLocked removes rl from the reader list.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) untrackLocked(rl *readerLock) {
	if rl.onList {
		l.readers.Remove(rl)
		rl.onList = false
	}
}

// updateOwner converts a lone fast-path reader into a tracked reader, so
// that it can be boosted.
//
// Preconditions: l.mutex.waitLock is held and the check flag is set.
func (l *rwLock) updateOwner(owners int32) {
	if owners == 0 {
		return
	}
	o := l.owner.Load()
	if o.isPending() {
		return
	}
	r := o.reader()
	if r == nil {
		return
	}
	rl := r.findReadLock(l)
	if rl == nil || rl.onList {
		return
	}
	l.trackLocked(rl)
	l.owner.Store(rwReadersCheck)
}

// updateMutexOwner makes the owner of l the owner of l.mutex, so that
// waiters boost it.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) updateMutexOwner() {
	m := &l.mutex
	if !m.ownerState().free() {
		return
	}
	o := l.owner.Load()
	if warnOn(!o.present(), "rtmutex: read-write lock %p contended without an owner", l) {
		return
	}
	if o.isWriter() {
		m.setOwner(taskOwner(o.task, false, false))
		return
	}
	m.setOwner(readersOwner)
}

// tryTakeRead tries to take l for reading.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) tryTakeRead(t *Task, mode stealMode) bool {
	m := &l.mutex
	l.markCheck()
	o := l.owner.Load()
	if o.isWriter() {
		return false
	}

	// Read locks nest.
	if rl := t.findReadLock(l); rl != nil {
		l.trackLocked(rl)
		l.owner.Store(rwReadersOwner)
		rl.count++
		l.count.Add(1)
		return true
	}

	mo := m.ownerState()
	if mo.free() && !o.present() {
		l.owner.Store(rwReadersOwner)
		l.takenRead(t)
		return true
	}

	owners := l.owners.Load()
	l.updateOwner(owners)
	if limit := CurrentConfig().ReaderLimit; limit > 0 && int(owners) >= limit {
		return false
	}

	if mt := mo.owner(); mt != nil {
		if !m.trySteal(t, mode) {
			warnOn(!mo.isPending(), "rtmutex: read-write lock %p owned by %v without a writer", l, mt)
			// A pending writer keeps the lock.
			if l.owner.Load().isPendingWriter() {
				return false
			}
			if top := m.topWaiter(); top != nil {
				if !stealable(t, top.task.Load(), mode) {
					return false
				}
				mt.piLock.Lock()
				mt.piWaiters.Del(&top.piEntry)
				mt.adjustPrioLocked()
				mt.piLock.Unlock()
			}
		} else if top := m.topWaiter(); top != nil {
			// Readers boost through the inherited priority, not through
			// piWaiters.
			t.piLock.Lock()
			t.piWaiters.Del(&top.piEntry)
			t.adjustPrioLocked()
			t.piLock.Unlock()
		}
		m.setOwner(readersOwner)
	}
	l.owner.Store(rwReadersOwner)
	l.takenRead(t)
	return true
}

// takenRead records a new read holder.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) takenRead(t *Task) {
	l.owners.Add(1)
	l.trackLocked(t.allocReadLock(l))
	l.count.Add(1)
	if !l.mutex.waiters.Empty() {
		l.refreshPrioLocked()
		t.adjustPrio()
	}
}

// tryTakeWrite tries to take l for writing.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) tryTakeWrite(t *Task, mode stealMode) bool {
	m := &l.mutex
	l.markCheck()
	o := l.owner.Load()
	l.updateOwner(l.owners.Load())
	if o.present() && !o.isPending() {
		return false
	}
	warnOn(o.present() && !m.ownerState().isPending(), "rtmutex: read-write lock %p pending without a pending owner", l)
	if !m.tryTake(t, mode) {
		return false
	}
	l.owner.Store(rwTaskOwner(t, true, true))
	l.setAggregatePrio(MaxPrio)
	return true
}

func (l *rwLock) fastTryRead(t *Task) bool {
	fast := rwTaskOwner(t, false, false)
	for {
		if !l.owner.CompareAndSwap(nil, fast) {
			return false
		}
		l.count.Add(1)
		// A slow path marked the lock before we counted ourselves.
		if l.owner.Load() != fast {
			l.count.Add(-1)
			continue
		}
		l.owners.Add(1)
		rl := t.allocReadLock(l)
		if l.owner.Load() != fast {
			l.mutex.waitLock.Lock()
			l.trackLocked(rl)
			if !l.mutex.waiters.Empty() {
				l.refreshPrioLocked()
				t.adjustPrio()
			}
			l.mutex.waitLock.Unlock()
		}
		return true
	}
}

func (l *rwLock) fastRUnlock(t *Task) bool {
	fast := rwTaskOwner(t, false, false)
	l.count.Add(-1)
	if !l.owner.CompareAndSwap(fast, nil) {
		return false
	}
	l.owners.Add(-1)
	if rl := t.findReadLock(l); rl != nil {
		warnOn(rl.onList, "rtmutex: untracked reader %v of %p on reader list", t, l)
		t.releaseReadLock(rl)
	}
	return true
}

func (l *rwLock) rlock(t *Task, s *sleeper, detect, spin bool) error {
	if !detect && l.fastTryRead(t) {
		return nil
	}
	slowPathMetric.Increment(kindRead)
	return l.slowLock(t, s, detect, spin, false)
}

func (l *rwLock) tryRLock(t *Task, spin bool) bool {
	if l.fastTryRead(t) {
		return true
	}
	l.mutex.waitLock.Lock()
	defer l.mutex.waitLock.Unlock()
	l.mutex.rw = l
	return l.tryTakeRead(t, modeFor(spin))
}

func (l *rwLock) lock(t *Task, s *sleeper, detect, spin bool) error {
	if !detect && l.owner.CompareAndSwap(nil, rwTaskOwner(t, true, false)) {
		return nil
	}
	slowPathMetric.Increment(kindWrite)
	return l.slowLock(t, s, detect, spin, true)
}

func (l *rwLock) tryLock(t *Task, spin bool) bool {
	if l.owner.CompareAndSwap(nil, rwTaskOwner(t, true, false)) {
		return true
	}
	l.mutex.waitLock.Lock()
	defer l.mutex.waitLock.Unlock()
	l.mutex.rw = l
	ok := l.tryTakeWrite(t, modeFor(spin))
	l.mutex.fixupWaiters()
	return ok
}

// slowLock waits for l in read or write mode.
func (l *rwLock) slowLock(t *Task, s *sleeper, detect, spin, write bool) error {
	m := &l.mutex
	mode := modeFor(spin)
	w := waiter{writeLock: write}
	t.drainWake()
	m.waitLock.Lock()
	m.rw = l

	var err error
	for {
		if write && l.tryTakeWrite(t, mode) || !write && l.tryTakeRead(t, mode) {
			break
		}
		l.updateMutexOwner()
		if s.interruptible {
			if err = s.check(t); err != nil {
				break
			}
		}
		if w.task.Load() == nil {
			err = m.blocksOn(t, &w, detect)
			if w.task.Load() == nil {
				err = nil
				continue
			}
			if err != nil {
				break
			}
		}
		owner := m.ownerState().owner()
		m.waitLock.Unlock()
		if w.task.Load() != nil && (!spin || adaptiveWait(&w, owner)) {
			s.sleep(t)
		}
		m.waitLock.Lock()
	}

	if w.task.Load() != nil {
		m.removeWaiter(t, &w)
	}
	if write && err == nil && !m.waiters.Empty() {
		l.markCheck()
	}
	m.fixupWaiters()
	m.waitLock.Unlock()

	if err != nil {
		t.adjustPrio()
	}
	s.finish(t, err)
	return err
}

func (l *rwLock) runlock(t *Task) {
	if l.fastRUnlock(t) {
		return
	}
	l.slowRUnlock(t)
}

func (l *rwLock) slowRUnlock(t *Task) {
	m := &l.mutex
	m.waitLock.Lock()
	l.markCheck()

	if rl := t.findReadLock(l); rl != nil {
		rl.count--
		if rl.count == 0 {
			l.owners.Add(-1)
			l.untrackLocked(rl)
			t.releaseReadLock(rl)
		}
	} else {
		// The acquisition was not tracked.
		l.owners.Add(-1)
	}
	l.wakeAfterRead(t)
	m.waitLock.Unlock()

	// Drop the priority inherited through l.
	t.adjustPrio()
}

// wakeAfterRead hands l on after t released a read lock.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) wakeAfterRead(t *Task) {
	m := &l.mutex
	o := l.owner.Load()
	if o.reader() != t && !o.isReaders() {
		l.updateOwner(l.owners.Load())
		return
	}

	readers := l.count.Load()
	limit := CurrentConfig().ReaderLimit
	if readers != 0 && (limit == 0 || int(l.owners.Load()) >= limit) {
		return
	}

	top := m.topWaiter()
	switch {
	case top == nil:
		l.setAggregatePrio(MaxPrio)
		if readers != 0 {
			return
		}
		if m.ownerState().isPending() {
			l.owner.Store(rwPendingReadOwner)
		} else {
			l.owner.Store(nil)
			m.owner.Store(nil)
		}
		return
	case top.writeLock:
		if readers != 0 {
			return
		}
		l.setAggregatePrio(MaxPrio)
		l.owner.Store(rwPendingWriteOwner)
	default:
		if limit > 0 && int(l.owners.Load()) >= limit {
			return
		}
		l.owner.Store(rwPendingReadOwner)
	}
	m.wakeNext(t)
}

func (l *rwLock) unlock(t *Task) {
	if l.owner.CompareAndSwap(rwTaskOwner(t, true, false), nil) {
		return
	}
	l.slowUnlock(t)
}

func (l *rwLock) slowUnlock(t *Task) {
	m := &l.mutex
	m.waitLock.Lock()
	if o := l.owner.Load(); !o.isWriter() || o.task != t {
		if o.isPending() {
			m.waitLock.Unlock()
			panic("rtmutex: unlock of unlocked read-write lock")
		}
		warnOn(true, "rtmutex: write unlock of %p by non-owner %v", l, t)
	}
	l.setAggregatePrio(MaxPrio)
	if m.waiters.Empty() {
		l.owner.Store(nil)
		m.owner.Store(nil)
		m.waitLock.Unlock()
		return
	}

	first := m.topWaiter()
	pend := m.wakeNext(t)
	if first.writeLock {
		l.owner.Store(rwPendingWriteOwner)
	} else {
		l.owner.Store(rwPendingReadOwner)
		l.wakeReadersLocked(pend)
	}
	m.waitLock.Unlock()

	t.adjustPrio()
}

// wakeReadersLocked wakes the readers queued ahead of the first writer along
// with pend, the pending owner.
//
// Preconditions: l.mutex.waitLock is held.
func (l *rwLock) wakeReadersLocked(pend *Task) {
	m := &l.mutex
	if m.waiters.Empty() {
		return
	}
	var woken []*Task
	pend.piLock.Lock()
	for w := m.topWaiter(); w != nil && !w.writeLock; w = m.topWaiter() {
		woken = append(woken, w.task.Load())
		m.waiters.Del(&w.listEntry)
		pend.piWaiters.Del(&w.piEntry)
		w.task.Store(nil)
	}
	if next := m.topWaiter(); next != nil {
		pend.piWaiters.Del(&next.piEntry)
		pend.piWaiters.Add(&next.piEntry, next.listEntry.Prio())
	}
	pend.adjustPrioLocked()
	pend.piLock.Unlock()

	for _, r := range woken {
		r.piLock.Lock()
		r.piBlockedOn = nil
		r.piLock.Unlock()
		r.wakeUp()
	}
}

func (l *rwLock) reset() {
	l.mutex.Init()
	l.mutex.waitLock.Lock()
	l.mutex.rw = l
	l.readers.Reset()
	l.mutex.waitLock.Unlock()
	l.owner.Store(nil)
	l.count.Store(0)
	l.owners.Store(0)
	l.prio.Store(0)
}

func (l *rwLock) isLocked() bool {
	return l.owner.Load().present()
}

func (l *rwLock) destroy() error {
	if warnOn(l.isLocked(), "rtmutex: destroy of locked read-write lock %p", l) {
		return ErrBusy
	}
	return nil
}

// RWMutex is a priority-inheritance reader/writer mutex. A writer that
// blocks on a read-held RWMutex boosts every reader. The zero value is an
// unlocked RWMutex.
//
// A task may acquire a read lock it already holds. Write locks do not nest.
type RWMutex struct {
	l rwLock
}

// Init resets rw to the unlocked state. rw must not be in use.
func (rw *RWMutex) Init() {
	rw.l.reset()
}

// Destroy returns ErrBusy if rw is still locked.
func (rw *RWMutex) Destroy() error {
	return rw.l.destroy()
}

// IsLocked returns true if rw is held or being handed over.
func (rw *RWMutex) IsLocked() bool {
	return rw.l.isLocked()
}

// Readers returns the number of tasks holding rw for reading.
func (rw *RWMutex) Readers() int {
	return int(rw.l.owners.Load())
}

// RLock locks rw for reading by t. The wait cannot be interrupted.
func (rw *RWMutex) RLock(t *Task) {
	rw.l.rlock(t, &sleeper{}, false, false)
}

// RLockInterruptible locks rw for reading by t. See
// Mutex.LockInterruptible.
func (rw *RWMutex) RLockInterruptible(t *Task, detect bool) error {
	return rw.l.rlock(t, &sleeper{interruptible: true}, detect, false)
}

// RLockTimed locks rw for reading by t. See Mutex.LockTimed.
func (rw *RWMutex) RLockTimed(t *Task, deadline time.Time, detect bool) error {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	return rw.RLockContext(ctx, t, detect)
}

// RLockContext locks rw for reading by t. See Mutex.LockContext.
func (rw *RWMutex) RLockContext(ctx context.Context, t *Task, detect bool) error {
	return rw.l.rlock(t, &sleeper{interruptible: true, ctx: ctx}, detect, false)
}

// TryRLock tries to lock rw for reading without waiting.
func (rw *RWMutex) TryRLock(t *Task) bool {
	return rw.l.tryRLock(t, false)
}

// RUnlock releases one read lock held by t.
func (rw *RWMutex) RUnlock(t *Task) {
	rw.l.runlock(t)
}

// Lock locks rw for writing by t. The wait cannot be interrupted.
func (rw *RWMutex) Lock(t *Task) {
	rw.l.lock(t, &sleeper{}, false, false)
}

// LockInterruptible locks rw for writing by t. See Mutex.LockInterruptible.
func (rw *RWMutex) LockInterruptible(t *Task, detect bool) error {
	return rw.l.lock(t, &sleeper{interruptible: true}, detect, false)
}

// LockTimed locks rw for writing by t. See Mutex.LockTimed.
func (rw *RWMutex) LockTimed(t *Task, deadline time.Time, detect bool) error {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	return rw.LockContext(ctx, t, detect)
}

// LockContext locks rw for writing by t. See Mutex.LockContext.
func (rw *RWMutex) LockContext(ctx context.Context, t *Task, detect bool) error {
	return rw.l.lock(t, &sleeper{interruptible: true, ctx: ctx}, detect, false)
}

// TryLock tries to lock rw for writing without waiting.
func (rw *RWMutex) TryLock(t *Task) bool {
	return rw.l.tryLock(t, false)
}

// Unlock releases the write lock held by t.
func (rw *RWMutex) Unlock(t *Task) {
	rw.l.unlock(t)
}

// RWSpinLock is the spinning variant of RWMutex. Its waiters spin while the
// owning writer runs, equally important non-real-time tasks may take it from
// a pending owner, and its waits cannot be interrupted.
type RWSpinLock struct {
	l rwLock
}

// Init resets rw to the unlocked state.
func (rw *RWSpinLock) Init() {
	rw.l.reset()
}

// Destroy returns ErrBusy if rw is still locked.
func (rw *RWSpinLock) Destroy() error {
	return rw.l.destroy()
}

// IsLocked returns true if rw is held or being handed over.
func (rw *RWSpinLock) IsLocked() bool {
	return rw.l.isLocked()
}

// RLock locks rw for reading by t.
func (rw *RWSpinLock) RLock(t *Task) {
	rw.l.rlock(t, &sleeper{}, false, true)
}

// TryRLock tries to lock rw for reading without waiting.
func (rw *RWSpinLock) TryRLock(t *Task) bool {
	return rw.l.tryRLock(t, true)
}

// RUnlock releases one read lock held by t.
func (rw *RWSpinLock) RUnlock(t *Task) {
	rw.l.runlock(t)
}

// Lock locks rw for writing by t.
func (rw *RWSpinLock) Lock(t *Task) {
	rw.l.lock(t, &sleeper{}, false, true)
}

// TryLock tries to lock rw for writing without waiting.
func (rw *RWSpinLock) TryLock(t *Task) bool {
	return rw.l.tryLock(t, true)
}

// Unlock releases the write lock held by t.
func (rw *RWSpinLock) Unlock(t *Task) {
	rw.l.unlock(t)
}

// deadlineContext returns a context that expires at deadline, or a context
// that never expires for a zero deadline.
func deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}
