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

// Package futexpi implements priority-inheritance futexes (FUTEX_LOCK_PI,
// FUTEX_UNLOCK_PI and FUTEX_TRYLOCK_PI) on top of rtmutex.
//
// A PI futex is a 32-bit word holding the thread ID of its owner. Uncontended
// lock and unlock only change the word. The first contender sets
// linux.FUTEX_WAITERS, looks up the owner by ID, and creates an rtmutex.Mutex
// that is proxy-locked on the owner's behalf; from then on the owner inherits
// the priority of every waiter until it unlocks through the Manager.
package futexpi

import (
	"context"
	"sync/atomic"

	"pilock.dev/pilock/pkg/abi/linux"
	"pilock.dev/pilock/pkg/errors/linuxerr"
	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/rtmutex"
	"pilock.dev/pilock/pkg/sync"
)

// TaskTable resolves thread IDs found in futex words.
type TaskTable interface {
	// TaskByID returns the task with the given ID, or nil.
	TaskByID(id int32) *rtmutex.Task
}

// Registry is a TaskTable backed by a map.
type Registry struct {
	mu    sync.Mutex
	tasks map[int32]*rtmutex.Task
}

// Register adds t to r.
func (r *Registry) Register(t *rtmutex.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[int32]*rtmutex.Task)
	}
	r.tasks[t.ID()] = t
}

// Unregister removes t from r.
func (r *Registry) Unregister(t *rtmutex.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, t.ID())
}

// TaskByID implements TaskTable.TaskByID.
func (r *Registry) TaskByID(id int32) *rtmutex.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

// piState is the kernel side of a contended futex.
type piState struct {
	mu rtmutex.Mutex

	// refs is the number of tasks between attaching to the state and
	// finishing their lock attempt. Protected by the bucket lock.
	refs int
}

type bucket struct {
	// mu protects states and the transitions of contended futex words.
	mu sync.Mutex

	states map[*atomic.Uint32]*piState
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 10
)

// Manager holds the state of contended PI futexes.
//
// While a futex has state, its word has linux.FUTEX_WAITERS set, so that
// neither the fast lock nor the fast unlock succeeds on it.
type Manager struct {
	tasks   TaskTable
	buckets [bucketCount]bucket
}

// NewManager returns a Manager that resolves owners with tasks.
func NewManager(tasks TaskTable) *Manager {
	return &Manager{tasks: tasks}
}

func (m *Manager) lockBucket(word *atomic.Uint32) *bucket {
	b := &m.buckets[bucketIndexForAddr(wordAddr(word))]
	b.mu.Lock()
	return b
}

// LockPI locks the futex at word for t, waiting while it is owned. The owner
// inherits t's priority while t waits. ctx ends the wait as in
// rtmutex.Mutex.LockContext.
//
// It returns EDEADLK if t already owns the futex or the wait would deadlock,
// and ESRCH if the owner recorded in word does not exist.
func (m *Manager) LockPI(ctx context.Context, t *rtmutex.Task, word *atomic.Uint32) error {
	tid := uint32(t.ID())
	if word.CompareAndSwap(0, tid) {
		return nil
	}

	b := m.lockBucket(word)
	st, acquired, err := m.attachLocked(b, t, word)
	if err != nil || acquired {
		b.mu.Unlock()
		return err
	}
	st.refs++
	b.mu.Unlock()

	err = st.mu.LockContext(ctx, t, true)

	b.mu.Lock()
	defer b.mu.Unlock()
	st.refs--
	if err != nil {
		m.releaseIdleLocked(b, word, st)
		return err
	}
	if st.refs == 0 && st.mu.NextOwner() == nil {
		// Nobody else is interested; drop back to the uncontended state.
		st.mu.ProxyUnlock(t)
		delete(b.states, word)
		word.Store(tid)
		return nil
	}
	word.Store(tid | linux.FUTEX_WAITERS)
	return nil
}

// attachLocked returns the state t must wait on, marking word as contended.
// acquired is true if the futex was taken instead.
//
// Preconditions: b.mu is held.
func (m *Manager) attachLocked(b *bucket, t *rtmutex.Task, word *atomic.Uint32) (st *piState, acquired bool, err error) {
	tid := uint32(t.ID())
	for {
		cur := word.Load()
		owner := cur & linux.FUTEX_TID_MASK
		if owner == tid {
			return nil, false, linuxerr.EDEADLK
		}
		if st := b.states[word]; st != nil {
			return st, false, nil
		}
		if owner == 0 {
			if word.CompareAndSwap(cur, tid) {
				return nil, true, nil
			}
			continue
		}
		if cur&linux.FUTEX_WAITERS == 0 && !word.CompareAndSwap(cur, cur|linux.FUTEX_WAITERS) {
			continue
		}
		ot := m.tasks.TaskByID(int32(owner))
		if ot == nil {
			log.Warningf("PI futex %p owned by unknown task %d", word, owner)
			word.CompareAndSwap(cur|linux.FUTEX_WAITERS, cur)
			return nil, false, linuxerr.ESRCH
		}
		st = &piState{}
		st.mu.InitProxyLocked(ot)
		if b.states == nil {
			b.states = make(map[*atomic.Uint32]*piState)
		}
		b.states[word] = st
		return st, false, nil
	}
}

// releaseIdleLocked drops st once no task waits on it.
//
// Preconditions: b.mu is held.
func (m *Manager) releaseIdleLocked(b *bucket, word *atomic.Uint32, st *piState) {
	if st.refs != 0 || st.mu.NextOwner() != nil {
		return
	}
	if owner := st.mu.Owner(); owner != nil {
		st.mu.ProxyUnlock(owner)
	}
	delete(b.states, word)
	for {
		cur := word.Load()
		if word.CompareAndSwap(cur, cur&^linux.FUTEX_WAITERS) {
			return
		}
	}
}

// UnlockPI unlocks the futex at word, which t owns, handing it to the most
// important waiter. It returns EPERM if t is not the owner.
func (m *Manager) UnlockPI(t *rtmutex.Task, word *atomic.Uint32) error {
	tid := uint32(t.ID())
	if word.Load()&linux.FUTEX_TID_MASK != tid {
		return linuxerr.EPERM
	}
	if word.CompareAndSwap(tid, 0) {
		return nil
	}

	b := m.lockBucket(word)
	defer b.mu.Unlock()
	st := b.states[word]
	if st == nil {
		word.Store(0)
		return nil
	}
	next := st.mu.NextOwner()
	switch {
	case next != nil:
		word.Store(uint32(next.ID()) | linux.FUTEX_WAITERS)
	case st.refs > 0:
		// A contender has not queued yet; it will compete for the
		// mutex.
		word.Store(linux.FUTEX_WAITERS)
	default:
		word.Store(0)
	}
	st.mu.Unlock(t)
	if next == nil && st.refs == 0 {
		delete(b.states, word)
	}
	return nil
}

// TryLockPI locks the futex at word for t if that does not require waiting.
// It returns EAGAIN if another task owns the futex and EDEADLK if t does.
func (m *Manager) TryLockPI(t *rtmutex.Task, word *atomic.Uint32) error {
	tid := uint32(t.ID())
	if word.CompareAndSwap(0, tid) {
		return nil
	}

	b := m.lockBucket(word)
	defer b.mu.Unlock()
	cur := word.Load()
	switch owner := cur & linux.FUTEX_TID_MASK; {
	case owner == tid:
		return linuxerr.EDEADLK
	case owner != 0:
		return linuxerr.EAGAIN
	}
	if st := b.states[word]; st != nil {
		if !st.mu.TryLock(t) {
			return linuxerr.EAGAIN
		}
		word.Store(tid | linux.FUTEX_WAITERS)
		return nil
	}
	if !word.CompareAndSwap(cur, tid) {
		return linuxerr.EAGAIN
	}
	return nil
}

// Contended returns the number of futexes that currently have state.
func (m *Manager) Contended() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		n += len(b.states)
		b.mu.Unlock()
	}
	return n
}
