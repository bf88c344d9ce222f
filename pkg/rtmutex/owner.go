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
	"time"

	"pilock.dev/pilock/pkg/log"
)

// warnLimited reports conditions that may repeat at a high rate.
var warnLimited = log.BasicRateLimitedLogger(time.Second)

// warnOn logs a traceback if cond is true, and returns cond.
func warnOn(cond bool, format string, v ...any) bool {
	if cond {
		log.Traceback(format, v...)
	}
	return cond
}

type ownerKind uint8

const (
	ownerNone ownerKind = iota
	ownerTask
	ownerReaders
)

// Index bits of Task.owned.
const (
	ownedWaiters = 1 << iota
	ownedPending
)

// lockOwner is the value of a Mutex owner word.
//
// Owner states are immutable and canonical: each combination has exactly one
// instance, either one of the package-level states below or an entry of
// Task.owned. The fast paths can therefore compare and swap owner pointers.
// A nil owner is a free lock with no waiters.
type lockOwner struct {
	kind ownerKind
	task *Task

	// pending is set when the owner was handed the lock by an unlock but has
	// not yet run to take it. A pending owner can have its lock stolen.
	pending bool

	// waiters is set while the wait list may be non-empty. It forces the
	// owner's unlock into the slow path.
	waiters bool
}

var (
	freeWaiters    = &lockOwner{kind: ownerNone, waiters: true}
	readersOwner   = &lockOwner{kind: ownerReaders}
	readersWaiters = &lockOwner{kind: ownerReaders, waiters: true}
)

// taskOwner returns the canonical state for task t.
func taskOwner(t *Task, pending, waiters bool) *lockOwner {
	i := 0
	if pending {
		i |= ownedPending
	}
	if waiters {
		i |= ownedWaiters
	}
	return &t.owned[i]
}

// free returns true if nobody owns the lock.
func (o *lockOwner) free() bool {
	return o == nil || o.kind == ownerNone
}

// owner returns the owning task, or nil if the lock is free or read-owned.
func (o *lockOwner) owner() *Task {
	if o == nil || o.kind != ownerTask {
		return nil
	}
	return o.task
}

func (o *lockOwner) isReaders() bool {
	return o != nil && o.kind == ownerReaders
}

func (o *lockOwner) isPending() bool {
	return o != nil && o.pending
}

func (o *lockOwner) hasWaiters() bool {
	return o != nil && o.waiters
}

// withWaiters returns o with the waiters flag set to waiters.
func (o *lockOwner) withWaiters(waiters bool) *lockOwner {
	switch {
	case o.free():
		if waiters {
			return freeWaiters
		}
		return nil
	case o.kind == ownerReaders:
		if waiters {
			return readersWaiters
		}
		return readersOwner
	default:
		return taskOwner(o.task, o.pending, waiters)
	}
}

type rwKind uint8

const (
	rwNone rwKind = iota
	rwTask
	rwReaders
	rwPendingRead
	rwPendingWrite
)

// Index bits of Task.rwOwned.
const (
	rwOwnedCheck = 1 << iota
	rwOwnedWriter
)

// rwOwner is the value of a read-write lock owner word. Like lockOwner,
// states are canonical. A nil owner is a free lock with nothing to check.
type rwOwner struct {
	kind rwKind

	// task is the single owner when kind is rwTask. It holds the lock for
	// writing if writer is set and for reading otherwise.
	task   *Task
	writer bool

	// check forces the fast paths into the slow path.
	check bool
}

var (
	rwNoneCheck         = &rwOwner{kind: rwNone, check: true}
	rwReadersOwner      = &rwOwner{kind: rwReaders}
	rwReadersCheck      = &rwOwner{kind: rwReaders, check: true}
	rwPendingReadOwner  = &rwOwner{kind: rwPendingRead}
	rwPendingReadCheck  = &rwOwner{kind: rwPendingRead, check: true}
	rwPendingWriteOwner = &rwOwner{kind: rwPendingWrite}
	rwPendingWriteCheck = &rwOwner{kind: rwPendingWrite, check: true}
)

// rwTaskOwner returns the canonical state for task t.
func rwTaskOwner(t *Task, writer, check bool) *rwOwner {
	i := 0
	if writer {
		i |= rwOwnedWriter
	}
	if check {
		i |= rwOwnedCheck
	}
	return &t.rwOwned[i]
}

// present returns true for any owner other than none.
func (o *rwOwner) present() bool {
	return o != nil && o.kind != rwNone
}

// isPending returns true if no task holds the lock, though one may have been
// handed it.
func (o *rwOwner) isPending() bool {
	return o == nil || o.kind == rwNone || o.kind == rwPendingRead || o.kind == rwPendingWrite
}

func (o *rwOwner) isWriter() bool {
	return o != nil && o.kind == rwTask && o.writer
}

func (o *rwOwner) isPendingWriter() bool {
	return o != nil && o.kind == rwPendingWrite
}

func (o *rwOwner) isReaders() bool {
	return o != nil && o.kind == rwReaders
}

// reader returns the single reader that owns the lock, if any.
func (o *rwOwner) reader() *Task {
	if o == nil || o.kind != rwTask || o.writer {
		return nil
	}
	return o.task
}

// withCheck returns o with the check flag set.
func (o *rwOwner) withCheck() *rwOwner {
	if o == nil {
		return rwNoneCheck
	}
	switch o.kind {
	case rwReaders:
		return rwReadersCheck
	case rwPendingRead:
		return rwPendingReadCheck
	case rwPendingWrite:
		return rwPendingWriteCheck
	case rwTask:
		return rwTaskOwner(o.task, o.writer, true)
	}
	return o
}
