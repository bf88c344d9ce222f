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

// Package rtmutex provides priority-inheritance mutexes.
//
// A Mutex is owned by a Task. When a Task blocks on a Mutex, the owner of the
// Mutex inherits the blocked Task's priority until the Mutex is released, and
// the boost is propagated along the chain of Tasks that the owner is itself
// blocked behind. Lower priority values are more important, as in the Linux
// scheduler (see pkg/abi/linux).
//
// Lock ordering:
//
//	Mutex.waitLock
//	  Task.piLock
//
// A chain walk holds at most one waitLock and one piLock at a time, and
// acquires a waitLock while holding a piLock only with TryLock.
//
// RWMutex and RWSpinLock add shared read ownership. When a writer blocks on a
// read-held lock, every reader inherits the writer's priority. SpinLock is a
// Mutex that spins while the owner is running instead of sleeping.
package rtmutex

import (
	"pilock.dev/pilock/pkg/errors/linuxerr"
)

// Errors returned by lock operations. They compare equal (errors.Is) to the
// matching unix.Errno.
var (
	// ErrWouldDeadlock is returned when deadlock detection finds a cycle.
	ErrWouldDeadlock = linuxerr.EDEADLK

	// ErrInterrupted is returned when an interruptible wait is interrupted,
	// either by Task.Interrupt or by cancellation of its context.
	ErrInterrupted = linuxerr.EINTR

	// ErrTimedOut is returned when a timed wait reaches its deadline.
	ErrTimedOut = linuxerr.ETIMEDOUT

	// ErrBusy is returned by Destroy for a lock that is still held.
	ErrBusy = linuxerr.EBUSY
)
