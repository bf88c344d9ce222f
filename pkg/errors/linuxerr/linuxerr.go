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

// Package linuxerr contains the errno values returned by the lock packages,
// exported as error interface pointers. This allows for fast comparison and
// return operations comperable to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"pilock.dev/pilock/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable,
// but the Errno method returns a number that is (e.g.
// EPERM.Errno() == unix.EPERM is true).
var (
	noError    *errors.Error = nil
	EPERM                    = errors.New(unix.EPERM, "operation not permitted")
	ESRCH                    = errors.New(unix.ESRCH, "no such process")
	EINTR                    = errors.New(unix.EINTR, "interrupted system call")
	EAGAIN                   = errors.New(unix.EAGAIN, "try again")
	EFAULT                   = errors.New(unix.EFAULT, "bad address")
	EBUSY                    = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL                   = errors.New(unix.EINVAL, "invalid argument")
	EDEADLK                  = errors.New(unix.EDEADLK, "resource deadlock would occur")
	ENOSYS                   = errors.New(unix.ENOSYS, "invalid system call number")
	ETIMEDOUT                = errors.New(unix.ETIMEDOUT, "connection timed out")
	EOWNERDEAD               = errors.New(unix.EOWNERDEAD, "owner died")
)

var errorMap = map[unix.Errno]*errors.Error{
	0:               noError,
	unix.EPERM:      EPERM,
	unix.ESRCH:      ESRCH,
	unix.EINTR:      EINTR,
	unix.EAGAIN:     EAGAIN,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EINVAL:     EINVAL,
	unix.EDEADLK:    EDEADLK,
	unix.ENOSYS:     ENOSYS,
	unix.ETIMEDOUT:  ETIMEDOUT,
	unix.EOWNERDEAD: EOWNERDEAD,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	e, ok := errorMap[err]
	if !ok {
		panic(fmt.Sprintf("invalid error requested with errno: %v", err))
	}
	return ToError(e)
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
