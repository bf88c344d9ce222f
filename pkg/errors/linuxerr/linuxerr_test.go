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

package linuxerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorFromUnix(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EDEADLK, EDEADLK},
		{unix.EINTR, EINTR},
		{unix.ETIMEDOUT, ETIMEDOUT},
		{unix.EBUSY, EBUSY},
		{0, nil},
	} {
		if got := ErrorFromUnix(tc.errno); got != tc.want {
			t.Errorf("ErrorFromUnix(%v) = %v, want %v", tc.errno, got, tc.want)
		}
	}
}

func TestEquals(t *testing.T) {
	if !Equals(EDEADLK, unix.EDEADLK) {
		t.Errorf("Equals(EDEADLK, unix.EDEADLK) = false, want true")
	}
	if !Equals(EDEADLK, EDEADLK) {
		t.Errorf("Equals(EDEADLK, EDEADLK) = false, want true")
	}
	if Equals(EDEADLK, EINTR) {
		t.Errorf("Equals(EDEADLK, EINTR) = true, want false")
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) = false, want true")
	}
}

func TestWrapped(t *testing.T) {
	err := fmt.Errorf("locking %q: %w", "m", ETIMEDOUT)
	if !errors.Is(err, ETIMEDOUT) {
		t.Errorf("errors.Is(%v, ETIMEDOUT) = false, want true", err)
	}
	if !errors.Is(err, unix.ETIMEDOUT) {
		t.Errorf("errors.Is(%v, unix.ETIMEDOUT) = false, want true", err)
	}
	if errors.Is(err, EINTR) {
		t.Errorf("errors.Is(%v, EINTR) = true, want false", err)
	}
	if got := ToUnix(EBUSY); got != unix.EBUSY {
		t.Errorf("ToUnix(EBUSY) = %v, want %v", got, unix.EBUSY)
	}
}
