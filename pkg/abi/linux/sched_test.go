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

package linux

import (
	"testing"
)

func TestPriorities(t *testing.T) {
	if DEFAULT_PRIO != 120 {
		t.Errorf("DEFAULT_PRIO = %d, want 120", DEFAULT_PRIO)
	}
	if MAX_PRIO != 140 {
		t.Errorf("MAX_PRIO = %d, want 140", MAX_PRIO)
	}
	for _, tc := range []struct {
		nice int
		prio int
	}{
		{MIN_NICE, 100},
		{0, 120},
		{MAX_NICE, 139},
	} {
		if got := NiceToPrio(tc.nice); got != tc.prio {
			t.Errorf("NiceToPrio(%d) = %d, want %d", tc.nice, got, tc.prio)
		}
		if got := PrioToNice(tc.prio); got != tc.nice {
			t.Errorf("PrioToNice(%d) = %d, want %d", tc.prio, got, tc.nice)
		}
	}
	if got := RTPrio(99); got != 0 || !IsRTPrio(got) {
		t.Errorf("RTPrio(99) = %d, want real-time 0", got)
	}
	if IsRTPrio(DEFAULT_PRIO) {
		t.Errorf("IsRTPrio(%d) = true, want false", DEFAULT_PRIO)
	}
}
