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

// Scheduler priorities, from include/linux/sched/prio.h.
//
// Lower values are more important. Values in [0, MAX_RT_PRIO) are real-time
// priorities; values in [MAX_RT_PRIO, MAX_PRIO) map the nice range -20..19.
const (
	MAX_NICE    = 19
	MIN_NICE    = -20
	NICE_WIDTH  = MAX_NICE - MIN_NICE + 1
	MAX_RT_PRIO = 100
	MAX_PRIO    = MAX_RT_PRIO + NICE_WIDTH

	// DEFAULT_PRIO is the priority of a nice 0 task.
	DEFAULT_PRIO = MAX_RT_PRIO + NICE_WIDTH/2
)

// NiceToPrio converts a nice value to a kernel priority.
func NiceToPrio(nice int) int {
	return DEFAULT_PRIO + nice
}

// PrioToNice converts a kernel priority to a nice value.
func PrioToNice(prio int) int {
	return prio - DEFAULT_PRIO
}

// RTPrio converts a sched_setscheduler(2) SCHED_FIFO/SCHED_RR priority
// (1..99, higher is more important) to a kernel priority.
func RTPrio(userPrio int) int {
	return MAX_RT_PRIO - 1 - userPrio
}

// IsRTPrio returns true if prio is a real-time priority.
func IsRTPrio(prio int) bool {
	return prio < MAX_RT_PRIO
}
