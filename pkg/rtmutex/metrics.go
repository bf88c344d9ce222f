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

	"pilock.dev/pilock/pkg/metric"
)

// Lock kinds and steal modes used as metric fields.
const (
	kindMutex = "mutex"
	kindSpin  = "spin"
	kindRead  = "read"
	kindWrite = "write"
)

var (
	slowPathMetric = metric.MustCreateNewUint64Metric("/rtmutex/slow_path",
		"Number of lock acquisitions that entered the slow path.",
		metric.NewField("kind", []string{kindMutex, kindSpin, kindRead, kindWrite}))

	stealMetric = metric.MustCreateNewUint64Metric("/rtmutex/steals",
		"Number of locks taken from a pending owner.",
		metric.NewField("mode", []string{stealNormal.String(), stealLateral.String()}))

	deadlockMetric = metric.MustCreateNewUint64Metric("/rtmutex/deadlocks",
		"Number of lock requests refused because they would deadlock.")

	maxDepthMetric = metric.MustCreateNewUint64Metric("/rtmutex/max_depth_reached",
		"Number of chain walks stopped by the maximum lock depth.")

	adaptiveSleepMetric = metric.MustCreateNewUint64Metric("/rtmutex/adaptive_sleeps",
		"Number of times a spinning waiter went to sleep.")

	chainLengthMetric = metric.MustCreateNewDistributionMetric("/rtmutex/chain_length",
		metric.NewExponentialBucketer(8, 1, 1, 2),
		"Number of locks visited by each priority chain walk.")

	sleepTimeMetric = metric.MustCreateNewDistributionMetric("/rtmutex/sleep_time",
		metric.NewDurationBucketer(12, time.Microsecond, 10*time.Second),
		"Nanoseconds spent asleep by a lock waiter between wakeups.")
)
