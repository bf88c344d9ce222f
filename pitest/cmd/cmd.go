// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the pitest commands.
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"pilock.dev/pilock/pkg/rtmutex"
)

// checkPrio returns an error if prio is not a valid task priority.
func checkPrio(name string, prio int) error {
	if prio < 0 || prio >= rtmutex.MaxPrio {
		return fmt.Errorf("-%s must be in [0, %d), got %d", name, rtmutex.MaxPrio, prio)
	}
	return nil
}

// printTasks writes one line per task with its normal and effective
// priorities.
func printTasks(w io.Writer, tasks ...*rtmutex.Task) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "TASK\tID\tNORMAL\tEFFECTIVE\tBOOSTED\n")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%t\n", t.Name(), t.ID(), t.NormalPrio(), t.Prio(), t.Boosted())
	}
	return tw.Flush()
}
