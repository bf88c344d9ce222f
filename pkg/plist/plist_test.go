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

package plist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func order(l *List[string]) []string {
	var got []string
	l.Ascend(func(n *Node[string]) bool {
		got = append(got, n.Value)
		return true
	})
	return got
}

func TestOrdering(t *testing.T) {
	var l List[string]
	if !l.Empty() || l.First() != nil || l.Len() != 0 {
		t.Fatalf("zero List is not empty")
	}
	nodes := map[string]*Node[string]{}
	for _, tc := range []struct {
		name string
		prio int
	}{
		{"a120", 120},
		{"b10", 10},
		{"c120", 120},
		{"d50", 50},
		{"e10", 10},
	} {
		n := &Node[string]{Value: tc.name}
		nodes[tc.name] = n
		l.Add(n, tc.prio)
	}
	want := []string{"b10", "e10", "d50", "a120", "c120"}
	if diff := cmp.Diff(want, order(&l)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if got := l.First().Value; got != "b10" {
		t.Errorf("First() = %q, want b10", got)
	}

	// Requeue at the same priority goes behind its peers.
	l.Requeue(nodes["b10"], 10)
	if got := l.First().Value; got != "e10" {
		t.Errorf("First() after requeue = %q, want e10", got)
	}

	l.Requeue(nodes["c120"], 1)
	if got := l.First().Value; got != "c120" {
		t.Errorf("First() after boost = %q, want c120", got)
	}

	l.Del(nodes["c120"])
	if nodes["c120"].OnList() {
		t.Errorf("node still on list after Del")
	}
	if got := nodes["c120"].Prio(); got != 1 {
		t.Errorf("Prio() after Del = %d, want 1", got)
	}
	want = []string{"e10", "b10", "d50", "a120"}
	if diff := cmp.Diff(want, order(&l)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	// Deleting a node that is not on the list is a no-op.
	l.Del(nodes["c120"])
	if got := l.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}

func TestAddToOtherListPanics(t *testing.T) {
	var l1, l2 List[int]
	n := &Node[int]{}
	l1.Add(n, 5)
	defer func() {
		if recover() == nil {
			t.Errorf("Add to second list did not panic")
		}
	}()
	l2.Add(n, 5)
}
