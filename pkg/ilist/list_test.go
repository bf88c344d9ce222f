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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testElement struct {
	Entry[*testElement]
	value int
}

func values(l *List[*testElement]) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.value)
	}
	return vs
}

func TestPushRemove(t *testing.T) {
	var l List[*testElement]
	if !l.Empty() {
		t.Fatalf("new list is not empty")
	}
	elems := make([]*testElement, 5)
	for i := range elems {
		elems[i] = &testElement{value: i}
	}
	l.PushBack(elems[2])
	l.PushBack(elems[3])
	l.PushFront(elems[1])
	l.PushBack(elems[4])
	l.PushFront(elems[0])
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if got := l.Len(); got != 5 {
		t.Errorf("Len() = %d, want 5", got)
	}

	l.Remove(elems[0])
	l.Remove(elems[4])
	l.Remove(elems[2])
	if diff := cmp.Diff([]int{1, 3}, values(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if l.Front() != elems[1] || l.Back() != elems[3] {
		t.Errorf("Front/Back = %v/%v, want 1/3", l.Front().value, l.Back().value)
	}

	l.Remove(elems[1])
	l.Remove(elems[3])
	if !l.Empty() {
		t.Errorf("list not empty after removing everything: %v", values(&l))
	}
}
