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

// Package plist provides a priority-sorted list.
//
// Nodes are ordered by ascending priority value (lower values are more
// important); nodes of equal priority are kept in insertion order. The first
// node is cached, so First is O(1) while insertion and removal are
// O(log n).
package plist

import (
	"fmt"

	"github.com/google/btree"
)

// degree is the btree degree used by all lists. Lists are usually short.
const degree = 8

// Node is an entry in a List. The zero value is a node that is not on any
// list. A Node may be on at most one List at a time.
type Node[T any] struct {
	prio int
	seq  uint64
	list *List[T]

	// Value is the payload carried by the node.
	Value T
}

// Prio returns the priority the node was last added with.
func (n *Node[T]) Prio() int {
	return n.prio
}

// OnList returns true if the node is currently on a list.
func (n *Node[T]) OnList() bool {
	return n.list != nil
}

// List is a list of nodes sorted by priority. The zero value is an empty
// list.
//
// List is not synchronized; callers provide their own locking.
type List[T any] struct {
	tree  *btree.BTreeG[*Node[T]]
	seq   uint64
	first *Node[T]
}

func less[T any](a, b *Node[T]) bool {
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	return a.seq < b.seq
}

// Add inserts n with priority prio. If n is already on l it is requeued.
//
// Precondition: n is not on another list.
func (l *List[T]) Add(n *Node[T], prio int) {
	if n.list != nil {
		if n.list != l {
			panic(fmt.Sprintf("plist: node %p is already on list %p", n, n.list))
		}
		l.tree.Delete(n)
	}
	if l.tree == nil {
		l.tree = btree.NewG[*Node[T]](degree, less[T])
	}
	l.seq++
	n.prio = prio
	n.seq = l.seq
	n.list = l
	l.tree.ReplaceOrInsert(n)
	if l.first == nil || less(n, l.first) {
		l.first = n
	}
	if l.first == n {
		// n may have been requeued behind other nodes.
		l.first, _ = l.tree.Min()
	}
}

// Requeue moves n, which must be on l, to priority prio. Among nodes of equal
// priority it is placed last.
func (l *List[T]) Requeue(n *Node[T], prio int) {
	if n.list != l {
		panic(fmt.Sprintf("plist: requeue of node %p not on list %p", n, l))
	}
	l.Add(n, prio)
}

// Del removes n from l. It is a no-op if n is not on l. The priority of n is
// left unchanged.
func (l *List[T]) Del(n *Node[T]) {
	if n.list != l {
		return
	}
	l.tree.Delete(n)
	n.list = nil
	if l.first == n {
		l.first, _ = l.tree.Min()
	}
}

// First returns the most important node, or nil if l is empty.
func (l *List[T]) First() *Node[T] {
	return l.first
}

// Empty returns true if l has no nodes.
func (l *List[T]) Empty() bool {
	return l.first == nil
}

// Len returns the number of nodes on l.
func (l *List[T]) Len() int {
	if l.tree == nil {
		return 0
	}
	return l.tree.Len()
}

// Ascend calls fn for each node in priority order until fn returns false.
// fn must not modify l.
func (l *List[T]) Ascend(fn func(n *Node[T]) bool) {
	if l.tree == nil {
		return
	}
	l.tree.Ascend(func(n *Node[T]) bool {
		return fn(n)
	})
}
