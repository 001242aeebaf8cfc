// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package waitq

// Node is the intrusive doubly-linked-list element embedded in every
// waiter. It is carried over from nsync/waiter.go's dll type, generalized
// to carry an opaque owner so a single Queue implementation serves every
// primitive's waiter type.
type Node struct {
	next, prev *Node
	owner      interface{} // the waiter this node belongs to; nil for sentinels
	linked     bool        // true while part of a queue; mutated only under the owning Queue's spinlock
}

// Owner returns the waiter this node was created for.
func (n *Node) Owner() interface{} { return n.owner }

// SetOwner associates the node with its owning waiter. Must be called once,
// before the node is ever enqueued.
func (n *Node) SetOwner(owner interface{}) { n.owner = owner }

// makeEmpty makes *l an empty circular list. Requires l is not currently
// part of a non-empty list.
func (l *Node) makeEmpty() {
	l.next = l
	l.prev = l
}

func (l *Node) isEmpty() bool {
	return l.next == l
}

// insertAfter inserts e into the list immediately after p.
func (e *Node) insertAfter(p *Node) {
	e.next = p.next
	e.prev = p
	e.next.prev = e
	e.prev.next = e
	e.linked = true
}

// remove unlinks e from whatever list it is part of.
func (e *Node) remove() {
	e.next.prev = e.prev
	e.prev.next = e.next
	e.next = nil
	e.prev = nil
	e.linked = false
}
