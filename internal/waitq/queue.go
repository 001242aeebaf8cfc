// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package waitq

import "sync/atomic"

// Queue is a FIFO of waiter Nodes supporting arbitrary-node erase, as
// required by spec §4.2. It is the shared waiter queue every primitive
// attaches its pending waiters to (decrement-waiters, peek-waiters,
// add-waiters, take-waiters, reader-waiters, writer-waiters, and so on).
//
// The zero value is a usable, empty Queue.
//
// Enqueue/TryDequeue/Erase are all linearized by a spinlock guarding the
// list head, following nsync's Mu/CV waiter-queue design: critical
// sections touch only pointer fields and are kept short, so the spinlock
// never blocks for long even under contention. Count is an atomically
// maintained approximation, consistent with §4.2's "non-strict,
// non-synchronizing" contract.
type Queue struct {
	spin   uint32
	head   Node
	inited uint32
	count  int32
}

func (q *Queue) ensureInit() {
	if atomic.LoadUint32(&q.inited) == 0 {
		acquireSpin(&q.spin)
		if q.head.next == nil {
			q.head.makeEmpty()
		}
		atomic.StoreUint32(&q.inited, 1)
		releaseSpin(&q.spin)
	}
}

// Enqueue appends n to the tail of the queue. n must not already be linked
// into any queue.
func (q *Queue) Enqueue(n *Node) {
	q.ensureInit()
	acquireSpin(&q.spin)
	n.insertAfter(q.head.prev)
	releaseSpin(&q.spin)
	atomic.AddInt32(&q.count, 1)
}

// TryDequeue removes and returns the head of the queue in FIFO order. It
// returns false if the queue is empty.
func (q *Queue) TryDequeue() (*Node, bool) {
	q.ensureInit()
	acquireSpin(&q.spin)
	if q.head.isEmpty() {
		releaseSpin(&q.spin)
		return nil, false
	}
	n := q.head.next
	n.remove()
	releaseSpin(&q.spin)
	atomic.AddInt32(&q.count, -1)
	return n, true
}

// Erase removes n from the queue if it is still present, and reports
// whether this call was the one that removed it. It returns false if n had
// already been dequeued (by TryDequeue or a prior Erase) — in which case
// the caller lost the race and must treat the waiter as already handled.
//
// Erase and a concurrent TryDequeue are linearized by the spinlock such
// that exactly one of them observes n as live, matching §4.2's contract.
func (q *Queue) Erase(n *Node) bool {
	q.ensureInit()
	acquireSpin(&q.spin)
	wasLinked := n.linked
	if wasLinked {
		n.remove()
	}
	releaseSpin(&q.spin)
	if wasLinked {
		atomic.AddInt32(&q.count, -1)
	}
	return wasLinked
}

// IsEmpty reports whether the queue currently has no waiters. Like Count,
// it is approximate under concurrent use.
func (q *Queue) IsEmpty() bool {
	return atomic.LoadInt32(&q.count) <= 0
}

// Count returns an approximate count of live (enqueued, not yet erased or
// dequeued) waiters. Non-strict and non-synchronizing, per §4.2.
func (q *Queue) Count() int {
	n := atomic.LoadInt32(&q.count)
	if n < 0 {
		return 0
	}
	return int(n)
}
