// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package waitq implements the shared machinery every primitive in this
// module is built from: an intrusive, spinlock-protected doubly-linked
// waiter queue supporting arbitrary-node erase, and a cancellable waiter
// base with the Unused/Pending/Completed/Cancelled state machine described
// in spec §§4.1-4.2.
//
// The spinlock-protected doubly-linked list is carried over nearly
// unchanged from v.io/x/lib/nsync's Mu/CV waiter lists (nsync/waiter.go,
// nsync/common.go): short critical sections guarded by a CAS spinloop with
// exponential backoff, rather than a lock-free CAS list. The spec's
// "Implementation freedom" clause explicitly allows this.
package waitq

import (
	"runtime"
	"sync/atomic"
)

// spinDelay is used in spinloops to delay resumption of the loop, escalating
// from a tight busy-loop to yielding the processor.
func spinDelay(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// acquireSpin spins until *w is 0, then CASes it to 1 (acquire).
func acquireSpin(w *uint32) {
	var attempts uint
	for !atomic.CompareAndSwapUint32(w, 0, 1) {
		attempts = spinDelay(attempts)
	}
}

// releaseSpin releases the spinlock acquired by acquireSpin.
func releaseSpin(w *uint32) {
	atomic.StoreUint32(w, 0)
}
