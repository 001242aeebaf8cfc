// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package waitq

import (
	"context"
	"sync/atomic"
)

// State is a waiter's position in the state machine from spec §4.4:
//
//	Unused -> Pending -> Completed     -> (consumed) -> Unused
//	                   -> Cancelled -> CancelledNotWaiting -> Unused
//
// CancelledGotResult is defined but no code path enters it: a cancelled
// waiter goes from CancelledNotWaiting straight back to Unused via Reset.
//
// "Completed" is a stand-in for whatever terminal success state a given
// primitive calls it (Decremented, Held, Set, ...); callers compare against
// the constants they care about after Wait returns.
type State int32

const (
	Unused State = iota
	Pending
	Completed
	CancelledNotWaiting
	CancelledGotResult
	Cancelled
)

func (s State) String() string {
	switch s {
	case Unused:
		return "Unused"
	case Pending:
		return "Pending"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case CancelledNotWaiting:
		return "CancelledNotWaiting"
	case CancelledGotResult:
		return "CancelledGotResult"
	default:
		return "Invalid"
	}
}

// Base is the cancellable waiter base from spec §4.1, embedded in every
// primitive-specific waiter (decrement-waiter, add-waiter, take-waiter,
// event-waiter, and so on). It owns the state machine, the version counter
// used to detect pool-reuse races, and the one-shot completion signal.
//
// Base does not know about cancellation tokens or timers directly: Go's
// idiomatic vehicle for both is context.Context, so RegisterCancellation's
// job collapses into selecting on ctx.Done() in Wait, with the caller (the
// owning primitive) left to run RaceCancel when that select fires. See
// doc.go for why this is a faithful rendering of §4.1, not a simplification
// that drops behavior.
type Base struct {
	Node    Node
	state   atomic.Int32
	version atomic.Uint64
	done    chan struct{} // capacity 1; signaled exactly once per Pending cycle
}

// NewBase returns a Base ready for first use (Unused).
func NewBase() *Base {
	b := &Base{done: make(chan struct{}, 1)}
	b.Node.SetOwner(b)
	return b
}

// State returns the current state, read atomically.
func (b *Base) State() State { return State(b.state.Load()) }

// Version returns the current reuse-detection version.
func (b *Base) Version() uint64 { return b.version.Load() }

// Arm transitions Unused -> Pending, for a fresh use of a pooled waiter.
// It panics if the waiter is not Unused, which would indicate a waiter
// still linked in a queue, or whose previous result was never consumed,
// being reused — an invariant violation per spec §3.
func (b *Base) Arm() {
	if !b.state.CompareAndSwap(int32(Unused), int32(Pending)) {
		panic("waitq: Arm called on a waiter that is not Unused")
	}
}

// Reset clears the waiter for return to its pool. Requires the waiter be in
// a terminal, consumed state (Completed, or CancelledNotWaiting after a
// winning RaceCancel); Reset itself just re-arms bookkeeping.
func (b *Base) Reset() {
	b.state.Store(int32(Unused))
	b.version.Add(1)
	b.Node.next = nil
	b.Node.prev = nil
	b.Node.linked = false
	select {
	case <-b.done:
	default:
	}
}

// Complete attempts the Pending -> Completed transition and, on success,
// publishes the completion signal. Returns false if the waiter was no
// longer Pending (a cancellation won the race first) — the caller (a
// release loop that already dequeued this waiter and reserved a resource
// for it) must then return that resource to circulation rather than
// treating it as delivered; see each primitive's release loop.
func (b *Base) Complete() bool {
	if !b.state.CompareAndSwap(int32(Pending), int32(Completed)) {
		return false
	}
	b.done <- struct{}{}
	return true
}

// Done returns the raw completion channel, for callers (read-write lock
// upgrade) that have already arbitrated ownership of a waiter through some
// other means (e.g. a mutex-guarded pointer) and just need to block for the
// in-flight Complete call that is now guaranteed to happen.
func (b *Base) Done() <-chan struct{} { return b.done }

// Wait blocks until the waiter reaches a terminal state or ctx is done,
// whichever comes first. It returns nil if the waiter completed, or ctx's
// error otherwise. This is the single suspension point required by spec §5
// ("Every async operation may suspend at exactly one place").
func (b *Base) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RaceCancel implements the cancellation race from spec §4.1/§4.4: it is
// called after Wait returns a context error, to find out whether the
// completion or the cancellation actually won.
//
// The two sides of the race (this call, and a concurrent releaser's
// Complete) arbitrate on a single CompareAndSwap of the shared state word —
// not on queue membership, because a releaser unlinks a waiter (TryDequeue)
// before it has finished deciding the waiter's payload, so by the time this
// call runs, the node may already be off the queue regardless of who
// ultimately wins. Whoever loses the CAS already knows unambiguously that
// the other side owns the outcome:
//
//   - This call loses (state was no longer Pending): a releaser's Complete
//     already ran to completion first. Completion wins the race per spec
//     §5; the caller should ignore ctx's error and read the waiter's result
//     normally.
//   - This call wins: no Complete will ever succeed for this waiter from
//     here on (Complete's own CAS is guaranteed to fail), so nothing was or
//     ever will be handed to it. q.Erase is still called to unlink the node
//     if a releaser hasn't reached it yet; its return value doesn't matter
//     here; the releaser is responsible for recognizing its own Complete
//     failed and returning any reserved resource. See the per-primitive
//     release loops for that half of the protocol.
func (b *Base) RaceCancel(q *Queue) (wasCancelled bool) {
	if !b.state.CompareAndSwap(int32(Pending), int32(Cancelled)) {
		return false
	}
	q.Erase(&b.Node)
	b.state.Store(int32(CancelledNotWaiting))
	return true
}
