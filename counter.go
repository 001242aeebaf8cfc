// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosuda/coopasync/internal/waitq"
)

// counterDisposedSentinel is the Counter.value reading that means
// "disposed and drained", per spec §4.4's data model.
const counterDisposedSentinel int64 = -1

// NoMaximum is the maximum argument to DecrementUpTo meaning "decrement to
// zero": take everything currently available, at least one unit.
const NoMaximum int64 = 0

// Counter is a non-negative integer supporting suspendable decrement,
// bulk/peek variants, and disposal, from spec §4.4. The zero value is not
// usable; construct one with NewCounter.
type Counter struct {
	mu               sync.Mutex
	value            int64 // counterDisposedSentinel once disposed-and-drained
	disposeRequested bool
	throwOnDispose   bool

	decrementWaiters waitq.Queue
	peekWaiters      waitq.Queue
	disposer         waitq.Disposer
}

// CounterOption configures a Counter at construction time.
type CounterOption func(*Counter)

// WithThrowOnDispose makes Decrement/DecrementUpTo return ErrDisposed once
// the counter is disposed-and-drained, instead of silently reporting a
// zero-unit, nil-error result. TryIncrement/Add always throw Disposed
// regardless of this option, per §4.4's failure semantics.
func WithThrowOnDispose() CounterOption {
	return func(c *Counter) { c.throwOnDispose = true }
}

// NewCounter returns a Counter starting at initial, which must be
// non-negative.
func NewCounter(initial int64, opts ...CounterOption) (*Counter, error) {
	if initial < 0 {
		return nil, ErrArgumentOutOfRange
	}
	c := &Counter{value: initial}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CurrentCount returns the counter's current value, or 0 once disposed.
func (c *Counter) CurrentCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value < 0 {
		return 0
	}
	return c.value
}

// Disposed reports whether the counter has reached the disposed-and-drained
// terminal state.
func (c *Counter) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value == counterDisposedSentinel
}

// decrementWaiter is the payload a Counter attaches to a queued Base while
// an async decrement is pending.
type decrementWaiter struct {
	base    *waitq.Base
	maximum int64 // requested upper bound; NoMaximum means "take it all"
	granted int64
	err     error
}

func newDecrementWaiter() *decrementWaiter {
	w := &decrementWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var decrementWaiterPool = sync.Pool{New: func() interface{} { return newDecrementWaiter() }}

func getDecrementWaiter() *decrementWaiter {
	return decrementWaiterPool.Get().(*decrementWaiter)
}

func putDecrementWaiter(w *decrementWaiter) {
	w.maximum, w.granted, w.err = 0, 0, nil
	w.base.Reset()
	decrementWaiterPool.Put(w)
}

// peekWaiter is the payload for a pending PeekDecrement.
type peekWaiter struct {
	base *waitq.Base
	err  error
}

func newPeekWaiter() *peekWaiter {
	w := &peekWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var peekWaiterPool = sync.Pool{New: func() interface{} { return newPeekWaiter() }}

func getPeekWaiter() *peekWaiter { return peekWaiterPool.Get().(*peekWaiter) }

func putPeekWaiter(w *peekWaiter) {
	w.err = nil
	w.base.Reset()
	peekWaiterPool.Put(w)
}

// TryIncrement raises the count by 1, reporting whether it succeeded (it
// only fails once the counter is disposed).
func (c *Counter) TryIncrement() bool {
	_, err := c.Add(1)
	return err == nil
}

// Add raises the count by n, first handing it directly to pending
// decrement-waiters in FIFO order (the increment-with-handoff algorithm of
// §4.4), and returns the count observed immediately before this call.
func (c *Counter) Add(n int64) (int64, error) {
	if n < 0 {
		return 0, ErrArgumentOutOfRange
	}
	c.mu.Lock()
	if c.disposeRequested || c.value == counterDisposedSentinel {
		c.mu.Unlock()
		return 0, ErrDisposed
	}
	previous := c.value
	c.value += n
	c.mu.Unlock()

	c.rebalance()
	return previous, nil
}

// handoffDecrements attempts to satisfy up to remaining units of demand
// directly from the pending decrement-waiter queue, FIFO, without touching
// c.value. It returns the portion that could not be handed off (for the
// caller to fold back into the counter) and does not require c.mu held;
// Queue is independently synchronized.
func (c *Counter) handoffDecrements(remaining int64) int64 {
	for remaining > 0 {
		node, ok := c.decrementWaiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*decrementWaiter)
		want := w.maximum
		if want == 0 || want > remaining {
			want = remaining
		}
		w.granted = want
		w.err = nil
		if w.base.Complete() {
			remaining -= want
			continue
		}
		// Lost the race to a concurrent RaceCancel: want units were never
		// actually consumed by this waiter. Give the next one a turn
		// instead of losing them.
	}
	return remaining
}

// rebalance implements steps 1-4 of the increment-with-handoff algorithm:
// drain the banked value into pending decrement-waiters, fold any surplus
// back, then release peek-waiters, running again if decrement-waiters are
// queued while the value is still positive (they may have raced in while
// the value was folded back or peek-waiters were being woken).
func (c *Counter) rebalance() {
	for {
		c.mu.Lock()
		v := c.value
		if v <= 0 || c.decrementWaiters.IsEmpty() {
			c.mu.Unlock()
			break
		}
		c.value = 0
		c.mu.Unlock()

		leftover := c.handoffDecrements(v)
		if leftover > 0 {
			c.mu.Lock()
			c.value += leftover
			c.mu.Unlock()
		}
		if leftover == v {
			break // no progress: every dequeued waiter lost its race
		}
	}
	c.releasePeekWaiters()
	c.mu.Lock()
	again := c.value > 0 && !c.decrementWaiters.IsEmpty()
	c.mu.Unlock()
	if again {
		c.rebalance()
	}
}

// releasePeekWaiters wakes every pending peek-waiter once, if the counter
// currently has a positive value or has been disposed. It does not drain
// the queue when neither is true; the next Add or DisposeAsync retries.
func (c *Counter) releasePeekWaiters() {
	c.mu.Lock()
	available := c.value > 0
	disposed := c.value == counterDisposedSentinel
	c.mu.Unlock()
	if !available && !disposed {
		return
	}
	for {
		node, ok := c.peekWaiters.TryDequeue()
		if !ok {
			return
		}
		w := node.Owner().(*peekWaiter)
		if disposed {
			w.err = ErrDisposed
		} else {
			w.err = nil
		}
		w.base.Complete()
	}
}

// TryDecrement atomically decrements if the count is positive and no
// waiters are already enqueued (preserving FIFO fairness for them).
func (c *Counter) TryDecrement() bool {
	c.mu.Lock()
	if c.value <= 0 || !c.decrementWaiters.IsEmpty() {
		c.mu.Unlock()
		return false
	}
	c.value--
	drained := c.value == 0 && c.disposeRequested
	c.mu.Unlock()
	if drained {
		c.finishDispose()
	}
	return true
}

// Decrement asynchronously takes one unit, suspending until one is
// available, ctx is done, or the counter is disposed.
func (c *Counter) Decrement(ctx context.Context) error {
	_, err := c.decrementUpTo(ctx, 1)
	return err
}

// DecrementTimeout is Decrement with an additional timeout; a timeout
// elapsing reports ErrTimedOut rather than ErrCancelled.
func (c *Counter) DecrementTimeout(ctx context.Context, timeout time.Duration) error {
	_, err := c.DecrementUpToTimeout(ctx, timeout, 1)
	return err
}

// DecrementUpTo takes up to maximum units in one shot (granted may be less
// if fewer are available and NoMaximum was not requested). NoMaximum means
// "decrement to zero": take everything currently available, at least one.
func (c *Counter) DecrementUpTo(ctx context.Context, maximum int64) (int64, error) {
	return c.decrementUpTo(ctx, maximum)
}

// DecrementUpToTimeout is DecrementUpTo with an additional timeout.
func (c *Counter) DecrementUpToTimeout(ctx context.Context, timeout time.Duration, maximum int64) (int64, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return 0, ErrArgumentOutOfRange
	}
	defer cancel()
	n, err := c.decrementUpTo(mctx, maximum)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return n, ErrTimedOut
	}
	return n, err
}

func (c *Counter) decrementUpTo(ctx context.Context, maximum int64) (int64, error) {
	if maximum < 0 {
		return 0, ErrArgumentOutOfRange
	}

	c.mu.Lock()
	if c.value == counterDisposedSentinel {
		c.mu.Unlock()
		if c.throwOnDispose {
			return 0, ErrDisposed
		}
		return 0, nil
	}
	if c.value > 0 && c.decrementWaiters.IsEmpty() {
		take := maximum
		if take == 0 || take > c.value {
			take = c.value
		}
		c.value -= take
		drained := c.value == 0 && c.disposeRequested
		c.mu.Unlock()
		if drained {
			c.finishDispose()
		}
		return take, nil
	}
	if c.disposeRequested {
		// Nothing will ever feed this queue again (Add is blocked once
		// disposeRequested is set), so enqueueing would wait forever.
		c.mu.Unlock()
		if c.throwOnDispose {
			return 0, ErrDisposed
		}
		return 0, nil
	}
	// The fast path above must run regardless of ctx's state (a zero
	// timeout only fails if there genuinely was nothing to take); only
	// once a wait is unavoidable does ctx's own state matter.
	if ctx.Err() != nil {
		c.mu.Unlock()
		return 0, ErrCancelled
	}

	w := getDecrementWaiter()
	w.base.Arm()
	w.maximum = maximum
	c.decrementWaiters.Enqueue(&w.base.Node)
	c.mu.Unlock()

	if waitErr := w.base.Wait(ctx); waitErr != nil {
		if w.base.RaceCancel(&c.decrementWaiters) {
			putDecrementWaiter(w)
			return 0, ErrCancelled
		}
		// Completion won the race; fall through and read the result.
	}
	granted, err := w.granted, w.err
	putDecrementWaiter(w)
	return granted, err
}

// TryPeekDecrement reports whether a decrement would succeed right now,
// without consuming anything.
func (c *Counter) TryPeekDecrement() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value > 0
}

// PeekDecrement awaits "a decrement would succeed right now", without
// consuming the counter. It completes as soon as the count is observed
// positive, or the counter is disposed.
func (c *Counter) PeekDecrement(ctx context.Context) error {
	c.mu.Lock()
	if c.value > 0 {
		c.mu.Unlock()
		return nil
	}
	if c.value == counterDisposedSentinel || c.disposeRequested {
		c.mu.Unlock()
		return ErrDisposed
	}
	if ctx.Err() != nil {
		c.mu.Unlock()
		return ErrCancelled
	}
	w := getPeekWaiter()
	w.base.Arm()
	c.peekWaiters.Enqueue(&w.base.Node)
	c.mu.Unlock()

	if waitErr := w.base.Wait(ctx); waitErr != nil {
		if w.base.RaceCancel(&c.peekWaiters) {
			putPeekWaiter(w)
			return ErrCancelled
		}
	}
	err := w.err
	putPeekWaiter(w)
	return err
}

// PeekDecrementTimeout is PeekDecrement with an additional timeout.
func (c *Counter) PeekDecrementTimeout(ctx context.Context, timeout time.Duration) error {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return ErrArgumentOutOfRange
	}
	defer cancel()
	err := c.PeekDecrement(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return ErrTimedOut
	}
	return err
}

// DisposeAsync marks the counter disposed: no further increments succeed,
// every currently pending decrement- and peek-waiter fails with
// ErrDisposed, and DisposeAsync itself does not return until the value has
// naturally drained to zero via legitimate decrements and transitioned to
// the disposed-and-drained sentinel.
func (c *Counter) DisposeAsync(ctx context.Context) error {
	c.requestDispose()
	return c.disposer.Wait(ctx)
}

// requestDispose performs the non-blocking half of disposal: it is also
// used directly by Collection, which needs to trigger disposal of its two
// counters without blocking the caller on a full drain.
func (c *Counter) requestDispose() {
	c.mu.Lock()
	if c.disposeRequested {
		c.mu.Unlock()
		return
	}
	c.disposeRequested = true
	v := c.value
	c.mu.Unlock()

	c.failPendingWaiters()
	if v <= 0 {
		c.finishDispose()
	}
}

func (c *Counter) failPendingWaiters() {
	for {
		node, ok := c.decrementWaiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*decrementWaiter)
		w.granted, w.err = 0, ErrDisposed
		w.base.Complete()
	}
	for {
		node, ok := c.peekWaiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*peekWaiter)
		w.err = ErrDisposed
		w.base.Complete()
	}
}

// finishDispose performs the zero -> disposed-sentinel transition and
// fires the disposer, idempotently; it does nothing while the value is
// still positive.
func (c *Counter) finishDispose() {
	c.mu.Lock()
	if c.value != counterDisposedSentinel && c.value <= 0 {
		c.value = counterDisposedSentinel
		c.mu.Unlock()
		c.disposer.SwitchToComplete()
		return
	}
	c.mu.Unlock()
}

// DecrementAny attaches a peek-waiter to every counter, resolves as soon as
// any one of them reports a decrement would succeed, then attempts the
// actual decrement on that counter; if it loses that race to a concurrent
// consumer, it re-attaches and retries. It returns the winning counter's
// index, or fails with ErrAllDisposed if every counter is disposed before
// any of them was ever observed live, or ErrCancelled if ctx is done
// first.
//
// Unlike the primitive-internal waiter queues, this multiplexer is
// expressed as ordinary goroutines racing over a shared channel: Go's
// idiomatic vehicle for "attach one pending wait to many sources and take
// the first" is a cancellable context plus a fan-in channel, not a bespoke
// multi-queue attachment. See internal/waitq/doc.go for the analogous
// reasoning applied to timeouts.
func DecrementAny(ctx context.Context, counters ...*Counter) (int, error) {
	if len(counters) == 0 {
		return -1, ErrArgumentOutOfRange
	}
	// Fast path: a counter already positive and undisputed grants
	// immediately, even against an already-expired ctx (the "zero timeout
	// only fails if the fast path fails" rule applies here too).
	for i, counter := range counters {
		if counter.TryDecrement() {
			return i, nil
		}
	}
	if ctx.Err() != nil {
		return -1, ErrCancelled
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, len(counters))
	var disposedCount int32

	for i, counter := range counters {
		i, counter := i, counter
		go func() {
			for {
				if subCtx.Err() != nil {
					results <- outcome{-1, ErrCancelled}
					return
				}
				perr := counter.PeekDecrement(subCtx)
				if perr != nil {
					if errors.Is(perr, ErrDisposed) {
						if atomic.AddInt32(&disposedCount, 1) == int32(len(counters)) {
							results <- outcome{-1, ErrAllDisposed}
						}
						return
					}
					results <- outcome{-1, perr}
					return
				}
				if counter.TryDecrement() {
					results <- outcome{i, nil}
					return
				}
				// Lost the race for this unit; peek again.
			}
		}()
	}

	r := <-results
	cancel()
	return r.idx, r.err
}

// DecrementAnyTimeout is DecrementAny with an additional timeout.
func DecrementAnyTimeout(ctx context.Context, timeout time.Duration, counters ...*Counter) (int, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return -1, ErrArgumentOutOfRange
	}
	defer cancel()
	idx, err := DecrementAny(mctx, counters...)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return idx, ErrTimedOut
	}
	return idx, err
}
