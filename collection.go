// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gosuda/coopasync/internal/waitq"
)

// Collection is a bounded async producer/consumer queue composing two
// Counters (UsedSlots and, if capacity-bounded, FreeSlots) with an
// underlying FIFO container, per spec §4.5.
type Collection struct {
	mu    sync.Mutex
	items []interface{}

	capacity int64 // 0 means unbounded
	used     *Counter
	free     *Counter // nil when unbounded

	failed          atomic.Bool
	disposed        atomic.Bool
	teardownStarted atomic.Bool
}

// NewCollection returns a Collection. capacity == 0 means unbounded (no
// FreeSlots counter is attached; Add never blocks on capacity).
func NewCollection(capacity int64) (*Collection, error) {
	if capacity < 0 {
		return nil, ErrArgumentOutOfRange
	}
	used, _ := NewCounter(0, WithThrowOnDispose())
	col := &Collection{used: used, capacity: capacity}
	if capacity > 0 {
		free, _ := NewCounter(capacity, WithThrowOnDispose())
		col.free = free
	}
	return col, nil
}

// Count returns the number of items currently available to Take.
func (col *Collection) Count() int64 { return col.used.CurrentCount() }

// CapacityRemaining returns the number of free slots remaining, or -1 for
// an unbounded collection.
func (col *Collection) CapacityRemaining() int64 {
	if col.free == nil {
		return -1
	}
	return col.free.CurrentCount()
}

// BoundedCapacity returns the collection's fixed capacity, or 0 if
// unbounded.
func (col *Collection) BoundedCapacity() int64 { return col.capacity }

// Failed reports whether the collection has permanently diverged from its
// invariants (§7's fatal case) and is no longer usable.
func (col *Collection) Failed() bool { return col.failed.Load() }

func (col *Collection) markFailed() { col.failed.Store(true) }

// translateErr maps a Disposed error surfaced by one of the two internal
// counters onto the collection's own vocabulary: ErrCompleted if only
// CompleteAdding ran, ErrDisposed if a full DisposeAsync ran. Any other
// error (Cancelled, TimedOut, ArgumentOutOfRange) passes through unchanged.
func (col *Collection) translateErr(err error) error {
	if err == nil || !errors.Is(err, ErrDisposed) {
		return err
	}
	if col.disposed.Load() {
		return ErrDisposed
	}
	return ErrCompleted
}

func (col *Collection) popFront() (interface{}, bool) {
	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.items) == 0 {
		return nil, false
	}
	item := col.items[0]
	col.items[0] = nil
	col.items = col.items[1:]
	return item, true
}

func (col *Collection) pushBack(item interface{}) {
	col.mu.Lock()
	col.items = append(col.items, item)
	col.mu.Unlock()
}

// spinForItem is the fallback for a Take whose UsedSlots decrement was
// granted but whose popFront found the container empty; per §4.5 it spins
// until an item appears or Failed is set. Add and TryAdd push the item
// into the container before incrementing UsedSlots, so in steady state a
// granted Take finds its item already present and this loop is not reached.
func (col *Collection) spinForItem() (interface{}, bool) {
	for !col.failed.Load() {
		if item, ok := col.popFront(); ok {
			return item, true
		}
		runtime.Gosched()
	}
	return nil, false
}

// Add blocks until a free slot is available (for bounded collections),
// appends item, then publishes it to UsedSlots.
func (col *Collection) Add(ctx context.Context, item interface{}) error {
	if col.disposed.Load() {
		return ErrDisposed
	}
	if col.teardownStarted.Load() {
		return ErrCompleted
	}
	if col.free != nil {
		if err := col.free.Decrement(ctx); err != nil {
			return col.translateErr(err)
		}
	}
	col.pushBack(item)
	if _, err := col.used.Add(1); err != nil {
		col.markFailed()
		return ErrFailed
	}
	return nil
}

// AddTimeout is Add with an additional timeout.
func (col *Collection) AddTimeout(ctx context.Context, timeout time.Duration, item interface{}) error {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return ErrArgumentOutOfRange
	}
	defer cancel()
	err := col.Add(mctx, item)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return ErrTimedOut
	}
	return err
}

// TryAdd is the non-blocking form of Add: it fails immediately if no free
// slot is available rather than waiting for one.
func (col *Collection) TryAdd(item interface{}) bool {
	if col.disposed.Load() || col.teardownStarted.Load() {
		return false
	}
	if col.free != nil && !col.free.TryDecrement() {
		return false
	}
	col.pushBack(item)
	if _, err := col.used.Add(1); err != nil {
		col.markFailed()
		return false
	}
	return true
}

// AddComplete adds one final item and then calls CompleteAdding.
func (col *Collection) AddComplete(ctx context.Context, item interface{}) error {
	if err := col.Add(ctx, item); err != nil {
		return err
	}
	col.CompleteAdding()
	return nil
}

// TryAddComplete is the non-blocking form of AddComplete.
func (col *Collection) TryAddComplete(item interface{}) bool {
	if !col.TryAdd(item) {
		return false
	}
	col.CompleteAdding()
	return true
}

// AddMany adds items sequentially, blocking on capacity for each in turn.
// It returns the number of items successfully added; on cancellation or
// disposal mid-sequence, items already added remain in the collection, per
// §4.5's "on partial success under cancellation" invariant.
func (col *Collection) AddMany(ctx context.Context, items []interface{}) (int, error) {
	for i, item := range items {
		if err := col.Add(ctx, item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// Take blocks until an item is available, removes it, and releases a free
// slot back (for bounded collections).
func (col *Collection) Take(ctx context.Context) (interface{}, error) {
	if err := col.used.Decrement(ctx); err != nil {
		return nil, col.translateErr(err)
	}
	item, ok := col.popFront()
	if !ok {
		item, ok = col.spinForItem()
		if !ok {
			col.markFailed()
			return nil, ErrFailed
		}
	}
	if col.free != nil {
		col.free.Add(1)
	}
	return item, nil
}

// TakeTimeout is Take with an additional timeout.
func (col *Collection) TakeTimeout(ctx context.Context, timeout time.Duration) (interface{}, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	item, err := col.Take(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return item, ErrTimedOut
	}
	return item, err
}

// TryTake is the non-blocking form of Take.
func (col *Collection) TryTake() (interface{}, bool) {
	if !col.used.TryDecrement() {
		return nil, false
	}
	item, ok := col.popFront()
	if !ok {
		item, ok = col.spinForItem()
		if !ok {
			col.markFailed()
			return nil, false
		}
	}
	if col.free != nil {
		col.free.TryIncrement()
	}
	return item, true
}

// Peek awaits "a Take would succeed right now" without consuming an item.
func (col *Collection) Peek(ctx context.Context) error {
	return col.translateErr(col.used.PeekDecrement(ctx))
}

// TryPeek is the non-blocking form of Peek.
func (col *Collection) TryPeek() bool { return col.used.TryPeekDecrement() }

// CompleteAdding marks the collection as accepting no further adds.
// Pending adders waiting on a free slot fail with ErrCompleted; pending and
// future takers continue to drain remaining items, then fail with
// ErrCompleted once the container empties. It does not block; use
// DisposeAsync to wait for the drain to finish.
func (col *Collection) CompleteAdding() {
	col.teardown()
}

func (col *Collection) teardown() {
	if !col.teardownStarted.CompareAndSwap(false, true) {
		return
	}
	col.used.requestDispose()
	if col.free != nil {
		col.free.requestDispose()
	}
}

// DisposeAsync immediately stops new adds, and blocks until every
// remaining item has been drained by Take/TryTake and both internal
// counters have reached their disposed-and-drained state. Errors
// surfaced afterward report ErrDisposed rather than ErrCompleted.
func (col *Collection) DisposeAsync(ctx context.Context) error {
	col.disposed.Store(true)
	col.teardown()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return col.used.DisposeAsync(gctx) })
	if col.free != nil {
		// No Add succeeds after teardown, so the free slots still banked in
		// free would never be consumed; take them so free can drain.
		col.free.DecrementUpTo(ctx, NoMaximum)
		g.Go(func() error { return col.free.DisposeAsync(gctx) })
	}
	return g.Wait()
}

// Consume returns a channel that yields items until ctx is done or the
// collection drains-and-completes, whichever comes first. The channel is
// closed when iteration ends. This is the idiomatic Go rendering of
// GetConsumingEnumerable/GetConsumingAsyncEnumerable: a range-able channel
// in place of a foreach-compatible enumerator.
func (col *Collection) Consume(ctx context.Context) <-chan interface{} {
	out := make(chan interface{})
	go func() {
		defer close(out)
		for {
			item, err := col.Take(ctx)
			if err != nil {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// TakeFromAny wraps DecrementAny over the UsedSlots counter of each
// collection: it resolves on the first collection with an item available,
// consumes exactly one unit from its UsedSlots (DecrementAny's internal
// peek/retry loop already resolves any race against other consumers of the
// same collection), then performs the matching container pop.
func TakeFromAny(ctx context.Context, collections ...*Collection) (int, interface{}, error) {
	if len(collections) == 0 {
		return -1, nil, ErrArgumentOutOfRange
	}
	used := make([]*Counter, len(collections))
	for i, col := range collections {
		used[i] = col.used
	}
	idx, err := DecrementAny(ctx, used...)
	if err != nil {
		return -1, nil, err
	}
	winner := collections[idx]
	item, ok := winner.popFront()
	if !ok {
		item, ok = winner.spinForItem()
		if !ok {
			winner.markFailed()
			return -1, nil, ErrFailed
		}
	}
	if winner.free != nil {
		winner.free.Add(1)
	}
	return idx, item, nil
}
