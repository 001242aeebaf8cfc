// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gosuda/coopasync/internal/waitq"
)

// eventWaiter is the shared payload shape for both reset-event flavors.
type eventWaiter struct {
	base *waitq.Base
	err  error
}

func newEventWaiter() *eventWaiter {
	w := &eventWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var eventWaiterPool = sync.Pool{New: func() interface{} { return newEventWaiter() }}

func getEventWaiter() *eventWaiter { return eventWaiterPool.Get().(*eventWaiter) }

func putEventWaiter(w *eventWaiter) {
	w.err = nil
	w.base.Reset()
	eventWaiterPool.Put(w)
}

// AutoResetEvent is a waiter-queue event whose Set either hands off
// directly to one waiter or flips to Set (consumed by the next Wait/
// TryWait), per spec §4.6.
type AutoResetEvent struct {
	mu       sync.Mutex
	isSet    bool
	disposed bool
	waiters  waitq.Queue
	disposer waitq.Disposer
}

// NewAutoResetEvent returns an AutoResetEvent in the given initial state.
func NewAutoResetEvent(initiallySet bool) *AutoResetEvent {
	return &AutoResetEvent{isSet: initiallySet}
}

// TryWait atomically consumes the Set state if present, without blocking.
func (e *AutoResetEvent) TryWait() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isSet {
		e.isSet = false
		return true
	}
	return false
}

// Set hands the signal directly to one pending waiter, FIFO, or else
// leaves the event Set for the next Wait/TryWait to consume.
func (e *AutoResetEvent) Set() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	for {
		node, ok := e.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*eventWaiter)
		w.err = nil
		if w.base.Complete() {
			e.mu.Unlock()
			return
		}
	}
	e.isSet = true
	e.mu.Unlock()
}

// Wait suspends until Set is called, the event was already Set, or ctx is
// done.
func (e *AutoResetEvent) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.isSet {
		e.isSet = false
		e.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		e.mu.Unlock()
		return ErrCancelled
	}
	w := getEventWaiter()
	w.base.Arm()
	e.waiters.Enqueue(&w.base.Node)
	e.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&e.waiters) {
			putEventWaiter(w)
			return ErrCancelled
		}
	}
	err := w.err
	putEventWaiter(w)
	return err
}

// WaitTimeout is Wait with an additional timeout.
func (e *AutoResetEvent) WaitTimeout(ctx context.Context, timeout time.Duration) error {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return ErrArgumentOutOfRange
	}
	defer cancel()
	err := e.Wait(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return ErrTimedOut
	}
	return err
}

// DisposeAsync fails every pending waiter with ErrDisposed and marks the
// event permanently disposed.
func (e *AutoResetEvent) DisposeAsync(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return e.disposer.Wait(ctx)
	}
	e.disposed = true
	e.mu.Unlock()

	for {
		node, ok := e.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*eventWaiter)
		w.err = ErrDisposed
		w.base.Complete()
	}
	e.disposer.SwitchToComplete()
	return e.disposer.Wait(ctx)
}

// ManualResetEvent stays Set until explicitly Reset, releasing every
// pending waiter each time Set is called, per spec §4.6.
type ManualResetEvent struct {
	mu       sync.Mutex
	isSet    bool
	disposed bool
	waiters  waitq.Queue
	disposer waitq.Disposer
}

// NewManualResetEvent returns a ManualResetEvent in the given initial
// state.
func NewManualResetEvent(initiallySet bool) *ManualResetEvent {
	return &ManualResetEvent{isSet: initiallySet}
}

// IsSet reports the current state without consuming it.
func (e *ManualResetEvent) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSet
}

// Set flips the event to Set and releases every currently pending waiter.
// It stays Set until Reset is called.
func (e *ManualResetEvent) Set() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.isSet = true
	e.mu.Unlock()

	for {
		node, ok := e.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*eventWaiter)
		w.err = nil
		w.base.Complete()
	}
}

// Reset returns the event to Unset.
func (e *ManualResetEvent) Reset() {
	e.mu.Lock()
	if !e.disposed {
		e.isSet = false
	}
	e.mu.Unlock()
}

// Wait suspends until the event is (or becomes) Set, or ctx is done.
func (e *ManualResetEvent) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.isSet {
		e.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		e.mu.Unlock()
		return ErrCancelled
	}
	w := getEventWaiter()
	w.base.Arm()
	e.waiters.Enqueue(&w.base.Node)
	e.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&e.waiters) {
			putEventWaiter(w)
			return ErrCancelled
		}
	}
	err := w.err
	putEventWaiter(w)
	return err
}

// WaitTimeout is Wait with an additional timeout.
func (e *ManualResetEvent) WaitTimeout(ctx context.Context, timeout time.Duration) error {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return ErrArgumentOutOfRange
	}
	defer cancel()
	err := e.Wait(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return ErrTimedOut
	}
	return err
}

// DisposeAsync fails every pending waiter with ErrDisposed and marks the
// event permanently disposed.
func (e *ManualResetEvent) DisposeAsync(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return e.disposer.Wait(ctx)
	}
	e.disposed = true
	e.mu.Unlock()

	for {
		node, ok := e.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*eventWaiter)
		w.err = ErrDisposed
		w.base.Complete()
	}
	e.disposer.SwitchToComplete()
	return e.disposer.Wait(ctx)
}
