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

	"github.com/gosuda/coopasync/internal/diag"
	"github.com/gosuda/coopasync/internal/waitq"
)

var semaphoreLeakChecker = diag.NewLeakChecker("AsyncSemaphore.Instance")

// AsyncSemaphore is a counted lock with a bounded maximum count, per
// spec §4.6.
type AsyncSemaphore struct {
	mu          sync.Mutex
	available   int64
	maxCount    int64
	outstanding int64
	disposed    bool

	waiters  waitq.Queue
	disposer waitq.Disposer
}

type semWaiter struct {
	base *waitq.Base
	err  error
}

func newSemWaiter() *semWaiter {
	w := &semWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var semWaiterPool = sync.Pool{New: func() interface{} { return newSemWaiter() }}

func getSemWaiter() *semWaiter { return semWaiterPool.Get().(*semWaiter) }

func putSemWaiter(w *semWaiter) {
	w.err = nil
	w.base.Reset()
	semWaiterPool.Put(w)
}

// NewAsyncSemaphore returns a semaphore with initialCount slots immediately
// available, out of a maximum of maxCount.
func NewAsyncSemaphore(initialCount, maxCount int64) (*AsyncSemaphore, error) {
	if maxCount <= 0 || initialCount < 0 || initialCount > maxCount {
		return nil, ErrArgumentOutOfRange
	}
	return &AsyncSemaphore{available: initialCount, maxCount: maxCount}, nil
}

// CurrentCount returns the number of slots currently available to Take.
func (sem *AsyncSemaphore) CurrentCount() int64 {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.available
}

// MaxCount returns the semaphore's configured maximum.
func (sem *AsyncSemaphore) MaxCount() int64 { return sem.maxCount }

// Instance is the disposable handle returned by Take; exactly one
// Release call per Instance is honored, verified by a release latch rather
// than a version number, since a semaphore's handles are never pool-reused
// across a version boundary the way primitive-internal waiters are.
type Instance struct {
	sem      *AsyncSemaphore
	released atomic.Bool
}

func (sem *AsyncSemaphore) newInstance() *Instance {
	inst := &Instance{sem: sem}
	diag.Arm(semaphoreLeakChecker, inst, func() bool { return !inst.released.Load() })
	return inst
}

// Release returns the slot to the semaphore, handing it directly to a
// pending waiter if one exists. Calling Release twice on the same Instance
// reports ErrInvalidOperation.
func (h *Instance) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrInvalidOperation
	}
	diag.Disarm(h)
	h.sem.release()
	return nil
}

func (sem *AsyncSemaphore) release() {
	sem.mu.Lock()
	for {
		node, ok := sem.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*semWaiter)
		w.err = nil
		if w.base.Complete() {
			sem.mu.Unlock()
			return // handed directly; outstanding count unchanged
		}
	}
	sem.available++
	sem.outstanding--
	drain := sem.disposed && sem.outstanding == 0
	sem.mu.Unlock()
	if drain {
		sem.finishDispose()
	}
}

// Take asynchronously acquires one slot, suspending until one is available,
// ctx is done, or the semaphore is disposed.
func (sem *AsyncSemaphore) Take(ctx context.Context) (*Instance, error) {
	sem.mu.Lock()
	if sem.disposed {
		sem.mu.Unlock()
		return nil, ErrDisposed
	}
	if sem.available > 0 && sem.waiters.IsEmpty() {
		sem.available--
		sem.outstanding++
		sem.mu.Unlock()
		return sem.newInstance(), nil
	}
	if ctx.Err() != nil {
		sem.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getSemWaiter()
	w.base.Arm()
	sem.waiters.Enqueue(&w.base.Node)
	sem.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&sem.waiters) {
			putSemWaiter(w)
			return nil, ErrCancelled
		}
	}
	err := w.err
	putSemWaiter(w)
	if err != nil {
		return nil, err
	}
	return sem.newInstance(), nil
}

// TakeTimeout is Take with an additional timeout.
func (sem *AsyncSemaphore) TakeTimeout(ctx context.Context, timeout time.Duration) (*Instance, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	inst, err := sem.Take(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return inst, ErrTimedOut
	}
	return inst, err
}

// TryTake is the non-blocking form of Take.
func (sem *AsyncSemaphore) TryTake() (*Instance, bool) {
	sem.mu.Lock()
	if sem.disposed || sem.available <= 0 || !sem.waiters.IsEmpty() {
		sem.mu.Unlock()
		return nil, false
	}
	sem.available--
	sem.outstanding++
	sem.mu.Unlock()
	return sem.newInstance(), true
}

// DisposeAsync marks the semaphore disposed: new Take calls fail, every
// pending waiter fails with ErrDisposed, and DisposeAsync blocks until
// every already-issued Instance has been released.
func (sem *AsyncSemaphore) DisposeAsync(ctx context.Context) error {
	sem.mu.Lock()
	if sem.disposed {
		sem.mu.Unlock()
		return sem.disposer.Wait(ctx)
	}
	sem.disposed = true
	outstanding := sem.outstanding
	sem.mu.Unlock()

	for {
		node, ok := sem.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*semWaiter)
		w.err = ErrDisposed
		w.base.Complete()
	}
	if outstanding == 0 {
		sem.finishDispose()
	}
	return sem.disposer.Wait(ctx)
}

func (sem *AsyncSemaphore) finishDispose() { sem.disposer.SwitchToComplete() }
