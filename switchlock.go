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

var switchLockLeakChecker = diag.NewLeakChecker("AsyncSwitchLock.Instance")

// AsyncSwitchLock is a two-sided lock, per spec §4.6: negative state means
// "left held by N", positive means "right held by N", zero means unheld.
// Rather than pack a disposed sentinel into that integer (the source's
// MinInt trick), a separate bool is used: every access already goes
// through the same mutex, so a dedicated field is exactly as atomic and
// considerably more readable than reserving a magic value.
type AsyncSwitchLock struct {
	mu       sync.Mutex
	state    int64
	disposed bool
	fair     bool

	leftWaiters, rightWaiters waitq.Queue
	disposer                  waitq.Disposer
}

// NewAsyncSwitchLock returns an unheld switch lock. In fair mode, a side
// already holding the lock must let the other side's queue drain before
// re-entering; in unfair mode same-side re-entry is always allowed.
func NewAsyncSwitchLock(fair bool) *AsyncSwitchLock {
	return &AsyncSwitchLock{fair: fair}
}

type sideWaiter struct {
	base *waitq.Base
	err  error
}

func newSideWaiter() *sideWaiter {
	w := &sideWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var sideWaiterPool = sync.Pool{New: func() interface{} { return newSideWaiter() }}

func getSideWaiter() *sideWaiter { return sideWaiterPool.Get().(*sideWaiter) }

func putSideWaiter(w *sideWaiter) {
	w.err = nil
	w.base.Reset()
	sideWaiterPool.Put(w)
}

// SwitchLockInstance is the disposable handle returned by TakeLeft/TakeRight.
type SwitchLockInstance struct {
	lock     *AsyncSwitchLock
	isLeft   bool
	released atomic.Bool
}

func (l *AsyncSwitchLock) newInstance(isLeft bool) *SwitchLockInstance {
	inst := &SwitchLockInstance{lock: l, isLeft: isLeft}
	diag.Arm(switchLockLeakChecker, inst, func() bool { return !inst.released.Load() })
	return inst
}

// Release returns this holder's share of the lock. Calling it twice
// reports ErrInvalidOperation.
func (h *SwitchLockInstance) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrInvalidOperation
	}
	diag.Disarm(h)
	h.lock.release(h.isLeft)
	return nil
}

// TakeLeft acquires the lock's left side.
func (l *AsyncSwitchLock) TakeLeft(ctx context.Context) (*SwitchLockInstance, error) {
	return l.takeSide(ctx, true)
}

// TakeRight acquires the lock's right side.
func (l *AsyncSwitchLock) TakeRight(ctx context.Context) (*SwitchLockInstance, error) {
	return l.takeSide(ctx, false)
}

func (l *AsyncSwitchLock) takeSide(ctx context.Context, isLeft bool) (*SwitchLockInstance, error) {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil, ErrDisposed
	}
	sameSign := (isLeft && l.state < 0) || (!isLeft && l.state > 0)
	otherQ := &l.rightWaiters
	ownQ := &l.leftWaiters
	if !isLeft {
		otherQ = &l.leftWaiters
		ownQ = &l.rightWaiters
	}
	if l.state == 0 || (sameSign && (!l.fair || otherQ.IsEmpty())) {
		if isLeft {
			l.state--
		} else {
			l.state++
		}
		l.mu.Unlock()
		return l.newInstance(isLeft), nil
	}
	if ctx.Err() != nil {
		l.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getSideWaiter()
	w.base.Arm()
	ownQ.Enqueue(&w.base.Node)
	l.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(ownQ) {
			putSideWaiter(w)
			return nil, ErrCancelled
		}
	}
	err := w.err
	putSideWaiter(w)
	if err != nil {
		return nil, err
	}
	return l.newInstance(isLeft), nil
}

// TakeLeftTimeout is TakeLeft with an additional timeout.
func (l *AsyncSwitchLock) TakeLeftTimeout(ctx context.Context, timeout time.Duration) (*SwitchLockInstance, error) {
	return l.takeSideTimeout(ctx, timeout, true)
}

// TakeRightTimeout is TakeRight with an additional timeout.
func (l *AsyncSwitchLock) TakeRightTimeout(ctx context.Context, timeout time.Duration) (*SwitchLockInstance, error) {
	return l.takeSideTimeout(ctx, timeout, false)
}

func (l *AsyncSwitchLock) takeSideTimeout(ctx context.Context, timeout time.Duration, isLeft bool) (*SwitchLockInstance, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	inst, err := l.takeSide(mctx, isLeft)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return inst, ErrTimedOut
	}
	return inst, err
}

func (l *AsyncSwitchLock) release(isLeft bool) {
	l.mu.Lock()
	if isLeft {
		l.state++
	} else {
		l.state--
	}
	if l.state == 0 {
		otherQ := &l.rightWaiters
		if !isLeft {
			otherQ = &l.leftWaiters
		}
		granted := int64(0)
		for {
			node, ok := otherQ.TryDequeue()
			if !ok {
				break
			}
			w := node.Owner().(*sideWaiter)
			w.err = nil
			if w.base.Complete() {
				granted++
			}
		}
		if granted > 0 {
			if isLeft {
				l.state = granted // the right side takes over
			} else {
				l.state = -granted // the left side takes over
			}
		}
	}
	drain := l.disposed && l.state == 0
	l.mu.Unlock()
	if drain {
		l.finishDispose()
	}
}

// DisposeAsync marks the lock disposed: new Take calls fail, every pending
// waiter fails with ErrDisposed, and DisposeAsync blocks until every
// currently issued Instance has been released.
func (l *AsyncSwitchLock) DisposeAsync(ctx context.Context) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return l.disposer.Wait(ctx)
	}
	l.disposed = true
	idle := l.state == 0
	l.mu.Unlock()

	for _, q := range []*waitq.Queue{&l.leftWaiters, &l.rightWaiters} {
		for {
			node, ok := q.TryDequeue()
			if !ok {
				break
			}
			w := node.Owner().(*sideWaiter)
			w.err = ErrDisposed
			w.base.Complete()
		}
	}
	if idle {
		l.finishDispose()
	}
	return l.disposer.Wait(ctx)
}

func (l *AsyncSwitchLock) finishDispose() { l.disposer.SwitchToComplete() }
