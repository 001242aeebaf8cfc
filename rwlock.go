// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gosuda/coopasync/internal/diag"
	"github.com/gosuda/coopasync/internal/waitq"
)

var (
	readerLeakChecker = diag.NewLeakChecker("AsyncReadWriteLock.ReaderInstance")
	writerLeakChecker = diag.NewLeakChecker("AsyncReadWriteLock.WriterInstance")
)

// AsyncReadWriteLock is a reader/writer lock with reader-to-writer upgrade
// and writer-to-reader downgrade, per spec §4.6. Writers take priority over
// newly arriving readers once a writer is queued, to avoid starving them.
type AsyncReadWriteLock struct {
	mu       sync.Mutex
	readers  int64
	writer   bool
	disposed bool

	// upgradePending is the single in-flight Upgrade call, if any. Because
	// there is at most one upgrade slot and both Upgrade and releaseRead
	// check it under the same mutex, no separate queue or CAS is needed for
	// it the way ordinary waiters need one.
	upgradePending *rwWaiter

	readerWaiters, writerWaiters waitq.Queue
	disposer                     waitq.Disposer
}

// NewAsyncReadWriteLock returns an unheld read-write lock.
func NewAsyncReadWriteLock() *AsyncReadWriteLock {
	return &AsyncReadWriteLock{}
}

type rwWaiter struct {
	base *waitq.Base
	err  error
}

func newRWWaiter() *rwWaiter {
	w := &rwWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var rwWaiterPool = sync.Pool{New: func() interface{} { return newRWWaiter() }}

func getRWWaiter() *rwWaiter { return rwWaiterPool.Get().(*rwWaiter) }

func putRWWaiter(w *rwWaiter) {
	w.err = nil
	w.base.Reset()
	rwWaiterPool.Put(w)
}

// ReaderInstance is the handle returned by AcquireRead.
type ReaderInstance struct {
	lock     *AsyncReadWriteLock
	released bool
	mu       sync.Mutex
}

func newReaderInstance(rw *AsyncReadWriteLock) *ReaderInstance {
	r := &ReaderInstance{lock: rw}
	diag.Arm(readerLeakChecker, r, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.released
	})
	return r
}

// WriterInstance is the handle returned by AcquireWrite.
type WriterInstance struct {
	lock     *AsyncReadWriteLock
	released bool
	mu       sync.Mutex
}

func newWriterInstance(rw *AsyncReadWriteLock) *WriterInstance {
	w := &WriterInstance{lock: rw}
	diag.Arm(writerLeakChecker, w, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return !w.released
	})
	return w
}

// AcquireRead suspends until a read slot is available. It is denied entry
// while a writer holds the lock or one is queued, per the writer-priority
// policy.
func (rw *AsyncReadWriteLock) AcquireRead(ctx context.Context) (*ReaderInstance, error) {
	rw.mu.Lock()
	if rw.disposed {
		rw.mu.Unlock()
		return nil, ErrDisposed
	}
	if !rw.writer && rw.writerWaiters.IsEmpty() {
		rw.readers++
		rw.mu.Unlock()
		return newReaderInstance(rw), nil
	}
	if ctx.Err() != nil {
		rw.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getRWWaiter()
	w.base.Arm()
	rw.readerWaiters.Enqueue(&w.base.Node)
	rw.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&rw.readerWaiters) {
			putRWWaiter(w)
			return nil, ErrCancelled
		}
	}
	err := w.err
	putRWWaiter(w)
	if err != nil {
		return nil, err
	}
	return newReaderInstance(rw), nil
}

// AcquireReadTimeout is AcquireRead with an additional timeout.
func (rw *AsyncReadWriteLock) AcquireReadTimeout(ctx context.Context, timeout time.Duration) (*ReaderInstance, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	inst, err := rw.AcquireRead(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return inst, ErrTimedOut
	}
	return inst, err
}

// AcquireWrite suspends until the lock is completely idle.
func (rw *AsyncReadWriteLock) AcquireWrite(ctx context.Context) (*WriterInstance, error) {
	rw.mu.Lock()
	if rw.disposed {
		rw.mu.Unlock()
		return nil, ErrDisposed
	}
	if !rw.writer && rw.readers == 0 {
		rw.writer = true
		rw.mu.Unlock()
		return newWriterInstance(rw), nil
	}
	if ctx.Err() != nil {
		rw.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getRWWaiter()
	w.base.Arm()
	rw.writerWaiters.Enqueue(&w.base.Node)
	rw.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&rw.writerWaiters) {
			putRWWaiter(w)
			return nil, ErrCancelled
		}
	}
	err := w.err
	putRWWaiter(w)
	if err != nil {
		return nil, err
	}
	return newWriterInstance(rw), nil
}

// AcquireWriteTimeout is AcquireWrite with an additional timeout.
func (rw *AsyncReadWriteLock) AcquireWriteTimeout(ctx context.Context, timeout time.Duration) (*WriterInstance, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	inst, err := rw.AcquireWrite(mctx)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return inst, ErrTimedOut
	}
	return inst, err
}

// tryGrantLocked is called with rw.mu held, whenever the lock transitions
// to idle (readers == 0, writer == false). It grants one queued writer if
// any is waiting, else drains and grants every queued reader.
func (rw *AsyncReadWriteLock) tryGrantLocked() {
	for {
		node, ok := rw.writerWaiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*rwWaiter)
		w.err = nil
		if w.base.Complete() {
			rw.writer = true
			return
		}
	}
	granted := int64(0)
	for {
		node, ok := rw.readerWaiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*rwWaiter)
		w.err = nil
		if w.base.Complete() {
			granted++
		}
	}
	rw.readers = granted
}

// Release releases this reader slot.
func (h *ReaderInstance) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrInvalidOperation
	}
	h.released = true
	h.mu.Unlock()
	diag.Disarm(h)
	h.lock.releaseRead()
	return nil
}

func (rw *AsyncReadWriteLock) releaseRead() {
	rw.mu.Lock()
	rw.readers--
	if rw.readers == 1 && rw.upgradePending != nil {
		w := rw.upgradePending
		rw.upgradePending = nil
		w.err = nil
		if w.base.Complete() {
			rw.readers = 0
			rw.writer = true
			drain := rw.disposed
			rw.mu.Unlock()
			if drain {
				rw.maybeFinishDispose()
			}
			return
		}
		// Complete lost the race (the upgrade was cancelled concurrently);
		// fall through to ordinary release handling below.
		rw.upgradePending = nil
	}
	if rw.readers == 0 {
		rw.tryGrantLocked()
	}
	drain := rw.disposed && rw.readers == 0 && !rw.writer
	rw.mu.Unlock()
	if drain {
		rw.maybeFinishDispose()
	}
}

// Release releases the write lock.
func (h *WriterInstance) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrInvalidOperation
	}
	h.released = true
	h.mu.Unlock()
	diag.Disarm(h)
	h.lock.releaseWrite()
	return nil
}

func (rw *AsyncReadWriteLock) releaseWrite() {
	rw.mu.Lock()
	rw.writer = false
	rw.tryGrantLocked()
	drain := rw.disposed && rw.readers == 0 && !rw.writer
	rw.mu.Unlock()
	if drain {
		rw.maybeFinishDispose()
	}
}

// Downgrade converts a held write lock directly into a read lock, with no
// intervening window where the lock is unheld, per spec §4.6.
func (h *WriterInstance) Downgrade() (*ReaderInstance, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrInvalidOperation
	}
	h.released = true
	h.mu.Unlock()
	diag.Disarm(h)

	rw := h.lock
	rw.mu.Lock()
	rw.writer = false
	rw.readers = 1
	rw.mu.Unlock()
	return newReaderInstance(rw), nil
}

// Upgrade converts a held read lock into a write lock. If this is the only
// outstanding reader, the conversion is immediate; otherwise it suspends
// until every other reader has released. Only one upgrade may be in flight
// at a time: if another upgrade is already pending, Upgrade fails at once
// with ErrInvalidOperation instead of waiting.
//
// Unlike a literal reading of the spec, the reader slot is never actually
// released while an upgrade is pending: releaseRead converts the waiting
// upgrade directly in place when the reader count reaches 1, so there is no
// window to "reacquire the reader" on cancellation — the caller's original
// read slot was never given up.
func (h *ReaderInstance) Upgrade(ctx context.Context) (*WriterInstance, error) {
	rw := h.lock
	rw.mu.Lock()
	if rw.disposed {
		rw.mu.Unlock()
		return nil, ErrDisposed
	}
	if rw.upgradePending != nil {
		rw.mu.Unlock()
		return nil, ErrInvalidOperation
	}
	if rw.readers == 1 {
		rw.readers = 0
		rw.writer = true
		rw.mu.Unlock()
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		diag.Disarm(h)
		return newWriterInstance(rw), nil
	}
	if ctx.Err() != nil {
		rw.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getRWWaiter()
	w.base.Arm()
	rw.upgradePending = w
	rw.mu.Unlock()

	werr := w.base.Wait(ctx)
	if werr == nil {
		err := w.err
		putRWWaiter(w)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		diag.Disarm(h)
		return newWriterInstance(rw), nil
	}

	rw.mu.Lock()
	if rw.upgradePending == w {
		// Genuinely cancelled: releaseRead never reached the handoff, so
		// this reader's slot was never released and needs no rollback.
		rw.upgradePending = nil
		rw.mu.Unlock()
		putRWWaiter(w)
		return nil, ErrCancelled
	}
	// A releaseRead already claimed this waiter and is mid-Complete; wait
	// for it on the raw channel rather than re-arbitrating ownership.
	rw.mu.Unlock()
	<-w.base.Done()
	err := w.err
	putRWWaiter(w)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	diag.Disarm(h)
	return newWriterInstance(rw), nil
}

// TryUpgrade is the non-blocking form of Upgrade: it succeeds only if this
// is the only outstanding reader and no other upgrade is already pending.
func (h *ReaderInstance) TryUpgrade() (*WriterInstance, bool) {
	rw := h.lock
	rw.mu.Lock()
	if rw.disposed || rw.readers != 1 || rw.upgradePending != nil {
		rw.mu.Unlock()
		return nil, false
	}
	rw.readers = 0
	rw.writer = true
	rw.mu.Unlock()

	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	diag.Disarm(h)
	return newWriterInstance(rw), true
}

// DisposeAsync marks the lock disposed: new acquires fail, every pending
// waiter fails with ErrDisposed, and DisposeAsync blocks until every
// already issued reader/writer instance has been released.
func (rw *AsyncReadWriteLock) DisposeAsync(ctx context.Context) error {
	rw.mu.Lock()
	if rw.disposed {
		rw.mu.Unlock()
		return rw.disposer.Wait(ctx)
	}
	rw.disposed = true
	idle := rw.readers == 0 && !rw.writer
	pendingUpgrade := rw.upgradePending
	rw.upgradePending = nil
	rw.mu.Unlock()

	if pendingUpgrade != nil {
		pendingUpgrade.err = ErrDisposed
		pendingUpgrade.base.Complete()
	}
	for _, q := range []*waitq.Queue{&rw.readerWaiters, &rw.writerWaiters} {
		for {
			node, ok := q.TryDequeue()
			if !ok {
				break
			}
			w := node.Owner().(*rwWaiter)
			w.err = ErrDisposed
			w.base.Complete()
		}
	}
	if idle {
		rw.disposer.SwitchToComplete()
	}
	return rw.disposer.Wait(ctx)
}

func (rw *AsyncReadWriteLock) maybeFinishDispose() { rw.disposer.SwitchToComplete() }
