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

// AsyncKeyedLock is a dynamic family of mutexes, one per key, per spec §9's
// own design note that a keyed lock "can be simulated with a mutex-guarded
// map of per-key waiter queues if the keyspace is small": keys are created
// lazily on first Acquire and removed once their waiter queue drains.
type AsyncKeyedLock struct {
	mu       sync.Mutex
	keys     map[interface{}]*keyEntry
	disposed bool
}

type keyEntry struct {
	held    bool
	waiters waitq.Queue
}

// NewAsyncKeyedLock returns an empty keyed lock.
func NewAsyncKeyedLock() *AsyncKeyedLock {
	return &AsyncKeyedLock{keys: make(map[interface{}]*keyEntry)}
}

// Count returns the number of keys currently tracked (held or with waiters).
func (kl *AsyncKeyedLock) Count() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.keys)
}

type keyWaiter struct {
	base *waitq.Base
	err  error
}

func newKeyWaiter() *keyWaiter {
	w := &keyWaiter{base: waitq.NewBase()}
	w.base.Node.SetOwner(w)
	return w
}

var keyWaiterPool = sync.Pool{New: func() interface{} { return newKeyWaiter() }}

func getKeyWaiter() *keyWaiter { return keyWaiterPool.Get().(*keyWaiter) }

func putKeyWaiter(w *keyWaiter) {
	w.err = nil
	w.base.Reset()
	keyWaiterPool.Put(w)
}

// KeyInstance is the disposable handle returned by Acquire, tied to the key
// it was taken for.
type KeyInstance struct {
	lock     *AsyncKeyedLock
	key      interface{}
	released bool
	mu       sync.Mutex
}

// Acquire suspends until the lock for key is free.
func (kl *AsyncKeyedLock) Acquire(ctx context.Context, key interface{}) (*KeyInstance, error) {
	kl.mu.Lock()
	if kl.disposed {
		kl.mu.Unlock()
		return nil, ErrDisposed
	}
	entry, ok := kl.keys[key]
	if !ok {
		entry = &keyEntry{held: true}
		kl.keys[key] = entry
		kl.mu.Unlock()
		return &KeyInstance{lock: kl, key: key}, nil
	}
	if ctx.Err() != nil {
		kl.mu.Unlock()
		return nil, ErrCancelled
	}
	w := getKeyWaiter()
	w.base.Arm()
	entry.waiters.Enqueue(&w.base.Node)
	kl.mu.Unlock()

	if werr := w.base.Wait(ctx); werr != nil {
		if w.base.RaceCancel(&entry.waiters) {
			putKeyWaiter(w)
			kl.maybeReapKey(key, entry)
			return nil, ErrCancelled
		}
	}
	err := w.err
	putKeyWaiter(w)
	if err != nil {
		return nil, err
	}
	return &KeyInstance{lock: kl, key: key}, nil
}

// AcquireTimeout is Acquire with an additional timeout.
func (kl *AsyncKeyedLock) AcquireTimeout(ctx context.Context, timeout time.Duration, key interface{}) (*KeyInstance, error) {
	mctx, cancel, terr := waitq.WithTimeout(ctx, timeout)
	if terr != nil {
		return nil, ErrArgumentOutOfRange
	}
	defer cancel()
	inst, err := kl.Acquire(mctx, key)
	if err != nil && errors.Is(err, ErrCancelled) && waitq.TimedOut(ctx, mctx) {
		return inst, ErrTimedOut
	}
	return inst, err
}

// TryAcquire is the non-blocking form of Acquire.
func (kl *AsyncKeyedLock) TryAcquire(key interface{}) (*KeyInstance, bool) {
	kl.mu.Lock()
	if kl.disposed {
		kl.mu.Unlock()
		return nil, false
	}
	if _, ok := kl.keys[key]; ok {
		kl.mu.Unlock()
		return nil, false
	}
	kl.keys[key] = &keyEntry{held: true}
	kl.mu.Unlock()
	return &KeyInstance{lock: kl, key: key}, true
}

// maybeReapKey removes a key's entry once it is neither held nor has any
// waiters, called after a cancellation leaves the entry possibly empty.
func (kl *AsyncKeyedLock) maybeReapKey(key interface{}, entry *keyEntry) {
	kl.mu.Lock()
	if !entry.held && entry.waiters.IsEmpty() {
		delete(kl.keys, key)
	}
	kl.mu.Unlock()
}

// Release releases the lock for this instance's key.
func (h *KeyInstance) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrInvalidOperation
	}
	h.released = true
	h.mu.Unlock()
	h.lock.release(h.key)
	return nil
}

func (kl *AsyncKeyedLock) release(key interface{}) {
	kl.mu.Lock()
	entry, ok := kl.keys[key]
	if !ok {
		kl.mu.Unlock()
		return
	}
	for {
		node, ok := entry.waiters.TryDequeue()
		if !ok {
			break
		}
		w := node.Owner().(*keyWaiter)
		w.err = nil
		if w.base.Complete() {
			kl.mu.Unlock()
			return
		}
	}
	entry.held = false
	delete(kl.keys, key)
	kl.mu.Unlock()
}

// DisposeAsync marks the keyed lock disposed: new Acquire calls fail and
// every pending waiter on every key fails with ErrDisposed. It does not
// wait for currently held keys to be released, since there is no single
// completion signal spanning an unbounded, dynamically-created key set;
// callers that need that are expected to track their own outstanding
// KeyInstances.
func (kl *AsyncKeyedLock) DisposeAsync(ctx context.Context) error {
	kl.mu.Lock()
	kl.disposed = true
	entries := make([]*keyEntry, 0, len(kl.keys))
	for _, e := range kl.keys {
		entries = append(entries, e)
	}
	kl.mu.Unlock()

	for _, entry := range entries {
		for {
			node, ok := entry.waiters.TryDequeue()
			if !ok {
				break
			}
			w := node.Owner().(*keyWaiter)
			w.err = ErrDisposed
			w.base.Complete()
		}
	}
	return nil
}
