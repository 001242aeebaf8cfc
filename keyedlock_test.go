// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLockDistinctKeysDoNotContend(t *testing.T) {
	kl := NewAsyncKeyedLock()
	ctx := context.Background()

	h1, err := kl.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	h2, err := kl.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire(b): %v", err)
	}
	if got := kl.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	h1.Release()
	h2.Release()
	if got := kl.Count(); got != 0 {
		t.Fatalf("Count after release = %d, want 0", got)
	}
}

func TestKeyedLockSameKeySerializes(t *testing.T) {
	kl := NewAsyncKeyedLock()
	ctx := context.Background()

	h1, err := kl.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		h2, err := kl.Acquire(ctx, "k")
		if err == nil {
			h2.Release()
		}
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second Acquire on the same key returned before Release")
	case <-time.After(20 * time.Millisecond):
	}

	h1.Release()

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked")
	}
}

func TestKeyedLockTryAcquire(t *testing.T) {
	kl := NewAsyncKeyedLock()
	h, ok := kl.TryAcquire("k")
	if !ok {
		t.Fatal("TryAcquire should succeed on a free key")
	}
	if _, ok := kl.TryAcquire("k"); ok {
		t.Fatal("TryAcquire should fail while the key is held")
	}
	h.Release()
	if _, ok := kl.TryAcquire("k"); !ok {
		t.Fatal("TryAcquire should succeed again after release")
	}
}

func TestKeyedLockDoubleReleaseRejected(t *testing.T) {
	kl := NewAsyncKeyedLock()
	h, err := kl.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("double Release = %v, want ErrInvalidOperation", err)
	}
}

func TestKeyedLockManyGoroutinesSameKeyMutualExclusion(t *testing.T) {
	kl := NewAsyncKeyedLock()
	ctx := context.Background()
	const n = 30

	var mu sync.Mutex
	active := 0
	violated := false
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := kl.Acquire(ctx, "shared")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > 1 {
				violated = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			h.Release()
		}()
	}
	wg.Wait()
	if violated {
		t.Fatal("more than one goroutine held the same key at once")
	}
	if got := kl.Count(); got != 0 {
		t.Fatalf("Count after drain = %d, want 0", got)
	}
}

func TestKeyedLockDisposeFailsPendingWaiters(t *testing.T) {
	kl := NewAsyncKeyedLock()
	ctx := context.Background()
	h, err := kl.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	done := make(chan error, 1)
	go func() {
		_, err := kl.Acquire(ctx, "k")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := kl.DisposeAsync(context.Background()); err != nil {
		t.Fatalf("DisposeAsync: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("Acquire err after dispose = %v, want ErrDisposed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued Acquire never observed disposal")
	}

	if _, err := kl.Acquire(ctx, "other"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Acquire on disposed lock = %v, want ErrDisposed", err)
	}
}
