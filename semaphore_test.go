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

func TestSemaphoreTakeRelease(t *testing.T) {
	sem, err := NewAsyncSemaphore(2, 2)
	if err != nil {
		t.Fatalf("NewAsyncSemaphore: %v", err)
	}
	ctx := context.Background()

	h1, err := sem.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := sem.Take(ctx); err != nil {
		t.Fatalf("second Take: %v", err)
	}
	if got := sem.CurrentCount(); got != 0 {
		t.Fatalf("CurrentCount = %d, want 0", got)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h1.Release(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("double Release = %v, want ErrInvalidOperation", err)
	}
	if got := sem.CurrentCount(); got != 1 {
		t.Fatalf("CurrentCount after release = %d, want 1", got)
	}
}

func TestSemaphoreConstructorRejectsBadArgs(t *testing.T) {
	if _, err := NewAsyncSemaphore(-1, 2); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Fatalf("negative initial = %v, want ErrArgumentOutOfRange", err)
	}
	if _, err := NewAsyncSemaphore(3, 2); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Fatalf("initial > max = %v, want ErrArgumentOutOfRange", err)
	}
	if _, err := NewAsyncSemaphore(0, 0); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Fatalf("zero max = %v, want ErrArgumentOutOfRange", err)
	}
}

func TestSemaphoreTakeBlocksUntilRelease(t *testing.T) {
	sem, _ := NewAsyncSemaphore(1, 1)
	ctx := context.Background()
	h, err := sem.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	takeDone := make(chan error, 1)
	go func() {
		_, err := sem.Take(ctx)
		takeDone <- err
	}()

	select {
	case <-takeDone:
		t.Fatal("second Take returned before Release")
	case <-time.After(20 * time.Millisecond):
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-takeDone:
		if err != nil {
			t.Fatalf("second Take: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Take never unblocked")
	}
}

func TestSemaphoreTakeTimeout(t *testing.T) {
	sem, _ := NewAsyncSemaphore(0, 1)
	_, err := sem.TakeTimeout(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("TakeTimeout err = %v, want ErrTimedOut", err)
	}
}

func TestSemaphoreTakeTimeoutZero(t *testing.T) {
	sem, _ := NewAsyncSemaphore(1, 1)
	if _, err := sem.TakeTimeout(context.Background(), 0); err != nil {
		t.Fatalf("TakeTimeout(0) with a permit available: %v", err)
	}

	empty, _ := NewAsyncSemaphore(0, 1)
	_, err := empty.TakeTimeout(context.Background(), 0)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("TakeTimeout(0) on an empty semaphore = %v, want ErrTimedOut", err)
	}
}

func TestSemaphoreNThreadTakeRelease(t *testing.T) {
	const permits = 3
	const workers = 30
	sem, _ := NewAsyncSemaphore(permits, permits)
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := sem.Take(ctx)
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			h.Release()
		}()
	}
	wg.Wait()

	if maxInside > permits {
		t.Fatalf("observed %d concurrent holders, want <= %d", maxInside, permits)
	}
	if got := sem.CurrentCount(); got != permits {
		t.Fatalf("CurrentCount after drain = %d, want %d", got, permits)
	}
}

func TestSemaphoreDisposeWaitsForOutstanding(t *testing.T) {
	sem, _ := NewAsyncSemaphore(1, 1)
	ctx := context.Background()
	h, err := sem.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	disposeDone := make(chan error, 1)
	go func() { disposeDone <- sem.DisposeAsync(context.Background()) }()

	select {
	case <-disposeDone:
		t.Fatal("DisposeAsync returned before outstanding Instance was released")
	case <-time.After(20 * time.Millisecond):
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-disposeDone:
		if err != nil {
			t.Fatalf("DisposeAsync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DisposeAsync never completed")
	}

	if _, err := sem.Take(ctx); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Take after dispose = %v, want ErrDisposed", err)
	}
}
