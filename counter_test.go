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

func TestCounterTryDecrementTryIncrement(t *testing.T) {
	c, err := NewCounter(1)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	if !c.TryDecrement() {
		t.Fatal("TryDecrement should succeed with count 1")
	}
	if c.TryDecrement() {
		t.Fatal("TryDecrement should fail with count 0")
	}
	if !c.TryIncrement() {
		t.Fatal("TryIncrement should always succeed on a live counter")
	}
	if got := c.CurrentCount(); got != 1 {
		t.Fatalf("CurrentCount = %d, want 1", got)
	}
}

func TestCounterAddReturnsPreviousCount(t *testing.T) {
	c, _ := NewCounter(3)
	prev, err := c.Add(4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if prev != 3 {
		t.Fatalf("Add previous = %d, want 3", prev)
	}
	if got := c.CurrentCount(); got != 7 {
		t.Fatalf("CurrentCount = %d, want 7", got)
	}
}

func TestCounterDecrementBlocksUntilAdd(t *testing.T) {
	c, _ := NewCounter(0)
	done := make(chan error, 1)
	go func() {
		done <- c.Decrement(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Decrement returned before any unit was available")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := c.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Decrement: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Decrement never woke up after Add")
	}
}

func TestCounterDecrementCancel(t *testing.T) {
	c, _ := NewCounter(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Decrement(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Decrement err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Decrement never observed cancellation")
	}
	if got := c.CurrentCount(); got != 0 {
		t.Fatalf("CurrentCount after cancelled decrement = %d, want 0", got)
	}
}

func TestCounterDecrementTimeout(t *testing.T) {
	c, _ := NewCounter(0)
	err := c.DecrementTimeout(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("DecrementTimeout err = %v, want ErrTimedOut", err)
	}
}

func TestCounterDecrementTimeoutZeroSucceedsOnFastPath(t *testing.T) {
	c, _ := NewCounter(1)
	if err := c.DecrementTimeout(context.Background(), 0); err != nil {
		t.Fatalf("DecrementTimeout(0) with a unit available: %v", err)
	}
}

func TestCounterDecrementTimeoutZeroFailsWhenEmpty(t *testing.T) {
	c, _ := NewCounter(0)
	err := c.DecrementTimeout(context.Background(), 0)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("DecrementTimeout(0) on an empty counter = %v, want ErrTimedOut", err)
	}
}

func TestCounterDecrementTimeoutNegativeRejected(t *testing.T) {
	c, _ := NewCounter(1)
	_, err := c.DecrementUpToTimeout(context.Background(), -2*time.Millisecond, 1)
	if !errors.Is(err, ErrArgumentOutOfRange) {
		t.Fatalf("DecrementUpToTimeout with a negative non-infinite timeout = %v, want ErrArgumentOutOfRange", err)
	}
}

func TestCounterDisposeFailsPendingWaiters(t *testing.T) {
	c, _ := NewCounter(0, WithThrowOnDispose())
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Decrement(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	if err := c.DisposeAsync(context.Background()); err != nil {
		t.Fatalf("DisposeAsync: %v", err)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("waiter %d err = %v, want ErrDisposed", i, err)
		}
	}
	if !c.Disposed() {
		t.Fatal("Disposed() = false after DisposeAsync returned")
	}
}

func TestCounterManyGoroutinesPreserveTotal(t *testing.T) {
	const n = 50
	c, _ := NewCounter(0)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TryIncrement()
		}()
	}
	wg.Wait()

	var decremented int
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Decrement(context.Background()); err == nil {
				mu.Lock()
				decremented++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if decremented != n {
		t.Fatalf("decremented = %d, want %d", decremented, n)
	}
	if got := c.CurrentCount(); got != 0 {
		t.Fatalf("CurrentCount = %d, want 0", got)
	}
}

func TestDecrementAnyPicksReadyCounter(t *testing.T) {
	a, _ := NewCounter(0)
	b, _ := NewCounter(0)
	c, _ := NewCounter(1)

	idx, err := DecrementAny(context.Background(), a, b, c)
	if err != nil {
		t.Fatalf("DecrementAny: %v", err)
	}
	if idx != 2 {
		t.Fatalf("DecrementAny idx = %d, want 2", idx)
	}
	if got := c.CurrentCount(); got != 0 {
		t.Fatalf("winner CurrentCount = %d, want 0", got)
	}
}

func TestDecrementAnyAllDisposed(t *testing.T) {
	a, _ := NewCounter(0)
	b, _ := NewCounter(0)
	a.DisposeAsync(context.Background())
	b.DisposeAsync(context.Background())

	_, err := DecrementAny(context.Background(), a, b)
	if !errors.Is(err, ErrAllDisposed) {
		t.Fatalf("DecrementAny err = %v, want ErrAllDisposed", err)
	}
}

func TestDecrementAnyWakesOnDelayedAdd(t *testing.T) {
	a, _ := NewCounter(0)
	b, _ := NewCounter(0)

	result := make(chan int, 1)
	go func() {
		idx, err := DecrementAny(context.Background(), a, b)
		if err != nil {
			t.Errorf("DecrementAny: %v", err)
			return
		}
		result <- idx
	}()

	time.Sleep(20 * time.Millisecond)
	b.Add(1)

	select {
	case idx := <-result:
		if idx != 1 {
			t.Fatalf("DecrementAny idx = %d, want 1", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("DecrementAny never resolved after Add")
	}
}
