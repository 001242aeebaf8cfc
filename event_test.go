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

func TestAutoResetEventTryWait(t *testing.T) {
	e := NewAutoResetEvent(true)
	if !e.TryWait() {
		t.Fatal("TryWait should consume the initial Set state")
	}
	if e.TryWait() {
		t.Fatal("TryWait should fail once consumed")
	}
}

func TestAutoResetEventHandsOffToOneWaiter(t *testing.T) {
	e := NewAutoResetEvent(false)
	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { results <- e.Wait(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)

	e.Set()

	var woke int
	timeout := time.After(100 * time.Millisecond)
	for woke < 1 {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			woke++
		case <-timeout:
			t.Fatal("no waiter woke up after a single Set")
		}
	}

	select {
	case <-results:
		t.Fatal("more than one waiter woke up from a single auto-reset Set")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAutoResetEventWaitCancel(t *testing.T) {
	e := NewAutoResetEvent(false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Wait(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Wait err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never observed cancellation")
	}
}

func TestManualResetEventReleasesEveryone(t *testing.T) {
	e := NewManualResetEvent(false)
	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Wait(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	e.Set()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
	if !e.IsSet() {
		t.Fatal("IsSet should remain true after Set")
	}
}

func TestManualResetEventResetBlocksAgain(t *testing.T) {
	e := NewManualResetEvent(true)
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on already-set event: %v", err)
	}
	e.Reset()
	if e.IsSet() {
		t.Fatal("IsSet should be false after Reset")
	}

	done := make(chan error, 1)
	go func() { done <- e.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before Set was called again")
	case <-time.After(20 * time.Millisecond):
	}

	e.Set()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never unblocked after Set")
	}
}

func TestEventDisposeFailsWaiters(t *testing.T) {
	for _, disposeAsync := range []func(context.Context) error{
		NewAutoResetEvent(false).DisposeAsync,
		NewManualResetEvent(false).DisposeAsync,
	} {
		if err := disposeAsync(context.Background()); err != nil {
			t.Fatalf("DisposeAsync on idle event: %v", err)
		}
	}

	e := NewAutoResetEvent(false)
	done := make(chan error, 1)
	go func() { done <- e.Wait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if err := e.DisposeAsync(context.Background()); err != nil {
		t.Fatalf("DisposeAsync: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("Wait err after dispose = %v, want ErrDisposed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never observed disposal")
	}

	if err := e.Wait(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Wait on disposed event = %v, want ErrDisposed", err)
	}
}
