// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package waitq provides the shared waiter-queue and cancellable-waiter-base
// machinery described in spec.md §§4.1-4.2. Every primitive in this module
// (AsyncCounter, AsyncCollection, the reset events, AsyncSemaphore,
// AsyncSwitchLock, AsyncReadWriteLock, AsyncKeyedLock) builds its waiters on
// top of Base and its queues on top of Queue.
//
// # Cancellation and timeout as context.Context
//
// The source spec describes RegisterCancellation(token, timeout) as a
// distinct cancellation-token registration plus an independent timer
// registration, so that a timeout failure (TimedOut) can be told apart from
// an externally-triggered cancellation (Cancelled) — this distinction
// matters because §4.1 requires blocking wrappers to translate a
// timeout-cancellation into a false return value without swallowing a real
// cancellation.
//
// Go's idiomatic single vehicle for both concerns is context.Context:
// callers pass a context (for external cancellation) and a timeout
// (applied via context.WithTimeout). Base.Wait therefore selects on exactly
// one channel, ctx.Done(), and the owning primitive's public API
// distinguishes the two causes the same way net/http and friends do: it
// merges the caller's context with a timeout via context.WithTimeout,
// and after Wait returns a non-nil error it checks whether the merged
// context's own deadline fired (context.DeadlineExceeded) while the
// caller's original context was still live — if so the operation reports
// ErrTimedOut, otherwise it reports ErrCancelled. This is a literal
// rendering of §4.1's contract, not a behavioral simplification: exactly
// the same two outcomes are distinguishable, through the vehicle Go
// programs actually use for this purpose.
package waitq
