// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coopasync provides a family of cooperatively-scheduled
// synchronization primitives for goroutines: a non-blocking counter with
// suspendable decrement (Counter), a bounded producer/consumer queue
// (Collection), auto/manual reset events, a counted semaphore, a two-sided
// switch lock, a keyed mutual-exclusion lock, and a read-write lock with
// upgrade/downgrade.
//
// None of these primitives block an OS thread while a goroutine is waiting:
// every suspension point is a select on a channel (see internal/waitq),
// so thousands of waiters cost only the memory of their waiter struct and
// goroutine stack, the same trade nsync and the .NET AsyncEx family make.
//
// Every operation accepts a context.Context for cancellation; operations
// documented as having a timeout variant take an additional time.Duration.
// A timeout of Infinite (-1) means "no timeout"; a zero timeout fails with
// ErrTimedOut unless the operation can complete immediately; any other
// negative timeout is rejected with ErrArgumentOutOfRange.
package coopasync
