// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coopasync

// Code classifies the user-visible errors from spec.md §6.
type Code int

const (
	// CodeCancelled: external context cancellation resolved before the
	// operation completed.
	CodeCancelled Code = iota
	// CodeTimedOut: a timeout elapsed. Every *Timeout variant reports it
	// as ErrTimedOut.
	CodeTimedOut
	// CodeDisposed: the primitive (or, for a ThrowOnDispose counter, the
	// counter reaching zero during a wait) was disposed.
	CodeDisposed
	// CodeInvalidOperation: double release, version mismatch, an add to a
	// completed collection, a take from a completed-and-drained one, or an
	// underlying container rejecting an operation it should not be able to
	// reject.
	CodeInvalidOperation
	// CodeArgumentOutOfRange: a negative count, negative non-infinite
	// timeout, or zero/negative capacity where one is required.
	CodeArgumentOutOfRange
	// CodeAllDisposed: every counter/collection passed to DecrementAny /
	// TakeFromAny was disposed before any of them ever had a positive
	// count to offer.
	CodeAllDisposed
	// CodeFailed: the collection's Failed flag is set; the invariant
	// tying its two counters to the underlying container has been
	// violated and the collection is permanently unusable.
	CodeFailed
)

func (c Code) String() string {
	switch c {
	case CodeCancelled:
		return "Cancelled"
	case CodeTimedOut:
		return "TimedOut"
	case CodeDisposed:
		return "Disposed"
	case CodeInvalidOperation:
		return "InvalidOperation"
	case CodeArgumentOutOfRange:
		return "ArgumentOutOfRange"
	case CodeAllDisposed:
		return "AllDisposed"
	case CodeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every operation in this
// module whose failure is part of its documented contract (as opposed to a
// programmer error, which panics).
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func newErr(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

// Sentinel errors for errors.Is comparisons. Each wraps a distinct *Error
// value; use errors.Is(err, ErrCancelled) etc., or a type switch/As on
// *Error to inspect Code for the AllDisposed/Failed cases that carry extra
// context per call site.
var (
	ErrCancelled          = newErr(CodeCancelled, "operation was cancelled")
	ErrTimedOut           = newErr(CodeTimedOut, "operation timed out")
	ErrDisposed           = newErr(CodeDisposed, "primitive has been disposed")
	ErrInvalidOperation   = newErr(CodeInvalidOperation, "invalid operation")
	ErrArgumentOutOfRange = newErr(CodeArgumentOutOfRange, "argument out of range")
	ErrAllDisposed        = newErr(CodeAllDisposed, "all counters/collections were disposed")
	ErrCompleted          = newErr(CodeInvalidOperation, "collection has completed adding")
	ErrFailed             = newErr(CodeFailed, "collection has failed; underlying container diverged from its counters")
)

// Is implements errors.Is matching by Code, so wrapped/copied *Error values
// with the same Code compare equal to the sentinels above.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
