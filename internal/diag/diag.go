// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diag provides the leveled diagnostic logging used to flag
// resources that leak past the point where they should have been released.
//
// It wraps github.com/cosmosnicolaou/llog the same way v.io/x/lib/vlog
// does: a package-level Logger singleton backed by llog, with a small
// interface so callers never depend on llog directly.
package diag

import (
	"runtime"

	"github.com/cosmosnicolaou/llog"
)

// Logger is the diagnostic sink used across every primitive in this module.
// It is intentionally much smaller than vlog.Logger: the spec treats
// logging sinks as an external collaborator referenced only via its
// contract, so this is that contract.
type Logger interface {
	// Errorf logs a message at error severity.
	Errorf(format string, args ...interface{})
	// V reports whether verbose logging at the given level is enabled.
	V(level int32) bool
	// Infof logs a message at the given verbosity level, if enabled.
	Infof(level int32, format string, args ...interface{})
}

type logger struct {
	log *llog.Log
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.log.Printf(llog.ErrorLog, format, args...)
}

func (l *logger) V(level int32) bool {
	return l.log.V(llog.Level(level))
}

func (l *logger) Infof(level int32, format string, args ...interface{}) {
	if l.log.V(llog.Level(level)) {
		l.log.Printf(llog.InfoLog, format, args...)
	}
}

// Default is the package-wide diagnostic logger. Tests may swap it for a
// recording stub to assert on leak reports without touching stderr.
var Default Logger = &logger{log: llog.NewLogger("coopasync", 1)}

// SetDefault replaces the package-wide logger and returns the previous one,
// so callers (mainly tests) can restore it afterward.
func SetDefault(l Logger) Logger {
	prev := Default
	Default = l
	return prev
}

// LeakChecker labels the reports of the finalizer that Arm installs, which
// reports via Default if the handle is garbage collected while still in a
// "not released" state, as required by spec.md §5 ("Pool lifetime") and §7
// ("Diagnostics").
type LeakChecker struct {
	kind string
}

// NewLeakChecker returns a checker that labels any leak report with kind
// (e.g. "Semaphore.Instance", "ReadWriteLock.WriteToken").
func NewLeakChecker(kind string) *LeakChecker {
	return &LeakChecker{kind: kind}
}

// Arm installs a finalizer on handle. isLeak is called by the finalizer (on
// the GC goroutine) to decide whether the handle was released; it must be
// safe to call without the original owner being reachable elsewhere.
func Arm(c *LeakChecker, handle interface{}, isLeak func() bool) {
	runtime.SetFinalizer(handle, func(h interface{}) {
		if isLeak() {
			Default.Errorf("%s: handle %v finalized without being released; this indicates a missing Release/Dispose call", c.kind, h)
		}
	})
}

// Disarm removes the finalizer, used once a handle has been properly
// released so a slow GC cycle doesn't produce a false positive.
func Disarm(handle interface{}) {
	runtime.SetFinalizer(handle, nil)
}

// Verbosity levels used by this module's V()-gated logging.
const (
	VBasic  int32 = 1
	VDetail int32 = 2
)
