// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package waitq

import (
	"context"
	"sync"
)

// Disposer is the Lock Disposer from spec §4.3: a single-shot completion
// signal used by every primitive's DisposeAsync to know when it is safe to
// report disposal complete (i.e. once every previously-held resource has
// been released).
type Disposer struct {
	once sync.Once
	done chan struct{}
	init sync.Once
}

func (d *Disposer) lazyInit() {
	d.init.Do(func() { d.done = make(chan struct{}) })
}

// SwitchToComplete idempotently fires the disposer, waking anyone blocked
// in Wait.
func (d *Disposer) SwitchToComplete() {
	d.lazyInit()
	d.once.Do(func() { close(d.done) })
}

// Wait blocks until SwitchToComplete has been called, or ctx is done.
func (d *Disposer) Wait(ctx context.Context) error {
	d.lazyInit()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once SwitchToComplete has been called, for
// callers that want to select on it directly alongside other channels.
func (d *Disposer) Done() <-chan struct{} {
	d.lazyInit()
	return d.done
}
