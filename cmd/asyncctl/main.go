// Copyright 2024 The coopasync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command asyncctl is a small harness that drives the coopasync primitives
// under a configurable number of producer/consumer goroutines, useful for
// eyeballing throughput and for reproducing contention by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/coopasync"
)

var (
	workers  = pflag.IntP("workers", "w", 4, "number of producer and consumer goroutines each")
	capacity = pflag.Int64P("capacity", "c", 16, "bounded capacity of the demo collection")
	items    = pflag.IntP("items", "n", 64, "total number of items produced")
	permits  = pflag.Int64P("permits", "p", 2, "semaphore permit count guarding the consumers")
	timeout  = pflag.Duration("timeout", 10*time.Second, "overall deadline for the run")
)

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "asyncctl:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	col, err := coopasync.NewCollection(*capacity)
	if err != nil {
		return err
	}
	sem, err := coopasync.NewAsyncSemaphore(*permits, *permits)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	produced, err := fanOutProducers(gctx, g, col)
	if err != nil {
		return err
	}

	var consumed atomic.Int64
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			for {
				item, err := col.Take(gctx)
				if err != nil {
					return nil
				}
				permit, err := sem.Take(gctx)
				if err != nil {
					return nil
				}
				_ = item.(int)
				consumed.Add(1)
				permit.Release()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("produced=%d consumed=%d capacityRemaining=%d\n", produced, consumed.Load(), col.CapacityRemaining())
	return nil
}

// fanOutProducers starts *workers producers that together add *items values
// to col, then arranges for CompleteAdding once they finish.
func fanOutProducers(ctx context.Context, g *errgroup.Group, col *coopasync.Collection) (int, error) {
	per := *items / *workers
	remainder := *items % *workers

	var produceGroup errgroup.Group
	total := 0
	for w := 0; w < *workers; w++ {
		n := per
		if w == 0 {
			n += remainder
		}
		base := w*1000 + total
		total += n
		produceGroup.Go(func() error {
			for i := 0; i < n; i++ {
				if err := col.Add(ctx, base+i); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		err := produceGroup.Wait()
		col.CompleteAdding()
		return err
	})

	return *items, nil
}
