// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// Cond is a condition variable whose Wait can be interrupted by a
// context.Context, analogous to sync.Cond. The zero value is not usable;
// construct one with NewCond.
type Cond struct {
	L sync.Locker

	mu sync.Mutex
	ch chan struct{}
}

// NewCond returns a new Cond associated with the given locker.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, ch: make(chan struct{})}
}

// Wait releases c.L and blocks until Broadcast is called or ctx is done. On
// return, c.L is re-acquired regardless of outcome, as with sync.Cond.Wait.
// Callers must hold c.L when calling Wait, and must re-check the condition
// in a loop since Broadcast wakes every waiter.
func (c *Cond) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all goroutines waiting in Wait. As with sync.Cond, it is
// allowed but not required for the caller to hold c.L.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}
