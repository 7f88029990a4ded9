// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"sync"
)

// Future resolves when the batch containing the associated write
// commits (or rejects). Every Set and Remove returns one.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the write's batch commits, returning the commit
// error if the batch was rejected.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on resolution. For select loops.
func (f *Future) Done() <-chan struct{} { return f.done }
