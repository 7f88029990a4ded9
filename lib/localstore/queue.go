// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import "sync"

// pendingAction is one queued write. A nil record means remove.
// Redundant actions for the same id collapse: a later set replaces a
// pending set's record, a remove cancels a pending set, and a set
// cancels a pending remove. Futures of collapsed actions carry over
// and resolve with the surviving batch.
type pendingAction struct {
	id      int64
	record  Record
	futures []*Future
}

// writeQueue holds a table's pending writes between flushes.
type writeQueue struct {
	mu      sync.Mutex
	actions map[int64]*pendingAction
	order   []int64
}

func newWriteQueue() *writeQueue {
	return &writeQueue{actions: make(map[int64]*pendingAction)}
}

func (q *writeQueue) enqueue(id int64, record Record, future *Future) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.actions[id]; ok {
		existing.record = record
		existing.futures = append(existing.futures, future)
		return
	}
	q.actions[id] = &pendingAction{id: id, record: record, futures: []*Future{future}}
	q.order = append(q.order, id)
}

// drain removes and returns all pending actions in enqueue order.
func (q *writeQueue) drain() []*pendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*pendingAction, 0, len(q.order))
	for _, id := range q.order {
		drained = append(drained, q.actions[id])
	}
	q.actions = make(map[int64]*pendingAction)
	q.order = nil
	return drained
}

func (q *writeQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions) == 0
}
