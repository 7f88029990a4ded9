// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/reactive"
)

// Table is the accessor for one resource type. Writes never touch
// SQLite synchronously: Set and Remove enqueue into the table's write
// queue and schedule a batch; the returned Future resolves when that
// batch commits. Reads are reactive fronts that recompute on every
// committed flush.
type Table struct {
	store *Store
	spec  TableSpec
	name  string

	queue *writeQueue

	// revision bumps on every committed flush that touched this
	// table; every reactive query derives from it.
	revision *reactive.Store[uint64]

	lists  *reactive.Provider[[]Record]
	ones   *reactive.Provider[Record]
	counts *reactive.Provider[int]

	filterMu  sync.Mutex
	filterFns map[string]func(Record) bool
	filters   *reactive.Provider[[]Record]

	timerMu    sync.Mutex
	flushTimer *clock.Timer
	committing bool
}

func newTable(store *Store, spec TableSpec) *Table {
	table := &Table{
		store:     store,
		spec:      spec,
		name:      tableName(spec.Resource),
		queue:     newWriteQueue(),
		revision:  reactive.New[uint64](store.clk),
		filterFns: make(map[string]func(Record) bool),
	}
	table.revision.Set(1)

	table.lists = reactive.NewProvider(store.clk, func(string) *reactive.Store[[]Record] {
		return reactive.Derive(store.clk, store.logger, table.loadAll, table.revision)
	})
	table.ones = reactive.NewProvider(store.clk, func(key string) *reactive.Store[Record] {
		id, _ := strconv.ParseInt(key, 10, 64)
		return reactive.Derive(store.clk, store.logger, func(ctx context.Context) (Record, error) {
			return table.loadOne(ctx, id)
		}, table.revision)
	})
	table.counts = reactive.NewProvider(store.clk, func(string) *reactive.Store[int] {
		return reactive.Derive(store.clk, store.logger, table.countRows, table.revision)
	})
	table.filters = reactive.NewProvider(store.clk, func(key string) *reactive.Store[[]Record] {
		return reactive.Derive(store.clk, store.logger, func(ctx context.Context) ([]Record, error) {
			table.filterMu.Lock()
			filter := table.filterFns[key]
			table.filterMu.Unlock()
			records, err := table.loadAll(ctx)
			if err != nil || filter == nil {
				return records, err
			}
			matched := make([]Record, 0, len(records))
			for _, record := range records {
				if filter(record) {
					matched = append(matched, record)
				}
			}
			return matched, nil
		}, table.revision)
	})

	return table
}

// Resource returns the table's resource type.
func (t *Table) Resource() string { return t.spec.Resource }

// Set enqueues an upsert. The record must carry a numeric id; a
// missing or non-numeric id is a validation error returned
// synchronously, never retried.
func (t *Table) Set(record Record) (*Future, error) {
	id, err := record.ID()
	if err != nil {
		return nil, err
	}

	future := newFuture()
	t.queue.enqueue(id, record, future)
	t.store.noteWrite(t)
	return future, nil
}

// Remove enqueues a deletion by id. Removing an absent id commits as
// a no-op (the future still resolves).
func (t *Table) Remove(id int64) *Future {
	future := newFuture()
	t.queue.enqueue(id, nil, future)
	t.store.noteWrite(t)
	return future
}

// RemoveMatching enqueues deletions for every committed record the
// filter matches, returning one future per removal.
func (t *Table) RemoveMatching(ctx context.Context, filter func(Record) bool) ([]*Future, error) {
	records, err := t.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var futures []*Future
	for _, record := range records {
		if !filter(record) {
			continue
		}
		id, err := record.ID()
		if err != nil {
			continue
		}
		futures = append(futures, t.Remove(id))
	}
	return futures, nil
}

// Get reads a committed record directly, bypassing the reactive
// layer. Nil if absent. Pending queued writes are not visible.
func (t *Table) Get(ctx context.Context, id int64) (Record, error) {
	return t.loadOne(ctx, id)
}

// List is the reactive query over all records, ordered by id.
func (t *Table) List() *reactive.Front[[]Record] {
	return t.lists.Front("list")
}

// One is the reactive query for a single record. The front's value is
// nil while the record is absent.
func (t *Table) One(id int64) *reactive.Front[Record] {
	return t.ones.Front(strconv.FormatInt(id, 10))
}

// Count is the reactive row count.
func (t *Table) Count() *reactive.Front[int] {
	return t.counts.Front("count")
}

// Where is a free-form reactive query: records matching filter,
// memoized by key so repeated lookups share one live store. The
// filter is captured on first use of a key.
func (t *Table) Where(key string, filter func(Record) bool) *reactive.Front[[]Record] {
	t.filterMu.Lock()
	if _, ok := t.filterFns[key]; !ok {
		t.filterFns[key] = filter
	}
	t.filterMu.Unlock()
	return t.filters.Front(key)
}

// Clear deletes all committed rows directly, bypassing the write
// queue. Used when a full reconciliation starts. Pending queued
// writes are unaffected (the incoming sync chunk will supply fresh
// state anyway).
func (t *Table) Clear(ctx context.Context) error {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.store.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "DELETE FROM "+t.name, nil); err != nil {
		return fmt.Errorf("localstore: clearing %s: %w", t.spec.Resource, err)
	}
	t.bumpRevision()
	return nil
}

func (t *Table) bumpRevision() {
	t.revision.Set(t.revision.Get() + 1)
}

// scheduleFlush starts the debounce window if none is running. Writes
// arriving while the window is open join the same batch.
func (t *Table) scheduleFlush() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.flushTimer != nil {
		return
	}
	t.flushTimer = t.store.clk.AfterFunc(t.store.flushInterval, t.flushNow)
}

func (t *Table) cancelFlushTimer() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
}

// flushNow runs when the debounce window closes. If a flush for this
// table is already committing, or a SingleBatch section is active,
// the batch re-enqueues for the next window instead of interleaving.
func (t *Table) flushNow() {
	t.timerMu.Lock()
	t.flushTimer = nil
	busy := t.committing
	t.timerMu.Unlock()

	t.store.singleMu.Lock()
	suspended := t.store.single != nil
	t.store.singleMu.Unlock()

	if busy || suspended {
		t.scheduleFlush()
		return
	}

	t.timerMu.Lock()
	t.committing = true
	t.timerMu.Unlock()

	go func() {
		defer func() {
			t.timerMu.Lock()
			t.committing = false
			t.timerMu.Unlock()
			if !t.queue.empty() {
				t.scheduleFlush()
			}
		}()
		if err := t.store.commit(context.Background(), []*Table{t}); err != nil {
			t.store.logger.Error("table flush failed",
				"resource", t.spec.Resource,
				"error", err,
			)
		}
	}()
}

// loadAll reads every committed record, ordered by id.
func (t *Table) loadAll(ctx context.Context) ([]Record, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer t.store.pool.Put(conn)

	var records []Record
	err = sqlitex.ExecuteTransient(conn,
		"SELECT data, compressed FROM "+t.name+" ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := decodeRow(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("localstore: listing %s: %w", t.spec.Resource, err)
	}
	return records, nil
}

// loadOne reads a single committed record; nil if absent.
func (t *Table) loadOne(ctx context.Context, id int64) (Record, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer t.store.pool.Put(conn)

	var record Record
	err = sqlitex.ExecuteTransient(conn,
		"SELECT data, compressed FROM "+t.name+" WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := decodeRow(stmt)
				if err != nil {
					return err
				}
				record = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("localstore: loading %s/%d: %w", t.spec.Resource, id, err)
	}
	return record, nil
}

func (t *Table) countRows(ctx context.Context) (int, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer t.store.pool.Put(conn)

	count := 0
	err = sqlitex.ExecuteTransient(conn,
		"SELECT COUNT(*) FROM "+t.name,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("localstore: counting %s: %w", t.spec.Resource, err)
	}
	return count, nil
}
