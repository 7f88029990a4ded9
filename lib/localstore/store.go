// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/sqlitepool"
)

// DefaultFlushInterval is the per-table write debounce: the first
// write to a table starts the window, everything enqueued during it
// joins the same flush.
const DefaultFlushInterval = 150 * time.Millisecond

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Tests point this at a file
	// under t.TempDir().
	Path string

	// PoolSize, see sqlitepool.Config.
	PoolSize int

	// Tables declares every resource table. Required, non-empty.
	Tables []TableSpec

	// Clock drives the flush debounce. Nil means the real clock.
	Clock clock.Clock

	// Bus receives storage-change events for committed mutations.
	// Required.
	Bus *eventbus.Bus

	// Logger, nil discards.
	Logger *slog.Logger

	// FlushInterval overrides DefaultFlushInterval when positive.
	FlushInterval time.Duration
}

// Store is the local resource store: one table per resource type over
// a shared SQLite file, with all writes funneled through a debounced
// batching pipeline and all reads exposed as reactive queries.
type Store struct {
	pool    *sqlitepool.Pool
	clk     clock.Clock
	bus     *eventbus.Bus
	batcher *eventbus.ChangeBatcher
	logger  *slog.Logger

	flushInterval time.Duration
	tables        map[string]*Table

	// active gates storage-change events: mutations during teardown
	// (after disconnect) commit silently.
	active atomic.Bool

	// singleMu guards single. A non-nil single means a SingleBatch
	// section is in progress and per-table debouncing is suspended.
	singleMu sync.Mutex
	single   *singleBatch

	commitMu sync.Mutex // serializes flushes; one transaction at a time
}

type singleBatch struct {
	touched map[string]*Table
}

// Open opens (creating if necessary) the store and ensures the schema
// for every declared table.
func Open(cfg Config) (*Store, error) {
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("localstore: no tables declared")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("localstore: Bus is required")
	}
	for _, spec := range cfg.Tables {
		if err := spec.validate(); err != nil {
			return nil, err
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	store := &Store{
		clk:           clk,
		bus:           cfg.Bus,
		batcher:       eventbus.NewChangeBatcher(cfg.Bus, clk),
		logger:        logger,
		flushInterval: flushInterval,
		tables:        make(map[string]*Table),
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return createSchema(conn, cfg.Tables)
		},
	})
	if err != nil {
		return nil, err
	}
	store.pool = pool

	for _, spec := range cfg.Tables {
		store.tables[spec.Resource] = newTable(store, spec)
	}

	return store, nil
}

// createSchema creates the resource tables, their secondary indexes,
// and the meta table.
func createSchema(conn *sqlite.Conn, specs []TableSpec) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, spec := range specs {
		columns := []string{
			"id INTEGER PRIMARY KEY",
			"data BLOB NOT NULL",
			"compressed INTEGER NOT NULL DEFAULT 0",
		}
		for _, column := range spec.indexColumns() {
			columns = append(columns, "field_"+column)
		}
		statements = append(statements, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s)",
			tableName(spec.Resource), strings.Join(columns, ", "),
		))
		for _, index := range spec.Indexes {
			indexed := make([]string, len(index.Columns))
			for i, column := range index.Columns {
				indexed[i] = "field_" + column
			}
			statements = append(statements, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				spec.Resource, index.Name, tableName(spec.Resource), strings.Join(indexed, ", "),
			))
		}
	}

	for _, statement := range statements {
		if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
			return fmt.Errorf("localstore: schema: %w", err)
		}
	}
	return nil
}

func tableName(resource string) string { return "resource_" + resource }

// Table returns the table for a resource type.
func (s *Store) Table(resource string) (*Table, error) {
	table, ok := s.tables[resource]
	if !ok {
		return nil, fmt.Errorf("localstore: unknown resource type %q", resource)
	}
	return table, nil
}

// MustTable is Table for resource types known at compile time.
func (s *Store) MustTable(resource string) *Table {
	table, err := s.Table(resource)
	if err != nil {
		panic(err)
	}
	return table
}

// Resources lists the declared resource types.
func (s *Store) Resources() []string {
	resources := make([]string, 0, len(s.tables))
	for resource := range s.tables {
		resources = append(resources, resource)
	}
	return resources
}

// SetActive controls whether committed mutations emit storage-change
// events. The connection activates the store after init and
// deactivates it on disconnect, so teardown writes are silent.
func (s *Store) SetActive(active bool) { s.active.Store(active) }

// SingleBatch suspends per-table debouncing for the duration of fn:
// every table touched inside fn commits in one flush when fn returns,
// so a multi-table unit of work (a sync chunk) becomes atomic from
// the readers' point of view.
//
// Nesting SingleBatch sections is a programming error and fails fast.
// If fn returns an error, the writes it enqueued are rejected, not
// committed.
func (s *Store) SingleBatch(ctx context.Context, fn func(context.Context) error) error {
	s.singleMu.Lock()
	if s.single != nil {
		s.singleMu.Unlock()
		return fmt.Errorf("localstore: nested SingleBatch")
	}
	s.single = &singleBatch{touched: make(map[string]*Table)}
	s.singleMu.Unlock()

	fnErr := fn(ctx)

	s.singleMu.Lock()
	touched := s.single.touched
	s.single = nil
	s.singleMu.Unlock()

	tables := make([]*Table, 0, len(touched))
	for _, table := range touched {
		tables = append(tables, table)
	}

	if fnErr != nil {
		for _, table := range tables {
			for _, action := range table.queue.drain() {
				for _, future := range action.futures {
					future.resolve(fnErr)
				}
			}
		}
		return fnErr
	}

	if len(tables) == 0 {
		return nil
	}
	return s.commit(ctx, tables)
}

// noteWrite routes a freshly enqueued write either into the active
// single batch or to the table's debounce timer.
func (s *Store) noteWrite(table *Table) {
	s.singleMu.Lock()
	if s.single != nil {
		s.single.touched[table.spec.Resource] = table
		s.singleMu.Unlock()
		return
	}
	s.singleMu.Unlock()

	table.scheduleFlush()
}

// Flush commits all pending writes for all tables immediately,
// bypassing the debounce. Used on shutdown.
func (s *Store) Flush(ctx context.Context) error {
	var dirty []*Table
	for _, table := range s.tables {
		table.cancelFlushTimer()
		if !table.queue.empty() {
			dirty = append(dirty, table)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	return s.commit(ctx, dirty)
}

// Wipe deletes every row of every resource table and the meta table.
// Triggered by identity or version mismatches and by the sync
// recovery path; the replica rebuilds from the next full sync.
func (s *Store) Wipe(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	release := sqlitex.Save(conn)
	wipeErr := func() error {
		for resource := range s.tables {
			if err := sqlitex.ExecuteTransient(conn, "DELETE FROM "+tableName(resource), nil); err != nil {
				return fmt.Errorf("localstore: wiping %s: %w", resource, err)
			}
		}
		return sqlitex.ExecuteTransient(conn, "DELETE FROM meta", nil)
	}()
	release(&wipeErr)
	if wipeErr != nil {
		return wipeErr
	}

	s.logger.Warn("local replica wiped")
	for _, table := range s.tables {
		table.bumpRevision()
	}
	return nil
}

// Close flushes pending writes and closes the pool.
func (s *Store) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		s.logger.Error("flush on close failed", "error", err)
	}
	return s.pool.Close()
}
