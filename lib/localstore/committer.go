// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hawki-chat/hawki/lib/codec"
	"github.com/hawki-chat/hawki/lib/eventbus"
)

// CompressThreshold is the stored-shape size above which record blobs
// are zstd-compressed at rest. Chat messages are usually tiny; the
// threshold keeps the common case uncompressed while large payloads
// (system prompts, AI responses) shrink.
const CompressThreshold = 4096

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// tablePlan is one table's prepared portion of a flush: actions
// drained from the queue with their stored shapes already converted
// and encoded.
type tablePlan struct {
	table   *Table
	actions []*pendingAction
	encoded map[int64][]byte // stored-shape CBOR per set action
	stored  map[int64]Record
	changes []eventbus.StorageChange
}

// commit flushes the pending writes of the given tables inside one
// SQLite transaction.
//
// Failure isolation: a conversion or encoding failure rejects only
// that table's pending futures and drops it from the flush; the other
// tables still commit. A transaction-level failure rejects everything
// in the flush.
func (s *Store) commit(ctx context.Context, tables []*Table) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var plans []*tablePlan
	for _, table := range tables {
		actions := table.queue.drain()
		if len(actions) == 0 {
			continue
		}
		plan, err := prepare(table, actions)
		if err != nil {
			// Reject this table only; the rest of the flush proceeds.
			s.logger.Error("write batch rejected",
				"resource", table.spec.Resource,
				"error", err,
			)
			rejectActions(actions, err)
			continue
		}
		plans = append(plans, plan)
	}
	if len(plans) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		rejectPlans(plans, err)
		return err
	}
	defer s.pool.Put(conn)

	release := sqlitex.Save(conn)
	txErr := func() error {
		for _, plan := range plans {
			if err := applyPlan(conn, plan); err != nil {
				return err
			}
		}
		return nil
	}()
	release(&txErr)

	if txErr != nil {
		rejectPlans(plans, txErr)
		return txErr
	}

	// Visible only now: bump revisions, resolve futures, emit events.
	for _, plan := range plans {
		// A plan whose writes all matched the stored rows changed
		// nothing; live queries keep their cached results.
		if len(plan.changes) > 0 {
			plan.table.bumpRevision()
		}
		for _, action := range plan.actions {
			for _, future := range action.futures {
				future.resolve(nil)
			}
		}
		if !s.active.Load() {
			continue
		}
		for _, change := range plan.changes {
			eventType := eventbus.StorageSet(change.Resource)
			if change.Action == eventbus.ActionRemove {
				eventType = eventbus.StorageRemove(change.Resource)
			}
			_ = s.bus.Dispatch(context.Background(), eventType, change)
			s.batcher.Record(change)
		}
	}
	return nil
}

// prepare converts and encodes a table's drained actions. Any failure
// poisons the whole table batch: partial conversion would break the
// all-or-nothing visibility contract for that table.
func prepare(table *Table, actions []*pendingAction) (*tablePlan, error) {
	plan := &tablePlan{
		table:   table,
		actions: actions,
		encoded: make(map[int64][]byte),
		stored:  make(map[int64]Record),
	}
	for _, action := range actions {
		if action.record == nil {
			continue
		}
		stored := action.record
		if table.spec.Convert != nil {
			converted, err := table.spec.Convert(action.record)
			if err != nil {
				return nil, fmt.Errorf("localstore: converting %s/%d: %w", table.spec.Resource, action.id, err)
			}
			stored = converted
		}
		encoded, err := codec.Marshal(map[string]any(stored))
		if err != nil {
			return nil, fmt.Errorf("localstore: encoding %s/%d: %w", table.spec.Resource, action.id, err)
		}
		plan.encoded[action.id] = encoded
		plan.stored[action.id] = stored
	}
	return plan, nil
}

// applyPlan executes one table's puts and deletes on the open
// transaction, skipping sets whose stored shape is unchanged from the
// persisted row (avoiding redundant reactive invalidations) and
// recording the changes that actually happened.
func applyPlan(conn *sqlite.Conn, plan *tablePlan) error {
	table := plan.table
	columns := table.spec.indexColumns()

	for _, action := range plan.actions {
		if action.record == nil {
			if err := sqlitex.Execute(conn,
				"DELETE FROM "+table.name+" WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{action.id}},
			); err != nil {
				return fmt.Errorf("localstore: deleting %s/%d: %w", table.spec.Resource, action.id, err)
			}
			if conn.Changes() > 0 {
				plan.changes = append(plan.changes, eventbus.StorageChange{
					Resource: table.spec.Resource,
					Action:   eventbus.ActionRemove,
					ID:       action.id,
				})
			}
			continue
		}

		encoded := plan.encoded[action.id]
		existing, err := readRowBlob(conn, table.name, action.id)
		if err != nil {
			return err
		}
		if existing != nil && bytes.Equal(existing, encoded) {
			// Unchanged stored shape: the future still resolves with
			// the batch, but no write and no invalidation happen.
			continue
		}

		blob := encoded
		compressed := 0
		if len(encoded) > CompressThreshold {
			blob = zstdEncoder.EncodeAll(encoded, nil)
			compressed = 1
		}

		placeholders := []string{"?", "?", "?"}
		names := []string{"id", "data", "compressed"}
		args := []any{action.id, blob, compressed}
		for _, column := range columns {
			names = append(names, "field_"+column)
			placeholders = append(placeholders, "?")
			args = append(args, bindable(plan.stored[action.id][column]))
		}

		if err := sqlitex.Execute(conn, fmt.Sprintf(
			"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table.name, strings.Join(names, ", "), strings.Join(placeholders, ", "),
		), &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("localstore: writing %s/%d: %w", table.spec.Resource, action.id, err)
		}

		plan.changes = append(plan.changes, eventbus.StorageChange{
			Resource: table.spec.Resource,
			Action:   eventbus.ActionSet,
			ID:       action.id,
			Record:   plan.stored[action.id],
		})
	}
	return nil
}

// readRowBlob returns the decoded (decompressed) stored bytes for id,
// or nil if the row does not exist.
func readRowBlob(conn *sqlite.Conn, name string, id int64) ([]byte, error) {
	var blob []byte
	var compressed bool
	found := false
	err := sqlitex.Execute(conn,
		"SELECT data, compressed FROM "+name+" WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				blob = columnBytes(stmt, 0)
				compressed = stmt.ColumnInt(1) != 0
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("localstore: reading existing row %d: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	if compressed {
		decoded, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("localstore: decompressing row %d: %w", id, err)
		}
		return decoded, nil
	}
	return blob, nil
}

// decodeRow decodes a (data, compressed) result row into a Record.
func decodeRow(stmt *sqlite.Stmt) (Record, error) {
	blob := columnBytes(stmt, 0)
	if stmt.ColumnInt(1) != 0 {
		decompressed, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("localstore: decompressing record: %w", err)
		}
		blob = decompressed
	}
	var record Record
	if err := codec.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("localstore: decoding record: %w", err)
	}
	return record, nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return blob
}

// bindable coerces a record field into something sqlite can bind.
func bindable(value any) any {
	switch v := value.(type) {
	case nil, int64, float64, string, []byte, bool:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rejectActions(actions []*pendingAction, err error) {
	for _, action := range actions {
		for _, future := range action.futures {
			future.resolve(err)
		}
	}
}

func rejectPlans(plans []*tablePlan, err error) {
	for _, plan := range plans {
		rejectActions(plan.actions, err)
	}
}
