// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine reconciles the local resource store with the
// server's ordered change log. Runs are scoped (global or per-room),
// chunked, and cooperatively cancelled: a newer run supersedes an
// older one at chunk boundaries, never mid-apply.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/localstore"
)

// DefaultChunkLimit is the page size for change-log fetches.
const DefaultChunkLimit = 500

// ErrStopRun is returned by an ApplyFunc to end the run cleanly
// after the current chunk commits (the user_removal path).
var ErrStopRun = errors.New("syncengine: run stopped by applier")

// Scope identifies what a run reconciles. ScopeGlobal covers every
// resource; a room scope covers one room and always runs full.
type Scope string

const ScopeGlobal Scope = "global"

func ScopeRoom(roomID string) Scope { return Scope("room:" + roomID) }

// RoomID returns the room id for a room scope, empty for global.
func (s Scope) RoomID() string {
	if s == ScopeGlobal {
		return ""
	}
	return string(s[len("room:"):])
}

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeCompleted: the log was drained to its end.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSuperseded: a newer run took over the scope; this run
	// stopped applying without corrupting partially-applied data.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeStopped: an applier ended the run early via ErrStopRun.
	OutcomeStopped Outcome = "stopped"
)

// ChangeEntry is one change-log entry in wire order.
type ChangeEntry struct {
	Resource string
	Action   eventbus.Action
	Record   localstore.Record
	LoggedAt time.Time
}

// ChunkRequest is one page of the change-log fetch.
type ChunkRequest struct {
	Offset int
	Limit  int
	// LastSync bounds an incremental fetch; nil requests everything.
	LastSync *time.Time
	// RoomID scopes the fetch to one room; empty for global.
	RoomID string
}

// SyncType distinguishes a full reconciliation from an incremental
// tail.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// Chunk is one page of the change log. A chunk shorter than the
// requested limit is the last one.
type Chunk struct {
	Type    SyncType
	Entries []ChangeEntry
}

// Source fetches change-log pages. messaging.Session implements it.
type Source interface {
	FetchChunk(ctx context.Context, req ChunkRequest) (Chunk, error)
}

// ApplyFunc translates one change-log entry into local writes. It
// runs inside a SingleBatch section, so everything it enqueues for
// one chunk becomes visible atomically.
type ApplyFunc func(ctx context.Context, entry ChangeEntry) error

// Config holds the parameters for creating an Engine.
type Config struct {
	Source Source
	Store  *localstore.Store
	Bus    *eventbus.Bus
	Apply  ApplyFunc

	// Recover runs when applying a chunk fails (decryption or
	// integrity errors): it wipes the synced data so the next full
	// run rebuilds from scratch. A corrupt replica is assumed
	// unrecoverable in place.
	Recover func(ctx context.Context) error

	// Clock, nil means the real clock.
	Clock clock.Clock

	// Logger, nil discards.
	Logger *slog.Logger

	// ChunkLimit overrides DefaultChunkLimit when positive.
	ChunkLimit int
}

// Engine runs scoped reconciliations against the change log. Safe
// for concurrent use; overlapping runs on the same scope supersede
// each other, and a global run supersedes everything.
type Engine struct {
	source Source
	store  *localstore.Store
	bus    *eventbus.Bus
	apply  ApplyFunc
	recov  func(ctx context.Context) error
	clk    clock.Clock
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	nextID uint64
	// active maps each scope to its current run id. Ids increase
	// monotonically across all scopes, so "a global run newer than
	// me exists" is a simple comparison.
	active       map[Scope]uint64
	latestGlobal uint64
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil || cfg.Store == nil || cfg.Bus == nil || cfg.Apply == nil {
		return nil, fmt.Errorf("syncengine: Source, Store, Bus, and Apply are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := cfg.ChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	return &Engine{
		source: cfg.Source,
		store:  cfg.Store,
		bus:    cfg.Bus,
		apply:  cfg.Apply,
		recov:  cfg.Recover,
		clk:    clk,
		logger: logger,
		limit:  limit,
		active: make(map[Scope]uint64),
	}, nil
}

// begin registers a new run for scope and returns its id.
func (e *Engine) begin(scope Scope) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.active[scope] = id
	if scope == ScopeGlobal {
		e.latestGlobal = id
	}
	return id
}

// isCurrent reports whether the run is still the active one for its
// scope. Checked at every chunk boundary; a room run is also
// superseded by any global run started after it.
func (e *Engine) isCurrent(scope Scope, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[scope] != id {
		return false
	}
	if scope != ScopeGlobal && e.latestGlobal > id {
		return false
	}
	return true
}

// finish clears the scope's active id if this run still owns it.
func (e *Engine) finish(scope Scope, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[scope] == id {
		delete(e.active, scope)
	}
}

// Run reconciles one scope. It blocks until the run completes, is
// superseded, or fails; a failed chunk fetch stops the run without
// retrying (the next run resumes from the last confirmed timestamp).
func (e *Engine) Run(ctx context.Context, scope Scope) (Outcome, error) {
	id := e.begin(scope)
	defer e.finish(scope, id)

	logger := e.logger.With("scope", string(scope), "sync_id", id)
	startedAt := e.clk.Now()

	var lastSync *time.Time
	if scope == ScopeGlobal {
		// Room runs always fetch full; only global runs resume.
		meta, err := e.store.ReadMeta(ctx)
		if err != nil {
			return "", err
		}
		lastSync = meta.LastSync
	}

	offset := 0
	cleared := false
	for {
		if !e.isCurrent(scope, id) {
			logger.Debug("run superseded before fetch")
			return OutcomeSuperseded, nil
		}

		chunk, err := e.source.FetchChunk(ctx, ChunkRequest{
			Offset:   offset,
			Limit:    e.limit,
			LastSync: lastSync,
			RoomID:   scope.RoomID(),
		})
		if err != nil {
			return "", fmt.Errorf("syncengine: fetching chunk at offset %d: %w", offset, err)
		}

		// Re-check after the fetch: a run superseded while its fetch
		// was in flight must not clear data the winning run has
		// already committed.
		if !e.isCurrent(scope, id) {
			logger.Debug("run superseded before apply")
			return OutcomeSuperseded, nil
		}

		if !cleared && chunk.Type == SyncFull {
			// A full run replaces local state wholesale; readers
			// learn about the reset before the first chunk lands.
			if err := e.clearScope(ctx, scope); err != nil {
				return "", err
			}
			cleared = true
		}

		stop, err := e.applyChunk(ctx, chunk)
		if err != nil {
			logger.Error("applying chunk failed", "offset", offset, "error", err)
			if e.recov != nil {
				if recoverErr := e.recov(ctx); recoverErr != nil {
					logger.Error("recovery failed", "error", recoverErr)
				}
			}
			return "", err
		}
		if stop {
			logger.Info("run stopped by applier")
			return OutcomeStopped, nil
		}

		offset += len(chunk.Entries)
		if len(chunk.Entries) < e.limit {
			break
		}
	}

	if scope == ScopeGlobal && e.isCurrent(scope, id) {
		if err := e.store.SetLastSync(ctx, startedAt); err != nil {
			return "", err
		}
	}
	logger.Info("run completed", "entries", offset)
	return OutcomeCompleted, nil
}

// clearScope empties the tables a full run is about to rebuild and
// announces the reset on the bus.
func (e *Engine) clearScope(ctx context.Context, scope Scope) error {
	roomID := scope.RoomID()
	if roomID == "" {
		for _, resource := range e.store.Resources() {
			if err := e.store.MustTable(resource).Clear(ctx); err != nil {
				return err
			}
		}
	}
	// Per-room clears are the appliers' business: which records
	// belong to a room is resource-specific, so the room applier
	// removes them via RemoveMatching when its first entries arrive.
	return e.bus.Dispatch(ctx, eventbus.EventSyncCleared, eventbus.SyncCleared{RoomID: roomID})
}

// applyChunk applies one chunk's entries in order inside one
// SingleBatch section, then announces the applied entries. Returns
// whether an applier requested a clean stop.
func (e *Engine) applyChunk(ctx context.Context, chunk Chunk) (bool, error) {
	if len(chunk.Entries) == 0 {
		return false, nil
	}

	stop := false
	applied := 0
	err := e.store.SingleBatch(ctx, func(ctx context.Context) error {
		for _, entry := range chunk.Entries {
			if err := e.apply(ctx, entry); err != nil {
				if errors.Is(err, ErrStopRun) {
					stop = true
					return nil
				}
				return fmt.Errorf("syncengine: applying %s %s: %w", entry.Action, entry.Resource, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, entry := range chunk.Entries[:applied] {
		_ = e.bus.Dispatch(ctx, eventbus.SyncApplied(entry.Resource, entry.Action), entry)
	}
	return stop, nil
}
