// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/cryptobox"
	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/keychain"
	"github.com/hawki-chat/hawki/lib/localstore"
	"github.com/hawki-chat/hawki/lib/syncengine"
	"github.com/hawki-chat/hawki/lib/version"
	"github.com/hawki-chat/hawki/messaging"
)

// ErrUserRemoved is returned once the change log reports the active
// user's removal. The local replica has been wiped and the connection
// refuses further sync processing.
var ErrUserRemoved = errors.New("client: user removed by server")

// Config holds the parameters for opening a connection.
type Config struct {
	// Client talks to the HAWKI server. Required.
	Client *messaging.Client

	// Session is the authenticated session. Required.
	Session *messaging.Session

	// StorePath is the SQLite file backing the local replica.
	StorePath string

	// PoolSize overrides the store's connection pool size when
	// positive.
	PoolSize int

	// Passphrase unlocks the locally persisted keychain. Empty
	// disables local keychain persistence.
	Passphrase string

	// Bus receives every event the connection produces. Nil creates
	// a private bus.
	Bus *eventbus.Bus

	// Clock, nil means the real clock.
	Clock clock.Clock

	// Logger, nil discards.
	Logger *slog.Logger

	// ChunkLimit overrides the sync engine's change-log page size
	// when positive.
	ChunkLimit int

	// Dialer overrides the websocket dialer (tests). Nil uses the
	// default.
	Dialer *websocket.Dialer

	// SkipRealtime opens the connection without the realtime
	// channel, for one-shot operation.
	SkipRealtime bool
}

// Connection composes the client engine: event bus, local replica,
// keychain, sync engine and realtime channel, bound to one
// authenticated session. Open performs the full startup sequence;
// the zero value is not usable.
type Connection struct {
	client   *messaging.Client
	session  *messaging.Session
	bus      *eventbus.Bus
	store    *localstore.Store
	keychain *keychain.Keychain
	engine   *syncengine.Engine
	realtime *messaging.Realtime
	logger   *slog.Logger

	// removed is set when the change log reports the active user's
	// removal; the connection self-destructs and stops syncing.
	removed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open brings up the connection: verifies the replica's identity
// (wiping a stale one), restores the keychain, announces EventInit,
// attaches the realtime channels and runs the initial global sync.
// The store only emits storage events once Open has completed.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Client == nil || cfg.Session == nil {
		return nil, fmt.Errorf("client: Client and Session are required")
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("client: StorePath is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New(logger)
	}

	info, err := cfg.Client.ServerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: fetching server info: %w", err)
	}

	store, err := localstore.Open(localstore.Config{
		Path:     cfg.StorePath,
		PoolSize: cfg.PoolSize,
		Tables:   tableSpecs(),
		Clock:    cfg.Clock,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client: opening local store: %w", err)
	}

	conn := &Connection{
		client:  cfg.Client,
		session: cfg.Session,
		bus:     bus,
		store:   store,
		logger:  logger,
	}
	fail := func(err error) (*Connection, error) {
		closeCtx := context.WithoutCancel(ctx)
		if closeErr := store.Close(closeCtx); closeErr != nil {
			logger.Error("closing store after failed open", "error", closeErr)
		}
		return nil, err
	}

	// The replica is bound to one user on one server at one protocol
	// generation; anything else on disk is somebody else's data.
	identity := localstore.Meta{
		UserHash:      cryptobox.Fingerprint(cfg.Session.UserID(), cfg.Client.BaseURL()),
		HawkiVersion:  version.Protocol,
		ClientVersion: version.Client,
	}
	wiped, err := store.VerifyIdentity(ctx, identity)
	if err != nil {
		return fail(fmt.Errorf("client: verifying replica identity: %w", err))
	}
	if wiped {
		logger.Info("replica identity mismatch, wiped local data")
	}

	kc, err := conn.openKeychain(ctx, cfg, info)
	if err != nil {
		return fail(err)
	}
	conn.keychain = kc

	engine, err := syncengine.New(syncengine.Config{
		Source:     cfg.Session,
		Store:      store,
		Bus:        bus,
		Apply:      conn.applyEntry,
		Recover:    conn.recoverWipe,
		Clock:      cfg.Clock,
		Logger:     logger,
		ChunkLimit: cfg.ChunkLimit,
	})
	if err != nil {
		return fail(fmt.Errorf("client: creating sync engine: %w", err))
	}
	conn.engine = engine
	conn.watchRoomClears()

	if err := bus.Dispatch(ctx, eventbus.EventInit, nil); err != nil {
		return fail(fmt.Errorf("client: init listener failed: %w", err))
	}

	if !cfg.SkipRealtime {
		realtime, err := messaging.NewRealtime(messaging.RealtimeConfig{
			Session: cfg.Session,
			Bus:     bus,
			Logger:  logger,
			Dialer:  cfg.Dialer,
		})
		if err != nil {
			return fail(fmt.Errorf("client: creating realtime channel: %w", err))
		}
		conn.realtime = realtime
		if err := conn.attachRealtime(); err != nil {
			return fail(err)
		}
		if err := realtime.Connect(ctx); err != nil {
			return fail(fmt.Errorf("client: connecting realtime channel: %w", err))
		}
	}

	if _, err := conn.Sync(ctx); err != nil {
		if errors.Is(err, ErrUserRemoved) {
			// selfDestruct already wiped and closed everything.
			return nil, err
		}
		return fail(fmt.Errorf("client: initial sync: %w", err))
	}

	store.SetActive(true)
	return conn, nil
}

func (c *Connection) openKeychain(ctx context.Context, cfg Config, info *messaging.ServerInfoResponse) (*keychain.Keychain, error) {
	kcConfig := keychain.Config{
		Clock:  cfg.Clock,
		Logger: c.logger,
		Remote: cfg.Session,
		AISalt: info.AISalt,
	}
	if cfg.Passphrase != "" {
		kcConfig.Table = c.store.MustTable(resourceKeychain)
		kcConfig.MasterKey = keychain.UnlockKey(cfg.Passphrase, []byte(info.KeychainSalt))
	}
	kc, err := keychain.New(kcConfig)
	if err != nil {
		return nil, fmt.Errorf("client: opening keychain: %w", err)
	}
	if err := kc.Load(ctx); err != nil {
		return nil, fmt.Errorf("client: restoring keychain: %w", err)
	}
	if err := kc.SyncFromRemote(ctx); err != nil {
		// Offline start is fine: the local keychain serves reads and
		// the debounced flush reconciles once the server is back.
		c.logger.Warn("keychain remote sync failed, continuing with local state", "error", err)
	}
	return kc, nil
}

// attachRealtime wires the server's sync notifications to engine
// runs. Room channel membership itself follows the room applier, see
// applyRoom.
func (c *Connection) attachRealtime() error {
	syncAll := func(ctx context.Context, payload any) error {
		go c.backgroundSync(syncengine.ScopeGlobal)
		return nil
	}
	if _, err := c.realtime.AddListener(eventbus.ChannelEvent(eventbus.ScopeUser, "sync"), syncAll, 0); err != nil {
		return fmt.Errorf("client: attaching user channel: %w", err)
	}
	if _, err := c.realtime.AddListener(eventbus.ChannelEvent(eventbus.ScopeGlobal, "sync"), syncAll, 0); err != nil {
		return fmt.Errorf("client: attaching global channel: %w", err)
	}
	_, err := c.realtime.AddListener(eventbus.ChannelEvent(eventbus.ScopeRoom, "sync"), func(ctx context.Context, payload any) error {
		message, ok := payload.(eventbus.ChannelMessage)
		if !ok || message.RoomID == "" {
			return nil
		}
		go c.backgroundSync(syncengine.ScopeRoom(message.RoomID))
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("client: attaching room channels: %w", err)
	}
	return nil
}

func (c *Connection) backgroundSync(scope syncengine.Scope) {
	if _, err := c.run(context.Background(), scope); err != nil {
		c.logger.Error("background sync failed", "scope", string(scope), "error", err)
	}
}

// Sync runs a global reconciliation against the change log.
func (c *Connection) Sync(ctx context.Context) (syncengine.Outcome, error) {
	return c.run(ctx, syncengine.ScopeGlobal)
}

// SyncRoom runs a reconciliation for one room.
func (c *Connection) SyncRoom(ctx context.Context, roomID string) (syncengine.Outcome, error) {
	return c.run(ctx, syncengine.ScopeRoom(roomID))
}

func (c *Connection) run(ctx context.Context, scope syncengine.Scope) (syncengine.Outcome, error) {
	if c.removed.Load() {
		return "", ErrUserRemoved
	}
	outcome, err := c.engine.Run(ctx, scope)
	if err != nil {
		return "", err
	}
	if c.removed.Load() {
		// The server removed this user: tear down everything and
		// leave no local trace.
		c.selfDestruct(context.WithoutCancel(ctx))
		return outcome, ErrUserRemoved
	}
	return outcome, nil
}

// watchRoomClears purges a room's dependent records when a room-
// scoped full run announces its reset. Which records belong to the
// room is resource-specific, so the global table clear cannot cover
// this.
func (c *Connection) watchRoomClears() {
	c.bus.AddListener(eventbus.EventSyncCleared, func(ctx context.Context, payload any) error {
		cleared, ok := payload.(eventbus.SyncCleared)
		if !ok || cleared.RoomID == "" {
			return nil
		}
		return c.clearRoomRecords(ctx, cleared.RoomID)
	}, 0)
}

func (c *Connection) clearRoomRecords(ctx context.Context, roomID string) error {
	for _, resource := range []string{ResourceMessage, ResourceMember, ResourceInvitation} {
		table := c.store.MustTable(resource)
		_, err := table.RemoveMatching(ctx, func(record localstore.Record) bool {
			return recordRoomID(record) == roomID
		})
		if err != nil {
			return fmt.Errorf("client: clearing %s records of room %s: %w", resource, roomID, err)
		}
	}
	return nil
}

// selfDestruct handles the active user's removal: disconnect, wipe,
// and refuse further sync processing. It consumes the close guard, so
// a later Close is a no-op.
func (c *Connection) selfDestruct(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.logger.Warn("user removed by server, wiping local data")
		if err := c.bus.Dispatch(ctx, eventbus.EventDisconnect, nil); err != nil {
			c.logger.Error("disconnect listener failed", "error", err)
		}
		if err := c.teardown(ctx); err != nil {
			c.logger.Error("teardown after user removal failed", "error", err)
		}
		if err := c.store.Wipe(ctx); err != nil {
			c.logger.Error("wipe after user removal failed", "error", err)
		}
		c.closeErr = c.store.Close(ctx)
	})
}

// WipeReplica destroys the local replica at path without opening a
// connection: all tables and the identity meta are cleared. Used by
// operator tooling.
func WipeReplica(ctx context.Context, path string, poolSize int) error {
	store, err := localstore.Open(localstore.Config{
		Path:     path,
		PoolSize: poolSize,
		Tables:   tableSpecs(),
		Bus:      eventbus.New(nil),
	})
	if err != nil {
		return fmt.Errorf("client: opening replica for wipe: %w", err)
	}
	wipeErr := store.Wipe(ctx)
	if closeErr := store.Close(ctx); wipeErr == nil {
		wipeErr = closeErr
	}
	return wipeErr
}

// Bus returns the connection's event bus.
func (c *Connection) Bus() *eventbus.Bus { return c.bus }

// Store returns the local replica.
func (c *Connection) Store() *localstore.Store { return c.store }

// Keychain returns the key material store.
func (c *Connection) Keychain() *keychain.Keychain { return c.keychain }

// Session returns the authenticated session.
func (c *Connection) Session() *messaging.Session { return c.session }

// Realtime returns the realtime channel, nil when the connection was
// opened with SkipRealtime.
func (c *Connection) Realtime() *messaging.Realtime { return c.realtime }

// Removed reports whether the server removed the active user.
func (c *Connection) Removed() bool { return c.removed.Load() }

// Close announces the disconnect, flushes pending writes and tears
// the connection down. Safe to call more than once.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if err := c.bus.Dispatch(ctx, eventbus.EventDisconnect, nil); err != nil {
			c.logger.Error("disconnect listener failed", "error", err)
		}
		c.closeErr = c.teardown(ctx)
		if err := c.store.Close(ctx); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *Connection) teardown(ctx context.Context) error {
	// Mutations during teardown are silent.
	c.store.SetActive(false)
	var firstErr error
	if c.realtime != nil {
		if err := c.realtime.Close(); err != nil {
			firstErr = err
		}
	}
	if c.keychain != nil {
		if err := c.keychain.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.client.CloseIdleConnections()
	return firstErr
}
